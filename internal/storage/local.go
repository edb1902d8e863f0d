package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalDir stores artifacts in a mapped directory on the host filesystem.
type LocalDir struct {
	dir string
}

// NewLocalDir creates a local directory destination, creating the directory
// if it does not exist.
func NewLocalDir(dir string) (*LocalDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalDir{dir: dir}, nil
}

// Store moves the artifact into the mapped directory. A cross-device rename
// falls back to copy-then-remove.
func (l *LocalDir) Store(ctx context.Context, localPath, fileName string) (string, error) {
	dest := filepath.Join(l.dir, fileName)

	if err := os.Rename(localPath, dest); err != nil {
		if copyErr := copyFile(localPath, dest); copyErr != nil {
			return "", fmt.Errorf("moving artifact to %s: %w", dest, copyErr)
		}
		if rmErr := os.Remove(localPath); rmErr != nil {
			return "", fmt.Errorf("removing staged artifact: %w", rmErr)
		}
	}

	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
