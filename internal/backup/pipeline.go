package backup

import (
	"compress/flate"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"filippo.io/age"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

// gzipLevel is the fixed compression level for dump artifacts.
const gzipLevel = 6

// Pipeline post-processes dump files: compression, optional encryption,
// and integrity checksums.
type Pipeline struct {
	recipient *age.X25519Recipient
	logger    *slog.Logger
}

// NewPipeline creates an artifact pipeline. agePublicKey is optional; when
// set, artifacts are encrypted to it after compression.
func NewPipeline(agePublicKey string, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{logger: logger}
	if agePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(agePublicKey)
		if err != nil {
			return nil, fmt.Errorf("parsing age public key: %w", err)
		}
		p.recipient = recipient
	}
	return p, nil
}

// Compress streams the file at path through the requested compressor and
// returns the new path. CompressionNone is a passthrough. Bzip2 has no
// streaming writer in the runtime, so it falls back to a raw deflate
// stream with a .deflate suffix; the artifact is not bzip2-compatible.
// On success the original file is deleted; on failure it is left intact.
func (p *Pipeline) Compress(path string, algorithm models.CompressionType) (string, error) {
	if algorithm == models.CompressionNone {
		return path, nil
	}

	var outPath string
	switch algorithm {
	case models.CompressionGzip:
		outPath = path + ".gz"
	case models.CompressionBzip2:
		outPath = path + ".deflate"
	default:
		return "", fmt.Errorf("unsupported compression type: %s", algorithm)
	}

	if err := p.compressTo(path, outPath, algorithm); err != nil {
		os.Remove(outPath)
		return "", err
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing uncompressed dump: %w", err)
	}

	return outPath, nil
}

func (p *Pipeline) compressTo(src, dst string, algorithm models.CompressionType) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening dump file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating compressed file: %w", err)
	}
	defer out.Close()

	var compressor io.WriteCloser
	switch algorithm {
	case models.CompressionGzip:
		compressor, err = gzip.NewWriterLevel(out, gzipLevel)
	case models.CompressionBzip2:
		p.logger.Warn("bzip2 has no streaming writer, falling back to raw deflate")
		compressor, err = flate.NewWriter(out, flate.DefaultCompression)
	}
	if err != nil {
		return fmt.Errorf("creating compressor: %w", err)
	}

	if _, err := io.Copy(compressor, in); err != nil {
		compressor.Close()
		return fmt.Errorf("compressing dump: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("flushing compressor: %w", err)
	}
	return out.Close()
}

// Encrypt wraps the artifact in an age encryption layer when a recipient
// is configured. Returns the (possibly unchanged) artifact path. Runs
// after compression and before checksumming, so the checksum always
// covers the bytes a download actually serves.
func (p *Pipeline) Encrypt(path string) (string, error) {
	if p.recipient == nil {
		return path, nil
	}

	outPath := path + ".age"

	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening artifact: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("creating encrypted artifact: %w", err)
	}
	defer out.Close()

	w, err := age.Encrypt(out, p.recipient)
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("starting age encryption: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("encrypting artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("finishing age encryption: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("closing encrypted artifact: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("removing plaintext artifact: %w", err)
	}
	return outPath, nil
}

// Checksum computes the hex SHA-256 of the file at path, streaming so
// large dumps never load into memory.
func (p *Pipeline) Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening artifact for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing artifact: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
