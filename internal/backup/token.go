package backup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store/postgres"
)

// downloadPathPrefix is the public URL path a token resolves under.
const downloadPathPrefix = "/api/backup/download/"

// TokenService issues and resolves opaque download tokens for finished
// browser-download backups.
type TokenService struct {
	store  store.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenService creates a token service with the given token lifetime.
func NewTokenService(st store.Store, ttl time.Duration, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenService{
		store:  st,
		ttl:    ttl,
		logger: logger,
	}
}

// Issue mints a fresh token for the backup and stamps the token, download
// URL and expiry onto the record. The caller persists the record.
func (t *TokenService) Issue(b *models.Backup) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generating download token: %w", err)
	}

	token := hex.EncodeToString(raw)
	expiry := time.Now().UTC().Add(t.ttl)

	b.DownloadToken = token
	b.DownloadURL = downloadPathPrefix + token
	b.ExpiresAt = &expiry
	return nil
}

// Resolve maps a token to the artifact path it unlocks. Every failure
// (unknown token, expired token, backup not completed, artifact gone) is
// the same ErrTokenNotFound.
func (t *TokenService) Resolve(ctx context.Context, token string) (*models.Backup, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	b, err := t.store.Backups().GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("resolving download token: %w", err)
	}

	if b.Status != models.BackupStatusCompleted || b.IsArchived {
		return nil, ErrTokenNotFound
	}
	if b.ExpiresAt == nil || !time.Now().UTC().Before(*b.ExpiresAt) {
		return nil, ErrTokenNotFound
	}
	if b.FilePath == "" {
		return nil, ErrTokenNotFound
	}
	if _, err := os.Stat(b.FilePath); err != nil {
		return nil, ErrTokenNotFound
	}

	return b, nil
}

// CleanupExpired deletes artifact files for expired browser downloads.
// The rows stay behind as an audit trail, stale token and URL included;
// Resolve rejects them because the file is gone.
func (t *TokenService) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := t.store.Backups().ListExpiredDownloads(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing expired downloads: %w", err)
	}

	removed := 0
	for _, b := range expired {
		if err := os.Remove(b.FilePath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			t.logger.Error("failed to remove expired artifact",
				"backup_id", b.ID,
				"path", b.FilePath,
				"error", err,
			)
			continue
		}

		removed++
		t.logger.Info("removed expired backup artifact", "backup_id", b.ID, "path", b.FilePath)
	}

	return removed, nil
}
