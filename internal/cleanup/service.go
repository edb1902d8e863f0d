// Package cleanup runs the periodic housekeeping loop: expired download
// sweeps and retention-based archiving of old backup records.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
)

const (
	// DefaultInterval is how often the sweep runs.
	DefaultInterval = 15 * time.Minute
	// minRetainedPerProject backups are always kept per project
	// regardless of age.
	minRetainedPerProject = 1
)

// Result holds the outcome of one sweep.
type Result struct {
	ExpiredRemoved  int           `json:"expired_removed"`
	BackupsArchived int           `json:"backups_archived"`
	Errors          []string      `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Service periodically removes expired download artifacts and archives
// backups past their project's retention window.
type Service struct {
	store        store.Store
	registry     *projects.Service
	tokens       *backup.TokenService
	orchestrator *backup.Service
	interval     time.Duration
	logger       *slog.Logger
}

// NewService creates a cleanup service.
func NewService(st store.Store, registry *projects.Service, tokens *backup.TokenService, orchestrator *backup.Service, interval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		store:        st,
		registry:     registry,
		tokens:       tokens,
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("starting cleanup loop", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cleanup loop stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one cleanup pass.
func (s *Service) Sweep(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	removed, err := s.tokens.CleanupExpired(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sweeping expired downloads: %w", err)
	}
	result.ExpiredRemoved = removed

	if err := s.archiveByRetention(ctx, result); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	if result.ExpiredRemoved > 0 || result.BackupsArchived > 0 {
		s.logger.Info("cleanup sweep completed",
			"expired_removed", result.ExpiredRemoved,
			"backups_archived", result.BackupsArchived,
			"errors", len(result.Errors),
			"duration", result.Duration,
		)
	}

	return result, nil
}

// archiveByRetention archives completed backups older than each project's
// retention window, always keeping the newest ones.
func (s *Service) archiveByRetention(ctx context.Context, result *Result) error {
	projectList, err := s.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("listing projects for retention: %w", err)
	}

	for _, p := range projectList {
		if p.BackupRetentionDays <= 0 {
			continue
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -p.BackupRetentionDays)

		backups, err := s.store.Backups().List(ctx, store.BackupFilter{
			ProjectID: p.ID,
			Status:    models.BackupStatusCompleted,
			SortBy:    "created_at",
			SortDir:   store.SortDesc,
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("listing backups for project %s: %v", p.ID, err))
			continue
		}

		for i, b := range backups {
			if i < minRetainedPerProject {
				continue
			}
			if !b.CreatedAt.Before(cutoff) {
				continue
			}

			if err := s.orchestrator.Archive(ctx, b.ID); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("archiving backup %s: %v", b.ID, err))
				continue
			}
			result.BackupsArchived++
			s.logger.Debug("archived backup past retention",
				"backup_id", b.ID,
				"project_id", p.ID,
				"created_at", b.CreatedAt,
			)
		}
	}

	return nil
}
