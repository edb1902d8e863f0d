// Package backup implements the backup orchestrator: it drives pg_dump,
// the artifact pipeline and the download token service, persisting every
// state transition so pollers always observe a terminal state.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
	"github.com/khoskins-amp/supabase-backup-tool/internal/storage"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store/postgres"
)

// Error codes recorded on failed backup rows.
const (
	CodeDumpFailed     = "pg_dump"
	CodeIOFailed       = "io"
	CodeStorageFailed  = "storage"
	CodeInvalidProject = "invalid_project"
)

// Progress phases shown to pollers, one per status.
const (
	phasePending    = "Backup queued for processing..."
	phaseInProgress = "Creating backup..."
	phaseCompleted  = "Backup completed successfully!"
	phaseFailed     = "Backup failed"
	phaseCancelled  = "Backup was cancelled"
)

var fileNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// Config holds orchestrator settings.
type Config struct {
	TempDir     string
	ArtifactDir string
	MaxRetries  int
}

// Dumper produces a database dump file. *DumpRunner is the production
// implementation.
type Dumper interface {
	Dump(ctx context.Context, databaseURL string, opts DumpOptions) error
}

// Service coordinates backup runs. At most one backup runs per project at
// a time; the lease is held for the whole run.
type Service struct {
	store    store.Store
	registry *projects.Service
	dumper   Dumper
	pipeline *Pipeline
	tokens   *TokenService
	router   *storage.Router
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	leases map[string]struct{}
	wg     sync.WaitGroup
}

// NewService creates a backup orchestrator.
func NewService(cfg Config, st store.Store, registry *projects.Service, dumper Dumper, pipeline *Pipeline, tokens *TokenService, router *storage.Router, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact directory: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Service{
		store:    st,
		registry: registry,
		dumper:   dumper,
		pipeline: pipeline,
		tokens:   tokens,
		router:   router,
		cfg:      cfg,
		logger:   logger,
		leases:   make(map[string]struct{}),
	}, nil
}

// Start validates the spec, creates a pending backup record and launches
// the run in the background. The returned record is in status pending;
// callers poll Progress for the outcome.
func (s *Service) Start(ctx context.Context, spec models.BackupSpec) (*models.Backup, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	project, err := s.registry.Get(ctx, spec.ProjectID)
	if err != nil {
		return nil, err
	}
	if !project.IsActive {
		return nil, fmt.Errorf("%w: project %s is not active", ErrInvalidSpec, project.ID)
	}
	if spec.StorageType != models.StorageBrowserDownload && !s.router.Supports(spec.StorageType) {
		return nil, fmt.Errorf("%w: no destination configured for storage type %q", ErrInvalidSpec, spec.StorageType)
	}

	if !s.acquireLease(project.ID) {
		return nil, ErrProjectBusy
	}

	b := newBackupRecord(spec)
	if err := s.store.Backups().Create(ctx, b); err != nil {
		s.releaseLease(project.ID)
		return nil, fmt.Errorf("creating backup record: %w", err)
	}

	// The goroutine owns b from here; hand the caller a snapshot.
	snapshot := *b
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseLease(project.ID)
		s.execute(context.WithoutCancel(ctx), b, project)
	}()

	return &snapshot, nil
}

// Run executes an already-persisted pending backup synchronously. The
// queue worker uses it for scheduled jobs.
func (s *Service) Run(ctx context.Context, backupID string) error {
	b, err := s.Get(ctx, backupID)
	if err != nil {
		return err
	}
	if b.Status != models.BackupStatusPending {
		return &InvalidStateError{BackupID: b.ID, Status: b.Status, Op: "run"}
	}

	project, err := s.registry.Get(ctx, b.ProjectID)
	if err != nil {
		return err
	}

	if !s.acquireLease(project.ID) {
		return ErrProjectBusy
	}
	defer s.releaseLease(project.ID)

	s.execute(ctx, b, project)
	return nil
}

// Prepare validates a spec and persists a pending record without running
// it. Scheduled backups are prepared at enqueue time and run by the worker.
func (s *Service) Prepare(ctx context.Context, spec models.BackupSpec) (*models.Backup, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	if _, err := s.registry.Get(ctx, spec.ProjectID); err != nil {
		return nil, err
	}

	b := newBackupRecord(spec)
	if err := s.store.Backups().Create(ctx, b); err != nil {
		return nil, fmt.Errorf("creating backup record: %w", err)
	}
	return b, nil
}

// Get retrieves a single backup record.
func (s *Service) Get(ctx context.Context, id string) (*models.Backup, error) {
	b, err := s.store.Backups().Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrBackupNotFound
		}
		return nil, fmt.Errorf("loading backup: %w", err)
	}
	return b, nil
}

// List retrieves backups matching the filter along with the total count.
func (s *Service) List(ctx context.Context, filter store.BackupFilter) ([]*models.Backup, int64, error) {
	items, err := s.store.Backups().List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing backups: %w", err)
	}
	total, err := s.store.Backups().Count(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("counting backups: %w", err)
	}
	return items, total, nil
}

// Cancel marks a pending or in-progress backup as cancelled. A dump
// process already running is not terminated; the run observes the
// cancelled status at its next checkpoint and discards its output.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Backup, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// A conflict means the run advanced underneath us: pending became
	// in-progress (still cancellable, retry from there) or the run reached a
	// terminal status first (report it).
	for {
		if b.Status != models.BackupStatusPending && b.Status != models.BackupStatusInProgress {
			return nil, &InvalidStateError{BackupID: b.ID, Status: b.Status, Op: "cancel"}
		}

		from := b.Status
		now := time.Now().UTC()
		b.Status = models.BackupStatusCancelled
		b.CompletedAt = &now
		err := s.store.Backups().Transition(ctx, b, from)
		if err == nil {
			break
		}
		if !errors.Is(err, postgres.ErrStatusConflict) {
			return nil, fmt.Errorf("cancelling backup: %w", err)
		}
		if b, err = s.Get(ctx, id); err != nil {
			return nil, err
		}
	}

	s.logger.Info("cancelled backup", "backup_id", b.ID)
	return b, nil
}

// Retry re-runs a failed backup, bumping its retry counter. The row is
// reset to pending and executed again in the background.
func (s *Service) Retry(ctx context.Context, id string) (*models.Backup, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if b.Status != models.BackupStatusFailed {
		return nil, &InvalidStateError{BackupID: b.ID, Status: b.Status, Op: "retry"}
	}
	if b.RetryCount >= s.cfg.MaxRetries {
		return nil, ErrRetryExhausted
	}

	project, err := s.registry.Get(ctx, b.ProjectID)
	if err != nil {
		return nil, err
	}

	if !s.acquireLease(project.ID) {
		return nil, ErrProjectBusy
	}

	b.Status = models.BackupStatusPending
	b.RetryCount++
	b.ErrorMessage = ""
	b.ErrorCode = ""
	b.StartedAt = nil
	b.CompletedAt = nil
	b.Duration = 0
	if err := s.store.Backups().Update(ctx, b); err != nil {
		s.releaseLease(project.ID)
		return nil, fmt.Errorf("resetting backup for retry: %w", err)
	}

	snapshot := *b
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseLease(project.ID)
		s.execute(context.WithoutCancel(ctx), b, project)
	}()

	return &snapshot, nil
}

// Progress reports the coarse progress view for a backup.
func (s *Service) Progress(ctx context.Context, id string) (*models.BackupProgress, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	progress, phase := progressFor(b.Status)
	return &models.BackupProgress{
		BackupID:     b.ID,
		Status:       b.Status,
		Progress:     progress,
		Phase:        phase,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		ErrorMessage: b.ErrorMessage,
	}, nil
}

// Stats aggregates backup records, optionally scoped to a project.
func (s *Service) Stats(ctx context.Context, projectID string) (*models.BackupStats, error) {
	return s.store.Backups().Stats(ctx, projectID)
}

// Archive soft-deletes a backup record and removes its local artifact.
func (s *Service) Archive(ctx context.Context, id string) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if b.Status == models.BackupStatusInProgress {
		return &InvalidStateError{BackupID: b.ID, Status: b.Status, Op: "archive"}
	}

	if b.StorageType == models.StorageBrowserDownload && b.FilePath != "" {
		if err := os.Remove(b.FilePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove archived artifact", "backup_id", b.ID, "error", err)
		}
	}

	if err := s.store.Backups().Archive(ctx, id); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return ErrBackupNotFound
		}
		return fmt.Errorf("archiving backup: %w", err)
	}
	return nil
}

// Wait blocks until all in-flight backup runs finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// execute drives one backup run through dump, pipeline and storage.
// Failures are recorded on the row, never propagated; the row always
// reaches a terminal status.
func (s *Service) execute(ctx context.Context, b *models.Backup, project *models.Project) {
	logger := s.logger.With("backup_id", b.ID, "project_id", project.ID)

	// Status writes must land even when the run context is cancelled during
	// shutdown; otherwise the row strands in a non-terminal state.
	persistCtx := context.WithoutCancel(ctx)

	started := time.Now().UTC()
	b.Status = models.BackupStatusInProgress
	b.StartedAt = &started
	if err := s.store.Backups().Transition(persistCtx, b, models.BackupStatusPending); err != nil {
		if errors.Is(err, postgres.ErrStatusConflict) {
			logger.Info("backup cancelled before start")
			return
		}
		logger.Error("failed to mark backup in-progress", "error", err)
		return
	}

	fileName := dumpFileName(project.Name, b.BackupType, started)
	dumpPath := filepath.Join(s.cfg.TempDir, fileName)

	logger.Info("starting backup", "backup_type", b.BackupType, "file", fileName)

	err := s.dumper.Dump(ctx, project.DatabaseURL, DumpOptions{
		OutputPath:    dumpPath,
		BackupType:    b.BackupType,
		IncludeTables: b.IncludeTables,
		ExcludeTables: b.ExcludeTables,
	})
	if err != nil {
		s.markFailed(persistCtx, b, err)
		return
	}

	if s.cancelled(persistCtx, b) {
		os.Remove(dumpPath)
		logger.Info("backup cancelled, discarding dump")
		return
	}

	info, err := os.Stat(dumpPath)
	if err != nil {
		s.markFailed(persistCtx, b, fmt.Errorf("inspecting dump file: %w", err))
		return
	}
	b.FileSize = info.Size()

	artifactPath, err := s.pipeline.Compress(dumpPath, b.CompressionType)
	if err != nil {
		os.Remove(dumpPath)
		s.markFailed(persistCtx, b, err)
		return
	}
	if artifactPath != dumpPath {
		compressed, err := os.Stat(artifactPath)
		if err != nil {
			os.Remove(artifactPath)
			s.markFailed(persistCtx, b, fmt.Errorf("inspecting compressed file: %w", err))
			return
		}
		b.CompressedSize = compressed.Size()
	}

	artifactPath, err = s.pipeline.Encrypt(artifactPath)
	if err != nil {
		os.Remove(artifactPath)
		s.markFailed(persistCtx, b, err)
		return
	}

	checksum, err := s.pipeline.Checksum(artifactPath)
	if err != nil {
		os.Remove(artifactPath)
		s.markFailed(persistCtx, b, err)
		return
	}
	b.Checksum = checksum
	b.FileName = filepath.Base(artifactPath)

	if s.cancelled(persistCtx, b) {
		os.Remove(artifactPath)
		logger.Info("backup cancelled, discarding artifact")
		return
	}

	switch b.StorageType {
	case models.StorageBrowserDownload:
		finalPath := filepath.Join(s.cfg.ArtifactDir, b.FileName)
		if err := os.Rename(artifactPath, finalPath); err != nil {
			os.Remove(artifactPath)
			s.markFailed(persistCtx, b, fmt.Errorf("moving artifact: %w", err))
			return
		}
		b.FilePath = finalPath
		if err := s.tokens.Issue(b); err != nil {
			os.Remove(finalPath)
			s.markFailed(persistCtx, b, err)
			return
		}
	default:
		location, err := s.router.Store(ctx, b.StorageType, artifactPath, b.FileName)
		if err != nil {
			os.Remove(artifactPath)
			s.markFailed(persistCtx, b, fmt.Errorf("storing artifact: %w", err))
			return
		}
		b.FilePath = location
	}

	completed := time.Now().UTC()
	b.Status = models.BackupStatusCompleted
	b.CompletedAt = &completed
	b.Duration = int64(completed.Sub(started).Seconds())
	b.Validated = true
	b.ErrorMessage = ""
	b.ErrorCode = ""

	if err := s.store.Backups().Transition(persistCtx, b, models.BackupStatusInProgress); err != nil {
		if errors.Is(err, postgres.ErrStatusConflict) {
			// Cancel landed after the last checkpoint; its terminal status
			// stands and the artifact is discarded.
			if b.StorageType == models.StorageBrowserDownload && b.FilePath != "" {
				os.Remove(b.FilePath)
			}
			logger.Info("backup cancelled during finalization, discarding artifact")
			return
		}
		logger.Error("failed to mark backup completed", "error", err)
		return
	}

	size := b.FileSize
	if b.CompressedSize > 0 {
		size = b.CompressedSize
	}
	if err := s.registry.RecordBackup(persistCtx, project.ID, size, completed); err != nil {
		logger.Error("failed to record backup on project", "error", err)
	}

	logger.Info("backup completed",
		"duration_seconds", b.Duration,
		"file_size", b.FileSize,
		"compressed_size", b.CompressedSize,
	)
}

// markFailed records the failure on the row and transitions it to failed.
func (s *Service) markFailed(ctx context.Context, b *models.Backup, cause error) {
	now := time.Now().UTC()
	b.Status = models.BackupStatusFailed
	b.CompletedAt = &now
	if b.StartedAt != nil {
		b.Duration = int64(now.Sub(*b.StartedAt).Seconds())
	}

	var procErr *ProcessError
	if errors.As(cause, &procErr) {
		b.ErrorCode = procErr.Tool
		if procErr.Stderr != "" {
			b.ErrorMessage = procErr.Stderr
		} else {
			b.ErrorMessage = procErr.Error()
		}
	} else {
		b.ErrorCode = CodeIOFailed
		b.ErrorMessage = cause.Error()
	}

	if err := s.store.Backups().Transition(ctx, b, models.BackupStatusInProgress); err != nil {
		if errors.Is(err, postgres.ErrStatusConflict) {
			s.logger.Info("backup cancelled concurrently, keeping cancelled status", "backup_id", b.ID)
			return
		}
		s.logger.Error("failed to mark backup failed", "backup_id", b.ID, "error", err)
		return
	}

	s.logger.Error("backup failed",
		"backup_id", b.ID,
		"error_code", b.ErrorCode,
		"error", cause,
	)
}

// cancelled reloads the row and reports whether a concurrent Cancel won.
func (s *Service) cancelled(ctx context.Context, b *models.Backup) bool {
	current, err := s.store.Backups().Get(ctx, b.ID)
	if err != nil {
		return false
	}
	if current.Status == models.BackupStatusCancelled {
		*b = *current
		return true
	}
	return false
}

func (s *Service) acquireLease(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[projectID]; held {
		return false
	}
	s.leases[projectID] = struct{}{}
	return true
}

func (s *Service) releaseLease(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, projectID)
}

func validateSpec(spec models.BackupSpec) error {
	if spec.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidSpec)
	}
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: backup name is required", ErrInvalidSpec)
	}
	switch spec.BackupType {
	case models.BackupTypeFull, models.BackupTypeSchema, models.BackupTypeData:
	default:
		return fmt.Errorf("%w: invalid backup type %q", ErrInvalidSpec, spec.BackupType)
	}
	switch spec.CompressionType {
	case models.CompressionNone, models.CompressionGzip, models.CompressionBzip2:
	default:
		return fmt.Errorf("%w: invalid compression type %q", ErrInvalidSpec, spec.CompressionType)
	}
	return nil
}

func newBackupRecord(spec models.BackupSpec) *models.Backup {
	now := time.Now().UTC()
	triggerType := spec.TriggerType
	if triggerType == "" {
		triggerType = models.TriggerManual
	}
	storageType := spec.StorageType
	if storageType == "" {
		storageType = models.StorageBrowserDownload
	}

	return &models.Backup{
		ID:              uuid.NewString(),
		ProjectID:       spec.ProjectID,
		Name:            spec.Name,
		Description:     spec.Description,
		TriggerType:     triggerType,
		BackupType:      spec.BackupType,
		CompressionType: spec.CompressionType,
		Status:          models.BackupStatusPending,
		StorageType:     storageType,
		IncludeTables:   spec.IncludeTables,
		ExcludeTables:   spec.ExcludeTables,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// dumpFileName builds <name>_<type>_<timestamp>_<random>.sql with unsafe
// characters replaced by underscores. The random suffix keeps concurrent
// runs of same-named projects from colliding on one temp path.
func dumpFileName(projectName string, backupType models.BackupType, at time.Time) string {
	sanitized := fileNameSanitizer.ReplaceAllString(projectName, "_")
	timestamp := at.Format("2006-01-02_15-04-05")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s_%s.sql", sanitized, backupType, timestamp, suffix)
}

func progressFor(status models.BackupStatus) (int, string) {
	switch status {
	case models.BackupStatusPending:
		return 0, phasePending
	case models.BackupStatusInProgress:
		return 50, phaseInProgress
	case models.BackupStatusCompleted:
		return 100, phaseCompleted
	case models.BackupStatusFailed:
		return 0, phaseFailed
	case models.BackupStatusCancelled:
		return 0, phaseCancelled
	default:
		return 0, string(status)
	}
}
