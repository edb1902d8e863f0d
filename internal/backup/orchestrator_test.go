package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/storage"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
)

type testEnv struct {
	svc     *Service
	store   *mockStore
	project *models.Project
	dumper  *fakeDumper
	router  *storage.Router
	tempDir string
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := newMockStore()
	registry, project := newTestRegistry(t, st)

	pipeline, err := NewPipeline("", nil)
	require.NoError(t, err)

	tokens := NewTokenService(st, time.Hour, nil)
	dumper := &fakeDumper{content: "-- PostgreSQL database dump\nCREATE TABLE t (id int);\n"}

	tempDir := t.TempDir()
	dataDir := t.TempDir()
	router := storage.NewRouter()
	svc, err := NewService(Config{
		TempDir:     tempDir,
		ArtifactDir: dataDir,
		MaxRetries:  3,
	}, st, registry, dumper, pipeline, tokens, router, nil)
	require.NoError(t, err)

	return &testEnv{
		svc:     svc,
		store:   st,
		project: project,
		dumper:  dumper,
		router:  router,
		tempDir: tempDir,
		dataDir: dataDir,
	}
}

func (e *testEnv) spec() models.BackupSpec {
	return models.BackupSpec{
		ProjectID:       e.project.ID,
		Name:            "nightly",
		TriggerType:     models.TriggerManual,
		BackupType:      models.BackupTypeFull,
		CompressionType: models.CompressionGzip,
		StorageType:     models.StorageBrowserDownload,
	}
}

// runSync prepares a record and executes it on the calling goroutine.
func (e *testEnv) runSync(t *testing.T) *models.Backup {
	t.Helper()
	b, err := e.svc.Prepare(context.Background(), e.spec())
	require.NoError(t, err)
	require.NoError(t, e.svc.Run(context.Background(), b.ID))
	got, err := e.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	return got
}

func TestSuccessfulBackupRun(t *testing.T) {
	env := newTestEnv(t)

	b := env.runSync(t)

	assert.Equal(t, models.BackupStatusCompleted, b.Status)
	assert.NotNil(t, b.StartedAt)
	assert.NotNil(t, b.CompletedAt)
	assert.True(t, b.Validated)
	assert.Len(t, b.Checksum, 64)
	assert.Greater(t, b.FileSize, int64(0))
	assert.Greater(t, b.CompressedSize, int64(0))
	assert.True(t, strings.HasSuffix(b.FileName, ".sql.gz"))
	assert.Contains(t, b.FileName, "prod_full_")

	// Artifact landed in the artifact dir; temp dir is clean.
	assert.Equal(t, filepath.Join(env.dataDir, b.FileName), b.FilePath)
	_, err := os.Stat(b.FilePath)
	assert.NoError(t, err)
	entries, err := os.ReadDir(env.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Download token issued for browser downloads.
	assert.Len(t, b.DownloadToken, 64)
	require.NotNil(t, b.ExpiresAt)

	// Project counters recorded.
	p, err := env.store.projectStore.Get(context.Background(), env.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.TotalBackups)
	assert.Equal(t, b.CompressedSize, p.TotalSize)
	require.NotNil(t, p.LastBackupAt)
}

func TestDumpFailureRecordsStderr(t *testing.T) {
	env := newTestEnv(t)
	env.dumper.err = &ProcessError{
		Tool:     "pg_dump",
		ExitCode: 1,
		Stderr:   "pg_dump: error: connection to server failed: connection refused",
	}

	b := env.runSync(t)

	assert.Equal(t, models.BackupStatusFailed, b.Status)
	assert.Contains(t, b.ErrorMessage, "connection refused")
	assert.Equal(t, "pg_dump", b.ErrorCode)
	assert.Empty(t, b.Checksum)
	assert.Empty(t, b.FilePath)
	require.NotNil(t, b.CompletedAt)

	// No artifact left behind anywhere.
	for _, dir := range []string{env.tempDir, env.dataDir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestCancelDuringRunDiscardsArtifact(t *testing.T) {
	env := newTestEnv(t)

	b, err := env.svc.Prepare(context.Background(), env.spec())
	require.NoError(t, err)

	// Cancel lands while the dump is writing; the run must observe it at
	// the next checkpoint and discard its output.
	env.dumper.hook = func() {
		_, cancelErr := env.svc.Cancel(context.Background(), b.ID)
		require.NoError(t, cancelErr)
	}

	require.NoError(t, env.svc.Run(context.Background(), b.ID))

	got, err := env.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	entries, err := os.ReadDir(env.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCancelStateMachine(t *testing.T) {
	env := newTestEnv(t)

	// Pending backups can be cancelled.
	b, err := env.svc.Prepare(context.Background(), env.spec())
	require.NoError(t, err)
	cancelled, err := env.svc.Cancel(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCancelled, cancelled.Status)

	// Terminal backups cannot.
	for _, status := range []models.BackupStatus{
		models.BackupStatusCompleted,
		models.BackupStatusFailed,
		models.BackupStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			b, err := env.svc.Prepare(context.Background(), env.spec())
			require.NoError(t, err)
			b.Status = status
			require.NoError(t, env.store.backupStore.Update(context.Background(), b))

			_, err = env.svc.Cancel(context.Background(), b.ID)
			var stateErr *InvalidStateError
			require.ErrorAs(t, err, &stateErr)
			assert.Equal(t, status, stateErr.Status)

			// Status unchanged.
			got, err := env.svc.Get(context.Background(), b.ID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
		})
	}
}

func TestProjectLeaseRejectsConcurrentRuns(t *testing.T) {
	env := newTestEnv(t)

	release := make(chan struct{})
	started := make(chan struct{})
	env.dumper.hook = func() {
		close(started)
		<-release
	}

	first, err := env.svc.Start(context.Background(), env.spec())
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusPending, first.Status)

	<-started
	_, err = env.svc.Start(context.Background(), env.spec())
	assert.ErrorIs(t, err, ErrProjectBusy)

	close(release)
	env.svc.Wait()

	// Lease is released after the run; a new backup can start.
	env.dumper.hook = nil
	_, err = env.svc.Start(context.Background(), env.spec())
	require.NoError(t, err)
	env.svc.Wait()
}

func TestRetryResetsFailedBackup(t *testing.T) {
	env := newTestEnv(t)
	env.dumper.err = &ProcessError{Tool: "pg_dump", ExitCode: 1, Stderr: "boom"}

	failed := env.runSync(t)
	require.Equal(t, models.BackupStatusFailed, failed.Status)

	env.dumper.err = nil
	retried, err := env.svc.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)
	env.svc.Wait()

	got, err := env.svc.Get(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Empty(t, got.ErrorCode)
}

func TestRetryGating(t *testing.T) {
	env := newTestEnv(t)

	// Not failed: invalid state.
	b := env.runSync(t)
	require.Equal(t, models.BackupStatusCompleted, b.Status)
	_, err := env.svc.Retry(context.Background(), b.ID)
	var stateErr *InvalidStateError
	assert.ErrorAs(t, err, &stateErr)

	// Exhausted budget.
	env.dumper.err = &ProcessError{Tool: "pg_dump", ExitCode: 1, Stderr: "boom"}
	failed := env.runSync(t)
	failed.RetryCount = 3
	require.NoError(t, env.store.backupStore.Update(context.Background(), failed))
	_, err = env.svc.Retry(context.Background(), failed.ID)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestProgressMapping(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		status models.BackupStatus
		want   int
		phase  string
	}{
		{models.BackupStatusPending, 0, "Backup queued for processing..."},
		{models.BackupStatusInProgress, 50, "Creating backup..."},
		{models.BackupStatusCompleted, 100, "Backup completed successfully!"},
		{models.BackupStatusFailed, 0, "Backup failed"},
		{models.BackupStatusCancelled, 0, "Backup was cancelled"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			b, err := env.svc.Prepare(context.Background(), env.spec())
			require.NoError(t, err)
			b.Status = tt.status
			require.NoError(t, env.store.backupStore.Update(context.Background(), b))

			progress, err := env.svc.Progress(context.Background(), b.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, progress.Progress)
			assert.Equal(t, tt.phase, progress.Phase)
		})
	}
}

func TestProgressUnknownBackup(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Progress(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestStartValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*models.BackupSpec)
	}{
		{"missing project", func(s *models.BackupSpec) { s.ProjectID = "" }},
		{"blank name", func(s *models.BackupSpec) { s.Name = "   " }},
		{"bad backup type", func(s *models.BackupSpec) { s.BackupType = "incremental" }},
		{"bad compression", func(s *models.BackupSpec) { s.CompressionType = "zstd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := env.spec()
			tt.mutate(&spec)
			_, err := env.svc.Start(context.Background(), spec)
			require.Error(t, err)
		})
	}

	// Validation failures must not leave a record behind.
	count, err := env.store.backupStore.Count(context.Background(), store.BackupFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestArchiveRemovesArtifactAndSoftDeletes(t *testing.T) {
	env := newTestEnv(t)

	b := env.runSync(t)
	require.NoError(t, env.svc.Archive(context.Background(), b.ID))

	_, statErr := os.Stat(b.FilePath)
	assert.True(t, os.IsNotExist(statErr))

	// The row still exists, flagged archived.
	row, err := env.store.backupStore.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, row.IsArchived)
}

func TestDumpFileName(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	name := dumpFileName("My App (prod)", models.BackupTypeSchema, at)
	assert.Regexp(t, `^My_App__prod__schema_2026-03-14_09-26-53_[0-9a-f]{8}\.sql$`, name)

	// Same project name and timestamp must still yield distinct temp paths,
	// or two projects sharing a display name dump over each other.
	other := dumpFileName("My App (prod)", models.BackupTypeSchema, at)
	assert.NotEqual(t, name, other)
}

func TestCancelDuringFinalizationKeepsCancelledStatus(t *testing.T) {
	env := newTestEnv(t)

	b, err := env.svc.Prepare(context.Background(), env.spec())
	require.NoError(t, err)

	// Flip the row to cancelled right before the completion write commits,
	// as a Cancel landing after the last checkpoint would. The hook is armed
	// mid-dump so the in-progress transition has already happened.
	env.dumper.hook = func() {
		env.store.backupStore.beforeTransition = func(stored *models.Backup) {
			now := time.Now().UTC()
			stored.Status = models.BackupStatusCancelled
			stored.CompletedAt = &now
		}
	}

	require.NoError(t, env.svc.Run(context.Background(), b.ID))

	got, err := env.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	// The lost race also discards the finished artifact.
	for _, dir := range []string{env.tempDir, env.dataDir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

// failingDestination always rejects the artifact.
type failingDestination struct {
	err error
}

func (d *failingDestination) Store(ctx context.Context, localPath, fileName string) (string, error) {
	return "", d.err
}

func TestStorageFailureCleansUpArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.router.Register(models.StorageLocalMapped, &failingDestination{err: errors.New("disk full")})

	spec := env.spec()
	spec.StorageType = models.StorageLocalMapped
	b, err := env.svc.Prepare(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, env.svc.Run(context.Background(), b.ID))

	got, err := env.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "disk full")

	// Failed rows are never swept, so the compressed artifact must not be
	// left behind in either directory.
	for _, dir := range []string{env.tempDir, env.dataDir} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestShutdownDuringRunStillRecordsFailure(t *testing.T) {
	env := newTestEnv(t)

	// Shutdown cancels the run context mid-dump and the killed dump returns
	// an error; the failure must still be persisted, not stranded in-progress.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.dumper.err = &ProcessError{Tool: "pg_dump", ExitCode: 1, Stderr: "terminated by signal"}
	env.dumper.hook = cancel

	b, err := env.svc.Prepare(context.Background(), env.spec())
	require.NoError(t, err)
	require.NoError(t, env.svc.Run(ctx, b.ID))

	got, err := env.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "terminated by signal")
	require.NotNil(t, got.CompletedAt)
}
