package backup

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store/postgres"
	"github.com/khoskins-amp/supabase-backup-tool/internal/vault"
)

// mockProjectStore implements store.ProjectStore for testing.
type mockProjectStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
}

func newMockProjectStore() *mockProjectStore {
	return &mockProjectStore{projects: make(map[string]*models.Project)}
}

func (m *mockProjectStore) Create(ctx context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.projects[p.ID] = &clone
	return nil
}

func (m *mockProjectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *mockProjectStore) List(ctx context.Context) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Project
	for _, p := range m.projects {
		clone := *p
		result = append(result, &clone)
	}
	return result, nil
}

func (m *mockProjectStore) Update(ctx context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return postgres.ErrNotFound
	}
	clone := *p
	m.projects[p.ID] = &clone
	return nil
}

func (m *mockProjectStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return postgres.ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *mockProjectStore) RecordBackup(ctx context.Context, id string, size int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return postgres.ErrNotFound
	}
	p.TotalBackups++
	p.TotalSize += size
	p.LastBackupAt = &at
	return nil
}

// mockBackupStore implements store.BackupStore for testing. Writes honor
// context cancellation so persistence-context tests behave like the real
// store. beforeTransition, when set, runs under the lock right before a
// Transition applies; tests use it to slip in a concurrent status change.
type mockBackupStore struct {
	mu               sync.Mutex
	backups          map[string]*models.Backup
	beforeTransition func(stored *models.Backup)
}

func newMockBackupStore() *mockBackupStore {
	return &mockBackupStore{backups: make(map[string]*models.Backup)}
}

func (m *mockBackupStore) Create(ctx context.Context, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *mockBackupStore) Get(ctx context.Context, id string) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *mockBackupStore) GetByToken(ctx context.Context, token string) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backups {
		if b.DownloadToken == token && token != "" {
			clone := *b
			return &clone, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (m *mockBackupStore) Update(ctx context.Context, b *models.Backup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[b.ID]; !ok {
		return postgres.ErrNotFound
	}
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *mockBackupStore) Transition(ctx context.Context, b *models.Backup, from models.BackupStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.backups[b.ID]
	if !ok {
		return postgres.ErrNotFound
	}
	if m.beforeTransition != nil {
		hook := m.beforeTransition
		m.beforeTransition = nil
		hook(stored)
	}
	if stored.Status != from {
		return postgres.ErrStatusConflict
	}
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *mockBackupStore) List(ctx context.Context, filter store.BackupFilter) ([]*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Backup
	for _, b := range m.backups {
		if !filter.IncludeArchived && b.IsArchived {
			continue
		}
		if filter.ProjectID != "" && b.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		clone := *b
		result = append(result, &clone)
	}
	return result, nil
}

func (m *mockBackupStore) Count(ctx context.Context, filter store.BackupFilter) (int64, error) {
	items, err := m.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(items)), nil
}

func (m *mockBackupStore) ListExpiredDownloads(ctx context.Context, now time.Time) ([]*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Backup
	for _, b := range m.backups {
		if b.StorageType != models.StorageBrowserDownload || b.Status != models.BackupStatusCompleted {
			continue
		}
		if b.ExpiresAt == nil || !b.ExpiresAt.Before(now) || b.FilePath == "" {
			continue
		}
		clone := *b
		result = append(result, &clone)
	}
	return result, nil
}

func (m *mockBackupStore) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return postgres.ErrNotFound
	}
	b.IsArchived = true
	return nil
}

func (m *mockBackupStore) Stats(ctx context.Context, projectID string) (*models.BackupStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.BackupStats{}
	for _, b := range m.backups {
		if b.IsArchived {
			continue
		}
		if projectID != "" && b.ProjectID != projectID {
			continue
		}
		stats.Total++
		switch b.Status {
		case models.BackupStatusPending:
			stats.Pending++
		case models.BackupStatusInProgress:
			stats.InProgress++
		case models.BackupStatusCompleted:
			stats.Completed++
			stats.TotalSize += b.FileSize
			stats.CompressedSize += b.CompressedSize
		case models.BackupStatusFailed:
			stats.Failed++
		case models.BackupStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// mockStore implements store.Store for testing.
type mockStore struct {
	projectStore *mockProjectStore
	backupStore  *mockBackupStore
}

func newMockStore() *mockStore {
	return &mockStore{
		projectStore: newMockProjectStore(),
		backupStore:  newMockBackupStore(),
	}
}

func (m *mockStore) Projects() store.ProjectStore { return m.projectStore }
func (m *mockStore) Backups() store.BackupStore   { return m.backupStore }

func (m *mockStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(m)
}

func (m *mockStore) Close() error { return nil }

// fakeDumper writes canned SQL to the output path, or fails, or calls a
// hook mid-dump.
type fakeDumper struct {
	content string
	err     error
	hook    func()
}

func (d *fakeDumper) Dump(ctx context.Context, databaseURL string, opts DumpOptions) error {
	if d.hook != nil {
		d.hook()
	}
	if d.err != nil {
		return d.err
	}
	return os.WriteFile(opts.OutputPath, []byte(d.content), 0o644)
}

// newTestRegistry creates a project registry over the mock store with one
// active project registered.
func newTestRegistry(t *testing.T, st *mockStore) (*projects.Service, *models.Project) {
	t.Helper()

	v, err := vault.New("backup-test-master-key")
	require.NoError(t, err)

	registry := projects.NewService(st, v, nil)
	name := "prod"
	dbURL := "postgresql://postgres:pw@db.abcdefghijklmnopqrst.supabase.co:5432/postgres"
	p, err := registry.Create(context.Background(), models.ProjectInput{
		Name:        &name,
		DatabaseURL: &dbURL,
	})
	require.NoError(t, err)

	return registry, p
}
