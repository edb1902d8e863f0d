package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store/postgres"
	"github.com/khoskins-amp/supabase-backup-tool/internal/vault"
)

type memStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	backups  map[string]*models.Backup
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*models.Project),
		backups:  make(map[string]*models.Backup),
	}
}

func (m *memStore) Projects() store.ProjectStore { return (*memProjects)(m) }
func (m *memStore) Backups() store.BackupStore   { return (*memBackups)(m) }
func (m *memStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(m)
}
func (m *memStore) Close() error { return nil }

type memProjects memStore

func (m *memProjects) Create(ctx context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.projects[p.ID] = &clone
	return nil
}

func (m *memProjects) Get(ctx context.Context, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *memProjects) List(ctx context.Context) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Project
	for _, p := range m.projects {
		clone := *p
		result = append(result, &clone)
	}
	return result, nil
}

func (m *memProjects) Update(ctx context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *p
	m.projects[p.ID] = &clone
	return nil
}

func (m *memProjects) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projects, id)
	return nil
}

func (m *memProjects) RecordBackup(ctx context.Context, id string, size int64, at time.Time) error {
	return nil
}

type memBackups memStore

func (m *memBackups) Create(ctx context.Context, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *memBackups) Get(ctx context.Context, id string) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *memBackups) GetByToken(ctx context.Context, token string) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.backups {
		if token != "" && b.DownloadToken == token {
			clone := *b
			return &clone, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (m *memBackups) Update(ctx context.Context, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[b.ID]; !ok {
		return postgres.ErrNotFound
	}
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *memBackups) Transition(ctx context.Context, b *models.Backup, from models.BackupStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.backups[b.ID]
	if !ok {
		return postgres.ErrNotFound
	}
	if stored.Status != from {
		return postgres.ErrStatusConflict
	}
	clone := *b
	m.backups[b.ID] = &clone
	return nil
}

func (m *memBackups) List(ctx context.Context, filter store.BackupFilter) ([]*models.Backup, error) {
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
	// Newest first, matching the store's default ordering.
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].CreatedAt.After(result[i].CreatedAt) {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

func (m *memBackups) Count(ctx context.Context, filter store.BackupFilter) (int64, error) {
	items, err := m.List(ctx, filter)
	return int64(len(items)), err
}

func (m *memBackups) ListExpiredDownloads(ctx context.Context, now time.Time) ([]*models.Backup, error) {
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

func (m *memBackups) Archive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return postgres.ErrNotFound
	}
	b.IsArchived = true
	return nil
}

func (m *memBackups) Stats(ctx context.Context, projectID string) (*models.BackupStats, error) {
	return &models.BackupStats{}, nil
}

func addBackup(t *testing.T, st *memStore, projectID, dir string, age time.Duration, expired bool) *models.Backup {
	t.Helper()

	path := filepath.Join(dir, uuid.NewString()+".sql.gz")
	require.NoError(t, os.WriteFile(path, []byte("artifact"), 0o644))

	created := time.Now().UTC().Add(-age)
	expiry := created.Add(time.Hour)
	if !expired {
		expiry = time.Now().UTC().Add(time.Hour)
	}

	b := &models.Backup{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		Name:          "b",
		Status:        models.BackupStatusCompleted,
		StorageType:   models.StorageBrowserDownload,
		FilePath:      path,
		FileName:      filepath.Base(path),
		DownloadToken: uuid.NewString(),
		ExpiresAt:     &expiry,
		CreatedAt:     created,
	}
	require.NoError(t, st.Backups().Create(context.Background(), b))
	return b
}

func newCleanupEnv(t *testing.T) (*Service, *memStore, *models.Project, string) {
	t.Helper()

	st := newMemStore()
	v, err := vault.New("cleanup-test-master-key")
	require.NoError(t, err)
	registry := projects.NewService(st, v, nil)

	name := "prod"
	dbURL := "postgresql://postgres:pw@db.abcdefghijklmnopqrst.supabase.co:5432/postgres"
	retention := 30
	p, err := registry.Create(context.Background(), models.ProjectInput{
		Name:                &name,
		DatabaseURL:         &dbURL,
		BackupRetentionDays: &retention,
	})
	require.NoError(t, err)

	tokens := backup.NewTokenService(st, time.Hour, nil)
	pipeline, err := backup.NewPipeline("", nil)
	require.NoError(t, err)

	dir := t.TempDir()
	orchestrator, err := backup.NewService(backup.Config{
		TempDir:     t.TempDir(),
		ArtifactDir: dir,
	}, st, registry, nil, pipeline, tokens, nil, nil)
	require.NoError(t, err)

	svc := NewService(st, registry, tokens, orchestrator, time.Minute, nil)
	return svc, st, p, dir
}

func TestSweepRemovesExpiredDownloads(t *testing.T) {
	svc, st, p, dir := newCleanupEnv(t)

	expired := addBackup(t, st, p.ID, dir, 2*time.Hour, true)
	fresh := addBackup(t, st, p.ID, dir, time.Minute, false)

	result, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExpiredRemoved)

	_, statErr := os.Stat(expired.FilePath)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(fresh.FilePath)
	assert.NoError(t, statErr)

	// The expired row remains, unarchived, token intact.
	row, err := st.Backups().Get(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.False(t, row.IsArchived)
	assert.Equal(t, expired.DownloadToken, row.DownloadToken)
}

func TestSweepArchivesPastRetention(t *testing.T) {
	svc, st, p, dir := newCleanupEnv(t)

	old1 := addBackup(t, st, p.ID, dir, 40*24*time.Hour, false)
	old2 := addBackup(t, st, p.ID, dir, 35*24*time.Hour, false)
	recent := addBackup(t, st, p.ID, dir, 24*time.Hour, false)

	result, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.BackupsArchived)

	for _, id := range []string{old1.ID, old2.ID} {
		row, err := st.Backups().Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, row.IsArchived, id)
	}

	row, err := st.Backups().Get(context.Background(), recent.ID)
	require.NoError(t, err)
	assert.False(t, row.IsArchived)
}

func TestSweepKeepsNewestDespiteRetention(t *testing.T) {
	svc, st, p, dir := newCleanupEnv(t)

	// Both are past retention; the newest survives anyway.
	oldest := addBackup(t, st, p.ID, dir, 60*24*time.Hour, false)
	newest := addBackup(t, st, p.ID, dir, 45*24*time.Hour, false)

	result, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.BackupsArchived)

	row, err := st.Backups().Get(context.Background(), oldest.ID)
	require.NoError(t, err)
	assert.True(t, row.IsArchived)

	row, err = st.Backups().Get(context.Background(), newest.ID)
	require.NoError(t, err)
	assert.False(t, row.IsArchived)
}
