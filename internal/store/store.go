// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

// SortDirection orders list results.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// BackupFilter narrows and pages backup listings. Zero values mean
// "no constraint".
type BackupFilter struct {
	ProjectID   string
	Status      models.BackupStatus
	TriggerType models.TriggerType
	BackupType  models.BackupType
	StorageType models.StorageType

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	// Search matches name and description, case-insensitively.
	Search string

	// SortBy is one of created_at, name, status, file_size, duration.
	// Ties always break on created_at then id so pagination is stable.
	SortBy  string
	SortDir SortDirection

	Limit  int
	Offset int

	// IncludeArchived includes soft-deleted rows when true.
	IncludeArchived bool
}

// ProjectStore defines persistence operations for projects. Sensitive columns
// hold vault blobs; encryption and decryption happen a layer above, in the
// project registry.
type ProjectStore interface {
	// Create inserts a new project.
	Create(ctx context.Context, p *models.Project) error
	// Get retrieves a project by ID.
	Get(ctx context.Context, id string) (*models.Project, error)
	// List retrieves all projects.
	List(ctx context.Context) ([]*models.Project, error)
	// Update updates an existing project.
	Update(ctx context.Context, p *models.Project) error
	// Delete removes a project by ID.
	Delete(ctx context.Context, id string) error
	// RecordBackup bumps the project's backup counters after a completed run.
	RecordBackup(ctx context.Context, id string, size int64, at time.Time) error
}

// BackupStore defines persistence operations for backup records.
type BackupStore interface {
	// Create inserts a new backup row.
	Create(ctx context.Context, b *models.Backup) error
	// Get retrieves a backup by ID.
	Get(ctx context.Context, id string) (*models.Backup, error)
	// GetByToken retrieves a backup by its download token.
	GetByToken(ctx context.Context, token string) (*models.Backup, error)
	// Update updates an existing backup row.
	Update(ctx context.Context, b *models.Backup) error
	// Transition updates a backup row only while its status still matches
	// from; a concurrent status change surfaces as a conflict instead of a
	// blind overwrite.
	Transition(ctx context.Context, b *models.Backup, from models.BackupStatus) error
	// List retrieves backups matching the filter.
	List(ctx context.Context, filter BackupFilter) ([]*models.Backup, error)
	// Count returns the number of backups matching the filter, ignoring paging.
	Count(ctx context.Context, filter BackupFilter) (int64, error)
	// ListExpiredDownloads returns completed browser-download backups whose
	// download expiry has passed and whose artifact is still on disk.
	ListExpiredDownloads(ctx context.Context, now time.Time) ([]*models.Backup, error)
	// Archive soft-deletes a backup. Rows are never physically deleted.
	Archive(ctx context.Context, id string) error
	// Stats aggregates backups, scoped to a project when projectID is non-empty.
	Stats(ctx context.Context, projectID string) (*models.BackupStats, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Projects returns the ProjectStore.
	Projects() ProjectStore
	// Backups returns the BackupStore.
	Backups() BackupStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
