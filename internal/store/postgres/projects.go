package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

// ProjectStore implements store.ProjectStore using PostgreSQL.
// The database_url, service_key, and anon_key columns carry vault blobs, not
// plaintext; this layer moves them verbatim.
type ProjectStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ProjectStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const projectColumns = `id, name, description, environment, database_url,
	service_key, anon_key, project_ref, region, is_active,
	backup_retention_days, created_at, updated_at, last_backup_at,
	total_backups, total_size`

// Create inserts a new project.
func (s *ProjectStore) Create(ctx context.Context, p *models.Project) error {
	query := `
		INSERT INTO projects (id, name, description, environment, database_url,
			service_key, anon_key, project_ref, region, is_active,
			backup_retention_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.conn().ExecContext(ctx, query,
		p.ID,
		p.Name,
		nullString(p.Description),
		p.Environment,
		p.DatabaseURL,
		nullString(p.ServiceKey),
		nullString(p.AnonKey),
		p.ProjectRef,
		p.Region,
		p.IsActive,
		p.BackupRetentionDays,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProjectRef
		}
		return fmt.Errorf("inserting project: %w", err)
	}

	return nil
}

// Get retrieves a project by ID.
func (s *ProjectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	p, err := scanProject(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}

	return p, nil
}

// List retrieves all projects, newest first.
func (s *ProjectStore) List(ctx context.Context) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at DESC, id`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating project rows: %w", err)
	}

	return projects, nil
}

// Update updates an existing project.
func (s *ProjectStore) Update(ctx context.Context, p *models.Project) error {
	query := `
		UPDATE projects
		SET name = $2, description = $3, environment = $4, database_url = $5,
			service_key = $6, anon_key = $7, project_ref = $8, region = $9,
			is_active = $10, backup_retention_days = $11, updated_at = $12
		WHERE id = $1`

	p.UpdatedAt = time.Now().UTC()

	result, err := s.conn().ExecContext(ctx, query,
		p.ID,
		p.Name,
		nullString(p.Description),
		p.Environment,
		p.DatabaseURL,
		nullString(p.ServiceKey),
		nullString(p.AnonKey),
		p.ProjectRef,
		p.Region,
		p.IsActive,
		p.BackupRetentionDays,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a project by ID.
func (s *ProjectStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RecordBackup bumps the project's backup counters after a completed run.
func (s *ProjectStore) RecordBackup(ctx context.Context, id string, size int64, at time.Time) error {
	query := `
		UPDATE projects
		SET total_backups = total_backups + 1,
			total_size = total_size + $2,
			last_backup_at = $3,
			updated_at = $3
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, size, at.UTC())
	if err != nil {
		return fmt.Errorf("recording backup on project: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	p := &models.Project{}
	var description, serviceKey, anonKey sql.NullString
	var lastBackupAt sql.NullTime

	err := row.Scan(
		&p.ID,
		&p.Name,
		&description,
		&p.Environment,
		&p.DatabaseURL,
		&serviceKey,
		&anonKey,
		&p.ProjectRef,
		&p.Region,
		&p.IsActive,
		&p.BackupRetentionDays,
		&p.CreatedAt,
		&p.UpdatedAt,
		&lastBackupAt,
		&p.TotalBackups,
		&p.TotalSize,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		p.Description = description.String
	}
	if serviceKey.Valid {
		p.ServiceKey = serviceKey.String
	}
	if anonKey.Valid {
		p.AnonKey = anonKey.String
	}
	if lastBackupAt.Valid {
		p.LastBackupAt = &lastBackupAt.Time
	}

	return p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
