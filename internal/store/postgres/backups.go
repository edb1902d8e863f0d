package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
)

// BackupStore implements store.BackupStore using PostgreSQL.
type BackupStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *BackupStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const backupColumns = `id, project_id, name, description, trigger_type,
	backup_type, compression_type, status, include_tables, exclude_tables,
	file_name, file_path, file_size, compressed_size, checksum, storage_type,
	download_url, download_token, expires_at, started_at, completed_at,
	duration, error_message, error_code, retry_count, validated, is_archived,
	created_at, updated_at`

// sortColumns maps allowed sort keys to their SQL columns. Anything else
// falls back to created_at.
var sortColumns = map[string]string{
	"created_at": "created_at",
	"name":       "name",
	"status":     "status",
	"file_size":  "file_size",
	"duration":   "duration",
}

// Create inserts a new backup row.
func (s *BackupStore) Create(ctx context.Context, b *models.Backup) error {
	query := `
		INSERT INTO backups (id, project_id, name, description, trigger_type,
			backup_type, compression_type, status, include_tables, exclude_tables,
			storage_type, retry_count, validated, is_archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := s.conn().ExecContext(ctx, query,
		b.ID,
		b.ProjectID,
		b.Name,
		nullString(b.Description),
		b.TriggerType,
		b.BackupType,
		b.CompressionType,
		b.Status,
		pq.Array(b.IncludeTables),
		pq.Array(b.ExcludeTables),
		b.StorageType,
		b.RetryCount,
		b.Validated,
		b.IsArchived,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}

	return nil
}

// Get retrieves a backup by ID.
func (s *BackupStore) Get(ctx context.Context, id string) (*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE id = $1`

	b, err := scanBackup(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying backup: %w", err)
	}

	return b, nil
}

// GetByToken retrieves a backup by its download token.
func (s *BackupStore) GetByToken(ctx context.Context, token string) (*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups WHERE download_token = $1`

	b, err := scanBackup(s.conn().QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying backup by token: %w", err)
	}

	return b, nil
}

// Update updates an existing backup row.
func (s *BackupStore) Update(ctx context.Context, b *models.Backup) error {
	query := `
		UPDATE backups
		SET status = $2, file_name = $3, file_path = $4, file_size = $5,
			compressed_size = $6, checksum = $7, download_url = $8,
			download_token = $9, expires_at = $10, started_at = $11,
			completed_at = $12, duration = $13, error_message = $14,
			error_code = $15, retry_count = $16, validated = $17,
			is_archived = $18, updated_at = $19
		WHERE id = $1`

	b.UpdatedAt = time.Now().UTC()

	result, err := s.conn().ExecContext(ctx, query,
		b.ID,
		b.Status,
		nullString(b.FileName),
		nullString(b.FilePath),
		b.FileSize,
		nullInt64(b.CompressedSize),
		nullString(b.Checksum),
		nullString(b.DownloadURL),
		nullString(b.DownloadToken),
		nullTime(b.ExpiresAt),
		nullTime(b.StartedAt),
		nullTime(b.CompletedAt),
		b.Duration,
		nullString(b.ErrorMessage),
		nullString(b.ErrorCode),
		b.RetryCount,
		b.Validated,
		b.IsArchived,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating backup: %w", err)
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

// Transition updates a backup row only while its status still matches
// from. Status writes racing a concurrent Cancel go through here so a
// terminal status is never overwritten.
func (s *BackupStore) Transition(ctx context.Context, b *models.Backup, from models.BackupStatus) error {
	query := `
		UPDATE backups
		SET status = $2, file_name = $3, file_path = $4, file_size = $5,
			compressed_size = $6, checksum = $7, download_url = $8,
			download_token = $9, expires_at = $10, started_at = $11,
			completed_at = $12, duration = $13, error_message = $14,
			error_code = $15, retry_count = $16, validated = $17,
			is_archived = $18, updated_at = $19
		WHERE id = $1 AND status = $20`

	b.UpdatedAt = time.Now().UTC()

	result, err := s.conn().ExecContext(ctx, query,
		b.ID,
		b.Status,
		nullString(b.FileName),
		nullString(b.FilePath),
		b.FileSize,
		nullInt64(b.CompressedSize),
		nullString(b.Checksum),
		nullString(b.DownloadURL),
		nullString(b.DownloadToken),
		nullTime(b.ExpiresAt),
		nullTime(b.StartedAt),
		nullTime(b.CompletedAt),
		b.Duration,
		nullString(b.ErrorMessage),
		nullString(b.ErrorCode),
		b.RetryCount,
		b.Validated,
		b.IsArchived,
		b.UpdatedAt,
		from,
	)
	if err != nil {
		return fmt.Errorf("transitioning backup: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.Get(ctx, b.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStatusConflict
	}

	return nil
}

// buildFilter renders a BackupFilter into a WHERE clause and args.
func buildFilter(filter store.BackupFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if !filter.IncludeArchived {
		clauses = append(clauses, "is_archived = FALSE")
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.TriggerType != "" {
		add("trigger_type = $%d", filter.TriggerType)
	}
	if filter.BackupType != "" {
		add("backup_type = $%d", filter.BackupType)
	}
	if filter.StorageType != "" {
		add("storage_type = $%d", filter.StorageType)
	}
	if filter.CreatedAfter != nil {
		add("created_at >= $%d", filter.CreatedAfter.UTC())
	}
	if filter.CreatedBefore != nil {
		add("created_at <= $%d", filter.CreatedBefore.UTC())
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		clauses = append(clauses, fmt.Sprintf(
			"(name ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// List retrieves backups matching the filter with stable ordering.
func (s *BackupStore) List(ctx context.Context, filter store.BackupFilter) ([]*models.Backup, error) {
	where, args := buildFilter(filter)

	sortCol, ok := sortColumns[filter.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	dir := "DESC"
	if filter.SortDir == store.SortAsc {
		dir = "ASC"
	}

	query := `SELECT ` + backupColumns + ` FROM backups` + where +
		fmt.Sprintf(" ORDER BY %s %s, created_at DESC, id", sortCol, dir)

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying backups: %w", err)
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup row: %w", err)
		}
		backups = append(backups, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating backup rows: %w", err)
	}

	return backups, nil
}

// Count returns the number of backups matching the filter, ignoring paging.
func (s *BackupStore) Count(ctx context.Context, filter store.BackupFilter) (int64, error) {
	where, args := buildFilter(filter)

	var count int64
	err := s.conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM backups`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting backups: %w", err)
	}

	return count, nil
}

// ListExpiredDownloads returns completed browser-download backups whose
// download expiry has passed and whose artifact path is still recorded.
func (s *BackupStore) ListExpiredDownloads(ctx context.Context, now time.Time) ([]*models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups
		WHERE storage_type = $1
		  AND status = $2
		  AND expires_at IS NOT NULL
		  AND expires_at < $3
		  AND file_path IS NOT NULL
		ORDER BY expires_at ASC`

	rows, err := s.conn().QueryContext(ctx, query,
		models.StorageBrowserDownload, models.BackupStatusCompleted, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying expired downloads: %w", err)
	}
	defer rows.Close()

	var backups []*models.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backup row: %w", err)
		}
		backups = append(backups, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating backup rows: %w", err)
	}

	return backups, nil
}

// Archive soft-deletes a backup.
func (s *BackupStore) Archive(ctx context.Context, id string) error {
	query := `UPDATE backups SET is_archived = TRUE, updated_at = $2 WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("archiving backup: %w", err)
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

// Stats aggregates backups, scoped to a project when projectID is non-empty.
func (s *BackupStore) Stats(ctx context.Context, projectID string) (*models.BackupStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in-progress'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(AVG(duration) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(file_size) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(compressed_size) FILTER (WHERE status = 'completed' AND compressed_size IS NOT NULL), 0)
		FROM backups
		WHERE is_archived = FALSE`

	var args []any
	if projectID != "" {
		query += " AND project_id = $1"
		args = append(args, projectID)
	}

	stats := &models.BackupStats{}
	err := s.conn().QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.InProgress,
		&stats.Completed,
		&stats.Failed,
		&stats.Cancelled,
		&stats.AvgDuration,
		&stats.TotalSize,
		&stats.CompressedSize,
	)
	if err != nil {
		return nil, fmt.Errorf("querying backup stats: %w", err)
	}

	if stats.TotalSize > 0 && stats.CompressedSize > 0 {
		stats.CompressionRatio = float64(stats.TotalSize-stats.CompressedSize) / float64(stats.TotalSize)
	}

	return stats, nil
}

func scanBackup(row rowScanner) (*models.Backup, error) {
	b := &models.Backup{}
	var description, fileName, filePath, checksum sql.NullString
	var downloadURL, downloadToken, errorMessage, errorCode sql.NullString
	var compressedSize sql.NullInt64
	var expiresAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&b.ID,
		&b.ProjectID,
		&b.Name,
		&description,
		&b.TriggerType,
		&b.BackupType,
		&b.CompressionType,
		&b.Status,
		pq.Array(&b.IncludeTables),
		pq.Array(&b.ExcludeTables),
		&fileName,
		&filePath,
		&b.FileSize,
		&compressedSize,
		&checksum,
		&b.StorageType,
		&downloadURL,
		&downloadToken,
		&expiresAt,
		&startedAt,
		&completedAt,
		&b.Duration,
		&errorMessage,
		&errorCode,
		&b.RetryCount,
		&b.Validated,
		&b.IsArchived,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		b.Description = description.String
	}
	if fileName.Valid {
		b.FileName = fileName.String
	}
	if filePath.Valid {
		b.FilePath = filePath.String
	}
	if compressedSize.Valid {
		b.CompressedSize = compressedSize.Int64
	}
	if checksum.Valid {
		b.Checksum = checksum.String
	}
	if downloadURL.Valid {
		b.DownloadURL = downloadURL.String
	}
	if downloadToken.Valid {
		b.DownloadToken = downloadToken.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		b.ExpiresAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}

	return b, nil
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
