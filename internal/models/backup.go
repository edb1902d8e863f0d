package models

import "time"

// BackupStatus represents the current state of a backup in its lifecycle.
// Legal transitions: pending -> in-progress -> {completed | failed | cancelled},
// with cancelled also reachable directly from pending. Terminal states are
// absorbing.
type BackupStatus string

const (
	BackupStatusPending    BackupStatus = "pending"
	BackupStatusInProgress BackupStatus = "in-progress"
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
	BackupStatusCancelled  BackupStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s BackupStatus) IsTerminal() bool {
	switch s {
	case BackupStatusCompleted, BackupStatusFailed, BackupStatusCancelled:
		return true
	}
	return false
}

// TriggerType identifies what initiated a backup.
type TriggerType string

const (
	TriggerManual       TriggerType = "manual"
	TriggerScheduled    TriggerType = "scheduled"
	TriggerPreMigration TriggerType = "pre-migration"
)

// BackupType selects the scope of a dump.
type BackupType string

const (
	BackupTypeFull   BackupType = "full"
	BackupTypeSchema BackupType = "schema"
	BackupTypeData   BackupType = "data"
)

// CompressionType selects the artifact compression algorithm.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	// CompressionBzip2 is accepted but produced as a raw deflate stream;
	// there is no streaming bzip2 compressor in the standard library.
	CompressionBzip2 CompressionType = "bzip2"
)

// StorageType identifies where a finished artifact is delivered.
type StorageType string

const (
	StorageBrowserDownload StorageType = "browser_download"
	StorageS3              StorageType = "s3"
	StorageLocalMapped     StorageType = "local_mapped"
)

// Backup is the persisted record of a single backup run. Rows are never
// hard-deleted; retention archives them instead.
type Backup struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TriggerType TriggerType `json:"trigger_type"`

	BackupType      BackupType      `json:"backup_type"`
	CompressionType CompressionType `json:"compression_type"`

	Status BackupStatus `json:"status"`

	IncludeTables []string `json:"include_tables,omitempty"`
	ExcludeTables []string `json:"exclude_tables,omitempty"`

	FileName       string `json:"file_name,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	FileSize       int64  `json:"file_size"`
	CompressedSize int64  `json:"compressed_size,omitempty"`
	Checksum       string `json:"checksum,omitempty"`

	StorageType   StorageType `json:"storage_type"`
	DownloadURL   string      `json:"download_url,omitempty"`
	DownloadToken string      `json:"download_token,omitempty"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Duration is in seconds, recorded on completion.
	Duration int64 `json:"duration"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	RetryCount   int    `json:"retry_count"`

	Validated  bool `json:"validated"`
	IsArchived bool `json:"is_archived"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackupSpec is the validated request to start a backup.
type BackupSpec struct {
	ProjectID       string          `json:"project_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	TriggerType     TriggerType     `json:"trigger_type"`
	BackupType      BackupType      `json:"backup_type"`
	CompressionType CompressionType `json:"compression_type"`
	StorageType     StorageType     `json:"storage_type"`
	IncludeTables   []string        `json:"include_tables,omitempty"`
	ExcludeTables   []string        `json:"exclude_tables,omitempty"`
}

// BackupJob is the queue payload for asynchronous (scheduled) backups.
type BackupJob struct {
	ID        string     `json:"id"`
	BackupID  string     `json:"backup_id"`
	Spec      BackupSpec `json:"spec"`
	CreatedAt time.Time  `json:"created_at"`
}

// BackupProgress is the coarse progress view exposed to pollers. The
// percentage is a fixed mapping per status, not byte-level progress.
type BackupProgress struct {
	BackupID     string       `json:"backup_id"`
	Status       BackupStatus `json:"status"`
	Progress     int          `json:"progress"`
	Phase        string       `json:"phase"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// BackupStats aggregates backup records, optionally per project.
type BackupStats struct {
	Total            int64   `json:"total"`
	Pending          int64   `json:"pending"`
	InProgress       int64   `json:"in_progress"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Cancelled        int64   `json:"cancelled"`
	AvgDuration      float64 `json:"avg_duration"`
	TotalSize        int64   `json:"total_size"`
	CompressedSize   int64   `json:"compressed_size"`
	CompressionRatio float64 `json:"compression_ratio"`
}
