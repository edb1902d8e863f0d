package models

import "time"

// Environment identifies which deployment tier a project belongs to.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
)

// Project represents a registered Supabase project whose database can be
// backed up. Sensitive fields (DatabaseURL, ServiceKey, AnonKey) are stored
// encrypted; the registry decrypts them before handing a Project to callers.
type Project struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Environment Environment `json:"environment"`

	// DatabaseURL is the full Postgres connection string, including password.
	DatabaseURL string `json:"database_url"`
	// ServiceKey and AnonKey are optional Supabase API keys used for
	// capability probing; never required for database dumps.
	ServiceKey string `json:"service_key,omitempty"`
	AnonKey    string `json:"anon_key,omitempty"`

	// ProjectRef and Region are derived from DatabaseURL and are not secret.
	ProjectRef string `json:"project_ref"`
	Region     string `json:"region"`

	IsActive            bool `json:"is_active"`
	BackupRetentionDays int  `json:"backup_retention_days"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastBackupAt *time.Time `json:"last_backup_at,omitempty"`

	TotalBackups int   `json:"total_backups"`
	TotalSize    int64 `json:"total_size"`
}

// ProjectInput is the payload for creating or updating a project.
// Pointer fields distinguish "not supplied" from "set to empty" on update.
type ProjectInput struct {
	Name                *string      `json:"name,omitempty"`
	Description         *string      `json:"description,omitempty"`
	Environment         *Environment `json:"environment,omitempty"`
	DatabaseURL         *string      `json:"database_url,omitempty"`
	ServiceKey          *string      `json:"service_key,omitempty"`
	AnonKey             *string      `json:"anon_key,omitempty"`
	IsActive            *bool        `json:"is_active,omitempty"`
	BackupRetentionDays *int         `json:"backup_retention_days,omitempty"`
}

// ConnectionFeatures reports which project capabilities are plausibly
// available given the keys on file. This is a structural check, not a probe.
type ConnectionFeatures struct {
	Database  bool `json:"database"`
	Auth      bool `json:"auth"`
	Storage   bool `json:"storage"`
	Functions bool `json:"functions"`
}

// ConnectionTestResult is the result of a project connection test.
type ConnectionTestResult struct {
	Success  bool               `json:"success"`
	Error    string             `json:"error,omitempty"`
	Features ConnectionFeatures `json:"features"`
}
