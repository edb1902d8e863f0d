// Package projects implements the project registry. Connection strings and
// API keys are encrypted before they reach the store and decrypted on the
// way out, so the database never sees a plaintext credential.
package projects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store/postgres"
	"github.com/khoskins-amp/supabase-backup-tool/internal/vault"
)

// Common errors returned by the registry.
var (
	// ErrNotFound is returned when a project does not exist.
	ErrNotFound = errors.New("project not found")
	// ErrDuplicateProjectRef is returned when a project with the same
	// Supabase ref is already registered.
	ErrDuplicateProjectRef = errors.New("project ref already registered")
	// ErrInvalidDatabaseURL is returned when a connection string cannot
	// be parsed or is missing required parts.
	ErrInvalidDatabaseURL = errors.New("invalid database URL")
)

const defaultRegion = "us-east-1"

// Service is the project registry.
type Service struct {
	store  store.Store
	vault  *vault.Vault
	logger *slog.Logger
}

// NewService creates a new project registry backed by the given store and vault.
func NewService(st store.Store, v *vault.Vault, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		vault:  v,
		logger: logger,
	}
}

// Create registers a new project. The database URL is required; ref and
// region are derived from it before the URL is encrypted.
func (s *Service) Create(ctx context.Context, input models.ProjectInput) (*models.Project, error) {
	if input.Name == nil || strings.TrimSpace(*input.Name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if input.DatabaseURL == nil || strings.TrimSpace(*input.DatabaseURL) == "" {
		return nil, fmt.Errorf("database URL is required: %w", ErrInvalidDatabaseURL)
	}

	ref, region, err := deriveRefAndRegion(*input.DatabaseURL)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:                  uuid.NewString(),
		Name:                *input.Name,
		Environment:         models.EnvironmentProduction,
		DatabaseURL:         *input.DatabaseURL,
		ProjectRef:          ref,
		Region:              region,
		IsActive:            true,
		BackupRetentionDays: 30,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if input.Description != nil {
		p.Description = *input.Description
	}
	if input.Environment != nil {
		p.Environment = *input.Environment
	}
	if input.ServiceKey != nil {
		p.ServiceKey = *input.ServiceKey
	}
	if input.AnonKey != nil {
		p.AnonKey = *input.AnonKey
	}
	if input.IsActive != nil {
		p.IsActive = *input.IsActive
	}
	if input.BackupRetentionDays != nil {
		p.BackupRetentionDays = *input.BackupRetentionDays
	}

	stored := *p
	if err := s.sealProject(&stored); err != nil {
		return nil, err
	}

	if err := s.store.Projects().Create(ctx, &stored); err != nil {
		if errors.Is(err, postgres.ErrDuplicateProjectRef) {
			return nil, ErrDuplicateProjectRef
		}
		return nil, fmt.Errorf("creating project: %w", err)
	}

	s.logger.Info("registered project", "project_id", p.ID, "project_ref", p.ProjectRef)
	return p, nil
}

// Get retrieves a project with its credentials decrypted.
func (s *Service) Get(ctx context.Context, id string) (*models.Project, error) {
	p, err := s.store.Projects().Get(ctx, id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading project: %w", err)
	}

	if err := s.openProject(p); err != nil {
		return nil, err
	}
	return p, nil
}

// List retrieves all projects with their credentials decrypted.
func (s *Service) List(ctx context.Context) ([]*models.Project, error) {
	list, err := s.store.Projects().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}

	for _, p := range list {
		if err := s.openProject(p); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// Update applies a partial update. Only supplied fields change; a new
// database URL re-derives ref and region.
func (s *Service) Update(ctx context.Context, id string, input models.ProjectInput) (*models.Project, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, fmt.Errorf("project name cannot be empty")
		}
		p.Name = *input.Name
	}
	if input.Description != nil {
		p.Description = *input.Description
	}
	if input.Environment != nil {
		p.Environment = *input.Environment
	}
	if input.DatabaseURL != nil {
		ref, region, err := deriveRefAndRegion(*input.DatabaseURL)
		if err != nil {
			return nil, err
		}
		p.DatabaseURL = *input.DatabaseURL
		p.ProjectRef = ref
		p.Region = region
	}
	if input.ServiceKey != nil {
		p.ServiceKey = *input.ServiceKey
	}
	if input.AnonKey != nil {
		p.AnonKey = *input.AnonKey
	}
	if input.IsActive != nil {
		p.IsActive = *input.IsActive
	}
	if input.BackupRetentionDays != nil {
		p.BackupRetentionDays = *input.BackupRetentionDays
	}
	p.UpdatedAt = time.Now().UTC()

	stored := *p
	if err := s.sealProject(&stored); err != nil {
		return nil, err
	}

	if err := s.store.Projects().Update(ctx, &stored); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating project: %w", err)
	}

	return p, nil
}

// Delete removes a project and, via the schema's cascade, its backup records.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Projects().Delete(ctx, id); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting project: %w", err)
	}

	s.logger.Info("deleted project", "project_id", id)
	return nil
}

// RecordBackup bumps a project's backup counters after a successful run.
func (s *Service) RecordBackup(ctx context.Context, id string, size int64, at time.Time) error {
	if err := s.store.Projects().RecordBackup(ctx, id, size, at); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("recording backup on project: %w", err)
	}
	return nil
}

// TestConnection reports which capabilities are plausibly available given
// the credentials on file. It inspects structure only; it does not dial out.
func (s *Service) TestConnection(ctx context.Context, id string) (*models.ConnectionTestResult, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &models.ConnectionTestResult{}
	if _, parseErr := url.Parse(p.DatabaseURL); parseErr != nil || p.DatabaseURL == "" {
		result.Error = "database URL is missing or malformed"
		return result, nil
	}

	result.Success = true
	result.Features = models.ConnectionFeatures{
		Database:  true,
		Auth:      p.ServiceKey != "",
		Storage:   p.ServiceKey != "",
		Functions: p.AnonKey != "" || p.ServiceKey != "",
	}
	return result, nil
}

// sealProject encrypts the sensitive fields in place for storage.
func (s *Service) sealProject(p *models.Project) error {
	var err error
	if p.DatabaseURL, err = s.vault.EncryptString(p.DatabaseURL); err != nil {
		return fmt.Errorf("encrypting database URL: %w", err)
	}
	if p.ServiceKey, err = s.vault.EncryptString(p.ServiceKey); err != nil {
		return fmt.Errorf("encrypting service key: %w", err)
	}
	if p.AnonKey, err = s.vault.EncryptString(p.AnonKey); err != nil {
		return fmt.Errorf("encrypting anon key: %w", err)
	}
	return nil
}

// openProject decrypts the sensitive fields in place. A failure names the
// project so operators can tell which row is bad after a master key change.
func (s *Service) openProject(p *models.Project) error {
	var err error
	if p.DatabaseURL, err = s.vault.DecryptString(p.DatabaseURL); err != nil {
		return fmt.Errorf("decrypting credentials for project %s: %w", p.ID, err)
	}
	if p.ServiceKey, err = s.vault.DecryptString(p.ServiceKey); err != nil {
		return fmt.Errorf("decrypting credentials for project %s: %w", p.ID, err)
	}
	if p.AnonKey, err = s.vault.DecryptString(p.AnonKey); err != nil {
		return fmt.Errorf("decrypting credentials for project %s: %w", p.ID, err)
	}
	return nil
}

// deriveRefAndRegion extracts the Supabase project ref and region from a
// Postgres connection string. Direct hosts look like db.<ref>.supabase.co;
// pooler hosts look like aws-0-<region>.pooler.supabase.com with the ref
// carried in the username as postgres.<ref>.
func deriveRefAndRegion(rawURL string) (ref, region string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidDatabaseURL, err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", "", fmt.Errorf("%w: scheme %q", ErrInvalidDatabaseURL, u.Scheme)
	}

	host := u.Hostname()
	region = defaultRegion

	switch {
	case strings.HasSuffix(host, ".pooler.supabase.com"):
		// aws-0-eu-west-2.pooler.supabase.com, user postgres.<ref>
		prefix := strings.TrimSuffix(host, ".pooler.supabase.com")
		if i := strings.Index(prefix, "-0-"); i >= 0 {
			region = prefix[i+3:]
		}
		if u.User != nil {
			if _, r, ok := strings.Cut(u.User.Username(), "."); ok {
				ref = r
			}
		}
	case strings.HasSuffix(host, ".supabase.co"), strings.HasSuffix(host, ".supabase.com"):
		// db.<ref>.supabase.co or <ref>.supabase.co
		labels := strings.Split(host, ".")
		if labels[0] == "db" && len(labels) > 1 {
			ref = labels[1]
		} else {
			ref = labels[0]
		}
	default:
		// Self-hosted or unknown: fall back to the hostname as the ref.
		ref = host
	}

	if ref == "" {
		return "", "", fmt.Errorf("%w: cannot determine project ref", ErrInvalidDatabaseURL)
	}
	return ref, region, nil
}
