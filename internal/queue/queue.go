// Package queue provides backup job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for backup job queue operations.
type Queue interface {
	// Enqueue adds a new backup job to the queue.
	// The job will be serialized to JSON for storage.
	Enqueue(ctx context.Context, job *models.BackupJob) error

	// Dequeue retrieves and locks the next available backup job from the queue.
	// Returns ErrNoJobs if no jobs are available.
	// The job is deserialized from JSON storage.
	Dequeue(ctx context.Context) (*models.BackupJob, error)

	// Ack acknowledges successful processing of a job, removing it from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack indicates that job processing failed, making the job available for retry.
	Nack(ctx context.Context, jobID string) error
}
