package backup

import (
	"errors"
	"fmt"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

// Common errors returned by the orchestrator and token service.
var (
	// ErrBackupNotFound is returned when a backup record does not exist.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrProjectBusy is returned when a backup is already running for the
	// project. One dump per project at a time.
	ErrProjectBusy = errors.New("a backup is already running for this project")
	// ErrTokenNotFound is the uniform failure for download token
	// resolution. Unknown, expired and revoked tokens are deliberately
	// indistinguishable so callers cannot probe for token existence.
	ErrTokenNotFound = errors.New("download not found")
	// ErrRetryExhausted is returned when a failed backup has no retry
	// budget left.
	ErrRetryExhausted = errors.New("retry limit reached")
	// ErrInvalidSpec wraps backup spec validation failures.
	ErrInvalidSpec = errors.New("invalid backup spec")
)

// InvalidStateError reports an operation attempted against a backup whose
// current status forbids it.
type InvalidStateError struct {
	BackupID string
	Status   models.BackupStatus
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s backup %s in status %q", e.Op, e.BackupID, e.Status)
}

// ProcessError reports a dump tool failure: a missing binary, a non-zero
// exit, or a timeout kill. Stderr is truncated to a sane length before it
// is recorded on the backup row.
type ProcessError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed with code %d: %s", e.Tool, e.ExitCode, e.Stderr)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed with code %d", e.Tool, e.ExitCode)
}

func (e *ProcessError) Unwrap() error { return e.Err }
