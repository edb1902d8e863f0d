package postgres

import (
	"errors"
	"strings"
)

// Common store errors.
var (
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrDuplicateProjectRef is returned when a project with the same
	// derived reference already exists.
	ErrDuplicateProjectRef = errors.New("duplicate project reference")

	// ErrStatusConflict is returned by Transition when the row's status no
	// longer matches the expected one, meaning a concurrent writer won.
	ErrStatusConflict = errors.New("backup status changed concurrently")
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// PostgreSQL error code 23505 is unique_violation
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint") ||
		strings.Contains(err.Error(), "duplicate key")
}
