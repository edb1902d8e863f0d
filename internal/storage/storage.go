// Package storage moves finished backup artifacts to their long-term home.
package storage

import (
	"context"
	"errors"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

// ErrUnsupportedStorageType is returned when no destination is registered
// for a backup's storage type.
var ErrUnsupportedStorageType = errors.New("unsupported storage type")

// Destination stores a backup artifact somewhere durable and returns the
// location recorded on the backup row.
type Destination interface {
	// Store uploads or moves the artifact at localPath. The returned
	// location replaces the backup's file path.
	Store(ctx context.Context, localPath, fileName string) (location string, err error)
}

// Router dispatches artifacts to the destination registered for each
// storage type. Browser-download backups stay on local disk, so they never
// pass through the router.
type Router struct {
	destinations map[models.StorageType]Destination
}

// NewRouter creates an empty destination router.
func NewRouter() *Router {
	return &Router{
		destinations: make(map[models.StorageType]Destination),
	}
}

// Register binds a destination to a storage type, replacing any previous one.
func (r *Router) Register(st models.StorageType, d Destination) {
	r.destinations[st] = d
}

// Store routes the artifact to the destination for the given storage type.
func (r *Router) Store(ctx context.Context, st models.StorageType, localPath, fileName string) (string, error) {
	d, ok := r.destinations[st]
	if !ok {
		return "", ErrUnsupportedStorageType
	}
	return d.Store(ctx, localPath, fileName)
}

// Supports reports whether a destination is registered for the storage type.
func (r *Router) Supports(st models.StorageType) bool {
	_, ok := r.destinations[st]
	return ok
}
