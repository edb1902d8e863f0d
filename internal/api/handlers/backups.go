package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
	"github.com/khoskins-amp/supabase-backup-tool/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// BackupsHandler serves the backup lifecycle endpoints.
type BackupsHandler struct {
	orchestrator *backup.Service
	worker       *backup.Worker
	logger       *slog.Logger
}

// NewBackupsHandler creates a backups handler. The worker is used for
// scheduled backups that go through the queue; it may be nil if the queue
// is not wired, in which case scheduled requests are rejected.
func NewBackupsHandler(orchestrator *backup.Service, worker *backup.Worker, logger *slog.Logger) *BackupsHandler {
	return &BackupsHandler{
		orchestrator: orchestrator,
		worker:       worker,
		logger:       logger,
	}
}

// Create handles POST /v1/backups. Manual backups start immediately in the
// background; scheduled backups are enqueued for the worker pool.
func (h *BackupsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var spec models.BackupSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	var (
		record *models.Backup
		err    error
	)
	if spec.TriggerType == models.TriggerScheduled {
		if h.worker == nil {
			WriteBadRequest(w, "scheduled backups are not enabled")
			return
		}
		record, err = h.worker.Enqueue(r.Context(), spec)
	} else {
		record, err = h.orchestrator.Start(r.Context(), spec)
	}
	if err != nil {
		h.writeBackupError(w, err, "failed to create backup")
		return
	}

	WriteJSON(w, http.StatusAccepted, record)
}

// List handles GET /v1/backups with filter and pagination query parameters.
func (h *BackupsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseBackupFilter(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	list, total, err := h.orchestrator.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list backups", "error", err)
		WriteInternalError(w, "failed to list backups")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"backups": list,
		"total":   total,
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

// Get handles GET /v1/backups/{id}.
func (h *BackupsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.orchestrator.Get(r.Context(), id)
	if err != nil {
		h.writeBackupError(w, err, "failed to get backup")
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// Cancel handles POST /v1/backups/{id}/cancel.
func (h *BackupsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		h.writeBackupError(w, err, "failed to cancel backup")
		return
	}

	WriteJSON(w, http.StatusOK, record)
}

// Retry handles POST /v1/backups/{id}/retry.
func (h *BackupsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.orchestrator.Retry(r.Context(), id)
	if err != nil {
		h.writeBackupError(w, err, "failed to retry backup")
		return
	}

	WriteJSON(w, http.StatusAccepted, record)
}

// Progress handles GET /v1/backups/{id}/progress.
func (h *BackupsHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	progress, err := h.orchestrator.Progress(r.Context(), id)
	if err != nil {
		h.writeBackupError(w, err, "failed to get backup progress")
		return
	}

	WriteJSON(w, http.StatusOK, progress)
}

// Stats handles GET /v1/backups/stats. An optional project_id query
// parameter scopes the aggregates to one project.
func (h *BackupsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.Stats(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		h.logger.Error("failed to compute backup stats", "error", err)
		WriteInternalError(w, "failed to compute backup stats")
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}

// Archive handles DELETE /v1/backups/{id}. The row is soft deleted; the
// local artifact, if any, is removed.
func (h *BackupsHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.orchestrator.Archive(r.Context(), id); err != nil {
		h.writeBackupError(w, err, "failed to archive backup")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *BackupsHandler) writeBackupError(w http.ResponseWriter, err error, fallback string) {
	var stateErr *backup.InvalidStateError
	switch {
	case errors.Is(err, backup.ErrBackupNotFound):
		WriteNotFound(w, "backup not found")
	case errors.Is(err, projects.ErrNotFound):
		WriteNotFound(w, "project not found")
	case errors.Is(err, backup.ErrProjectBusy):
		WriteConflict(w, "a backup is already running for this project")
	case errors.Is(err, backup.ErrRetryExhausted):
		WriteConflict(w, "backup has exhausted its retry attempts")
	case errors.As(err, &stateErr):
		WriteConflict(w, stateErr.Error())
	case errors.Is(err, backup.ErrInvalidSpec):
		WriteBadRequest(w, err.Error())
	default:
		h.logger.Error(fallback, "error", err)
		WriteInternalError(w, fallback)
	}
}

func parseBackupFilter(r *http.Request) (store.BackupFilter, error) {
	q := r.URL.Query()

	filter := store.BackupFilter{
		ProjectID:   q.Get("project_id"),
		Status:      models.BackupStatus(q.Get("status")),
		TriggerType: models.TriggerType(q.Get("trigger_type")),
		BackupType:  models.BackupType(q.Get("backup_type")),
		StorageType: models.StorageType(q.Get("storage_type")),
		Search:      q.Get("search"),
		SortBy:      q.Get("sort_by"),
		Limit:       defaultPageSize,
	}

	switch dir := store.SortDirection(q.Get("sort_dir")); dir {
	case "", store.SortDesc:
		filter.SortDir = store.SortDesc
	case store.SortAsc:
		filter.SortDir = store.SortAsc
	default:
		return filter, errors.New("sort_dir must be asc or desc")
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}

	if v := q.Get("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("created_after must be an RFC 3339 timestamp")
		}
		filter.CreatedAfter = &t
	}
	if v := q.Get("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("created_before must be an RFC 3339 timestamp")
		}
		filter.CreatedBefore = &t
	}

	if q.Get("include_archived") == "true" {
		filter.IncludeArchived = true
	}

	return filter, nil
}
