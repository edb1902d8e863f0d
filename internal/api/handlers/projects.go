package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
)

// ProjectsHandler serves the project registry endpoints.
type ProjectsHandler struct {
	registry *projects.Service
	logger   *slog.Logger
}

// NewProjectsHandler creates a projects handler.
func NewProjectsHandler(registry *projects.Service, logger *slog.Logger) *ProjectsHandler {
	return &ProjectsHandler{
		registry: registry,
		logger:   logger,
	}
}

// Create handles POST /v1/projects.
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input models.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	project, err := h.registry.Create(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, projects.ErrDuplicateProjectRef):
			WriteConflict(w, "a project with this project ref already exists")
		case errors.Is(err, projects.ErrInvalidDatabaseURL):
			WriteBadRequest(w, err.Error())
		default:
			h.logger.Error("failed to create project", "error", err)
			WriteInternalError(w, "failed to create project")
		}
		return
	}

	WriteJSON(w, http.StatusCreated, project)
}

// List handles GET /v1/projects.
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list projects", "error", err)
		WriteInternalError(w, "failed to list projects")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"projects": list,
		"count":    len(list),
	})
}

// Get handles GET /v1/projects/{id}.
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	project, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			WriteNotFound(w, "project not found")
			return
		}
		h.logger.Error("failed to get project", "project_id", id, "error", err)
		WriteInternalError(w, "failed to get project")
		return
	}

	WriteJSON(w, http.StatusOK, project)
}

// Update handles PATCH /v1/projects/{id}.
func (h *ProjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input models.ProjectInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	project, err := h.registry.Update(r.Context(), id, input)
	if err != nil {
		switch {
		case errors.Is(err, projects.ErrNotFound):
			WriteNotFound(w, "project not found")
		case errors.Is(err, projects.ErrDuplicateProjectRef):
			WriteConflict(w, "a project with this project ref already exists")
		case errors.Is(err, projects.ErrInvalidDatabaseURL):
			WriteBadRequest(w, err.Error())
		default:
			h.logger.Error("failed to update project", "project_id", id, "error", err)
			WriteInternalError(w, "failed to update project")
		}
		return
	}

	WriteJSON(w, http.StatusOK, project)
}

// Delete handles DELETE /v1/projects/{id}.
func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			WriteNotFound(w, "project not found")
			return
		}
		h.logger.Error("failed to delete project", "project_id", id, "error", err)
		WriteInternalError(w, "failed to delete project")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestConnection handles POST /v1/projects/{id}/test-connection.
func (h *ProjectsHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.registry.TestConnection(r.Context(), id)
	if err != nil {
		if errors.Is(err, projects.ErrNotFound) {
			WriteNotFound(w, "project not found")
			return
		}
		h.logger.Error("connection test failed", "project_id", id, "error", err)
		WriteInternalError(w, "connection test failed")
		return
	}

	WriteJSON(w, http.StatusOK, result)
}
