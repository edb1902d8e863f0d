package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

const progressPollInterval = time.Second

// ProgressStreamHandler pushes backup progress over a websocket until the
// backup reaches a terminal status.
type ProgressStreamHandler struct {
	orchestrator *backup.Service
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewProgressStreamHandler creates a progress stream handler.
func NewProgressStreamHandler(orchestrator *backup.Service, logger *slog.Logger) *ProgressStreamHandler {
	return &ProgressStreamHandler{
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Stream handles GET /v1/backups/{id}/progress/ws. The connection closes
// after the terminal progress message is sent.
func (h *ProgressStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Resolve once before upgrading so unknown IDs get a plain 404.
	progress, err := h.orchestrator.Progress(r.Context(), id)
	if err != nil {
		WriteNotFound(w, "backup not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "backup_id", id, "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()

	for {
		if err := conn.WriteJSON(progress); err != nil {
			return
		}
		if isTerminal(progress.Status) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		progress, err = h.orchestrator.Progress(r.Context(), id)
		if err != nil {
			return
		}
	}
}

func isTerminal(status models.BackupStatus) bool {
	switch status {
	case models.BackupStatusCompleted, models.BackupStatusFailed, models.BackupStatusCancelled:
		return true
	}
	return false
}
