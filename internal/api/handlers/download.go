package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
)

// DownloadHandler serves backup artifacts by opaque download token. The
// route is unauthenticated; the token is the only credential, and every
// failure mode returns the same 404.
type DownloadHandler struct {
	tokens *backup.TokenService
	logger *slog.Logger
}

// NewDownloadHandler creates a download handler.
func NewDownloadHandler(tokens *backup.TokenService, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		tokens: tokens,
		logger: logger,
	}
}

// Download handles GET /api/backup/download/{token}.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	record, err := h.tokens.Resolve(r.Context(), token)
	if err != nil {
		if !errors.Is(err, backup.ErrTokenNotFound) {
			h.logger.Error("token resolution failed", "error", err)
		}
		WriteNotFound(w, "download not found")
		return
	}

	name := record.FileName
	if name == "" {
		name = filepath.Base(record.FilePath)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, record.FilePath)
}
