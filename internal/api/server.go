// Package api wires the HTTP server, routes and middleware.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/khoskins-amp/supabase-backup-tool/internal/api/handlers"
	"github.com/khoskins-amp/supabase-backup-tool/internal/api/middleware"
	"github.com/khoskins-amp/supabase-backup-tool/internal/auth"
	"github.com/khoskins-amp/supabase-backup-tool/internal/backup"
	"github.com/khoskins-amp/supabase-backup-tool/internal/projects"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds the server listen address and timeouts.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	router chi.Router
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the server and its route tree.
func NewServer(
	cfg Config,
	registry *projects.Service,
	orchestrator *backup.Service,
	worker *backup.Worker,
	tokens *backup.TokenService,
	authService *auth.Service,
	logger *slog.Logger,
) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}
	s.router = s.setupRouter(registry, orchestrator, worker, tokens, authService)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRouter(
	registry *projects.Service,
	orchestrator *backup.Service,
	worker *backup.Worker,
	tokens *backup.TokenService,
	authService *auth.Service,
) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	projectsHandler := handlers.NewProjectsHandler(registry, s.logger)
	backupsHandler := handlers.NewBackupsHandler(orchestrator, worker, s.logger)
	downloadHandler := handlers.NewDownloadHandler(tokens, s.logger)
	progressStream := handlers.NewProgressStreamHandler(orchestrator, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(authService, s.logger)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		handlers.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
		})
	})

	// Token downloads are public: the opaque token is the credential.
	r.Get("/api/backup/download/{token}", downloadHandler.Download)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Route("/projects", func(r chi.Router) {
			r.Post("/", projectsHandler.Create)
			r.Get("/", projectsHandler.List)
			r.Get("/{id}", projectsHandler.Get)
			r.Patch("/{id}", projectsHandler.Update)
			r.Delete("/{id}", projectsHandler.Delete)
			r.Post("/{id}/test-connection", projectsHandler.TestConnection)
		})

		r.Route("/backups", func(r chi.Router) {
			r.Post("/", backupsHandler.Create)
			r.Get("/", backupsHandler.List)
			r.Get("/stats", backupsHandler.Stats)
			r.Get("/{id}", backupsHandler.Get)
			r.Delete("/{id}", backupsHandler.Archive)
			r.Post("/{id}/cancel", backupsHandler.Cancel)
			r.Post("/{id}/retry", backupsHandler.Retry)
			r.Get("/{id}/progress", backupsHandler.Progress)
			r.Get("/{id}/progress/ws", progressStream.Stream)
		})
	})

	return r
}

// Router exposes the route tree, mainly for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.srv.Addr, "version", Version)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}
