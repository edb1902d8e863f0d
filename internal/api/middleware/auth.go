package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/khoskins-amp/supabase-backup-tool/internal/api/handlers"
	"github.com/khoskins-amp/supabase-backup-tool/internal/auth"
)

// AuthMiddleware validates bearer tokens on protected routes.
type AuthMiddleware struct {
	auth   *auth.Service
	logger *slog.Logger
}

// NewAuthMiddleware creates an authentication middleware backed by the given
// auth service.
func NewAuthMiddleware(authService *auth.Service, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		auth:   authService,
		logger: logger,
	}
}

// Authenticate verifies the Authorization header before passing the request on.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			handlers.WriteUnauthorized(w, "missing or malformed authorization header")
			return
		}

		claims, err := m.auth.ValidateToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) {
				handlers.WriteUnauthorized(w, "token expired")
				return
			}
			m.logger.Debug("token validation failed", "error", err)
			handlers.WriteUnauthorized(w, "invalid token")
			return
		}

		m.logger.Debug("request authenticated", "subject", claims.Subject)
		next.ServeHTTP(w, r)
	})
}
