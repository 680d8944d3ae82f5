package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/quotaledger/internal/domain"
)

// =============================================================================
// Admin Authentication
// =============================================================================

// AdminAuthMiddleware guards admin routes with a static bearer token.
type AdminAuthMiddleware struct {
	token  string
	logger *slog.Logger
}

// NewAdminAuthMiddleware creates a new admin auth middleware.
// An empty token rejects every request; admin routes are never open.
func NewAdminAuthMiddleware(token string, logger *slog.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		token:  token,
		logger: logger,
	}
}

// RequireAdmin returns middleware that requires "Authorization: Bearer <token>".
func (m *AdminAuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.token == "" {
			m.logger.Warn("admin request rejected, no admin token configured", "path", r.URL.Path)
			writeJSONError(w, http.StatusForbidden, domain.EFORBIDDEN, "Admin API is disabled")
			return
		}

		presented, ok := bearerToken(r)
		if !ok {
			err := domain.Unauthorized("middleware.require_admin", "Authentication required")
			m.logger.Debug("admin request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			writeJSONError(w, http.StatusUnauthorized, err.Code, err.Message)
			return
		}

		// Use constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(presented), []byte(m.token)) != 1 {
			m.logger.Warn("admin request rejected, bad token",
				"path", r.URL.Path,
				"ip", getClientIP(r),
			)
			writeJSONError(w, http.StatusForbidden, domain.EFORBIDDEN, "You don't have permission to access this resource")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

// writeJSONError writes the error envelope used by the handler package.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(securityMw.Handler, loggingMw.Handler, metrics.Middleware)
//	server.Handler = stack(mux)
//
// This is equivalent to:
//
//	securityMw.Handler(loggingMw.Handler(metrics.Middleware(mux)))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}
