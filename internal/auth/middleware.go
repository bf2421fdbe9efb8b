package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Verifier turns a bearer token into claims. *Provider implements it.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

type contextKey struct{}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced
	Enabled bool

	// PublicPaths are paths that don't require authentication. A trailing
	// '*' matches by prefix.
	PublicPaths []string

	// RequiredRoles, when set, must intersect the caller's roles.
	RequiredRoles []string
}

// Middleware authenticates requests and stores the claims in the context.
type Middleware struct {
	verifier      Verifier
	enabled       bool
	publicPaths   []string
	requiredRoles []string
	logger        *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(verifier Verifier, cfg *MiddlewareConfig, logger *slog.Logger) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	public := append([]string{"/health", "/healthz", "/ready", "/metrics"}, cfg.PublicPaths...)
	return &Middleware{
		verifier:      verifier,
		enabled:       cfg.Enabled,
		publicPaths:   public,
		requiredRoles: cfg.RequiredRoles,
		logger:        logger,
	}
}

func (m *Middleware) isPublic(path string) bool {
	for _, p := range m.publicPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == p {
			return true
		}
	}
	return false
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || m.verifier == nil || r.Method == http.MethodOptions || m.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" && isWebSocketUpgrade(r) {
			// Browsers cannot set headers on a WebSocket handshake.
			if qt := r.URL.Query().Get("access_token"); qt != "" {
				authHeader = "Bearer " + qt
			}
		}
		if authHeader == "" {
			m.unauthorized(w, "missing authorization header")
			return
		}
		token, ok := bearerToken(authHeader)
		if !ok {
			m.unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token rejected", "error", err, "path", r.URL.Path)
			m.unauthorized(w, "invalid token")
			return
		}
		if claims.IsExpired() {
			m.unauthorized(w, "token expired")
			return
		}

		if len(m.requiredRoles) > 0 {
			hasRole := false
			for _, role := range m.requiredRoles {
				if claims.HasRole(role) {
					hasRole = true
					break
				}
			}
			if !hasRole {
				writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(contextKey{}).(*Claims)
	return claims
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mentatlab"`)
	writeError(w, http.StatusUnauthorized, "auth_required", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
