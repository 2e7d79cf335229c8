package auth

import (
	"net"
	"net/http"
	"strings"

	"twinchat/pkg/logger"
	"twinchat/pkg/utils"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

// SecConfig drives authentication, CORS and ingress rate limiting for the
// REST surface.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// Middleware authenticates REST requests by API key, applies CORS headers
// and per-key ingress rate limiting, and tags the resolved role in the
// X-Role-Name header for downstream handlers. Health endpoints and the
// websocket upgrade path stay open; the gateway does its own token
// verification.
func Middleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
				w.Header().Set("Access-Control-Expose-Headers", "X-Role-Name")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			// probes and the websocket endpoint bypass API-key auth
			if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics" || r.URL.Path == "/ws" {
				r.Header.Set("X-Role-Name", "unauth")
				next.ServeHTTP(w, r)
				return
			}

			role, key, hasAPIKey := authenticate(r, cfg)
			logger.Debug("auth_check", "role", roleName(role), "has_api_key", hasAPIKey, "path", r.URL.Path)

			if role == RoleUnauth || !hasAPIKey {
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			r.Header.Set("X-Role-Name", roleName(role))

			if role == RoleFrontend && !frontendAllowed(r) {
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				logger.Warn("request_forbidden", "reason", "frontend_not_allowed", "path", r.URL.Path)
				return
			}

			if !limiters.Allow(key) {
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "path", r.URL.Path)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func roleName(role Role) string {
	switch role {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticate resolves the caller role from the Authorization bearer or
// X-API-Key header.
func authenticate(r *http.Request, cfg SecConfig) (Role, string, bool) {
	authz := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		key = strings.TrimSpace(authz[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		return RoleUnauth, clientIP(r), false
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin, key, true
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key, true
	}
	if _, ok := cfg.FrontendKeys[key]; ok {
		return RoleFrontend, key, true
	}
	return RoleUnauth, key, true
}

// frontendAllowed scopes frontend keys to read-side message APIs; pair
// management and admin operations require backend or admin keys.
func frontendAllowed(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/v1/admin") {
		return false
	}
	if r.URL.Path == "/v1/pairs" && r.Method == http.MethodPost {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/v1/")
}
