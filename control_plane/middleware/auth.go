package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ycopyer/yumna-panel-sub002/control_plane/auth"
	"github.com/ycopyer/yumna-panel-sub002/control_plane/resolver"
)

type contextKey string

const callerContextKey contextKey = "caller"

// Validator checks bearer tokens.
type Validator interface {
	Validate(token string) (*auth.Claims, error)
}

// AuthMiddleware enforces bearer-token authentication and stores the
// caller in the request context.
func AuthMiddleware(tokens Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			// Browsers cannot set headers on WebSocket upgrades.
			if authHeader == "" && websocketUpgrade(r) {
				if tok := r.URL.Query().Get("access_token"); tok != "" {
					authHeader = "Bearer " + tok
				}
			}
			if authHeader == "" {
				http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid Authorization format. Expected 'Bearer <token>'", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Validate(parts[1])
			if err != nil {
				http.Error(w, fmt.Sprintf("Unauthorized: %v", err), http.StatusUnauthorized)
				return
			}

			ctx := WithCaller(r.Context(), resolver.Caller{UserID: claims.UserID, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// RequireAdmin rejects callers without the admin role. It must run after AuthMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok || !caller.Elevated() {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithCaller returns a context carrying caller.
func WithCaller(ctx context.Context, caller resolver.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// CallerFromContext retrieves the authenticated caller.
func CallerFromContext(ctx context.Context) (resolver.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey).(resolver.Caller)
	return caller, ok
}
