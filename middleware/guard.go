package middleware

import (
	"context"
	"net/http"
	"strings"

	castellan "github.com/castellan-auth/castellan"
)

type sessionInfoContextKey struct{}

// SessionFromContext returns the identity injected by a guard.
func SessionFromContext(ctx context.Context) (*castellan.SessionInfo, bool) {
	info, ok := ctx.Value(sessionInfoContextKey{}).(*castellan.SessionInfo)
	return info, ok
}

// RequireSession rejects requests without a live session token in the
// Authorization header.
func RequireSession(engine *castellan.Engine) func(http.Handler) http.Handler {
	return guard(engine, "")
}

// RequireCapability additionally requires the session's role to grant the
// capability.
func RequireCapability(engine *castellan.Engine, capability castellan.Capability) func(http.Handler) http.Handler {
	return guard(engine, capability)
}

func guard(engine *castellan.Engine, capability castellan.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			var (
				info *castellan.SessionInfo
				err  error
			)
			if capability == "" {
				info, err = engine.ResolveSession(r.Context(), token)
			} else {
				info, err = engine.Authorize(r.Context(), token, capability)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if err == castellan.ErrCapabilityDenied {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				return
			}

			ctx := context.WithValue(r.Context(), sessionInfoContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
