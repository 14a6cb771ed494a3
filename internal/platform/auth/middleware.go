package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

type AuthorizeFunc func(r *http.Request, identity Identity) error

// RequireRole admits identities carrying role. An empty role admits
// everyone who authenticated.
func RequireRole(role string) AuthorizeFunc {
	return func(_ *http.Request, identity Identity) error {
		if role == "" || identity.HasRole(role) {
			return nil
		}
		return ErrForbidden
	}
}

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
}

// Wrap authenticates the request and stores the identity in its
// context. A nil Authenticator passes every request through anonymously.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Authenticator == nil {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.deny(w, r, http.StatusUnauthorized, reason, err, "")
			return
		}
		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, http.StatusForbidden, "forbidden", err, identity.Subject)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, status int, reason string, err error, subject string) {
	if m.Logger != nil {
		m.Logger.Warn("auth deny",
			"reason", reason,
			"status", status,
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"subject", subject,
			"error", err.Error(),
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      reason,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
