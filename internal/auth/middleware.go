package auth

import (
	"context"
	"net/http"

	"github.com/storygate/storygate/internal/store"
)

type contextKey string

const userContextKey contextKey = "auth.user"

// UserFromContext returns the authenticated user attached by RequireUser, or
// nil when the request carries none.
func UserFromContext(ctx context.Context) *store.User {
	user, _ := ctx.Value(userContextKey).(*store.User)
	return user
}

// RequireUser rejects unauthenticated requests and attaches the resolved
// user to the request context for downstream handlers.
func (h *Handlers) RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := h.userForRequest(r)
		if user == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// RequireAdmin is RequireUser plus an admin check.
func (h *Handlers) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.RequireUser(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil || !user.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, r)
	})
}
