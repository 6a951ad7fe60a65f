package middleware

import (
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
)

// RequirePermissions lets the request through when the user holds any of
// the listed permissions.
func RequirePermissions(lg *slog.Logger, permissions ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := errors.UserFromContext(r.Context())
			if !ok {
				transport.WriteError(w, errors.NewUnauthorizedError("Authentication required", errors.ErrCodeUnauthorizedAccess), lg)
				return
			}

			if !user.HasAnyPermission(permissions...) {
				lg.Warn("access denied: user lacks required permissions",
					"user_id", user.ID,
					"required_permissions", permissions,
					"user_permissions", user.Permissions)
				transport.WriteError(w, errors.NewForbiddenError("Insufficient permissions", errors.ErrCodeInsufficientPerms), lg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
