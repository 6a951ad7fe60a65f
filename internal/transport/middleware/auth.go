package middleware

import (
	"log/slog"
	"net/http"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/auth"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
	"github.com/frahmantamala/puzzle-purchases/pkg/logger"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// Authenticate resolves the bearer token into the current user. Requests
// without a valid token never reach the handler.
func Authenticate(validator TokenValidator, lg *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := transport.ExtractBearerToken(r)
			if token == "" {
				transport.WriteError(w, errors.NewUnauthorizedError("Authorization token is required", errors.ErrCodeUnauthorizedAccess), lg)
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				appErr, ok := errors.IsAppError(err)
				if !ok {
					appErr = errors.ErrInvalidToken
				}
				transport.WriteError(w, appErr, lg)
				return
			}

			user := claims.ToUser()
			ctx := errors.ContextWithUser(r.Context(), user)
			ctx = logger.With(ctx, "user_id", user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
