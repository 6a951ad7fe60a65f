package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
	"github.com/frahmantamala/puzzle-purchases/pkg/logger"
)

// RecoveryMiddleware turns a panic into an opaque 500 envelope.
func RecoveryMiddleware(lg *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					lg.Error("panic recovered",
						"error", err,
						"trace_id", logger.TraceIDFrom(r.Context()),
						"method", r.Method,
						"url", r.URL.String(),
						"stack", string(debug.Stack()))

					transport.WriteError(w, errors.NewInternalError("An internal error occurred", nil), nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
