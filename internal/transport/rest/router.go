package rest

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/puzzle-purchases/api"
	errors "github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	"github.com/frahmantamala/puzzle-purchases/internal/transport"
	"github.com/frahmantamala/puzzle-purchases/internal/transport/middleware"
	"github.com/frahmantamala/puzzle-purchases/internal/transport/swagger"
	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
)

type Dependencies struct {
	PurchaseHandler *purchase.Handler
	WebhookHandler  *purchase.WebhookHandler
	Tokens          middleware.TokenValidator
	Validator       *middleware.OpenAPIValidator
	RateLimiter     *middleware.RateLimiter
	HealthChecks    map[string]CheckFunc
	Logger          *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, deps Dependencies) {
	healthHandler := NewHealthHandler(deps.HealthChecks)
	validate := deps.Validator.Middleware

	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(deps.Logger))
	router.Use(middleware.LoggingMiddleware(deps.Logger))

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, errors.NewNotFoundError("Route not found", errors.ErrCodeRouteNotFound), nil)
	})

	router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(api.OpenAPISpec)
	})
	router.Handle("/swagger/*", swagger.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		if deps.WebhookHandler != nil {
			r.With(validate).Post("/webhooks/gateway", deps.WebhookHandler.HandleGatewayNotification)
		}

		r.Route("/purchases", func(pr chi.Router) {
			pr.Use(middleware.Authenticate(deps.Tokens, deps.Logger))

			pr.With(deps.RateLimiter.Middleware, validate).Post("/", deps.PurchaseHandler.CreatePurchase)
			pr.With(validate).Get("/", deps.PurchaseHandler.ListPurchases)
			pr.With(validate).Get("/{id}", deps.PurchaseHandler.GetPurchase)
			pr.With(validate).Post("/{id}/confirm", deps.PurchaseHandler.ConfirmPurchase)

			pr.Group(func(ar chi.Router) {
				ar.Use(middleware.RequirePermissions(deps.Logger, errors.PermissionAdmin), validate)
				ar.Put("/{id}", deps.PurchaseHandler.UpdatePurchase)
				ar.Delete("/{id}", deps.PurchaseHandler.DeletePurchase)
			})
		})
	})
}
