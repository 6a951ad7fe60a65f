package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/puzzle-purchases/api"
	"github.com/frahmantamala/puzzle-purchases/internal/auth"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	"github.com/frahmantamala/puzzle-purchases/internal/transport/middleware"
	"github.com/frahmantamala/puzzle-purchases/internal/transport/rest"
	"github.com/frahmantamala/puzzle-purchases/pkg/logger"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	lg := logger.LoggerWrapper()

	b, err := initBackend(config, lg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	router, err := buildRouter(b)
	if err != nil {
		b.Close()
		fmt.Fprintf(os.Stderr, "Failed to build router: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%d", config.Server.Port)
	lg.Info("Starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: config.Server.ReadHeaderTimeout,
		ReadTimeout:       config.Server.ReadTimeout,
		WriteTimeout:      config.Server.WriteTimeout,
		IdleTimeout:       config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		lg.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			lg.Error("Server shutdown error", "error", err)
		}
		if err := b.Bus.Wait(ctx); err != nil {
			lg.Warn("event handlers still running at shutdown", "error", err)
		}
		b.Close()
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("Server failed to start", "error", err)
			b.Close()
			os.Exit(1)
		}
	}

	lg.Info("Server stopped")
}

func buildRouter(b *backend) (*chi.Mux, error) {
	validator, err := middleware.NewOpenAPIValidator(api.OpenAPISpec, b.Logger)
	if err != nil {
		return nil, err
	}

	checks := map[string]rest.CheckFunc{
		"database": b.SQL.PingContext,
	}
	if b.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return b.Redis.Ping(ctx).Err()
		}
	}

	var webhooks *purchase.WebhookHandler
	if secret := b.Config.Payment.WebhookSecret; secret != "" {
		webhooks = purchase.NewWebhookHandler(b.Service, secret, b.Logger)
	} else {
		b.Logger.Warn("payment.webhook_secret not set, gateway notifications disabled")
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Dependencies{
		PurchaseHandler: purchase.NewHandler(b.Service, b.Logger),
		WebhookHandler:  webhooks,
		Tokens:          auth.NewJWTTokenGenerator(b.Config.Security.JWTSecret, b.Config.Security.AccessTokenDuration),
		Validator:       validator,
		RateLimiter:     middleware.NewRateLimiter(b.Config.RateLimit.RequestsPerMinute, b.Config.RateLimit.Burst),
		HealthChecks:    checks,
		Logger:          b.Logger,
	})
	return router, nil
}
