package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/puzzle-purchases/internal"
	"github.com/frahmantamala/puzzle-purchases/internal/core/events"
	purchaseDatamodel "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/purchase"
	"github.com/frahmantamala/puzzle-purchases/internal/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	purchasePostgres "github.com/frahmantamala/puzzle-purchases/internal/purchase/postgres"
	purchaseRedis "github.com/frahmantamala/puzzle-purchases/internal/purchase/redis"
)

// backend holds the long-lived clients shared by the server and worker commands.
type backend struct {
	Config  *internal.Config
	SQL     *sql.DB
	Gorm    *gorm.DB
	Redis   *rd.Client
	Bus     *events.EventBus
	Kafka   interface{ Close() error }
	Service *purchase.Service
	Logger  *slog.Logger
}

func initBackend(cfg *internal.Config, lg *slog.Logger) (*backend, error) {
	gdb, sqlDB, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	b := &backend{
		Config: cfg,
		SQL:    sqlDB,
		Gorm:   gdb,
		Bus:    events.NewEventBus(lg),
		Logger: lg,
	}

	opts := purchase.Options{
		GatewayTimeout: cfg.Payment.GatewayTimeout,
		ClaimTTL:       cfg.Payment.ClaimTTL,
		TokenHashCost:  cfg.Payment.TokenHashCost,
		Events:         b.Bus,
	}

	if cfg.Redis.Enabled {
		b.Redis = rd.NewClient(&rd.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.Redis.Ping(context.Background()).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		opts.Cache = purchaseRedis.NewReplayCache(b.Redis, cfg.Redis.ReplayTTL)
		lg.Info("replay cache enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.Kafka.Enabled {
		writer := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		events.NewKafkaForwarder(writer, lg).Register(b.Bus)
		b.Kafka = writer
		lg.Info("kafka forwarding enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	b.Service = purchase.NewService(
		purchasePostgres.NewPurchaseRepository(gdb),
		newGateway(cfg.Payment, lg),
		purchase.NewValidator(cfg.Payment.MaxAmount, cfg.Payment.Currencies),
		opts,
		lg,
	)
	return b, nil
}

func newGateway(cfg internal.PaymentConfig, lg *slog.Logger) purchase.Gateway {
	if cfg.GatewayURL == internal.SandboxGatewayURL {
		lg.Warn("using the in-process sandbox payment gateway")
		return paymentgateway.NewSandbox(lg)
	}
	return paymentgateway.NewClient(paymentgateway.Config{
		BaseURL: cfg.GatewayURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.GatewayTimeout,
	}, lg)
}

// Close releases clients in reverse order of creation. Pending event
// handlers are drained by the caller before Close.
func (b *backend) Close() {
	if b.Kafka != nil {
		if err := b.Kafka.Close(); err != nil {
			b.Logger.Error("kafka writer close error", "error", err)
		}
	}
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			b.Logger.Error("redis close error", "error", err)
		}
	}
	if err := b.SQL.Close(); err != nil {
		b.Logger.Error("database close error", "error", err)
	}
}

// initDB opens the connection pool. Postgres connects through sqlx and the
// pgx stdlib driver and gorm reuses that pool; sqlite is for local runs and
// is migrated in place.
func initDB(cfg internal.DatabaseConfig) (*gorm.DB, *sql.DB, error) {
	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
	}

	if cfg.Driver == "sqlite" {
		gdb, err := gorm.Open(sqlite.Open(cfg.Source), gormConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, err
		}
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
		if err := gdb.AutoMigrate(&purchaseDatamodel.Purchase{}, &purchaseDatamodel.AuditLog{}); err != nil {
			_ = sqlDB.Close()
			return nil, nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
		}
		return gdb, sqlDB, nil
	}

	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: dbConn.DB}), gormConfig)
	if err != nil {
		_ = dbConn.Close()
		return nil, nil, fmt.Errorf("failed to open gorm session: %w", err)
	}

	return gdb, dbConn.DB, nil
}
