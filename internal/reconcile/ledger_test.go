package reconcile_test

import (
	"context"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	purchaseDatamodel "github.com/frahmantamala/puzzle-purchases/internal/core/datamodel/purchase"
	"github.com/frahmantamala/puzzle-purchases/internal/paymentgateway"
	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	purchasePostgres "github.com/frahmantamala/puzzle-purchases/internal/purchase/postgres"
	"github.com/frahmantamala/puzzle-purchases/internal/reconcile"
)

var _ = Describe("Reconciler against the ledger", func() {
	var (
		db         *gorm.DB
		store      purchase.LedgerStore
		service    *purchase.Service
		reconciler *reconcile.Reconciler
		logger     *slog.Logger
		ctx        context.Context
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		ctx = context.Background()

		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			TranslateError: true,
			Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		})
		Expect(err).ToNot(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).ToNot(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		Expect(db.AutoMigrate(&purchaseDatamodel.Purchase{}, &purchaseDatamodel.AuditLog{})).To(Succeed())

		store = purchasePostgres.NewPurchaseRepository(db)
		service = purchase.NewService(store,
			paymentgateway.NewSandbox(logger),
			purchase.NewValidator(100000, []string{"USD"}),
			purchase.Options{GatewayTimeout: time.Second, TokenHashCost: bcrypt.MinCost},
			logger)
	})

	AfterEach(func() {
		if reconciler != nil {
			reconciler.Shutdown()
			reconciler = nil
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	backdate := func(id string, age time.Duration) {
		Expect(db.Model(&purchaseDatamodel.Purchase{}).
			Where("id = ?", id).
			UpdateColumn("updated_at", time.Now().UTC().Add(-age)).Error).To(Succeed())
	}

	abandonedAction := func(key string, age time.Duration) *purchase.Purchase {
		result, err := service.CreatePurchase(ctx, purchase.CreatePurchaseRequest{
			UserID:          "user-1",
			Amount:          200,
			Currency:        "USD",
			PaymentMethodID: paymentgateway.SandboxCardRequiresAuth,
			IdempotencyKey:  key,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Purchase.Status).To(Equal(purchase.StatusRequiresAction))
		backdate(result.Purchase.ID, age)
		return result.Purchase
	}

	status := func(id string) func() purchase.Status {
		return func() purchase.Status {
			p, err := store.FindByID(ctx, id)
			if err != nil {
				return ""
			}
			return p.Status
		}
	}

	It("reaches newer purchases when older ones cannot be settled yet", func() {
		first := abandonedAction("k-a", 3*time.Hour)
		second := abandonedAction("k-b", 3*time.Hour-time.Minute)

		// a charge whose CreateIntent timed out and was never retried
		old := time.Now().UTC().Add(-2 * time.Hour)
		timedOut := &purchase.Purchase{
			ID:              "pur-timed-out",
			UserID:          "user-1",
			Amount:          200,
			Currency:        "USD",
			PaymentMethodID: paymentgateway.SandboxCardSucceeds,
			IdempotencyKey:  "k-c",
			Status:          purchase.StatusPending,
			Version:         1,
			ClaimedAt:       old,
			CreatedAt:       old,
			UpdatedAt:       old,
		}
		Expect(store.Create(ctx, timedOut)).To(Succeed())

		reconciler = reconcile.NewReconciler(service, reconcile.Config{
			Interval:   20 * time.Millisecond,
			StaleAfter: time.Hour,
			BatchSize:  2,
			MaxWorkers: 2,
		}, logger)
		reconciler.Start()

		Eventually(status(timedOut.ID), 2*time.Second).Should(Equal(purchase.StatusSucceeded))
		Expect(status(first.ID)()).To(Equal(purchase.StatusRequiresAction))
		Expect(status(second.ID)()).To(Equal(purchase.StatusRequiresAction))
	})

	It("leaves an attempt alone while its lease is live", func() {
		now := time.Now().UTC()
		inFlight := &purchase.Purchase{
			ID:              "pur-in-flight",
			UserID:          "user-1",
			Amount:          200,
			Currency:        "USD",
			PaymentMethodID: paymentgateway.SandboxCardSucceeds,
			IdempotencyKey:  "k-live",
			Status:          purchase.StatusPending,
			Version:         1,
			ClaimedAt:       now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		Expect(store.Create(ctx, inFlight)).To(Succeed())

		result, err := service.ReconcilePurchase(ctx, inFlight.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Purchase.Status).To(Equal(purchase.StatusPending))
		Expect(result.Purchase.Version).To(Equal(int64(1)))
	})
})
