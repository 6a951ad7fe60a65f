package reconcile_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
	"github.com/frahmantamala/puzzle-purchases/internal/reconcile"
)

type fakePurchases struct {
	mu         sync.Mutex
	stale      []*purchase.Purchase
	listErr    error
	olderThan  time.Time
	reconciled []string
	block      chan struct{}
}

func (f *fakePurchases) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*purchase.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderThan = olderThan
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.stale) > limit {
		return f.stale[:limit], nil
	}
	return f.stale, nil
}

func (f *fakePurchases) ReconcilePurchase(_ context.Context, id string) (*purchase.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, id)
	return &purchase.Result{Purchase: &purchase.Purchase{ID: id, Status: purchase.StatusSucceeded}}, nil
}

func (f *fakePurchases) reconciledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reconciled...)
}

func openPurchase(id, intent string) *purchase.Purchase {
	p := &purchase.Purchase{ID: id, Status: purchase.StatusPending}
	if intent != "" {
		p.GatewayIntentID = &intent
	}
	return p
}

var _ = Describe("Reconciler", func() {
	var (
		fake       *fakePurchases
		reconciler *reconcile.Reconciler
		logger     *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		fake = &fakePurchases{
			stale: []*purchase.Purchase{
				openPurchase("p-1", "pi_1"),
				openPurchase("p-2", ""),
				openPurchase("p-3", "pi_3"),
			},
		}
	})

	AfterEach(func() {
		if reconciler != nil {
			reconciler.Shutdown()
		}
	})

	Describe("Sweep", func() {
		It("queues every stale purchase, with or without a gateway intent", func() {
			reconciler = reconcile.NewReconciler(fake, reconcile.Config{Interval: time.Hour, StaleAfter: time.Minute, MaxWorkers: 2}, logger)
			reconciler.Start()

			before := time.Now()
			queued, err := reconciler.Sweep(context.Background())

			Expect(err).ToNot(HaveOccurred())
			Expect(queued).To(Equal(3))
			Eventually(fake.reconciledIDs).Should(ConsistOf("p-1", "p-2", "p-3"))

			fake.mu.Lock()
			Expect(fake.olderThan).To(BeTemporally("~", before.Add(-time.Minute), time.Second))
			fake.mu.Unlock()
		})

		It("does not queue a purchase that is already being reconciled", func() {
			fake.block = make(chan struct{})
			reconciler = reconcile.NewReconciler(fake, reconcile.Config{Interval: time.Hour, MaxWorkers: 1}, logger)
			reconciler.Start()

			first, err := reconciler.Sweep(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(first).To(Equal(3))

			second, err := reconciler.Sweep(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(second).To(Equal(0))

			close(fake.block)
			Eventually(fake.reconciledIDs).Should(HaveLen(3))
		})

		It("reports listing failures", func() {
			fake.listErr = errors.New("db down")
			reconciler = reconcile.NewReconciler(fake, reconcile.Config{Interval: time.Hour}, logger)

			queued, err := reconciler.Sweep(context.Background())

			Expect(err).To(MatchError("db down"))
			Expect(queued).To(BeZero())
		})

		It("honours the batch size", func() {
			reconciler = reconcile.NewReconciler(fake, reconcile.Config{Interval: time.Hour, BatchSize: 1}, logger)
			reconciler.Start()

			queued, err := reconciler.Sweep(context.Background())

			Expect(err).ToNot(HaveOccurred())
			Expect(queued).To(Equal(1))
			Eventually(fake.reconciledIDs).Should(ConsistOf("p-1"))
		})
	})

	It("sweeps on every tick once started", func() {
		reconciler = reconcile.NewReconciler(fake, reconcile.Config{Interval: 20 * time.Millisecond, MaxWorkers: 2}, logger)
		reconciler.Start()

		Eventually(fake.reconciledIDs).Should(ContainElements("p-1", "p-2", "p-3"))
	})

	It("stops all goroutines on shutdown", func() {
		reconciler = reconcile.NewReconciler(fake, reconcile.Config{Interval: time.Hour}, logger)
		reconciler.Start()

		done := make(chan struct{})
		go func() {
			reconciler.Shutdown()
			close(done)
		}()
		Eventually(done).Should(BeClosed())
		reconciler = nil
	})
})
