package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/frahmantamala/puzzle-purchases/internal/purchase"
)

type Job struct {
	PurchaseID string
	IntentID   string
}

type Worker struct {
	ID         int
	WorkerPool chan chan Job
	JobChannel chan Job
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Job, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Job),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup, processFunc func(Job)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("reconcile worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case job := <-w.JobChannel:
				w.Logger.Debug("reconcile worker processing job", "worker_id", w.ID, "purchase_id", job.PurchaseID)
				processFunc(job)
			case <-ctx.Done():
				w.Logger.Debug("reconcile worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// Purchases is the slice of the orchestrator the reconciler drives.
type Purchases interface {
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*purchase.Purchase, error)
	ReconcilePurchase(ctx context.Context, recordID string) (*purchase.Result, error)
}

type Config struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	BatchSize    int
	MaxWorkers   int
	JobQueueSize int
}

// Reconciler periodically settles purchases left open by gateway timeouts,
// crashed requests or abandoned customer actions.
type Reconciler struct {
	purchases Purchases
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	jobQueue   chan Job
	workerPool chan chan Job
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewReconciler(purchases Purchases, config Config, logger *slog.Logger) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 2 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 4
	}
	if config.JobQueueSize <= 0 {
		config.JobQueueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		purchases:  purchases,
		config:     config,
		logger:     logger,
		now:        time.Now,
		jobQueue:   make(chan Job, config.JobQueueSize),
		workerPool: make(chan chan Job, config.MaxWorkers),
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]struct{}),
	}
}

// Start launches the workers, the dispatcher and the sweep ticker.
func (r *Reconciler) Start() {
	r.once.Do(func() {
		for i := 0; i < r.config.MaxWorkers; i++ {
			worker := NewWorker(i, r.workerPool, r.logger)
			worker.Start(r.ctx, &r.wg, r.process)
		}

		r.wg.Add(2)
		go r.dispatch()
		go r.loop()

		r.logger.Info("reconcile worker pool started",
			"max_workers", r.config.MaxWorkers,
			"queue_size", cap(r.jobQueue),
			"interval", r.config.Interval.String(),
			"stale_after", r.config.StaleAfter.String())
	})
}

func (r *Reconciler) Shutdown() {
	r.logger.Info("shutting down reconciler")
	r.cancel()
	r.wg.Wait()
	r.logger.Info("reconciler shutdown complete")
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(r.ctx); err != nil && r.ctx.Err() == nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reconciler) dispatch() {
	defer r.wg.Done()

	for {
		select {
		case job := <-r.jobQueue:
			select {
			case jobChannel := <-r.workerPool:
				select {
				case jobChannel <- job:
				case <-r.ctx.Done():
					r.logger.Info("reconcile dispatcher shutting down")
					return
				}
			case <-r.ctx.Done():
				r.logger.Info("reconcile dispatcher shutting down")
				return
			}
		case <-r.ctx.Done():
			r.logger.Info("reconcile dispatcher shutting down")
			return
		}
	}
}

// Sweep queues every stale open purchase it is not already working on and
// returns how many were queued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.purchases.ListStale(ctx, r.now().Add(-r.config.StaleAfter), r.config.BatchSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, p := range stale {
		if !r.claim(p.ID) {
			continue
		}

		job := Job{PurchaseID: p.ID}
		if p.HasIntent() {
			job.IntentID = *p.GatewayIntentID
		}

		select {
		case r.jobQueue <- job:
			queued++
		default:
			r.release(p.ID)
			r.logger.Warn("reconcile queue full, deferring to next sweep", "purchase_id", p.ID)
			return queued, nil
		}
	}

	if queued > 0 {
		r.logger.Info("reconcile sweep queued purchases", "count", queued, "stale", len(stale))
	}
	return queued, nil
}

func (r *Reconciler) process(job Job) {
	defer r.release(job.PurchaseID)

	log := r.logger.With("purchase_id", job.PurchaseID, "intent_id", job.IntentID)

	result, err := r.purchases.ReconcilePurchase(r.ctx, job.PurchaseID)
	if err != nil {
		log.Warn("purchase reconciliation did not settle", "error", err)
		return
	}
	log.Info("purchase reconciled", "status", result.Purchase.Status)
}

func (r *Reconciler) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.pending[id]; busy {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

func (r *Reconciler) release(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
