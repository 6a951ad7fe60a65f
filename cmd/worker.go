package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/puzzle-purchases/internal/reconcile"
	"github.com/frahmantamala/puzzle-purchases/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background worker pools such as purchase reconciliation.`,
}

var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Start the purchase reconciliation worker pool",
	Long:  `Periodically settle purchases left open by gateway timeouts by querying the gateway for their intents.`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var (
	maxWorkers   int
	jobQueueSize int
	runOnce      bool
)

func startReconcileWorker() {
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
	defer b.Close()

	reconcileConfig := reconcile.Config{
		Interval:     config.Reconcile.Interval,
		StaleAfter:   config.Reconcile.StaleAfter,
		BatchSize:    config.Reconcile.BatchSize,
		MaxWorkers:   getIntFlag(maxWorkers, config.Reconcile.MaxWorkers),
		JobQueueSize: getIntFlag(jobQueueSize, config.Reconcile.JobQueueSize),
	}

	lg.Info("starting reconcile worker",
		"max_workers", reconcileConfig.MaxWorkers,
		"job_queue_size", reconcileConfig.JobQueueSize,
		"interval", reconcileConfig.Interval.String(),
		"stale_after", reconcileConfig.StaleAfter.String())

	reconciler := reconcile.NewReconciler(b.Service, reconcileConfig, lg)
	reconciler.Start()

	if runOnce {
		queued, err := reconciler.Sweep(context.Background())
		if err != nil {
			lg.Error("reconcile sweep failed", "error", err)
		}
		lg.Info("single sweep queued purchases", "count", queued)
		// give queued jobs a gateway timeout to finish
		time.Sleep(config.Payment.GatewayTimeout)
		reconciler.Shutdown()
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	lg.Info("reconcile worker is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	lg.Info("received signal, shutting down reconcile worker", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		reconciler.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		lg.Info("reconcile worker pool shutdown complete")
	case <-ctx.Done():
		lg.Warn("shutdown timeout reached, forcing exit")
	}

	if err := b.Bus.Wait(ctx); err != nil {
		lg.Warn("event handlers still running at shutdown", "error", err)
	}
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	reconcileWorkerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
	reconcileWorkerCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single sweep and exit")

	workerCmd.AddCommand(reconcileWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
