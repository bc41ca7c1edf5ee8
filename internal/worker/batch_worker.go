package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sdk-batch-processor/internal/job"
	"github.com/sdk-batch-processor/internal/types"
)

// BatchRunner executes one batch run
type BatchRunner interface {
	Run(ctx context.Context, trigger types.TriggerSource) (*job.RunStatistics, error)
}

// BatchWorker runs the batch processor on a fixed interval
type BatchWorker struct {
	runner   BatchRunner
	interval time.Duration
	trigger  types.TriggerSource
	// OnRun, when set, receives every finished run
	onRun func(stats *job.RunStatistics, err error)

	mu      sync.RWMutex
	running bool
	lastRun *job.RunStatistics
	runs    int
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// BatchWorkerConfig holds configuration for a batch worker
type BatchWorkerConfig struct {
	Runner   BatchRunner
	Interval time.Duration
	Trigger  types.TriggerSource
	OnRun    func(stats *job.RunStatistics, err error)
}

// NewBatchWorker creates a new batch worker
func NewBatchWorker(cfg *BatchWorkerConfig) (*BatchWorker, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("batch runner cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}
	trigger := cfg.Trigger
	if trigger == "" {
		trigger = types.TriggerCron
	}

	return &BatchWorker{
		runner:   cfg.Runner,
		interval: cfg.Interval,
		trigger:  trigger,
		onRun:    cfg.OnRun,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start runs one batch immediately, then one per interval, until ctx ends or Stop is called
func (w *BatchWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	log.Printf("[BatchWorker] Starting with interval %v", w.interval)
	go w.loop(ctx)
	return nil
}

// Stop signals the loop and waits for the current run to finish
func (w *BatchWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("batch worker is not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
		log.Printf("[BatchWorker] Stopped gracefully")
		return nil
	case <-ctx.Done():
		log.Printf("[BatchWorker] Stop timed out")
		return ctx.Err()
	}
}

// Done is closed when the loop exits
func (w *BatchWorker) Done() <-chan struct{} {
	return w.doneCh
}

func (w *BatchWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[BatchWorker] Context cancelled")
			return
		case <-w.stopCh:
			log.Printf("[BatchWorker] Stop signal received")
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *BatchWorker) runOnce(ctx context.Context) {
	stats, err := w.runner.Run(ctx, w.trigger)
	if err != nil {
		// the next tick retries
		log.Printf("[BatchWorker] Run error: %v", err)
	}

	w.mu.Lock()
	w.runs++
	if stats != nil {
		w.lastRun = stats
	}
	w.mu.Unlock()

	if w.onRun != nil {
		w.onRun(stats, err)
	}
}

// BatchWorkerStatus describes the worker for health output
type BatchWorkerStatus struct {
	Running bool               `json:"running"`
	Runs    int                `json:"runs"`
	LastRun *job.RunStatistics `json:"lastRun,omitempty"`
}

// Status returns the worker state
func (w *BatchWorker) Status() BatchWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return BatchWorkerStatus{Running: w.running, Runs: w.runs, LastRun: w.lastRun}
}
