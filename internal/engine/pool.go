package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"papermill/internal/config"
	"papermill/internal/convert"
	"papermill/internal/metrics"
	"papermill/internal/publish"
	"papermill/internal/storage"
)

// Pool supervises the workers and the singleton reaper. Exactly one
// reaper runs per pool; duplicating it across workers would cause
// spurious releases of healthy claims.
type Pool struct {
	store     *storage.Storage
	cfg       config.Config
	dispatch  *convert.Dispatcher
	publisher publish.ResultPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewPool(store *storage.Storage, cfg config.Config, dispatch *convert.Dispatcher, pub publish.ResultPublisher, m *metrics.Metrics, logger *slog.Logger) *Pool {
	return &Pool{
		store:     store,
		cfg:       cfg,
		dispatch:  dispatch,
		publisher: pub,
		metrics:   m,
		logger:    logger,
	}
}

// Start resets orphaned claims from a previous process, then spawns
// the workers and the reaper.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	orphans, err := p.store.ResetStartup()
	if err != nil {
		return fmt.Errorf("startup reset: %w", err)
	}
	if orphans > 0 {
		p.logger.Warn("failed orphaned tasks from previous instance", "count", orphans)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 1; i <= p.cfg.NumWorkers; i++ {
		w := NewWorker(fmt.Sprintf("worker_%d", i), p.store, p.cfg, p.dispatch, p.publisher, p.metrics, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(runCtx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reap(runCtx)
	}()

	p.started = true
	p.logger.Info("worker pool started",
		"workers", p.cfg.NumWorkers,
		"stale_timeout", p.cfg.StaleTimeout,
		"stale_check_interval", p.cfg.StaleCheckInterval)
	return nil
}

// Stop cancels all workers and the reaper and waits for them. Workers
// finish their current step; a claim still held at cancellation is
// returned to the queue by its worker.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.started = false
	p.logger.Info("worker pool stopped")
}

// reap periodically returns stale claims to the queue. A claim whose
// processing_started is older than the stale timeout belongs to a
// hung or dead worker.
func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := p.store.ReleaseStale(p.cfg.StaleTimeout)
			if err != nil {
				p.logger.Error("stale release failed", "error", err)
				continue
			}
			if released > 0 {
				p.metrics.TasksRequeued.Add(float64(released))
				p.logger.Warn("requeued stale tasks", "count", released)
			}
		}
	}
}
