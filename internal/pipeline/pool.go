package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// WorkerPool runs a resizable number of goroutines draining one Consumer.
// Shrinking lets a worker finish the batch it is handling before it exits.
type WorkerPool struct {
	consumer *Consumer
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers []chan struct{}
	wg      sync.WaitGroup
}

// NewWorkerPool creates an empty pool. Workers stop when ctx is cancelled
// or Stop is called.
func NewWorkerPool(ctx context.Context, c *Consumer, logger *slog.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		consumer: c,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Size reports the number of running workers.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Resize starts or stops workers until n are running.
func (p *WorkerPool) Resize(n int) error {
	if n < 0 {
		return fmt.Errorf("pool size must be >= 0, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return fmt.Errorf("pool stopped: %w", p.ctx.Err())
	}

	prev := len(p.workers)
	for len(p.workers) < n {
		quit := make(chan struct{})
		p.workers = append(p.workers, quit)
		p.wg.Go(func() {
			p.consumer.loop(p.ctx, quit)
		})
	}
	for len(p.workers) > n {
		last := len(p.workers) - 1
		close(p.workers[last])
		p.workers = p.workers[:last]
	}

	step := string(p.consumer.Step())
	poolWorkers.WithLabelValues(step).Set(float64(n))
	if prev != n {
		p.logger.Info("resized worker pool", "step", step, "from", prev, "to", n)
	}
	return nil
}

// Stop signals every worker to exit once its current batch is done and
// waits for them.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	for _, quit := range p.workers {
		close(quit)
	}
	p.workers = nil
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	poolWorkers.WithLabelValues(string(p.consumer.Step())).Set(0)
}
