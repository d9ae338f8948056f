package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seantiz/simflow/internal/blob"
	"github.com/seantiz/simflow/internal/cache"
	"github.com/seantiz/simflow/internal/capacity"
	"github.com/seantiz/simflow/internal/config"
	"github.com/seantiz/simflow/internal/inference"
	"github.com/seantiz/simflow/internal/maintenance"
	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/notify"
	"github.com/seantiz/simflow/internal/pipeline"
	"github.com/seantiz/simflow/internal/queue"
	"github.com/seantiz/simflow/internal/solver"
	"github.com/seantiz/simflow/internal/store"
)

// app holds the long-lived components shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store     store.Store
	queue     queue.Queue
	blobs     blob.Store
	solvers   *solver.Registry
	hub       *notify.Hub
	cache     *cache.ModelCache
	coord     *pipeline.Coordinator
	stages    *pipeline.Stages
	processor *inference.Processor
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	s, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a.store = s

	q, err := openQueue(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.queue = q

	b, err := blob.NewBoltStore(cfg.BlobPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	a.blobs = b

	a.solvers = solver.NewRegistry()
	if cfg.SolverURL != "" {
		a.solvers.SetDefault(solver.NewHTTPClient(cfg.SolverURL, cfg.Inference.Timeout))
	} else {
		a.solvers.SetDefault(solver.NewLocal())
	}

	a.hub = notify.NewHub(logger)
	a.cache = cache.New(a.store, cfg.Cache.Size, cache.PolicyByName(cfg.Cache.Policy))
	a.coord = pipeline.NewCoordinator(a.store, a.queue, a.hub, logger)
	a.coord.SetRetention(cfg.Retention.Workflows)
	a.stages = pipeline.NewStages(a.coord, a.solvers, a.blobs, a.cache, logger)
	a.processor = inference.NewProcessor(a.cache, a.solvers, a.store, a.queue, inference.Config{
		Workers:   cfg.Inference.Workers,
		Timeout:   cfg.Inference.Timeout,
		ResultTTL: cfg.Inference.ResultTTL,
	}, logger)
	return a, nil
}

func openStore(ctx context.Context, db config.DB) (store.Store, error) {
	switch db.Driver {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, db.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(db.Path)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		return s, nil
	}
}

func openQueue(ctx context.Context, redisURL string) (queue.Queue, error) {
	if redisURL == "" {
		return queue.NewMemoryQueue(), nil
	}
	q, err := queue.NewRedisQueue(ctx, redisURL, "")
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return q, nil
}

// Close releases every opened resource in reverse order of opening.
func (a *app) Close() {
	var errs []error
	if a.blobs != nil {
		errs = append(errs, a.blobs.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("close resources", "error", err)
	}
}

// workers owns the background goroutines started for a command.
type workers struct {
	cancel context.CancelFunc
	pools  []*pipeline.WorkerPool
	wg     sync.WaitGroup
}

// Stop cancels the control loops, drains the stage pools and waits.
func (w *workers) Stop() {
	w.cancel()
	for _, p := range w.pools {
		p.Stop()
	}
	w.wg.Wait()
}

// startWorkers starts one pool per stage, the inference consumer, the
// capacity optimizer for the training pool and, when maintain is set, the
// janitor.
func (a *app) startWorkers(ctx context.Context, maintain bool) (*workers, error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &workers{cancel: cancel}

	var training *pipeline.WorkerPool
	for _, step := range []model.Step{model.StepAnalysis, model.StepTraining, model.StepDeployment} {
		c := pipeline.NewConsumer(a.queue, a.stages, a.coord, pipeline.ConsumerConfig{
			Step:         step,
			BatchSize:    a.cfg.Workers.BatchSize,
			Visibility:   a.cfg.Workers.Visibility,
			PollInterval: a.cfg.Workers.PollInterval,
			MaxAttempts:  a.cfg.Workers.MaxAttempts,
		}, a.logger)
		pool := pipeline.NewWorkerPool(ctx, c, a.logger)
		if err := pool.Resize(a.cfg.Workers.PerStage); err != nil {
			w.Stop()
			return nil, fmt.Errorf("start %s workers: %w", step, err)
		}
		w.pools = append(w.pools, pool)
		if step == model.StepTraining {
			training = pool
		}
	}

	ic := inference.NewConsumer(a.queue, a.processor, a.cfg.Workers.BatchSize, 0, a.cfg.Workers.PollInterval, a.logger)
	w.wg.Go(func() { ic.Run(ctx) })

	opt := capacity.NewOptimizer(a.queue, training, capacity.Config{
		Step:       model.StepTraining,
		Min:        a.cfg.Capacity.Min,
		Max:        a.cfg.Capacity.Max,
		Hysteresis: a.cfg.Capacity.Hysteresis,
		Period:     a.cfg.Capacity.Period,
		Window:     a.cfg.Capacity.Window,
	}, a.logger)
	w.wg.Go(func() { opt.Run(ctx) })

	if maintain {
		j := maintenance.NewJanitor(a.store, a.blobs, a.cache, a.cfg.Retention.JanitorPeriod, a.cfg.Retention.Models, a.logger)
		w.wg.Go(func() { j.Run(ctx) })
	}

	a.logger.Info("workers started",
		"per_stage", a.cfg.Workers.PerStage,
		"capacity_max", a.cfg.Capacity.Max,
		"janitor", maintain,
	)
	return w, nil
}
