// Package inference evaluates trained models for batches of requests.
// Each request in a batch yields exactly one result, success or error, and
// every result is stored with a short TTL for later retrieval.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/queue"
	"github.com/seantiz/simflow/internal/solver"
)

// Processor defaults.
const (
	DefaultWorkers   = 4
	DefaultTimeout   = 30 * time.Second
	DefaultResultTTL = time.Hour
)

var (
	// ErrInferenceTimeout is recorded when one request exceeds its timeout.
	ErrInferenceTimeout = errors.New("inference timed out")

	// ErrInvalidPoints is returned for empty or non-finite input points.
	ErrInvalidPoints = errors.New("invalid input points")
)

var tracer = otel.Tracer("github.com/seantiz/simflow/internal/inference")

var (
	inferenceRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simflow_inference_requests_total",
			Help: "Total number of inference requests by result status.",
		},
		[]string{"status"},
	)

	inferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simflow_inference_duration_seconds",
			Help:    "Time spent evaluating one inference request.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(inferenceRequests)
	prometheus.MustRegister(inferenceDuration)
}

// ModelSource resolves the metadata of a completed workflow's model.
type ModelSource interface {
	GetOrLoad(ctx context.Context, workflowID string) (model.ModelCacheEntry, error)
}

// ResultStore persists inference results with a TTL.
type ResultStore interface {
	PutInferenceResult(ctx context.Context, r model.InferenceResult, ttl time.Duration) error
	GetInferenceResult(ctx context.Context, workflowID, requestID string) (*model.InferenceResult, error)
}

// Config tunes a Processor. Zero fields take the package defaults.
type Config struct {
	Workers   int
	Timeout   time.Duration
	ResultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	return c
}

// Processor runs inference batches against cached models on a bounded pool.
type Processor struct {
	models  ModelSource
	solvers *solver.Registry
	results ResultStore
	queue   queue.Queue
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewProcessor creates a processor. q is only needed for Submit.
func NewProcessor(models ModelSource, solvers *solver.Registry, results ResultStore, q queue.Queue, cfg Config, logger *slog.Logger) *Processor {
	return &Processor{
		models:  models,
		solvers: solvers,
		results: results,
		queue:   q,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Process evaluates every request against the model of workflowID and
// returns one result per request, in request order. If the model cannot be
// resolved every request gets the same error.
func (p *Processor) Process(ctx context.Context, workflowID string, reqs []model.InferenceRequest) []model.InferenceResult {
	ctx, span := tracer.Start(ctx, "inference.Process", trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.Int("requests", len(reqs)),
	))
	defer span.End()

	reqs = append([]model.InferenceRequest(nil), reqs...)
	for i := range reqs {
		if reqs[i].RequestID == "" {
			reqs[i].RequestID = uuid.NewString()
		}
	}

	results := make([]model.InferenceResult, len(reqs))
	entry, sv, err := p.resolve(ctx, workflowID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Warn("inference model unavailable", "workflow_id", workflowID, "error", err)
		for i, r := range reqs {
			results[i] = p.errorResult(workflowID, r, err, 0)
		}
	} else {
		sem := semaphore.NewWeighted(int64(p.cfg.Workers))
		var wg sync.WaitGroup
		for i, r := range reqs {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = p.errorResult(workflowID, r, err, 0)
				continue
			}
			wg.Go(func() {
				defer sem.Release(1)
				results[i] = p.run(ctx, sv, entry, r)
			})
		}
		wg.Wait()
	}

	for _, r := range results {
		inferenceRequests.WithLabelValues(r.Status).Inc()
		if err := p.results.PutInferenceResult(ctx, r, p.cfg.ResultTTL); err != nil {
			p.logger.Error("failed to store inference result", "workflow_id", workflowID, "request_id", r.RequestID, "error", err)
		}
	}
	return results
}

func (p *Processor) resolve(ctx context.Context, workflowID string) (model.ModelCacheEntry, solver.Solver, error) {
	entry, err := p.models.GetOrLoad(ctx, workflowID)
	if err != nil {
		return entry, nil, err
	}
	sv, err := p.solvers.Resolve(entry.DomainType)
	if err != nil {
		return entry, nil, err
	}
	return entry, sv, nil
}

type inferOutcome struct {
	predictions [][]float64
	err         error
}

// run evaluates one request under its own timeout. A solver that ignores
// cancellation is abandoned once the timeout fires.
func (p *Processor) run(ctx context.Context, sv solver.Solver, entry model.ModelCacheEntry, r model.InferenceRequest) model.InferenceResult {
	start := time.Now()
	if err := ValidatePoints(r.Points); err != nil {
		return p.errorResult(entry.WorkflowID, r, err, time.Since(start))
	}

	rctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan inferOutcome, 1)
	go func() {
		preds, err := sv.Infer(rctx, entry, r.Points)
		done <- inferOutcome{predictions: preds, err: err}
	}()

	var out inferOutcome
	select {
	case out = <-done:
	case <-rctx.Done():
		out.err = rctx.Err()
	}
	elapsed := time.Since(start)
	inferenceDuration.Observe(elapsed.Seconds())

	if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return p.errorResult(entry.WorkflowID, r, fmt.Errorf("%w after %s", ErrInferenceTimeout, p.cfg.Timeout), elapsed)
	}
	if out.err != nil {
		return p.errorResult(entry.WorkflowID, r, out.err, elapsed)
	}
	return model.InferenceResult{
		WorkflowID:      entry.WorkflowID,
		RequestID:       r.RequestID,
		Status:          model.InferenceSuccess,
		Predictions:     out.predictions,
		NPoints:         len(r.Points),
		InferenceTimeMS: float64(elapsed.Microseconds()) / 1000,
		CreatedAt:       p.now(),
	}
}

func (p *Processor) errorResult(workflowID string, r model.InferenceRequest, err error, elapsed time.Duration) model.InferenceResult {
	return model.InferenceResult{
		WorkflowID:      workflowID,
		RequestID:       r.RequestID,
		Status:          model.InferenceError,
		NPoints:         len(r.Points),
		Error:           err.Error(),
		InferenceTimeMS: float64(elapsed.Microseconds()) / 1000,
		CreatedAt:       p.now(),
	}
}

// HandleBatch groups queued requests by workflow and processes each group.
// Results are returned grouped in first-seen workflow order.
func (p *Processor) HandleBatch(ctx context.Context, msgs []model.InferenceMessage) []model.InferenceResult {
	var order []string
	groups := make(map[string][]model.InferenceRequest)
	for _, m := range msgs {
		if _, ok := groups[m.WorkflowID]; !ok {
			order = append(order, m.WorkflowID)
		}
		groups[m.WorkflowID] = append(groups[m.WorkflowID], m.Request())
	}

	var out []model.InferenceResult
	for _, id := range order {
		out = append(out, p.Process(ctx, id, groups[id])...)
	}
	return out
}

// Submit queues one inference request for asynchronous processing and
// returns its request id. The workflow's model must be ready; otherwise
// nothing is enqueued.
func (p *Processor) Submit(ctx context.Context, workflowID, requestID string, points [][]float64) (string, error) {
	if _, err := p.models.GetOrLoad(ctx, workflowID); err != nil {
		return "", err
	}
	if err := ValidatePoints(points); err != nil {
		return "", err
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	msg, err := queue.NewMessage(model.InferenceMessage{WorkflowID: workflowID, RequestID: requestID, Points: points})
	if err != nil {
		return "", err
	}
	if err := p.queue.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue inference request: %w", err)
	}
	return requestID, nil
}

// Result returns a stored inference result.
func (p *Processor) Result(ctx context.Context, workflowID, requestID string) (*model.InferenceResult, error) {
	return p.results.GetInferenceResult(ctx, workflowID, requestID)
}

// ValidatePoints rejects empty batches, empty points and non-finite coordinates.
func ValidatePoints(points [][]float64) error {
	if len(points) == 0 {
		return fmt.Errorf("%w: no points", ErrInvalidPoints)
	}
	for i, pt := range points {
		if len(pt) == 0 {
			return fmt.Errorf("%w: point %d is empty", ErrInvalidPoints, i)
		}
		for _, v := range pt {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: point %d has a non-finite coordinate", ErrInvalidPoints, i)
			}
		}
	}
	return nil
}
