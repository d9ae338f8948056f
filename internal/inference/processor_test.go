package inference_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/simflow/internal/cache"
	"github.com/seantiz/simflow/internal/inference"
	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/queue"
	"github.com/seantiz/simflow/internal/solver"
	"github.com/seantiz/simflow/internal/store"
)

// fakeModels serves a fixed entry, or err for every lookup.
type fakeModels struct {
	err error
}

func (f fakeModels) GetOrLoad(_ context.Context, id string) (model.ModelCacheEntry, error) {
	if f.err != nil {
		return model.ModelCacheEntry{}, f.err
	}
	return model.ModelCacheEntry{WorkflowID: id, DomainType: model.DomainHeatTransfer}, nil
}

// echoSolver returns each point doubled. Points whose first coordinate is
// negative fail; a first coordinate of 999 blocks without honouring ctx.
type echoSolver struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (s *echoSolver) Name() string { return "echo" }

func (s *echoSolver) Analyze(context.Context, model.SimulationRequest) (solver.Analysis, error) {
	return solver.Analysis{}, nil
}

func (s *echoSolver) Train(context.Context, solver.TrainingJob, solver.ProgressFunc) (solver.TrainedModel, error) {
	return solver.TrainedModel{}, nil
}

func (s *echoSolver) Infer(_ context.Context, _ model.ModelCacheEntry, points [][]float64) ([][]float64, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		cur := s.maxSeen.Load()
		if n <= cur || s.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if points[0][0] == 999 {
		time.Sleep(500 * time.Millisecond)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if points[0][0] < 0 {
		return nil, errors.New("point outside domain")
	}
	out := make([][]float64, len(points))
	for i, p := range points {
		out[i] = []float64{2 * p[0]}
	}
	return out, nil
}

func newProcessor(t *testing.T, models inference.ModelSource, sv solver.Solver, cfg inference.Config) (*inference.Processor, store.Store, *queue.MemoryQueue) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := solver.NewRegistry()
	reg.SetDefault(sv)
	q := queue.NewMemoryQueue()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return inference.NewProcessor(models, reg, s, q, cfg, logger), s, q
}

func TestProcessOneResultPerRequest(t *testing.T) {
	p, s, _ := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{})

	reqs := []model.InferenceRequest{
		{RequestID: "a", Points: [][]float64{{1, 0}}},
		{RequestID: "b", Points: [][]float64{{-1, 0}}},
		{RequestID: "c", Points: [][]float64{{3, 0}, {4, 0}}},
	}
	results := p.Process(context.Background(), "w1", reqs)
	require.Len(t, results, 3)

	assert.Equal(t, model.InferenceSuccess, results[0].Status)
	assert.Equal(t, [][]float64{{2}}, results[0].Predictions)
	assert.Equal(t, model.InferenceError, results[1].Status)
	assert.Contains(t, results[1].Error, "outside domain")
	assert.Equal(t, model.InferenceSuccess, results[2].Status)
	assert.Equal(t, 2, results[2].NPoints)

	for _, r := range results {
		got, err := s.GetInferenceResult(context.Background(), "w1", r.RequestID)
		require.NoError(t, err)
		assert.Equal(t, r.Status, got.Status)
	}
}

func TestProcessModelUnavailable(t *testing.T) {
	p, _, _ := newProcessor(t, fakeModels{err: cache.ErrNotReady}, &echoSolver{}, inference.Config{})

	reqs := []model.InferenceRequest{
		{RequestID: "a", Points: [][]float64{{1, 0}}},
		{RequestID: "b", Points: [][]float64{{2, 0}}},
	}
	results := p.Process(context.Background(), "w1", reqs)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, model.InferenceError, r.Status)
		assert.Equal(t, cache.ErrNotReady.Error(), r.Error)
	}
}

func TestProcessTimeoutAffectsOnlyThatRequest(t *testing.T) {
	p, _, _ := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{Timeout: 50 * time.Millisecond})

	reqs := []model.InferenceRequest{
		{RequestID: "slow", Points: [][]float64{{999, 0}}},
		{RequestID: "fast", Points: [][]float64{{1, 0}}},
	}
	start := time.Now()
	results := p.Process(context.Background(), "w1", reqs)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "timed out request should be abandoned")

	require.Len(t, results, 2)
	assert.Equal(t, model.InferenceError, results[0].Status)
	assert.Contains(t, results[0].Error, inference.ErrInferenceTimeout.Error())
	assert.Equal(t, model.InferenceSuccess, results[1].Status)
}

func TestProcessBoundsConcurrency(t *testing.T) {
	sv := &echoSolver{delay: 20 * time.Millisecond}
	p, _, _ := newProcessor(t, fakeModels{}, sv, inference.Config{Workers: 2})

	reqs := make([]model.InferenceRequest, 8)
	for i := range reqs {
		reqs[i] = model.InferenceRequest{Points: [][]float64{{float64(i), 0}}}
	}
	results := p.Process(context.Background(), "w1", reqs)
	require.Len(t, results, 8)
	assert.LessOrEqual(t, sv.maxSeen.Load(), int32(2))
	for _, r := range results {
		_, err := uuid.Parse(r.RequestID)
		assert.NoError(t, err, "generated request id should be a UUID")
	}
}

func TestProcessInvalidPoints(t *testing.T) {
	p, _, _ := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{})

	reqs := []model.InferenceRequest{
		{RequestID: "empty"},
		{RequestID: "nan", Points: [][]float64{{math.NaN(), 0}}},
	}
	results := p.Process(context.Background(), "w1", reqs)
	for _, r := range results {
		assert.Equal(t, model.InferenceError, r.Status, r.RequestID)
		assert.True(t, strings.HasPrefix(r.Error, inference.ErrInvalidPoints.Error()), r.Error)
	}
}

func TestHandleBatchGroupsByWorkflow(t *testing.T) {
	p, _, _ := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{})

	msgs := []model.InferenceMessage{
		{WorkflowID: "w1", RequestID: "1", Points: [][]float64{{1, 0}}},
		{WorkflowID: "w2", RequestID: "2", Points: [][]float64{{2, 0}}},
		{WorkflowID: "w1", RequestID: "3", Points: [][]float64{{3, 0}}},
	}
	results := p.HandleBatch(context.Background(), msgs)
	require.Len(t, results, 3)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.WorkflowID + "/" + r.RequestID
	}
	assert.Equal(t, []string{"w1/1", "w1/3", "w2/2"}, got)
}

func TestSubmit(t *testing.T) {
	p, _, q := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{})
	ctx := context.Background()

	id, err := p.Submit(ctx, "w1", "", [][]float64{{1, 2}})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)

	depth, err := q.Depth(ctx, model.StepInference)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	id, err = p.Submit(ctx, "w1", "mine", [][]float64{{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "mine", id)
}

func TestSubmitNotReadyEnqueuesNothing(t *testing.T) {
	p, _, q := newProcessor(t, fakeModels{err: cache.ErrNotReady}, &echoSolver{}, inference.Config{})
	ctx := context.Background()

	_, err := p.Submit(ctx, "w1", "", [][]float64{{1, 2}})
	assert.ErrorIs(t, err, cache.ErrNotReady)

	depth, err := q.Depth(ctx, model.StepInference)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmitInvalidPoints(t *testing.T) {
	p, _, _ := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{})
	_, err := p.Submit(context.Background(), "w1", "", nil)
	assert.ErrorIs(t, err, inference.ErrInvalidPoints)
}

func TestConsumerDrainsQueue(t *testing.T) {
	p, s, q := newProcessor(t, fakeModels{}, &echoSolver{}, inference.Config{})
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		id, err := p.Submit(ctx, "w1", "", [][]float64{{float64(i + 1), 0}})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := inference.NewConsumer(q, p, 10, time.Nanosecond, 0, logger)
	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range ids {
		r, err := s.GetInferenceResult(ctx, "w1", id)
		require.NoError(t, err)
		assert.True(t, r.Succeeded())
	}

	time.Sleep(time.Millisecond)
	n, err = c.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "acknowledged messages should not be redelivered")
}
