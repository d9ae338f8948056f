package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/simflow/internal/blob"
	"github.com/seantiz/simflow/internal/cache"
	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/notify"
	"github.com/seantiz/simflow/internal/pipeline"
	"github.com/seantiz/simflow/internal/queue"
	"github.com/seantiz/simflow/internal/solver"
	"github.com/seantiz/simflow/internal/store"
)

// fakeSolver is a configurable solver for pipeline tests.
type fakeSolver struct {
	analyzeErr error
	trainErr   error
	accuracy   float64
	loss       float64
	handle     []byte
}

func (f *fakeSolver) Name() string { return "fake" }

func (f *fakeSolver) Analyze(_ context.Context, _ model.SimulationRequest) (solver.Analysis, error) {
	if f.analyzeErr != nil {
		return solver.Analysis{}, f.analyzeErr
	}
	return solver.Analysis{Architecture: json.RawMessage(`{"hidden_layers":[8,8]}`), ComplexityScore: 0.2}, nil
}

func (f *fakeSolver) Train(ctx context.Context, _ solver.TrainingJob, progress solver.ProgressFunc) (solver.TrainedModel, error) {
	for _, frac := range []float64{0.25, 0.5, 0.75, 1} {
		if err := ctx.Err(); err != nil {
			return solver.TrainedModel{}, err
		}
		progress(frac)
	}
	if f.trainErr != nil {
		return solver.TrainedModel{}, f.trainErr
	}
	handle := f.handle
	if handle == nil {
		handle = []byte("weights")
	}
	return solver.TrainedModel{
		Handle:  handle,
		Metrics: solver.TrainingMetrics{FinalLoss: f.loss, MinLoss: f.loss, Accuracy: f.accuracy, Epochs: 4},
	}, nil
}

func (f *fakeSolver) Infer(_ context.Context, _ model.ModelCacheEntry, points [][]float64) ([][]float64, error) {
	return points, nil
}

type env struct {
	store  store.Store
	queue  *queue.MemoryQueue
	blobs  blob.Store
	hub    *notify.Hub
	cache  *cache.ModelCache
	coord  *pipeline.Coordinator
	stages *pipeline.Stages
	logger *slog.Logger
}

func newEnv(t *testing.T, sv solver.Solver) *env {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b, err := blob.NewBoltStore(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	q := queue.NewMemoryQueue()
	hub := notify.NewHub(logger)
	mc := cache.New(s, 3, nil)

	reg := solver.NewRegistry()
	reg.SetDefault(sv)

	coord := pipeline.NewCoordinator(s, q, hub, logger)
	return &env{
		store:  s,
		queue:  q,
		blobs:  b,
		hub:    hub,
		cache:  mc,
		coord:  coord,
		stages: pipeline.NewStages(coord, reg, b, mc, logger),
		logger: logger,
	}
}

func (e *env) consumer(step model.Step) *pipeline.Consumer {
	return pipeline.NewConsumer(e.queue, e.stages, e.coord, pipeline.ConsumerConfig{Step: step}, e.logger)
}

// drain polls every stage queue until none of them yields a message.
func (e *env) drain(t *testing.T) {
	t.Helper()
	consumers := []*pipeline.Consumer{
		e.consumer(model.StepAnalysis),
		e.consumer(model.StepTraining),
		e.consumer(model.StepDeployment),
	}
	for range 20 {
		total := 0
		for _, c := range consumers {
			n, err := c.Poll(context.Background())
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			total += n
		}
		if total == 0 {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (e *env) get(t *testing.T, id string) *model.WorkflowRecord {
	t.Helper()
	w, err := e.store.GetWorkflow(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	return w
}

func (e *env) depth(t *testing.T, step model.Step) int {
	t.Helper()
	n, err := e.queue.Depth(context.Background(), step)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	return n
}

func validRequest() model.SimulationRequest {
	return model.SimulationRequest{
		ProblemDescription: "2D heat conduction in a square plate",
		DomainType:         model.DomainHeatTransfer,
		Geometry:           map[string]any{"type": "rectangle", "dimensions": []any{1.0, 1.0}},
		BoundaryConditions: map[string]any{"left": 100.0, "right": 0.0},
		PhysicsParameters:  map[string]any{"thermal_diffusivity": 0.01},
	}
}

func create(t *testing.T, e *env, req model.SimulationRequest) string {
	t.Helper()
	id, err := e.coord.CreateWorkflow(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	return id
}

// waitForStatus polls the store until the workflow reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id string, expected model.Status, timeout time.Duration) *model.WorkflowRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w, err := s.GetWorkflow(context.Background(), id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if w.Status == expected {
			return w
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

// failingQueue rejects every enqueue.
type failingQueue struct {
	*queue.MemoryQueue
}

func (failingQueue) Enqueue(context.Context, model.StageMessage) error {
	return errors.New("queue unavailable")
}
