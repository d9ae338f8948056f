package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/pipeline"
)

func TestWorkerPoolResize(t *testing.T) {
	e := newEnv(t, &fakeSolver{})
	c := pipeline.NewConsumer(e.queue, e.stages, e.coord, pipeline.ConsumerConfig{
		Step:         model.StepAnalysis,
		PollInterval: 10 * time.Millisecond,
	}, e.logger)
	pool := pipeline.NewWorkerPool(context.Background(), c, e.logger)
	t.Cleanup(pool.Stop)

	if err := pool.Resize(3); err != nil {
		t.Fatalf("Resize(3): %v", err)
	}
	if pool.Size() != 3 {
		t.Errorf("Size = %d, want 3", pool.Size())
	}
	if err := pool.Resize(1); err != nil {
		t.Fatalf("Resize(1): %v", err)
	}
	if pool.Size() != 1 {
		t.Errorf("Size = %d, want 1", pool.Size())
	}
	if err := pool.Resize(-1); err == nil {
		t.Error("Resize(-1) should fail")
	}
}

func TestWorkerPoolProcessesMessages(t *testing.T) {
	e := newEnv(t, &fakeSolver{accuracy: 0.99})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pools []*pipeline.WorkerPool
	for _, step := range []model.Step{model.StepAnalysis, model.StepTraining, model.StepDeployment} {
		c := pipeline.NewConsumer(e.queue, e.stages, e.coord, pipeline.ConsumerConfig{
			Step:         step,
			PollInterval: 5 * time.Millisecond,
		}, e.logger)
		p := pipeline.NewWorkerPool(ctx, c, e.logger)
		if err := p.Resize(2); err != nil {
			t.Fatalf("Resize: %v", err)
		}
		pools = append(pools, p)
	}

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = create(t, e, validRequest())
	}
	for _, id := range ids {
		waitForStatus(t, e.store, id, model.StatusCompleted, 5*time.Second)
	}

	for _, p := range pools {
		p.Stop()
		if p.Size() != 0 {
			t.Errorf("Size after Stop = %d", p.Size())
		}
		if err := p.Resize(1); err == nil {
			t.Error("Resize after Stop should fail")
		}
	}
}
