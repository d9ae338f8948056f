package solver

import (
	"context"
	"encoding/json"

	"github.com/seantiz/simflow/internal/model"
)

// Solver is the interface that all physics-informed solvers must implement.
// The orchestration layer never looks inside architectures or model handles;
// it only routes them between stages.
type Solver interface {
	// Name identifies the solver in logs and registry listings.
	Name() string

	// Analyze inspects a problem and proposes a network architecture.
	Analyze(ctx context.Context, req model.SimulationRequest) (Analysis, error)

	// Train fits a model for the analysed problem. progress is called with the
	// completed fraction in [0,1]; it may be called from any goroutine.
	Train(ctx context.Context, job TrainingJob, progress ProgressFunc) (TrainedModel, error)

	// Infer evaluates a trained model at each input point.
	Infer(ctx context.Context, m model.ModelCacheEntry, points [][]float64) ([][]float64, error)
}

// ProgressFunc receives training progress as a fraction in [0,1].
type ProgressFunc func(fraction float64)

// Analysis is the result of problem analysis.
type Analysis struct {
	Architecture    json.RawMessage `json:"architecture"`
	ComplexityScore float64         `json:"complexity_score"`
}

// TrainingJob describes one training run.
type TrainingJob struct {
	WorkflowID string                  `json:"workflow_id"`
	Request    model.SimulationRequest `json:"request"`
	Analysis   Analysis                `json:"analysis"`
}

// TrainingMetrics summarises a finished training run.
type TrainingMetrics struct {
	FinalLoss     float64 `json:"final_loss"`
	MinLoss       float64 `json:"min_loss"`
	Accuracy      float64 `json:"accuracy"`
	Epochs        int     `json:"epochs"`
	TrainingTimeS float64 `json:"training_time_s"`
}

// TrainedModel is the opaque serialized model plus its metrics.
type TrainedModel struct {
	Handle  []byte          `json:"handle"`
	Metrics TrainingMetrics `json:"metrics"`
}
