package solver_test

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/solver"
)

func heatRequest() model.SimulationRequest {
	return model.SimulationRequest{
		ProblemDescription: "2D steady heat conduction in a plate",
		DomainType:         model.DomainHeatTransfer,
		Geometry:           map[string]any{"type": "rectangle", "spatial_dims": 2.0, "time_dependent": false},
		BoundaryConditions: map[string]any{"left": 100.0},
		PhysicsParameters:  map[string]any{"conductivity": 1.0},
	}
}

func TestComplexity(t *testing.T) {
	tests := []struct {
		name string
		req  model.SimulationRequest
		want float64
	}{
		{"simple heat", heatRequest(), 0.1 + 0.3 + 0.1},
		{
			"capped at one",
			model.SimulationRequest{
				DomainType:        model.DomainElectromagnetics,
				Geometry:          map[string]any{"type": "3d_mesh", "spatial_dims": 3.0, "time_dependent": true},
				PhysicsParameters: map[string]any{"nonlinear": true, "coupled_physics": true},
			},
			1.0,
		},
		{"no geometry", model.SimulationRequest{DomainType: model.DomainWavePropagation}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := solver.Complexity(tt.req); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Complexity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLocalAnalyzeSizesNetwork(t *testing.T) {
	s := solver.NewLocal()
	a, err := s.Analyze(context.Background(), heatRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var arch solver.Architecture
	if err := json.Unmarshal(a.Architecture, &arch); err != nil {
		t.Fatalf("decode architecture: %v", err)
	}
	// 0.5 complexity lands in the middle tier.
	if len(arch.HiddenLayers) != 4 || arch.HiddenLayers[0] != 100 {
		t.Errorf("HiddenLayers = %v, want 4x100", arch.HiddenLayers)
	}
	if arch.InputDim != 2 || arch.OutputDim != 1 {
		t.Errorf("dims = %d -> %d, want 2 -> 1", arch.InputDim, arch.OutputDim)
	}
	// 2*100+100 + 3*(100*100+100) + 100*1+1
	if arch.TotalParameters != 30701 {
		t.Errorf("TotalParameters = %d, want 30701", arch.TotalParameters)
	}
}

func TestLocalAnalyzeRejectsUnknownDomain(t *testing.T) {
	if _, err := solver.NewLocal().Analyze(context.Background(), model.SimulationRequest{DomainType: "acoustics"}); err == nil {
		t.Error("Analyze accepted unknown domain")
	}
}

func TestLocalTrainReportsProgress(t *testing.T) {
	s := solver.NewLocal()
	ctx := context.Background()
	a, _ := s.Analyze(ctx, heatRequest())

	var fractions []float64
	m, err := s.Train(ctx, solver.TrainingJob{WorkflowID: "w1", Request: heatRequest(), Analysis: a}, func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(fractions) != s.Steps || fractions[len(fractions)-1] != 1 {
		t.Errorf("progress = %v", fractions)
	}
	for i := 1; i < len(fractions); i++ {
		if fractions[i] <= fractions[i-1] {
			t.Fatalf("progress not increasing: %v", fractions)
		}
	}
	if m.Metrics.FinalLoss <= 0 || math.IsInf(m.Metrics.FinalLoss, 0) {
		t.Errorf("FinalLoss = %v", m.Metrics.FinalLoss)
	}
	if len(m.Handle) == 0 {
		t.Error("empty model handle")
	}
}

func TestLocalTrainHonoursCancel(t *testing.T) {
	s := solver.NewLocal()
	a, _ := s.Analyze(context.Background(), heatRequest())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Train(ctx, solver.TrainingJob{Analysis: a}, nil); err == nil {
		t.Error("Train on cancelled context succeeded")
	}
}

func TestLocalInfer(t *testing.T) {
	s := solver.NewLocal()
	entry := model.ModelCacheEntry{WorkflowID: "w1", DomainType: model.DomainFluidDynamics}
	out, err := s.Infer(context.Background(), entry, [][]float64{{0, 0}, {0.5, 0.5}})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(out) != 2 || len(out[0]) != 3 {
		t.Fatalf("predictions shape = %v", out)
	}
	// Pressure is cos(0)cos(0) at the origin.
	if math.Abs(out[0][2]-1) > 1e-9 {
		t.Errorf("p(0,0) = %v, want 1", out[0][2])
	}

	if _, err := s.Infer(context.Background(), entry, [][]float64{{1}}); err == nil {
		t.Error("Infer accepted a 1-D point")
	}
}
