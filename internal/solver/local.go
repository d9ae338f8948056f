package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

// Architecture is the network description produced by Local.Analyze.
type Architecture struct {
	InputDim        int       `json:"input_dim"`
	OutputDim       int       `json:"output_dim"`
	HiddenLayers    []int     `json:"hidden_layers"`
	Activation      string    `json:"activation"`
	NetworkType     string    `json:"network_type"`
	LearningRate    float64   `json:"learning_rate"`
	MaxIter         int       `json:"max_iter"`
	TotalParameters int       `json:"total_parameters"`
	EstimatedEpochs int       `json:"estimated_epochs"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

type domainProfile struct {
	outputDim    int
	lowCut       float64
	tiers        [3][]int
	learningRate float64
	weight       float64
}

func layers(width, depth int) []int {
	l := make([]int, depth)
	for i := range l {
		l[i] = width
	}
	return l
}

var profiles = map[string]domainProfile{
	model.DomainHeatTransfer: {
		outputDim: 1, lowCut: 0.3, learningRate: 1e-3, weight: 0.1,
		tiers: [3][]int{layers(50, 3), layers(100, 4), layers(200, 5)},
	},
	model.DomainFluidDynamics: {
		outputDim: 3, lowCut: 0.3, learningRate: 1e-3, weight: 0.4,
		tiers: [3][]int{layers(100, 4), layers(200, 5), layers(300, 6)},
	},
	model.DomainStructuralMechanics: {
		outputDim: 2, lowCut: 0.3, learningRate: 1e-3, weight: 0.3,
		tiers: [3][]int{layers(80, 4), layers(150, 5), layers(250, 5)},
	},
	model.DomainElectromagnetics: {
		outputDim: 2, lowCut: 0.4, learningRate: 5e-4, weight: 0.5,
		tiers: [3][]int{layers(120, 5), layers(200, 6), layers(300, 6)},
	},
	model.DomainWavePropagation: {
		outputDim: 1, lowCut: 0.3, learningRate: 1e-3,
		tiers: [3][]int{layers(60, 4), layers(120, 5), layers(200, 5)},
	},
}

const baseMaxIter = 50000

// Local is a deterministic in-process solver. It scores problem complexity,
// sizes a network from per-domain tiers, simulates a converging training run
// and evaluates closed-form reference fields at inference time.
type Local struct {
	// Steps is the number of progress callbacks emitted during training.
	Steps int
	// StepDelay paces simulated training; zero runs as fast as possible.
	StepDelay time.Duration
}

var _ Solver = (*Local)(nil)

// NewLocal returns a Local solver with 20 progress steps and no delay.
func NewLocal() *Local {
	return &Local{Steps: 20}
}

func (l *Local) Name() string { return "local" }

// Complexity scores a problem on [0,1] from its geometry, physics flags and domain.
func Complexity(req model.SimulationRequest) float64 {
	score := 0.0
	switch str(req.Geometry, "type") {
	case "rectangle":
		score += 0.1
	case "circle":
		score += 0.2
	case "complex_polygon":
		score += 0.4
	case "3d_mesh":
		score += 0.6
	}
	score += math.Min(num(req.Geometry, "spatial_dims", 2)/3.0, 0.3)
	if flag(req.Geometry, "time_dependent", false) {
		score += 0.2
	}
	score += profiles[req.DomainType].weight
	if flag(req.PhysicsParameters, "nonlinear", false) {
		score += 0.2
	}
	if flag(req.PhysicsParameters, "coupled_physics", false) {
		score += 0.3
	}
	return math.Min(score, 1.0)
}

func (l *Local) Analyze(ctx context.Context, req model.SimulationRequest) (Analysis, error) {
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}
	p, ok := profiles[req.DomainType]
	if !ok {
		return Analysis{}, fmt.Errorf("unsupported domain type %q", req.DomainType)
	}
	req = req.WithDefaults()

	complexity := Complexity(req)
	hidden := p.tiers[2]
	switch {
	case complexity < p.lowCut:
		hidden = p.tiers[0]
	case complexity < 0.7:
		hidden = p.tiers[1]
	}

	inputDim := int(num(req.Geometry, "spatial_dims", 2))
	if flag(req.Geometry, "time_dependent", true) {
		inputDim++
	}

	arch := Architecture{
		InputDim:        inputDim,
		OutputDim:       p.outputDim,
		HiddenLayers:    hidden,
		Activation:      "tanh",
		NetworkType:     "feedforward",
		LearningRate:    p.learningRate,
		MaxIter:         baseMaxIter,
		TotalParameters: countParameters(hidden, inputDim, p.outputDim),
		EstimatedEpochs: estimateEpochs(complexity, req.AccuracyRequirements),
		AnalyzedAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(arch)
	if err != nil {
		return Analysis{}, fmt.Errorf("encode architecture: %w", err)
	}
	return Analysis{Architecture: raw, ComplexityScore: complexity}, nil
}

func countParameters(hidden []int, inputDim, outputDim int) int {
	total := inputDim*hidden[0] + hidden[0]
	for i := 0; i+1 < len(hidden); i++ {
		total += hidden[i]*hidden[i+1] + hidden[i+1]
	}
	return total + hidden[len(hidden)-1]*outputDim + outputDim
}

func estimateEpochs(complexity, accuracy float64) int {
	complexityMul := 1 + complexity*2
	accuracyMul := 1 + math.Max(0, (accuracy-0.8)*5)
	return int(baseMaxIter * complexityMul * accuracyMul)
}

// localModel is the serialized form of a Local model handle.
type localModel struct {
	DomainType   string          `json:"domain_type"`
	Architecture json.RawMessage `json:"architecture"`
	Metrics      TrainingMetrics `json:"metrics"`
}

func (l *Local) Train(ctx context.Context, job TrainingJob, progress ProgressFunc) (TrainedModel, error) {
	var arch Architecture
	if err := json.Unmarshal(job.Analysis.Architecture, &arch); err != nil {
		return TrainedModel{}, fmt.Errorf("decode architecture: %w", err)
	}

	start := time.Now()
	steps := max(l.Steps, 1)
	complexity := job.Analysis.ComplexityScore
	initial := 1.0 + complexity
	final := 1e-4 * (1 + 4*complexity)
	decay := math.Log(initial/final) / float64(steps)

	loss := initial
	for i := 1; i <= steps; i++ {
		if l.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return TrainedModel{}, ctx.Err()
			case <-time.After(l.StepDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return TrainedModel{}, err
		}
		loss = initial * math.Exp(-decay*float64(i))
		if progress != nil {
			progress(float64(i) / float64(steps))
		}
	}

	metrics := TrainingMetrics{
		FinalLoss:     loss,
		MinLoss:       loss,
		Accuracy:      0.99 - 0.05*complexity,
		Epochs:        arch.EstimatedEpochs,
		TrainingTimeS: time.Since(start).Seconds(),
	}
	handle, err := json.Marshal(localModel{
		DomainType:   job.Request.DomainType,
		Architecture: job.Analysis.Architecture,
		Metrics:      metrics,
	})
	if err != nil {
		return TrainedModel{}, fmt.Errorf("encode model: %w", err)
	}
	return TrainedModel{Handle: handle, Metrics: metrics}, nil
}

func (l *Local) Infer(ctx context.Context, m model.ModelCacheEntry, points [][]float64) ([][]float64, error) {
	out := make([][]float64, len(points))
	for i, pt := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(pt) < 2 {
			return nil, fmt.Errorf("point %d has %d coordinates, need at least 2", i, len(pt))
		}
		out[i] = field(m.DomainType, pt[0], pt[1])
	}
	return out, nil
}

// field evaluates the closed-form reference solution for a domain at (x, y).
func field(domain string, x, y float64) []float64 {
	px, py := math.Pi*x, math.Pi*y
	switch domain {
	case model.DomainFluidDynamics:
		return []float64{
			math.Sin(px) * math.Cos(py),
			-math.Cos(px) * math.Sin(py),
			math.Cos(px) * math.Cos(py),
		}
	case model.DomainStructuralMechanics:
		bump := x * (1 - x) * y * (1 - y)
		return []float64{0.1 * bump, 0.05 * bump}
	case model.DomainElectromagnetics:
		return []float64{math.Cos(px) * math.Sin(py), -math.Sin(px) * math.Cos(py)}
	case model.DomainWavePropagation:
		return []float64{math.Sin(px) * math.Cos(py)}
	default:
		return []float64{math.Sin(px) * math.Sin(py)}
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func num(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func flag(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}
