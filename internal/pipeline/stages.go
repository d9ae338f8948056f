package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/simflow/internal/blob"
	"github.com/seantiz/simflow/internal/cache"
	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/queue"
	"github.com/seantiz/simflow/internal/solver"
	"github.com/seantiz/simflow/internal/store"
)

// Progress checkpoints written by the stage handlers.
const (
	progressAnalyzing        = 10
	progressAnalysisComplete = 25
	progressTrainingStarting = 30
	progressTrainingStart    = 35
	progressTrainingEnd      = 85
	progressSaving           = 90
	progressDeploying        = 95
	progressCompleted        = 100
)

// progressSampleStep is the smallest progress change worth a store write.
const progressSampleStep = 1.0

// Stages executes the analysis, training and endpoint activation steps.
type Stages struct {
	coord   *Coordinator
	solvers *solver.Registry
	blobs   blob.Store
	cache   *cache.ModelCache
	logger  *slog.Logger
	now     func() time.Time
}

// NewStages wires the stage handlers. cache may be nil, in which case
// endpoint activation does not pre-warm it.
func NewStages(coord *Coordinator, solvers *solver.Registry, blobs blob.Store, mc *cache.ModelCache, logger *slog.Logger) *Stages {
	return &Stages{
		coord:   coord,
		solvers: solvers,
		blobs:   blobs,
		cache:   mc,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle decodes msg and dispatches it to the handler for its step.
func (s *Stages) Handle(ctx context.Context, msg model.StageMessage) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Stage", trace.WithAttributes(
		attribute.String("workflow_id", msg.WorkflowID),
		attribute.String("step", string(msg.Step)),
	))
	defer func() { endSpan(span, err) }()

	switch msg.Step {
	case model.StepAnalysis:
		m, err := queue.Decode[model.AnalysisMessage](msg)
		if err != nil {
			return err
		}
		return s.Analyze(ctx, m)
	case model.StepTraining:
		m, err := queue.Decode[model.TrainingMessage](msg)
		if err != nil {
			return err
		}
		return s.Train(ctx, m)
	case model.StepDeployment:
		m, err := queue.Decode[model.DeploymentMessage](msg)
		if err != nil {
			return err
		}
		return s.Deploy(ctx, m)
	default:
		return fmt.Errorf("%w: no stage handler for step %q", queue.ErrMalformedMessage, msg.Step)
	}
}

// current loads the workflow and checks that the message belongs to its
// current attempt. A deleted workflow is treated as stale.
func (s *Stages) current(ctx context.Context, id string, attempt int) (*model.WorkflowRecord, error) {
	w, err := s.coord.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStaleTransition, err)
	}
	if err != nil {
		return nil, err
	}
	if w.Attempt != attempt {
		return nil, fmt.Errorf("%w: message for attempt %d, workflow %s is at attempt %d", ErrStaleTransition, attempt, id, w.Attempt)
	}
	return w, nil
}

// fail marks the workflow failed for a stage error and returns the failure.
func (s *Stages) fail(ctx context.Context, id string, attempt int, step model.Step, cause error) error {
	sf := &StageFailure{Step: step, Err: cause}
	if err := s.coord.FailAttempt(ctx, id, attempt, sf); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return err
		}
		return fmt.Errorf("record failure of %s: %w", id, err)
	}
	return sf
}

// Analyze runs problem analysis and hands the result to training. A
// redelivery that finds the workflow still analyzing re-runs the solver.
func (s *Stages) Analyze(ctx context.Context, m model.AnalysisMessage) error {
	w, err := s.current(ctx, m.WorkflowID, m.Attempt)
	if err != nil {
		return err
	}

	switch w.Status {
	case model.StatusInitiated:
		if err := s.coord.Advance(ctx, Transition{
			ID: m.WorkflowID, From: model.StatusInitiated, To: model.StatusAnalyzingProblem,
			Progress: progressAnalyzing, Attempt: m.Attempt,
		}); err != nil {
			return err
		}
	case model.StatusAnalyzingProblem:
		s.logger.Info("resuming analysis", "workflow_id", m.WorkflowID, "attempt", m.Attempt)
	default:
		return fmt.Errorf("%w: analysis message for %s workflow", ErrStaleTransition, w.Status)
	}

	sv, err := s.solvers.Resolve(m.Request.DomainType)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepAnalysis, err)
	}
	analysis, err := sv.Analyze(ctx, m.Request)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepAnalysis, err)
	}

	result := model.AnalysisResult{
		Architecture:    analysis.Architecture,
		ComplexityScore: analysis.ComplexityScore,
		AnalyzedAt:      s.now(),
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepAnalysis, err)
	}
	s.logger.Info("analysis complete", "workflow_id", m.WorkflowID, "solver", sv.Name(), "complexity", analysis.ComplexityScore)

	return s.coord.Handoff(ctx, Transition{
		ID: m.WorkflowID, From: model.StatusAnalyzingProblem, To: model.StatusAnalysisComplete,
		Progress: progressAnalysisComplete, Attempt: m.Attempt, AnalysisResult: raw,
	}, model.TrainingMessage{WorkflowID: m.WorkflowID, Attempt: m.Attempt, Analysis: result})
}

// Train trains, validates and saves the model, then either hands off to
// endpoint activation or completes the workflow directly.
func (s *Stages) Train(ctx context.Context, m model.TrainingMessage) error {
	w, err := s.current(ctx, m.WorkflowID, m.Attempt)
	if err != nil {
		return err
	}

	adv := func(from, to model.Status, progress float64) error {
		return s.coord.Advance(ctx, Transition{ID: m.WorkflowID, From: from, To: to, Progress: progress, Attempt: m.Attempt})
	}
	switch w.Status {
	case model.StatusAnalysisComplete:
		if err := adv(model.StatusAnalysisComplete, model.StatusTrainingStarting, progressTrainingStarting); err != nil {
			return err
		}
		if err := adv(model.StatusTrainingStarting, model.StatusTrainingInProgress, progressTrainingStart); err != nil {
			return err
		}
	case model.StatusTrainingStarting:
		if err := adv(model.StatusTrainingStarting, model.StatusTrainingInProgress, progressTrainingStart); err != nil {
			return err
		}
	case model.StatusTrainingInProgress:
		s.logger.Info("resuming training", "workflow_id", m.WorkflowID, "attempt", m.Attempt)
	default:
		return fmt.Errorf("%w: training message for %s workflow", ErrStaleTransition, w.Status)
	}

	req, err := w.DecodeRequest()
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, fmt.Errorf("decode request: %w", err))
	}
	sv, err := s.solvers.Resolve(req.DomainType)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, err)
	}

	limit := time.Duration(req.MaxTrainingTimeS) * time.Second
	if limit <= 0 {
		limit = model.DefaultMaxTrainingTimeS * time.Second
	}
	trainCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	job := solver.TrainingJob{
		WorkflowID: m.WorkflowID,
		Request:    req,
		Analysis:   solver.Analysis{Architecture: m.Analysis.Architecture, ComplexityScore: m.Analysis.ComplexityScore},
	}
	start := time.Now()
	trained, err := sv.Train(trainCtx, job, s.progressSampler(ctx, m.WorkflowID))
	if err != nil {
		if errors.Is(trainCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("training exceeded max_training_time of %ds", int(limit.Seconds()))
		}
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, err)
	}
	if trained.Metrics.TrainingTimeS == 0 {
		trained.Metrics.TrainingTimeS = time.Since(start).Seconds()
	}

	meets, err := validateModel(trained, req.AccuracyRequirements)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, err)
	}
	metrics, err := json.Marshal(trained.Metrics)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, err)
	}
	if err := s.coord.Advance(ctx, Transition{
		ID: m.WorkflowID, From: model.StatusTrainingInProgress, To: model.StatusValidatingModel,
		Progress: progressTrainingEnd, Attempt: m.Attempt, TrainingMetrics: metrics,
	}); err != nil {
		return err
	}
	if !meets {
		s.logger.Warn("model below accuracy requirement", "workflow_id", m.WorkflowID,
			"accuracy", trained.Metrics.Accuracy, "required", req.AccuracyRequirements)
	}

	if err := adv(model.StatusValidatingModel, model.StatusSavingModel, progressSaving); err != nil {
		return err
	}
	artifacts, err := s.saveModel(ctx, m, req, trained, meets)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, err)
	}

	if req.WantsEndpoint() {
		artifacts.Endpoint = "/v1/workflows/" + m.WorkflowID + "/inference"
	}
	raw, err := json.Marshal(artifacts)
	if err != nil {
		return s.fail(ctx, m.WorkflowID, m.Attempt, model.StepTraining, err)
	}
	deploying := Transition{
		ID: m.WorkflowID, From: model.StatusSavingModel, To: model.StatusDeployingEndpoint,
		Progress: progressDeploying, Attempt: m.Attempt, ModelArtifacts: raw,
	}
	if req.WantsEndpoint() {
		return s.coord.Handoff(ctx, deploying, model.DeploymentMessage{
			WorkflowID: m.WorkflowID, Attempt: m.Attempt, Artifacts: artifacts,
		})
	}
	if err := s.coord.Advance(ctx, deploying); err != nil {
		return err
	}
	return adv(model.StatusDeployingEndpoint, model.StatusCompleted, progressCompleted)
}

// progressSampler maps the solver's [0,1] fraction onto the training band
// and writes a sample whenever it has moved by at least progressSampleStep.
func (s *Stages) progressSampler(ctx context.Context, id string) solver.ProgressFunc {
	var mu sync.Mutex
	last := float64(progressTrainingStart)
	return func(fraction float64) {
		if math.IsNaN(fraction) {
			return
		}
		fraction = math.Max(0, math.Min(1, fraction))
		p := progressTrainingStart + fraction*(progressTrainingEnd-progressTrainingStart)

		mu.Lock()
		if p-last < progressSampleStep && fraction < 1 {
			mu.Unlock()
			return
		}
		last = p
		mu.Unlock()

		if err := s.coord.ReportProgress(ctx, id, model.StatusTrainingInProgress, p); err != nil {
			s.logger.Warn("failed to record training progress", "workflow_id", id, "error", err)
		}
	}
}

// validateModel checks the training metrics and reports whether the
// requested accuracy was reached. Missing or non-finite loss is an error;
// low accuracy is only recorded.
func validateModel(m solver.TrainedModel, required float64) (bool, error) {
	if len(m.Handle) == 0 {
		return false, errors.New("training produced no model")
	}
	if math.IsNaN(m.Metrics.FinalLoss) || math.IsInf(m.Metrics.FinalLoss, 0) {
		return false, fmt.Errorf("training produced non-finite loss %v", m.Metrics.FinalLoss)
	}
	return m.Metrics.Accuracy >= required, nil
}

// modelMetadata is the document stored next to the serialized model.
type modelMetadata struct {
	WorkflowID          string                  `json:"workflow_id"`
	Attempt             int                     `json:"attempt"`
	DomainType          string                  `json:"domain_type"`
	Architecture        json.RawMessage         `json:"architecture"`
	Metrics             solver.TrainingMetrics  `json:"training_metrics"`
	AccuracyRequirement float64                 `json:"accuracy_requirement"`
	MeetsAccuracy       bool                    `json:"meets_accuracy"`
	Request             model.SimulationRequest `json:"request"`
	SavedAt             time.Time               `json:"saved_at"`
}

func (s *Stages) saveModel(ctx context.Context, m model.TrainingMessage, req model.SimulationRequest, trained solver.TrainedModel, meets bool) (model.ModelArtifacts, error) {
	a := model.ModelArtifacts{
		ModelKey:    blob.ModelKey(m.WorkflowID),
		MetadataKey: blob.MetadataKey(m.WorkflowID),
		SavedAt:     s.now(),
	}
	if err := s.blobs.Put(ctx, a.ModelKey, trained.Handle); err != nil {
		return a, fmt.Errorf("save model: %w", err)
	}
	meta, err := json.MarshalIndent(modelMetadata{
		WorkflowID:          m.WorkflowID,
		Attempt:             m.Attempt,
		DomainType:          req.DomainType,
		Architecture:        m.Analysis.Architecture,
		Metrics:             trained.Metrics,
		AccuracyRequirement: req.AccuracyRequirements,
		MeetsAccuracy:       meets,
		Request:             req,
		SavedAt:             a.SavedAt,
	}, "", "  ")
	if err != nil {
		return a, fmt.Errorf("encode model metadata: %w", err)
	}
	if err := s.blobs.Put(ctx, a.MetadataKey, meta); err != nil {
		return a, fmt.Errorf("save model metadata: %w", err)
	}
	return a, nil
}

// Deploy activates the inference endpoint by completing the workflow and
// loading its model into the cache.
func (s *Stages) Deploy(ctx context.Context, m model.DeploymentMessage) error {
	w, err := s.current(ctx, m.WorkflowID, m.Attempt)
	if err != nil {
		return err
	}
	if w.Status != model.StatusDeployingEndpoint {
		return fmt.Errorf("%w: deployment message for %s workflow", ErrStaleTransition, w.Status)
	}
	if err := s.coord.Advance(ctx, Transition{
		ID: m.WorkflowID, From: model.StatusDeployingEndpoint, To: model.StatusCompleted,
		Progress: progressCompleted, Attempt: m.Attempt,
	}); err != nil {
		return err
	}
	if s.cache != nil {
		if _, err := s.cache.GetOrLoad(ctx, m.WorkflowID); err != nil {
			s.logger.Warn("failed to pre-warm model cache", "workflow_id", m.WorkflowID, "error", err)
		}
	}
	return nil
}
