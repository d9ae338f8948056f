package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/simflow/internal/model"
	"github.com/seantiz/simflow/internal/notify"
	"github.com/seantiz/simflow/internal/queue"
	"github.com/seantiz/simflow/internal/store"
)

// DefaultRetention is how long a completed workflow record is kept.
const DefaultRetention = 7 * 24 * time.Hour

// List page size limits.
const (
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// failRetries bounds how often Fail re-reads a workflow that keeps moving.
const failRetries = 3

var tracer = otel.Tracer("github.com/seantiz/simflow/internal/pipeline")

// stepNames is the current_step label written with each status.
var stepNames = map[model.Status]string{
	model.StatusInitiated:          string(model.StepAnalysis),
	model.StatusAnalyzingProblem:   string(model.StepAnalysis),
	model.StatusAnalysisComplete:   "preparing_training",
	model.StatusTrainingStarting:   "starting_training",
	model.StatusTrainingInProgress: string(model.StepTraining),
	model.StatusValidatingModel:    "model_validation",
	model.StatusSavingModel:        "model_saving",
	model.StatusDeployingEndpoint:  string(model.StepDeployment),
	model.StatusCompleted:          "completed",
}

// Transition is one requested edge of the status graph.
type Transition struct {
	ID       string
	From     model.Status
	To       model.Status
	Progress float64
	// Step overrides the current_step label normally written for To.
	Step string
	// Attempt, when non-zero, must equal the stored attempt.
	Attempt int
	// Error is recorded as error_message when To is failed.
	Error string

	// At most one stage result may accompany a transition.
	AnalysisResult  json.RawMessage
	TrainingMetrics json.RawMessage
	ModelArtifacts  json.RawMessage
}

func (t Transition) results() int {
	n := 0
	for _, r := range []json.RawMessage{t.AnalysisResult, t.TrainingMetrics, t.ModelArtifacts} {
		if r != nil {
			n++
		}
	}
	return n
}

// Coordinator is the single writer of workflow status, progress and
// current_step. Every write is conditional on the status (and attempt) the
// caller last observed, so concurrent or replayed stage work cannot move a
// workflow backwards.
type Coordinator struct {
	store     store.Store
	queue     queue.Queue
	hub       *notify.Hub
	logger    *slog.Logger
	validate  *validator.Validate
	retention time.Duration
	now       func() time.Time
}

// NewCoordinator creates a coordinator. hub may be nil.
func NewCoordinator(s store.Store, q queue.Queue, hub *notify.Hub, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     s,
		queue:     q,
		hub:       hub,
		logger:    logger,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		retention: DefaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetRetention changes how long completed workflows are kept.
func (c *Coordinator) SetRetention(d time.Duration) {
	if d > 0 {
		c.retention = d
	}
}

// CreateWorkflow validates req, stores a new workflow in the initiated state
// and enqueues its analysis message. If the enqueue fails the workflow is
// marked failed and its id is returned alongside the error.
func (c *Coordinator) CreateWorkflow(ctx context.Context, req model.SimulationRequest) (string, error) {
	if err := c.validate.Struct(req); err != nil {
		return "", &ValidationError{Err: err}
	}
	req = req.WithDefaults()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	w := &model.WorkflowRecord{
		ID:          model.NewID(),
		Status:      model.StatusInitiated,
		CurrentStep: stepNames[model.StatusInitiated],
		DomainType:  req.DomainType,
		Attempt:     1,
		Request:     body,
		CreatedAt:   c.now(),
	}
	if err := c.store.CreateWorkflow(ctx, w); err != nil {
		return "", fmt.Errorf("create workflow: %w", err)
	}
	c.logger.Info("workflow created", "workflow_id", w.ID, "domain_type", w.DomainType)

	if err := c.enqueueAnalysis(ctx, w.ID, 1, req); err != nil {
		return w.ID, err
	}
	return w.ID, nil
}

func (c *Coordinator) enqueueAnalysis(ctx context.Context, id string, attempt int, req model.SimulationRequest) error {
	msg, err := queue.NewMessage(model.AnalysisMessage{WorkflowID: id, Attempt: attempt, Request: req})
	if err == nil {
		err = c.queue.Enqueue(ctx, msg)
	}
	if err != nil {
		sf := &StageFailure{Step: model.StepAnalysis, Err: fmt.Errorf("enqueue: %w", err)}
		if ferr := c.FailAttempt(ctx, id, attempt, sf); ferr != nil {
			c.logger.Error("failed to mark workflow failed", "workflow_id", id, "error", ferr)
		}
		return sf
	}
	return nil
}

// Get returns the full workflow record.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.WorkflowRecord, error) {
	w, err := c.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return w, nil
}

// GetStatus returns the status projection of a workflow.
func (c *Coordinator) GetStatus(ctx context.Context, id string) (model.StatusView, error) {
	w, err := c.Get(ctx, id)
	if err != nil {
		return model.StatusView{}, err
	}
	return w.View(), nil
}

// List returns one page of workflows, newest first.
func (c *Coordinator) List(ctx context.Context, f store.Filter, limit int, cursor string) (store.Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	page, err := c.store.ScanWorkflows(ctx, f, limit, cursor)
	if err != nil {
		return store.Page{}, fmt.Errorf("list workflows: %w", err)
	}
	return page, nil
}

// Stats counts stored workflows by status.
func (c *Coordinator) Stats(ctx context.Context) (map[model.Status]int, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	return counts, nil
}

// Advance applies t if the workflow is still in t.From. Progress is clamped to
// [0,100] and never lowered within an attempt.
func (c *Coordinator) Advance(ctx context.Context, t Transition) (err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Advance", trace.WithAttributes(
		attribute.String("workflow_id", t.ID),
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
	))
	defer func() { endSpan(span, err) }()

	if !model.ValidTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if t.results() > 1 {
		return fmt.Errorf("%w: more than one stage result", ErrInvalidTransition)
	}

	w, err := c.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	if w.Status != t.From || (t.Attempt != 0 && w.Attempt != t.Attempt) {
		staleTransitions.Inc()
		return fmt.Errorf("%w: %s is %s at attempt %d, expected %s", ErrStaleTransition, t.ID, w.Status, w.Attempt, t.From)
	}

	progress := clampProgress(t.Progress)
	if progress < w.Progress {
		progress = w.Progress
	}
	p := store.Patch{
		Progress:        &progress,
		AnalysisResult:  t.AnalysisResult,
		TrainingMetrics: t.TrainingMetrics,
		ModelArtifacts:  t.ModelArtifacts,
	}
	if t.Step != "" {
		p.CurrentStep = &t.Step
	}
	if t.To == model.StatusFailed {
		p.ErrorMessage = &t.Error
	}
	return c.apply(ctx, w, t.To, p)
}

// Handoff advances the workflow and then enqueues next. If the enqueue fails
// the workflow is marked failed and a *StageFailure is returned.
func (c *Coordinator) Handoff(ctx context.Context, t Transition, next model.StagePayload) error {
	msg, err := queue.NewMessage(next)
	if err != nil {
		return fmt.Errorf("handoff %s: %w", t.ID, err)
	}
	if err := c.Advance(ctx, t); err != nil {
		return err
	}
	if err := c.queue.Enqueue(ctx, msg); err != nil {
		sf := &StageFailure{Step: next.Step(), Err: fmt.Errorf("enqueue: %w", err)}
		if ferr := c.FailAttempt(ctx, t.ID, t.Attempt, sf); ferr != nil {
			c.logger.Error("failed to mark workflow failed", "workflow_id", t.ID, "error", ferr)
		}
		return sf
	}
	return nil
}

// ReportProgress records a progress sample while the workflow is still in
// status. Samples that arrive after a status change or that would lower the
// stored progress are dropped.
func (c *Coordinator) ReportProgress(ctx context.Context, id string, status model.Status, progress float64) error {
	p := clampProgress(progress)
	err := c.store.UpdateWorkflow(ctx, id, store.Patch{
		Progress:        &p,
		IfStatus:        &status,
		IfProgressBelow: &p,
	})
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("report progress %s: %w", id, err)
	}
	return nil
}

// Fail moves a non-terminal workflow to failed and records cause.
func (c *Coordinator) Fail(ctx context.Context, id string, cause error) error {
	return c.FailAttempt(ctx, id, 0, cause)
}

// FailAttempt is Fail restricted to one attempt; attempt 0 matches any.
// Work left over from an earlier attempt cannot fail a restarted workflow.
func (c *Coordinator) FailAttempt(ctx context.Context, id string, attempt int, cause error) error {
	msg := cause.Error()
	for range failRetries {
		w, err := c.Get(ctx, id)
		if err != nil {
			return err
		}
		if w.Status.Terminal() || (attempt != 0 && w.Attempt != attempt) {
			staleTransitions.Inc()
			return fmt.Errorf("%w: %s is %s at attempt %d", ErrStaleTransition, id, w.Status, w.Attempt)
		}
		err = c.apply(ctx, w, model.StatusFailed, store.Patch{ErrorMessage: &msg})
		if !errors.Is(err, ErrStaleTransition) {
			return err
		}
	}
	return fmt.Errorf("%w: %s kept changing while failing", ErrStaleTransition, id)
}

// Stop moves a workflow to stopped. Only initiated, analyzing_problem and
// training_in_progress workflows can be stopped.
func (c *Coordinator) Stop(ctx context.Context, id string) error {
	w, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !w.Status.Stoppable() {
		return fmt.Errorf("%w: cannot stop a workflow that is %s", ErrInvalidTransition, w.Status)
	}
	return c.apply(ctx, w, model.StatusStopped, store.Patch{})
}

// Restart returns a failed or stopped workflow to initiated under a new
// attempt and enqueues exactly one analysis message for it.
func (c *Coordinator) Restart(ctx context.Context, id string) error {
	w, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !w.Status.Restartable() {
		return fmt.Errorf("%w: workflow is %s", ErrNotRestartable, w.Status)
	}
	req, err := w.DecodeRequest()
	if err != nil {
		return fmt.Errorf("restart %s: decode request: %w", id, err)
	}

	zero := 0.0
	next := w.Attempt + 1
	err = c.apply(ctx, w, model.StatusInitiated, store.Patch{
		Progress:     &zero,
		Attempt:      &next,
		ClearResults: true,
		ClearExpiry:  true,
	})
	if err != nil {
		return err
	}
	return c.enqueueAnalysis(ctx, id, next, req)
}

// apply writes p together with the move to status to, guarded by the status
// and attempt observed in w, then publishes the change.
func (c *Coordinator) apply(ctx context.Context, w *model.WorkflowRecord, to model.Status, p store.Patch) error {
	from, attempt := w.Status, w.Attempt
	p.Status = &to
	p.IfStatus = &from
	p.IfAttempt = &attempt
	if p.CurrentStep == nil {
		if step, ok := stepNames[to]; ok {
			p.CurrentStep = &step
		}
	}
	if to == model.StatusCompleted {
		expires := c.now().Add(c.retention)
		p.ExpiresAt = &expires
	}

	if err := c.store.UpdateWorkflow(ctx, w.ID, p); err != nil {
		if errors.Is(err, store.ErrConditionFailed) {
			staleTransitions.Inc()
			return fmt.Errorf("%w: %s left %s", ErrStaleTransition, w.ID, from)
		}
		return fmt.Errorf("update workflow %s: %w", w.ID, err)
	}
	workflowTransitions.WithLabelValues(string(from), string(to)).Inc()

	e := notify.Event{
		WorkflowID: w.ID,
		From:       from,
		To:         to,
		Progress:   w.Progress,
		Step:       w.CurrentStep,
		Attempt:    attempt,
		At:         c.now(),
	}
	if p.Progress != nil {
		e.Progress = *p.Progress
	}
	if p.CurrentStep != nil {
		e.Step = *p.CurrentStep
	}
	if p.Attempt != nil {
		e.Attempt = *p.Attempt
	}
	if p.ErrorMessage != nil {
		e.Error = *p.ErrorMessage
	}

	if to == model.StatusFailed {
		c.logger.Warn("workflow failed", "workflow_id", w.ID, "from", from, "error", e.Error)
	} else {
		c.logger.Info("workflow advanced", "workflow_id", w.ID, "from", from, "to", to, "progress", e.Progress)
	}
	if c.hub != nil {
		c.hub.Broadcast(w.ID, e)
	}
	return nil
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
