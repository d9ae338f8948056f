package model

import (
	"encoding/json"
	"time"
)

// Status is the authoritative execution state of a workflow.
type Status string

// Workflow status constants.
const (
	StatusInitiated          Status = "initiated"
	StatusAnalyzingProblem   Status = "analyzing_problem"
	StatusAnalysisComplete   Status = "analysis_complete"
	StatusTrainingStarting   Status = "training_starting"
	StatusTrainingInProgress Status = "training_in_progress"
	StatusValidatingModel    Status = "validating_model"
	StatusSavingModel        Status = "saving_model"
	StatusDeployingEndpoint  Status = "deploying_endpoint"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusStopped            Status = "stopped"
)

// Domain type constants accepted in a SimulationRequest.
const (
	DomainHeatTransfer        = "heat_transfer"
	DomainFluidDynamics       = "fluid_dynamics"
	DomainStructuralMechanics = "structural_mechanics"
	DomainElectromagnetics    = "electromagnetics"
	DomainWavePropagation     = "wave_propagation"
)

// Request defaults applied by WithDefaults.
const (
	DefaultAccuracyRequirement = 0.95
	DefaultMaxTrainingTimeS    = 3600
)

// pipelineOrder lists the forward path every workflow walks through.
var pipelineOrder = []Status{
	StatusInitiated,
	StatusAnalyzingProblem,
	StatusAnalysisComplete,
	StatusTrainingStarting,
	StatusTrainingInProgress,
	StatusValidatingModel,
	StatusSavingModel,
	StatusDeployingEndpoint,
	StatusCompleted,
}

// stoppable holds the states a user may stop a workflow from.
var stoppable = map[Status]bool{
	StatusInitiated:          true,
	StatusAnalyzingProblem:   true,
	StatusTrainingInProgress: true,
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = buildTransitions()

func buildTransitions() map[Status]map[Status]bool {
	t := make(map[Status]map[Status]bool)
	for i, s := range pipelineOrder {
		t[s] = make(map[Status]bool)
		if i+1 < len(pipelineOrder) {
			t[s][pipelineOrder[i+1]] = true
		}
		// A completed workflow is never overridden by late stage work.
		if s != StatusCompleted {
			t[s][StatusFailed] = true
		}
		if stoppable[s] {
			t[s][StatusStopped] = true
		}
	}
	t[StatusFailed] = map[Status]bool{StatusInitiated: true}
	t[StatusStopped] = map[Status]bool{StatusInitiated: true}
	return t
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// AllStatuses returns every status, forward path first.
func AllStatuses() []Status {
	out := append([]Status(nil), pipelineOrder...)
	return append(out, StatusFailed, StatusStopped)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Terminal reports whether no further pipeline work happens in s without a restart.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Stoppable reports whether a user may stop a workflow in s.
func (s Status) Stoppable() bool {
	return stoppable[s]
}

// Restartable reports whether restart is allowed from s.
func (s Status) Restartable() bool {
	return s == StatusFailed || s == StatusStopped
}

// SimulationRequest is the problem description a client submits.
type SimulationRequest struct {
	ProblemDescription   string         `json:"problem_description" validate:"required"`
	DomainType           string         `json:"domain_type" validate:"required,oneof=heat_transfer fluid_dynamics structural_mechanics electromagnetics wave_propagation"`
	Geometry             map[string]any `json:"geometry" validate:"required"`
	BoundaryConditions   map[string]any `json:"boundary_conditions" validate:"required"`
	InitialConditions    map[string]any `json:"initial_conditions,omitempty"`
	PhysicsParameters    map[string]any `json:"physics_parameters" validate:"required"`
	AccuracyRequirements float64        `json:"accuracy_requirements,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxTrainingTimeS     int            `json:"max_training_time,omitempty" validate:"omitempty,gt=0"`
	RealTimeInference    *bool          `json:"real_time_inference,omitempty"`
}

// WithDefaults returns a copy of r with unset optional fields filled in.
func (r SimulationRequest) WithDefaults() SimulationRequest {
	if r.AccuracyRequirements == 0 {
		r.AccuracyRequirements = DefaultAccuracyRequirement
	}
	if r.MaxTrainingTimeS == 0 {
		r.MaxTrainingTimeS = DefaultMaxTrainingTimeS
	}
	if r.RealTimeInference == nil {
		rt := true
		r.RealTimeInference = &rt
	}
	if r.InitialConditions == nil {
		r.InitialConditions = map[string]any{}
	}
	return r
}

// WantsEndpoint reports whether the inference endpoint should be activated after training.
func (r SimulationRequest) WantsEndpoint() bool {
	return r.RealTimeInference == nil || *r.RealTimeInference
}

// WorkflowRecord is the durable record of one simulation workflow.
type WorkflowRecord struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	Progress        float64         `json:"progress"`
	CurrentStep     string          `json:"current_step"`
	DomainType      string          `json:"domain_type"`
	Attempt         int             `json:"attempt"`
	Request         json.RawMessage `json:"request"`
	AnalysisResult  json.RawMessage `json:"analysis_result,omitempty"`
	TrainingMetrics json.RawMessage `json:"training_metrics,omitempty"`
	ModelArtifacts  json.RawMessage `json:"model_artifacts,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
}

// DecodeRequest unmarshals the stored client request.
func (w *WorkflowRecord) DecodeRequest() (SimulationRequest, error) {
	var req SimulationRequest
	if err := json.Unmarshal(w.Request, &req); err != nil {
		return SimulationRequest{}, err
	}
	return req, nil
}

// StatusView is the projection returned by status queries.
type StatusView struct {
	ID           string    `json:"workflow_id"`
	Status       Status    `json:"status"`
	Progress     float64   `json:"progress"`
	CurrentStep  string    `json:"current_step"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// View projects a record onto its status view. The error message only
// surfaces for failed workflows.
func (w *WorkflowRecord) View() StatusView {
	v := StatusView{
		ID:          w.ID,
		Status:      w.Status,
		Progress:    w.Progress,
		CurrentStep: w.CurrentStep,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	if w.Status == StatusFailed {
		v.ErrorMessage = w.ErrorMessage
	}
	return v
}

// ModelCacheEntry is the in-memory metadata served to inference requests.
type ModelCacheEntry struct {
	WorkflowID          string          `json:"workflow_id"`
	DomainType          string          `json:"domain_type"`
	ArchitectureSummary json.RawMessage `json:"architecture_summary,omitempty"`
	TrainingMetrics     json.RawMessage `json:"training_metrics,omitempty"`
	ModelKey            string          `json:"model_key,omitempty"`
	LoadedAt            time.Time       `json:"loaded_at"`
}
