package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step names a pipeline stage and the queue that carries its messages.
type Step string

// Stage steps.
const (
	StepAnalysis   Step = "problem_analysis"
	StepTraining   Step = "training"
	StepDeployment Step = "endpoint_activation"
	StepInference  Step = "inference"
)

// Steps lists every step that owns a queue.
var Steps = []Step{StepAnalysis, StepTraining, StepDeployment, StepInference}

// Valid reports whether s is a known step.
func (s Step) Valid() bool {
	for _, known := range Steps {
		if s == known {
			return true
		}
	}
	return false
}

// StageMessage is the queue envelope. Delivery is at-least-once, so the same
// envelope may be seen more than once.
type StageMessage struct {
	WorkflowID string          `json:"workflow_id"`
	Step       Step            `json:"step"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Validate checks the routing attributes every consumer depends on.
func (m StageMessage) Validate() error {
	if m.WorkflowID == "" {
		return errors.New("workflow_id is required")
	}
	if !m.Step.Valid() {
		return fmt.Errorf("unknown step %q", m.Step)
	}
	if len(m.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// StagePayload is implemented by every tagged stage message variant.
type StagePayload interface {
	Step() Step
	Workflow() string
	Validate() error
}

// AnalysisResult is attached by the analysis stage.
type AnalysisResult struct {
	Architecture    json.RawMessage `json:"architecture"`
	ComplexityScore float64         `json:"complexity_score"`
	AnalyzedAt      time.Time       `json:"analyzed_at"`
}

// ModelArtifacts is attached once the trained model has been persisted.
type ModelArtifacts struct {
	ModelKey    string    `json:"model_key"`
	MetadataKey string    `json:"metadata_key"`
	SavedAt     time.Time `json:"saved_at"`
	Endpoint    string    `json:"endpoint,omitempty"`
}

// AnalysisMessage asks the analysis stage to examine a submitted problem.
type AnalysisMessage struct {
	WorkflowID string            `json:"workflow_id"`
	Attempt    int               `json:"attempt"`
	Request    SimulationRequest `json:"request"`
}

func (m AnalysisMessage) Step() Step       { return StepAnalysis }
func (m AnalysisMessage) Workflow() string { return m.WorkflowID }

func (m AnalysisMessage) Validate() error {
	if m.WorkflowID == "" {
		return errors.New("analysis message: workflow_id is required")
	}
	if m.Attempt < 1 {
		return errors.New("analysis message: attempt must be >= 1")
	}
	if m.Request.DomainType == "" {
		return errors.New("analysis message: request.domain_type is required")
	}
	return nil
}

// TrainingMessage hands an analysed problem to the training stage.
type TrainingMessage struct {
	WorkflowID string         `json:"workflow_id"`
	Attempt    int            `json:"attempt"`
	Analysis   AnalysisResult `json:"analysis"`
}

func (m TrainingMessage) Step() Step       { return StepTraining }
func (m TrainingMessage) Workflow() string { return m.WorkflowID }

func (m TrainingMessage) Validate() error {
	if m.WorkflowID == "" {
		return errors.New("training message: workflow_id is required")
	}
	if m.Attempt < 1 {
		return errors.New("training message: attempt must be >= 1")
	}
	if len(m.Analysis.Architecture) == 0 {
		return errors.New("training message: analysis.architecture is required")
	}
	return nil
}

// DeploymentMessage asks for inference-endpoint activation of a saved model.
type DeploymentMessage struct {
	WorkflowID string         `json:"workflow_id"`
	Attempt    int            `json:"attempt"`
	Artifacts  ModelArtifacts `json:"artifacts"`
}

func (m DeploymentMessage) Step() Step       { return StepDeployment }
func (m DeploymentMessage) Workflow() string { return m.WorkflowID }

func (m DeploymentMessage) Validate() error {
	if m.WorkflowID == "" {
		return errors.New("deployment message: workflow_id is required")
	}
	if m.Attempt < 1 {
		return errors.New("deployment message: attempt must be >= 1")
	}
	if m.Artifacts.ModelKey == "" {
		return errors.New("deployment message: artifacts.model_key is required")
	}
	return nil
}

// InferenceMessage is a queued inference request against a completed workflow.
type InferenceMessage struct {
	WorkflowID string      `json:"workflow_id"`
	RequestID  string      `json:"request_id"`
	Points     [][]float64 `json:"input_points"`
}

func (m InferenceMessage) Step() Step       { return StepInference }
func (m InferenceMessage) Workflow() string { return m.WorkflowID }

func (m InferenceMessage) Validate() error {
	if m.WorkflowID == "" {
		return errors.New("inference message: workflow_id is required")
	}
	if m.RequestID == "" {
		return errors.New("inference message: request_id is required")
	}
	return nil
}

// Request converts the message into a batch inference request.
func (m InferenceMessage) Request() InferenceRequest {
	return InferenceRequest{RequestID: m.RequestID, Points: m.Points}
}
