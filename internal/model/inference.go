package model

import "time"

// Inference result status values.
const (
	InferenceSuccess = "success"
	InferenceError   = "error"
)

// InferenceRequest is one set of evaluation points for a trained model.
type InferenceRequest struct {
	RequestID string      `json:"request_id"`
	Points    [][]float64 `json:"input_points"`
}

// InferenceResult is the outcome of one inference request. Exactly one
// result exists per request in a batch.
type InferenceResult struct {
	WorkflowID      string      `json:"workflow_id"`
	RequestID       string      `json:"request_id"`
	Status          string      `json:"status"`
	Predictions     [][]float64 `json:"predictions,omitempty"`
	NPoints         int         `json:"n_points"`
	Error           string      `json:"error,omitempty"`
	InferenceTimeMS float64     `json:"inference_time_ms"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Succeeded reports whether the request produced predictions.
func (r InferenceResult) Succeeded() bool {
	return r.Status == InferenceSuccess
}
