package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

var _ Solver = (*HTTPClient)(nil)

// HTTPClient talks to a solver sidecar that exposes /analyze, /train and
// /infer as JSON endpoints.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a client for the sidecar at url. timeout bounds each
// request; training requests are bounded by the caller's context instead.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{url: url, client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Name() string { return "http" }

func (c *HTTPClient) Analyze(ctx context.Context, req model.SimulationRequest) (Analysis, error) {
	var out Analysis
	if err := c.post(ctx, c.client, "/analyze", req, &out); err != nil {
		return Analysis{}, err
	}
	return out, nil
}

// Train blocks until the sidecar finishes. The sidecar does not stream
// progress, so progress is reported once on completion.
func (c *HTTPClient) Train(ctx context.Context, job TrainingJob, progress ProgressFunc) (TrainedModel, error) {
	var out TrainedModel
	noTimeout := &http.Client{Transport: c.client.Transport}
	if err := c.post(ctx, noTimeout, "/train", job, &out); err != nil {
		return TrainedModel{}, err
	}
	if progress != nil {
		progress(1)
	}
	return out, nil
}

type inferRequest struct {
	Model  model.ModelCacheEntry `json:"model"`
	Points [][]float64           `json:"input_points"`
}

type inferResponse struct {
	Predictions [][]float64 `json:"predictions"`
}

func (c *HTTPClient) Infer(ctx context.Context, m model.ModelCacheEntry, points [][]float64) ([][]float64, error) {
	var out inferResponse
	if err := c.post(ctx, c.client, "/infer", inferRequest{Model: m, Points: points}, &out); err != nil {
		return nil, err
	}
	if len(out.Predictions) != len(points) {
		return nil, fmt.Errorf("solver returned %d predictions for %d points", len(out.Predictions), len(points))
	}
	return out.Predictions, nil
}

func (c *HTTPClient) post(ctx context.Context, hc *http.Client, path string, body, out any) error {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("solver %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("solver %s: status code %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
