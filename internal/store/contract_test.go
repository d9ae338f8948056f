package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

func makeTestWorkflow() *model.WorkflowRecord {
	return &model.WorkflowRecord{
		ID:          model.NewID(),
		Status:      model.StatusInitiated,
		CurrentStep: "problem_analysis",
		DomainType:  model.DomainHeatTransfer,
		Request:     json.RawMessage(`{"domain_type":"heat_transfer"}`),
	}
}

func statusPtr(s model.Status) *model.Status { return &s }

func floatPtr(f float64) *float64 { return &f }

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := makeTestWorkflow()

		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		got, err := s.GetWorkflow(ctx, w.ID)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if got.Status != model.StatusInitiated {
			t.Errorf("Status = %q, want %q", got.Status, model.StatusInitiated)
		}
		if got.Attempt != 1 {
			t.Errorf("Attempt = %d, want 1", got.Attempt)
		}
		if got.AnalysisResult != nil {
			t.Errorf("AnalysisResult = %s, want nil", got.AnalysisResult)
		}
		if !got.CreatedAt.Equal(w.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, w.CreatedAt)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := makeTestWorkflow()
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		dup := makeTestWorkflow()
		dup.ID = w.ID
		if err := s.CreateWorkflow(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("duplicate CreateWorkflow error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetWorkflow(context.Background(), "nonexistent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetWorkflow error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ConditionalUpdate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := makeTestWorkflow()
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}

		err := s.UpdateWorkflow(ctx, w.ID, Patch{
			Status:   statusPtr(model.StatusAnalyzingProblem),
			Progress: floatPtr(10),
			IfStatus: statusPtr(model.StatusInitiated),
		})
		if err != nil {
			t.Fatalf("UpdateWorkflow: %v", err)
		}

		// Replaying the same guarded write must not apply twice.
		err = s.UpdateWorkflow(ctx, w.ID, Patch{
			Status:   statusPtr(model.StatusAnalyzingProblem),
			IfStatus: statusPtr(model.StatusInitiated),
		})
		if !errors.Is(err, ErrConditionFailed) {
			t.Errorf("replayed UpdateWorkflow error = %v, want ErrConditionFailed", err)
		}

		err = s.UpdateWorkflow(ctx, "nonexistent", Patch{IfStatus: statusPtr(model.StatusInitiated)})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateWorkflow on missing id error = %v, want ErrNotFound", err)
		}

		got, _ := s.GetWorkflow(ctx, w.ID)
		if got.Status != model.StatusAnalyzingProblem || got.Progress != 10 {
			t.Errorf("got status=%s progress=%v, want analyzing_problem/10", got.Status, got.Progress)
		}
	})

	t.Run("ProgressGuard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := makeTestWorkflow()
		w.Progress = 50
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}

		err := s.UpdateWorkflow(ctx, w.ID, Patch{Progress: floatPtr(40), IfProgressBelow: floatPtr(40)})
		if !errors.Is(err, ErrConditionFailed) {
			t.Errorf("backwards progress error = %v, want ErrConditionFailed", err)
		}
		if err := s.UpdateWorkflow(ctx, w.ID, Patch{Progress: floatPtr(60), IfProgressBelow: floatPtr(60)}); err != nil {
			t.Errorf("forward progress: %v", err)
		}
	})

	t.Run("PayloadsAndClear", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := makeTestWorkflow()
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}

		msg := "boom"
		err := s.UpdateWorkflow(ctx, w.ID, Patch{
			AnalysisResult:  json.RawMessage(`{"complexity_score":0.5}`),
			TrainingMetrics: json.RawMessage(`{"accuracy":0.97}`),
			ErrorMessage:    &msg,
		})
		if err != nil {
			t.Fatalf("UpdateWorkflow: %v", err)
		}
		got, _ := s.GetWorkflow(ctx, w.ID)
		var metrics map[string]float64
		if err := json.Unmarshal(got.TrainingMetrics, &metrics); err != nil || metrics["accuracy"] != 0.97 {
			t.Errorf("TrainingMetrics = %s (%v), want accuracy 0.97", got.TrainingMetrics, err)
		}

		attempt := 2
		if err := s.UpdateWorkflow(ctx, w.ID, Patch{ClearResults: true, Attempt: &attempt}); err != nil {
			t.Fatalf("clear: %v", err)
		}
		got, _ = s.GetWorkflow(ctx, w.ID)
		if got.AnalysisResult != nil || got.TrainingMetrics != nil || got.ErrorMessage != "" {
			t.Errorf("payloads not cleared: %+v", got)
		}
		if got.Attempt != 2 {
			t.Errorf("Attempt = %d, want 2", got.Attempt)
		}
	})

	t.Run("ScanPaging", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			w := makeTestWorkflow()
			w.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				w.DomainType = model.DomainFluidDynamics
			}
			if err := s.CreateWorkflow(ctx, w); err != nil {
				t.Fatalf("CreateWorkflow[%d]: %v", i, err)
			}
		}

		var all []*model.WorkflowRecord
		cursor := ""
		for pages := 0; ; pages++ {
			if pages > 5 {
				t.Fatal("scan did not terminate")
			}
			page, err := s.ScanWorkflows(ctx, Filter{}, 2, cursor)
			if err != nil {
				t.Fatalf("ScanWorkflows: %v", err)
			}
			all = append(all, page.Records...)
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		if len(all) != 5 {
			t.Fatalf("scanned %d workflows, want 5", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.After(all[i-1].CreatedAt) {
				t.Errorf("not newest-first at %d", i)
			}
		}

		page, err := s.ScanWorkflows(ctx, Filter{DomainType: model.DomainFluidDynamics}, 10, "")
		if err != nil {
			t.Fatalf("ScanWorkflows filtered: %v", err)
		}
		if len(page.Records) != 3 {
			t.Errorf("filtered scan = %d, want 3", len(page.Records))
		}

		if _, err := s.ScanWorkflows(ctx, Filter{}, 2, "!!garbage"); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("bad cursor error = %v, want ErrInvalidCursor", err)
		}
	})

	t.Run("ScanNonPositiveLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := s.CreateWorkflow(ctx, makeTestWorkflow()); err != nil {
				t.Fatalf("CreateWorkflow[%d]: %v", i, err)
			}
		}
		for _, limit := range []int{0, -1} {
			page, err := s.ScanWorkflows(ctx, Filter{}, limit, "")
			if err != nil {
				t.Fatalf("ScanWorkflows(limit=%d): %v", limit, err)
			}
			if len(page.Records) != 3 || page.NextCursor != "" {
				t.Errorf("ScanWorkflows(limit=%d) = %d records, cursor %q; want all 3", limit, len(page.Records), page.NextCursor)
			}
		}
	})

	t.Run("CountByStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, st := range []model.Status{model.StatusInitiated, model.StatusInitiated, model.StatusFailed} {
			w := makeTestWorkflow()
			w.Status = st
			if err := s.CreateWorkflow(ctx, w); err != nil {
				t.Fatalf("CreateWorkflow: %v", err)
			}
		}
		counts, err := s.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("CountByStatus: %v", err)
		}
		if counts[model.StatusInitiated] != 2 || counts[model.StatusFailed] != 1 {
			t.Errorf("counts = %v", counts)
		}
	})

	t.Run("InferenceResultTTL", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		r := model.InferenceResult{
			WorkflowID:  "w1",
			RequestID:   "r1",
			Status:      model.InferenceSuccess,
			Predictions: [][]float64{{1.5}},
			NPoints:     1,
		}
		if err := s.PutInferenceResult(ctx, r, time.Hour); err != nil {
			t.Fatalf("PutInferenceResult: %v", err)
		}
		got, err := s.GetInferenceResult(ctx, "w1", "r1")
		if err != nil {
			t.Fatalf("GetInferenceResult: %v", err)
		}
		if !got.Succeeded() || got.NPoints != 1 {
			t.Errorf("got %+v", got)
		}

		// A negative ttl is already expired.
		if err := s.PutInferenceResult(ctx, model.InferenceResult{WorkflowID: "w1", RequestID: "r2"}, -time.Second); err != nil {
			t.Fatalf("PutInferenceResult: %v", err)
		}
		if _, err := s.GetInferenceResult(ctx, "w1", "r2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired result error = %v, want ErrNotFound", err)
		}
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		past := time.Now().UTC().Add(-time.Hour)

		expired := makeTestWorkflow()
		expired.Status = model.StatusCompleted
		expired.ExpiresAt = &past
		live := makeTestWorkflow()
		for _, w := range []*model.WorkflowRecord{expired, live} {
			if err := s.CreateWorkflow(ctx, w); err != nil {
				t.Fatalf("CreateWorkflow: %v", err)
			}
		}
		if err := s.PutInferenceResult(ctx, model.InferenceResult{WorkflowID: live.ID, RequestID: "old"}, -time.Minute); err != nil {
			t.Fatalf("PutInferenceResult: %v", err)
		}

		stats, err := s.PurgeExpired(ctx, time.Now().UTC())
		if err != nil {
			t.Fatalf("PurgeExpired: %v", err)
		}
		if stats.Workflows != 1 || stats.InferenceResults != 1 {
			t.Errorf("stats = %+v, want 1 workflow and 1 result", stats)
		}
		if _, err := s.GetWorkflow(ctx, expired.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired workflow still present: %v", err)
		}
		if _, err := s.GetWorkflow(ctx, live.ID); err != nil {
			t.Errorf("live workflow purged: %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := makeTestWorkflow()
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		if err := s.DeleteWorkflow(ctx, w.ID); err != nil {
			t.Fatalf("DeleteWorkflow: %v", err)
		}
		if err := s.DeleteWorkflow(ctx, w.ID); err != nil {
			t.Errorf("second DeleteWorkflow: %v", err)
		}
		if _, err := s.GetWorkflow(ctx, w.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetWorkflow after delete error = %v, want ErrNotFound", err)
		}
	})
}
