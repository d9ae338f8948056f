package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return newTestStore(t) })
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simflow.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	w := makeTestWorkflow()
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetWorkflow(ctx, w.ID); err != nil {
		t.Errorf("GetWorkflow after reopen: %v", err)
	}
}

func TestUpdateSetsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	w := makeTestWorkflow()
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	clock = clock.Add(time.Minute)
	step := "training"
	if err := s.UpdateWorkflow(ctx, w.ID, Patch{CurrentStep: &step}); err != nil {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	got, _ := s.GetWorkflow(ctx, w.ID)
	if !got.UpdatedAt.Equal(clock) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, clock)
	}
	if !got.CreatedAt.Before(got.UpdatedAt) {
		t.Errorf("CreatedAt %v not before UpdatedAt %v", got.CreatedAt, got.UpdatedAt)
	}
}

func TestCreateRejectsInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	w := makeTestWorkflow()
	w.Status = "running"
	if err := s.CreateWorkflow(context.Background(), w); err == nil {
		t.Error("CreateWorkflow with unknown status succeeded")
	}
}

func TestUpdateSQL(t *testing.T) {
	s := model.StatusTrainingStarting
	q, args := updateSQL("w1", Patch{Status: &s, IfStatus: statusPtr(model.StatusAnalysisComplete)}, time.Unix(0, 42), dollar)

	want := "UPDATE workflows SET updated_at = $1, status = $2 WHERE id = $3 AND status = $4"
	if q != want {
		t.Errorf("query =\n%s\nwant\n%s", q, want)
	}
	if len(args) != 4 || args[0] != int64(42) || args[2] != "w1" {
		t.Errorf("args = %v", args)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	w := &model.WorkflowRecord{ID: "01ABC", CreatedAt: time.Unix(0, 1234567)}
	c, err := decodeCursor(encodeCursor(w))
	if err != nil {
		t.Fatalf("decodeCursor: %v", err)
	}
	if !c.valid || c.createdAt != 1234567 || c.id != "01ABC" {
		t.Errorf("cursor = %+v", c)
	}
	q, _ := scanSQL(Filter{Status: model.StatusFailed}, 10, c, questionMark)
	if !strings.Contains(q, "status = ?") || !strings.Contains(q, "created_at < ?") {
		t.Errorf("scan query missing predicates: %s", q)
	}
}
