package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/simflow/internal/model"
)

var (
	// ErrNotFound is returned when a workflow or inference result is absent.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a workflow whose id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConditionFailed is returned when a conditional update's guard does
	// not hold against the stored record.
	ErrConditionFailed = errors.New("condition failed")

	// ErrInvalidCursor is returned when a scan cursor cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Patch names the workflow attributes an update merges into the stored
// record. Nil fields are left untouched. The If* fields turn the write into
// a conditional one.
type Patch struct {
	Status          *model.Status
	Progress        *float64
	CurrentStep     *string
	Attempt         *int
	AnalysisResult  json.RawMessage
	TrainingMetrics json.RawMessage
	ModelArtifacts  json.RawMessage
	ErrorMessage    *string
	ExpiresAt       *time.Time

	// ClearResults resets every stage payload and the error message.
	ClearResults bool
	// ClearExpiry removes any expiry from the record.
	ClearExpiry bool

	IfStatus        *model.Status
	IfAttempt       *int
	IfProgressBelow *float64
}

// Filter narrows a scan. Zero values match everything.
type Filter struct {
	Status     model.Status
	DomainType string
}

// Page is one page of a scan, newest first.
type Page struct {
	Records    []*model.WorkflowRecord `json:"workflows"`
	NextCursor string                  `json:"next_cursor,omitempty"`
}

// PurgeStats reports what PurgeExpired removed.
type PurgeStats struct {
	Workflows        int `json:"workflows"`
	InferenceResults int `json:"inference_results"`
}

// Store defines the persistence operations for workflow records and
// ephemeral inference results. Updates are last-write-wins per attribute;
// callers rely on the If* guards for ordering.
type Store interface {
	CreateWorkflow(ctx context.Context, w *model.WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowRecord, error)
	UpdateWorkflow(ctx context.Context, id string, p Patch) error
	ScanWorkflows(ctx context.Context, f Filter, limit int, cursor string) (Page, error)
	DeleteWorkflow(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	PutInferenceResult(ctx context.Context, r model.InferenceResult, ttl time.Duration) error
	GetInferenceResult(ctx context.Context, workflowID, requestID string) (*model.InferenceResult, error)

	PurgeExpired(ctx context.Context, now time.Time) (PurgeStats, error)
	Close() error
}

// DefaultScanLimit is the page size used when ScanWorkflows gets a
// non-positive limit.
const DefaultScanLimit = 50

func scanLimit(limit int) int {
	if limit <= 0 {
		return DefaultScanLimit
	}
	return limit
}

// placeholderFunc renders the n-th (1-based) bind parameter for a dialect.
type placeholderFunc func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return "$" + strconv.Itoa(n) }

// updateSQL renders the UPDATE statement for p. Timestamps are stored as
// unix nanoseconds in both dialects.
func updateSQL(id string, p Patch, now time.Time, ph placeholderFunc) (string, []any) {
	var sets, where []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	sets = append(sets, "updated_at = "+bind(now.UnixNano()))
	if p.Status != nil {
		sets = append(sets, "status = "+bind(string(*p.Status)))
	}
	if p.Progress != nil {
		sets = append(sets, "progress = "+bind(*p.Progress))
	}
	if p.CurrentStep != nil {
		sets = append(sets, "current_step = "+bind(*p.CurrentStep))
	}
	if p.Attempt != nil {
		sets = append(sets, "attempt = "+bind(*p.Attempt))
	}
	if p.ClearResults {
		sets = append(sets, "analysis_result = NULL", "training_metrics = NULL", "model_artifacts = NULL", "error_message = ''")
	}
	if p.AnalysisResult != nil {
		sets = append(sets, "analysis_result = "+bind([]byte(p.AnalysisResult)))
	}
	if p.TrainingMetrics != nil {
		sets = append(sets, "training_metrics = "+bind([]byte(p.TrainingMetrics)))
	}
	if p.ModelArtifacts != nil {
		sets = append(sets, "model_artifacts = "+bind([]byte(p.ModelArtifacts)))
	}
	if p.ErrorMessage != nil {
		sets = append(sets, "error_message = "+bind(*p.ErrorMessage))
	}
	if p.ClearExpiry {
		sets = append(sets, "expires_at = NULL")
	} else if p.ExpiresAt != nil {
		sets = append(sets, "expires_at = "+bind(p.ExpiresAt.UnixNano()))
	}

	where = append(where, "id = "+bind(id))
	if p.IfStatus != nil {
		where = append(where, "status = "+bind(string(*p.IfStatus)))
	}
	if p.IfAttempt != nil {
		where = append(where, "attempt = "+bind(*p.IfAttempt))
	}
	if p.IfProgressBelow != nil {
		where = append(where, "progress < "+bind(*p.IfProgressBelow))
	}

	return "UPDATE workflows SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND "), args
}

// conditional reports whether p carries any guard.
func (p Patch) conditional() bool {
	return p.IfStatus != nil || p.IfAttempt != nil || p.IfProgressBelow != nil
}

const workflowColumns = `id, status, progress, current_step, domain_type, attempt, request,
	analysis_result, training_metrics, model_artifacts, error_message,
	created_at, updated_at, expires_at`

// scanSQL renders the keyset-paginated scan for f. It fetches limit+1 rows
// so the caller can tell whether another page exists.
func scanSQL(f Filter, limit int, c cursor, ph placeholderFunc) (string, []any) {
	var where []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	if f.Status != "" {
		where = append(where, "status = "+bind(string(f.Status)))
	}
	if f.DomainType != "" {
		where = append(where, "domain_type = "+bind(f.DomainType))
	}
	if c.valid {
		ts := c.createdAt
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))", bind(ts), bind(ts), bind(c.id)))
	}

	q := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT " + bind(limit+1)
	return q, args
}

type cursor struct {
	createdAt int64
	id        string
	valid     bool
}

func encodeCursor(w *model.WorkflowRecord) string {
	raw := strconv.FormatInt(w.CreatedAt.UnixNano(), 10) + ":" + w.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (cursor, error) {
	if s == "" {
		return cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return cursor{}, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return cursor{}, ErrInvalidCursor
	}
	return cursor{createdAt: n, id: id, valid: true}, nil
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*model.WorkflowRecord, error) {
	var (
		w                                  model.WorkflowRecord
		status                             string
		request, analysis, metrics, models []byte
		createdAt, updatedAt               int64
		expiresAt                          *int64
	)
	if err := row.Scan(
		&w.ID, &status, &w.Progress, &w.CurrentStep, &w.DomainType, &w.Attempt, &request,
		&analysis, &metrics, &models, &w.ErrorMessage,
		&createdAt, &updatedAt, &expiresAt,
	); err != nil {
		return nil, err
	}
	w.Status = model.Status(status)
	w.Request = nonEmpty(request)
	w.AnalysisResult = nonEmpty(analysis)
	w.TrainingMetrics = nonEmpty(metrics)
	w.ModelArtifacts = nonEmpty(models)
	w.CreatedAt = time.Unix(0, createdAt).UTC()
	w.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if expiresAt != nil {
		t := time.Unix(0, *expiresAt).UTC()
		w.ExpiresAt = &t
	}
	return &w, nil
}

func nonEmpty(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func expiryNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

// prepareCreate fills timestamps and defaults before insert.
func prepareCreate(w *model.WorkflowRecord, now time.Time) error {
	if w.ID == "" {
		return errors.New("workflow id is required")
	}
	if !w.Status.Valid() {
		return fmt.Errorf("invalid status %q", w.Status)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.Attempt == 0 {
		w.Attempt = 1
	}
	w.UpdatedAt = now
	return nil
}
