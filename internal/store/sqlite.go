package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/simflow/internal/model"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const createWorkflowsTable = `
CREATE TABLE IF NOT EXISTS workflows (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    progress         REAL NOT NULL DEFAULT 0,
    current_step     TEXT NOT NULL DEFAULT '',
    domain_type      TEXT NOT NULL,
    attempt          INTEGER NOT NULL DEFAULT 1,
    request          BLOB NOT NULL,
    analysis_result  BLOB,
    training_metrics BLOB,
    model_artifacts  BLOB,
    error_message    TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    expires_at       INTEGER
)`

const createWorkflowIndexes = `
CREATE INDEX IF NOT EXISTS workflows_created ON workflows (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS workflows_status ON workflows (status);
CREATE INDEX IF NOT EXISTS workflows_expires ON workflows (expires_at)`

const createInferenceTable = `
CREATE TABLE IF NOT EXISTS inference_results (
    workflow_id TEXT NOT NULL,
    request_id  TEXT NOT NULL,
    body        BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,
    PRIMARY KEY (workflow_id, request_id)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: is its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"workflows table":         createWorkflowsTable,
		"workflow indexes":        createWorkflowIndexes,
		"inference results table": createInferenceTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorkflow inserts a new workflow record.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *model.WorkflowRecord) error {
	if err := prepareCreate(w, s.now()); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, string(w.Status), w.Progress, w.CurrentStep, w.DomainType, w.Attempt, []byte(w.Request),
		nullBytes(w.AnalysisResult), nullBytes(w.TrainingMetrics), nullBytes(w.ModelArtifacts), w.ErrorMessage,
		w.CreatedAt.UnixNano(), w.UpdatedAt.UnixNano(), expiryNanos(w.ExpiresAt),
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.WorkflowRecord, error) {
	w, err := scanWorkflow(s.db.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// UpdateWorkflow merges p into the stored record. A guarded patch that does
// not match returns ErrConditionFailed.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, id string, p Patch) error {
	q, args := updateSQL(id, p, s.now(), questionMark)
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if !p.conditional() {
		return ErrNotFound
	}

	var one int
	err = s.db.QueryRowContext(ctx, "SELECT 1 FROM workflows WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check workflow: %w", err)
	}
	return ErrConditionFailed
}

// ScanWorkflows returns one page of workflows ordered by created_at DESC.
func (s *SQLiteStore) ScanWorkflows(ctx context.Context, f Filter, limit int, after string) (Page, error) {
	limit = scanLimit(limit)
	c, err := decodeCursor(after)
	if err != nil {
		return Page{}, err
	}

	q, args := scanSQL(f, limit, c, questionMark)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Page{}, fmt.Errorf("scan workflows: %w", err)
	}
	defer rows.Close()

	var records []*model.WorkflowRecord
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan workflow: %w", err)
		}
		records = append(records, w)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate workflows: %w", err)
	}

	return paginate(records, limit), nil
}

// DeleteWorkflow removes a workflow record. Deleting an absent id is not an error.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

// CountByStatus returns the number of workflows in each status.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM workflows GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	return counts, rows.Err()
}

// PutInferenceResult stores r until ttl elapses, replacing any earlier result
// for the same request.
func (s *SQLiteStore) PutInferenceResult(ctx context.Context, r model.InferenceResult, ttl time.Duration) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal inference result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inference_results (workflow_id, request_id, body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, request_id) DO UPDATE SET
			body = excluded.body, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		r.WorkflowID, r.RequestID, body, r.CreatedAt.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put inference result: %w", err)
	}
	return nil
}

// GetInferenceResult returns a stored inference result. Expired results are
// reported as ErrNotFound even before they are purged.
func (s *SQLiteStore) GetInferenceResult(ctx context.Context, workflowID, requestID string) (*model.InferenceResult, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM inference_results
		WHERE workflow_id = ? AND request_id = ? AND expires_at > ?`,
		workflowID, requestID, s.now().UnixNano(),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inference result: %w", err)
	}
	var r model.InferenceResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode inference result: %w", err)
	}
	return &r, nil
}

// PurgeExpired deletes every workflow and inference result whose expiry is at
// or before now.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (PurgeStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.UnixNano()
	wf, err := tx.ExecContext(ctx, "DELETE FROM workflows WHERE expires_at IS NOT NULL AND expires_at <= ?", cutoff)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("purge workflows: %w", err)
	}
	ir, err := tx.ExecContext(ctx, "DELETE FROM inference_results WHERE expires_at <= ?", cutoff)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("purge inference results: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return PurgeStats{}, fmt.Errorf("commit purge: %w", err)
	}

	var stats PurgeStats
	if n, err := wf.RowsAffected(); err == nil {
		stats.Workflows = int(n)
	}
	if n, err := ir.RowsAffected(); err == nil {
		stats.InferenceResults = int(n)
	}
	return stats, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func nullBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

// paginate trims the extra lookahead row and derives the next cursor.
func paginate(records []*model.WorkflowRecord, limit int) Page {
	if len(records) <= limit {
		return Page{Records: records}
	}
	records = records[:limit]
	return Page{Records: records, NextCursor: encodeCursor(records[len(records)-1])}
}
