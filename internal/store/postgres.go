package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seantiz/simflow/internal/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS workflows (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_step     TEXT NOT NULL DEFAULT '',
    domain_type      TEXT NOT NULL,
    attempt          INTEGER NOT NULL DEFAULT 1,
    request          JSONB NOT NULL,
    analysis_result  JSONB,
    training_metrics JSONB,
    model_artifacts  JSONB,
    error_message    TEXT NOT NULL DEFAULT '',
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,
    expires_at       BIGINT
);
CREATE INDEX IF NOT EXISTS workflows_created ON workflows (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS workflows_status ON workflows (status);
CREATE INDEX IF NOT EXISTS workflows_expires ON workflows (expires_at);

CREATE TABLE IF NOT EXISTS inference_results (
    workflow_id TEXT NOT NULL,
    request_id  TEXT NOT NULL,
    body        JSONB NOT NULL,
    created_at  BIGINT NOT NULL,
    expires_at  BIGINT NOT NULL,
    PRIMARY KEY (workflow_id, request_id)
);`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to dsn, verifies the connection and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases every pooled connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *model.WorkflowRecord) error {
	if err := prepareCreate(w, s.now()); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, string(w.Status), w.Progress, w.CurrentStep, w.DomainType, w.Attempt, []byte(w.Request),
		nullBytes(w.AnalysisResult), nullBytes(w.TrainingMetrics), nullBytes(w.ModelArtifacts), w.ErrorMessage,
		w.CreatedAt.UnixNano(), w.UpdatedAt.UnixNano(), expiryNanos(w.ExpiresAt),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*model.WorkflowRecord, error) {
	w, err := scanWorkflow(s.pool.QueryRow(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, id string, p Patch) error {
	q, args := updateSQL(id, p, s.now(), dollar)
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if !p.conditional() {
		return ErrNotFound
	}

	var one int
	err = s.pool.QueryRow(ctx, "SELECT 1 FROM workflows WHERE id = $1", id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check workflow: %w", err)
	}
	return ErrConditionFailed
}

func (s *PostgresStore) ScanWorkflows(ctx context.Context, f Filter, limit int, after string) (Page, error) {
	limit = scanLimit(limit)
	c, err := decodeCursor(after)
	if err != nil {
		return Page{}, err
	}

	q, args := scanSQL(f, limit, c, dollar)
	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM workflows WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT status, COUNT(*) FROM workflows GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count workflows: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.Status(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) PutInferenceResult(ctx context.Context, r model.InferenceResult, ttl time.Duration) error {
	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal inference result: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO inference_results (workflow_id, request_id, body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id, request_id) DO UPDATE SET
			body = EXCLUDED.body, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		r.WorkflowID, r.RequestID, body, r.CreatedAt.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put inference result: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInferenceResult(ctx context.Context, workflowID, requestID string) (*model.InferenceResult, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM inference_results
		WHERE workflow_id = $1 AND request_id = $2 AND expires_at > $3`,
		workflowID, requestID, s.now().UnixNano(),
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (PurgeStats, error) {
	var stats PurgeStats
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cutoff := now.UnixNano()
		wf, err := tx.Exec(ctx, "DELETE FROM workflows WHERE expires_at IS NOT NULL AND expires_at <= $1", cutoff)
		if err != nil {
			return fmt.Errorf("purge workflows: %w", err)
		}
		ir, err := tx.Exec(ctx, "DELETE FROM inference_results WHERE expires_at <= $1", cutoff)
		if err != nil {
			return fmt.Errorf("purge inference results: %w", err)
		}
		stats.Workflows = int(wf.RowsAffected())
		stats.InferenceResults = int(ir.RowsAffected())
		return nil
	})
	if err != nil {
		return PurgeStats{}, err
	}
	return stats, nil
}
