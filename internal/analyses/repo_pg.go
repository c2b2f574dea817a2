package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const requestColumns = `id, session_id, template_id, template_variables, status,
       error_code, error_message, error_retryable, cancel_requested,
       content_hash, result_id, attempts, created_at, started_at, completed_at, updated_at`

const resultColumns = `id, request_id, session_id, content_hash, generated_at,
       scores, metrics, qualitative_entries, model_used, analysis_duration_ms`

// Create inserts a new request.
func (r *PGRepo) Create(ctx context.Context, req AnalysisRequest) error {
	vars, err := json.Marshal(req.TemplateVariables)
	if err != nil {
		return fmt.Errorf("encode template variables: %w", err)
	}
	const query = `
INSERT INTO analysis_requests (
	id, session_id, template_id, template_variables, status, attempts, created_at, updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $7)`
	_, err = r.DB.ExecContext(ctx, query,
		req.ID,
		req.SessionID,
		req.TemplateID,
		string(vars),
		string(req.Status),
		req.Attempts,
		req.CreatedAt,
	)
	return err
}

// GetByID returns a request by ID.
func (r *PGRepo) GetByID(ctx context.Context, id string) (AnalysisRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM analysis_requests WHERE id = $1 LIMIT 1`
	req, err := scanRequest(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisRequest{}, ErrNotFound
		}
		return AnalysisRequest{}, err
	}
	return req, nil
}

// ListBySession returns requests for a session ordered newest-first.
func (r *PGRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]AnalysisRequest, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + requestColumns + `
FROM analysis_requests
WHERE session_id = $1
ORDER BY created_at DESC
OFFSET $2`
	args := []any{sessionID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []AnalysisRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transition applies a conditional status update.
func (r *PGRepo) Transition(ctx context.Context, id string, from, to Status, upd StatusUpdate) (AnalysisRequest, error) {
	if !CanTransition(from, to) {
		return AnalysisRequest{}, &TransitionError{ID: id, From: from, To: to}
	}
	query := `
UPDATE analysis_requests
SET status = $3,
    error_code = CASE WHEN $4 THEN NULL WHEN $5 <> '' THEN $5 ELSE error_code END,
    error_message = CASE WHEN $4 THEN NULL ELSE COALESCE($6, error_message) END,
    error_retryable = CASE WHEN $4 THEN FALSE WHEN $5 <> '' THEN $7 ELSE error_retryable END,
    cancel_requested = CASE WHEN $4 THEN FALSE ELSE cancel_requested END,
    completed_at = CASE WHEN $4 THEN NULL ELSE COALESCE($10, completed_at) END,
    content_hash = COALESCE(NULLIF($8, ''), content_hash),
    started_at = COALESCE($9, started_at),
    attempts = attempts + CASE WHEN $3 = 'processing' THEN 1 ELSE 0 END,
    updated_at = NOW()
WHERE id = $1 AND status = $2
RETURNING ` + requestColumns
	req, err := scanRequest(r.DB.QueryRowContext(ctx, query,
		id,
		string(from),
		string(to),
		upd.ClearError,
		upd.ErrorCode,
		nullString(upd.ErrorMessage),
		upd.ErrorRetryable,
		upd.ContentHash,
		nullTime(upd.StartedAt),
		nullTime(upd.CompletedAt),
	))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AnalysisRequest{}, err
	}
	return AnalysisRequest{}, r.transitionMiss(ctx, r.DB, id, from, to)
}

// RequestCancel sets the cancel flag on a non-terminal request.
func (r *PGRepo) RequestCancel(ctx context.Context, id string) (AnalysisRequest, error) {
	query := `
UPDATE analysis_requests
SET cancel_requested = TRUE, updated_at = NOW()
WHERE id = $1 AND status IN ('queued', 'processing')
RETURNING ` + requestColumns
	req, err := scanRequest(r.DB.QueryRowContext(ctx, query, id))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AnalysisRequest{}, err
	}
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return AnalysisRequest{}, err
	}
	return current, &TransitionError{ID: id, From: current.Status, To: StatusCancelled}
}

// Complete inserts the result and marks the request Completed in one transaction.
func (r *PGRepo) Complete(ctx context.Context, id string, result AnalysisResult) error {
	scores, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}
	metrics, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	entries, err := json.Marshal(result.QualitativeEntries)
	if err != nil {
		return fmt.Errorf("encode qualitative entries: %w", err)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insert = `
INSERT INTO analysis_results (
	id, request_id, session_id, content_hash, generated_at,
	scores, metrics, qualitative_entries, model_used, analysis_duration_ms
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10)`
	if _, err := tx.ExecContext(ctx, insert,
		result.ID,
		result.RequestID,
		result.SessionID,
		result.ContentHash,
		result.GeneratedAt,
		string(scores),
		string(metrics),
		string(entries),
		result.ModelUsed,
		result.AnalysisDurationMs,
	); err != nil {
		return err
	}

	if err := completeTx(ctx, tx, id, result.ID, result.ContentHash, result.GeneratedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.transitionMiss(ctx, tx, id, StatusProcessing, StatusCompleted)
		}
		return err
	}
	return tx.Commit()
}

// CompleteWithExisting marks the request Completed pointing at a prior result.
func (r *PGRepo) CompleteWithExisting(ctx context.Context, id, resultID, contentHash string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := completeTx(ctx, tx, id, resultID, contentHash, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.transitionMiss(ctx, tx, id, StatusProcessing, StatusCompleted)
		}
		return err
	}
	return tx.Commit()
}

func completeTx(ctx context.Context, tx *sql.Tx, id, resultID, contentHash string, completedAt time.Time) error {
	const update = `
UPDATE analysis_requests
SET status = 'completed',
    result_id = $2,
    content_hash = $3,
    completed_at = $4,
    updated_at = NOW()
WHERE id = $1 AND status = 'processing'`
	res, err := tx.ExecContext(ctx, update, id, resultID, contentHash, completedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return sql.ErrNoRows
	}
	return nil
}

// GetResult returns a result by its ID.
func (r *PGRepo) GetResult(ctx context.Context, resultID string) (AnalysisResult, error) {
	query := `SELECT ` + resultColumns + ` FROM analysis_results WHERE id = $1 LIMIT 1`
	res, err := scanResult(r.DB.QueryRowContext(ctx, query, resultID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisResult{}, ErrNotFound
		}
		return AnalysisResult{}, err
	}
	return res, nil
}

// FindLatestResultBySession returns the newest result for a session, or nil.
func (r *PGRepo) FindLatestResultBySession(ctx context.Context, sessionID string) (*AnalysisResult, error) {
	query := `SELECT ` + resultColumns + `
FROM analysis_results
WHERE session_id = $1
ORDER BY generated_at DESC
LIMIT 1`
	res, err := scanResult(r.DB.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

// FindStaleProcessing returns Processing requests started before olderThan.
func (r *PGRepo) FindStaleProcessing(ctx context.Context, olderThan time.Time) ([]AnalysisRequest, error) {
	query := `SELECT ` + requestColumns + `
FROM analysis_requests
WHERE status = 'processing' AND started_at < $1
ORDER BY started_at`
	rows, err := r.DB.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AnalysisRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionMiss explains why a conditional update matched no row.
func (r *PGRepo) transitionMiss(ctx context.Context, q queryRower, id string, from, to Status) error {
	var actual string
	err := q.QueryRowContext(ctx, `SELECT status FROM analysis_requests WHERE id = $1`, id).Scan(&actual)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return &TransitionError{ID: id, From: from, To: to, Actual: Status(actual)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (AnalysisRequest, error) {
	var req AnalysisRequest
	var vars sql.NullString
	var status string
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var errorRetryable sql.NullBool
	var contentHash sql.NullString
	var resultID sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err := row.Scan(
		&req.ID,
		&req.SessionID,
		&req.TemplateID,
		&vars,
		&status,
		&errorCode,
		&errorMessage,
		&errorRetryable,
		&req.CancelRequested,
		&contentHash,
		&resultID,
		&req.Attempts,
		&req.CreatedAt,
		&startedAt,
		&completedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return AnalysisRequest{}, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return AnalysisRequest{}, fmt.Errorf("analysis %s: %w", req.ID, err)
	}
	req.Status = st
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &req.TemplateVariables); err != nil {
			return AnalysisRequest{}, fmt.Errorf("decode template variables for %s: %w", req.ID, err)
		}
	}
	req.ErrorCode = errorCode.String
	if errorMessage.Valid {
		msg := errorMessage.String
		req.ErrorMessage = &msg
	}
	req.ErrorRetryable = errorRetryable.Valid && errorRetryable.Bool
	req.ContentHash = contentHash.String
	req.ResultID = resultID.String
	if startedAt.Valid {
		t := startedAt.Time
		req.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return req, nil
}

func scanResult(row rowScanner) (AnalysisResult, error) {
	var res AnalysisResult
	var scores, metrics, entries []byte
	var model sql.NullString
	err := row.Scan(
		&res.ID,
		&res.RequestID,
		&res.SessionID,
		&res.ContentHash,
		&res.GeneratedAt,
		&scores,
		&metrics,
		&entries,
		&model,
		&res.AnalysisDurationMs,
	)
	if err != nil {
		return AnalysisResult{}, err
	}
	res.ModelUsed = model.String
	if len(scores) > 0 {
		if err := json.Unmarshal(scores, &res.Scores); err != nil {
			return AnalysisResult{}, fmt.Errorf("decode scores for %s: %w", res.ID, err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &res.Metrics); err != nil {
			return AnalysisResult{}, fmt.Errorf("decode metrics for %s: %w", res.ID, err)
		}
	}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &res.QualitativeEntries); err != nil {
			return AnalysisResult{}, fmt.Errorf("decode entries for %s: %w", res.ID, err)
		}
	}
	return res, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

var _ Repo = (*PGRepo)(nil)
