package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearmesh/settler/internal/domain"
)

// ResultStore implements domain.ResultStore using PostgreSQL. One row per
// batch, keyed by batch_id; legs are stored as JSONB so failed batches can
// be rebuilt for resubmission or splitting.
type ResultStore struct {
	pool *pgxpool.Pool
}

// NewResultStore creates a ResultStore backed by the given connection pool.
func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

const resultSelectCols = `batch_id, parent_id, status, sink_reference, sink_sequence,
	legs, submitted_at, confirmed_at, latency_ms, error`

// Upsert writes a terminal result. Writing the same terminal status for the
// same batch_id again is a no-op, so each terminal transition is recorded at
// most once; a different status (failed corrected to confirmed by recovery)
// replaces the row.
func (s *ResultStore) Upsert(ctx context.Context, res domain.SubmissionResult) error {
	legs, err := json.Marshal(res.Legs)
	if err != nil {
		return fmt.Errorf("postgres: marshal legs for %s: %w", res.BatchID, err)
	}

	const query = `
		INSERT INTO submission_results (
			batch_id, parent_id, status, sink_reference, sink_sequence,
			legs, submitted_at, confirmed_at, latency_ms, error, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (batch_id) DO UPDATE SET
			status         = EXCLUDED.status,
			sink_reference = EXCLUDED.sink_reference,
			sink_sequence  = EXCLUDED.sink_sequence,
			submitted_at   = EXCLUDED.submitted_at,
			confirmed_at   = EXCLUDED.confirmed_at,
			latency_ms     = EXCLUDED.latency_ms,
			error          = EXCLUDED.error,
			updated_at     = NOW()
		WHERE submission_results.status IS DISTINCT FROM EXCLUDED.status`

	_, err = s.pool.Exec(ctx, query,
		res.BatchID, nullable(res.ParentID), string(res.Status),
		nullable(res.SinkReference), int64(res.SinkSequence),
		legs, res.SubmittedAt, res.ConfirmedAt, res.LatencyMs, nullable(res.Error),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert result %s: %w", res.BatchID, err)
	}
	return nil
}

// Get returns the result for a batch, or nil if none exists.
func (s *ResultStore) Get(ctx context.Context, batchID string) (*domain.SubmissionResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+resultSelectCols+` FROM submission_results WHERE batch_id = $1`,
		batchID,
	)

	res, err := scanResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get result %s: %w", batchID, err)
	}
	return res, nil
}

// ListTerminalSince returns terminal results submitted at or after since,
// oldest first.
func (s *ResultStore) ListTerminalSince(ctx context.Context, since time.Time, limit int) ([]domain.SubmissionResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+resultSelectCols+`
		 FROM submission_results
		 WHERE submitted_at >= $1 AND status IN ('confirmed', 'failed')
		 ORDER BY submitted_at ASC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list results since %s: %w", since, err)
	}
	defer rows.Close()

	var results []domain.SubmissionResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan result: %w", err)
		}
		results = append(results, *res)
	}
	return results, rows.Err()
}

// scanResult reads one submission_results row.
func scanResult(row pgx.Row) (*domain.SubmissionResult, error) {
	var (
		res      domain.SubmissionResult
		parent   *string
		ref      *string
		seq      int64
		legs     []byte
		errText  *string
		confirmd *time.Time
		status   string
	)

	if err := row.Scan(
		&res.BatchID, &parent, &status, &ref, &seq,
		&legs, &res.SubmittedAt, &confirmd, &res.LatencyMs, &errText,
	); err != nil {
		return nil, err
	}

	res.Status = domain.BatchStatus(status)
	res.SinkSequence = uint64(seq)
	res.ConfirmedAt = confirmd
	if parent != nil {
		res.ParentID = *parent
	}
	if ref != nil {
		res.SinkReference = *ref
	}
	if errText != nil {
		res.Error = *errText
	}
	if err := json.Unmarshal(legs, &res.Legs); err != nil {
		return nil, fmt.Errorf("decode legs: %w", err)
	}
	return &res, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Compile-time interface check.
var _ domain.ResultStore = (*ResultStore)(nil)
