package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearmesh/settler/internal/domain"
)

// DeadLetterStore implements domain.DeadLetterStore using PostgreSQL.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore creates a DeadLetterStore backed by the given pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

// Insert records a dead-lettered batch. Re-inserting the same batch keeps
// the original record via ON CONFLICT DO NOTHING.
func (s *DeadLetterStore) Insert(ctx context.Context, dl domain.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (batch_id, reason, leg_count, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (batch_id) DO NOTHING`,
		dl.BatchID, dl.Reason, dl.LegCount, dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert dead letter %s: %w", dl.BatchID, err)
	}
	return nil
}

// List returns dead letters, newest first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, reason, leg_count, created_at
		 FROM dead_letters ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		if err := rows.Scan(&dl.BatchID, &dl.Reason, &dl.LegCount, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.DeadLetterStore = (*DeadLetterStore)(nil)
