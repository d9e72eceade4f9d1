package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PaymentRepository backs the verifier's replay protection with a uniqueness
// constraint, so the check-and-insert stays atomic across service instances.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// MarkProcessed claims a proof identifier. It returns false when the
// identifier was already claimed by an earlier or concurrent verification.
func (r *PaymentRepository) MarkProcessed(ctx context.Context, key string) (bool, error) {
	query := `INSERT INTO processed_payment (tx_hash, created_at) VALUES ($1, now()) ON CONFLICT DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, key)
	if err != nil {
		return false, errors.Wrap(err, "claiming payment proof")
	}
	return tag.RowsAffected() == 1, nil
}

// Release frees a claimed identifier after a failed verification so a later
// submission is not mistaken for a replay.
func (r *PaymentRepository) Release(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM processed_payment WHERE tx_hash = $1`, key)
	return errors.Wrap(err, "releasing payment proof")
}
