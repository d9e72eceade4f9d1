package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type EndpointRepository struct {
	pool *pgxpool.Pool
}

func NewEndpointRepository(pool *pgxpool.Pool) *EndpointRepository {
	return &EndpointRepository{pool: pool}
}

func (r *EndpointRepository) Create(ctx context.Context, entity *EndpointEntity) (*EndpointEntity, error) {
	query := `INSERT INTO webhook_endpoint (id, url, event_types, secret, status, consecutive_failures, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	err := r.pool.QueryRow(ctx, query, entity.ID, entity.URL, entity.EventTypes, entity.Secret,
		entity.Status, entity.ConsecutiveFailures, now).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "inserting webhook endpoint")
	}
	return entity, nil
}

func (r *EndpointRepository) GetByID(ctx context.Context, id uuid.UUID) (*EndpointEntity, error) {
	query := `SELECT id, url, event_types, secret, status, consecutive_failures, created_at, updated_at
	          FROM webhook_endpoint WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)

	var entity EndpointEntity
	err := row.Scan(&entity.ID, &entity.URL, &entity.EventTypes, &entity.Secret, &entity.Status,
		&entity.ConsecutiveFailures, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// ListActive returns every endpoint that is not disabled. Subscription
// matching against event types happens in the emitter, which also handles
// the deprecated type alias.
func (r *EndpointRepository) ListActive(ctx context.Context) ([]*EndpointEntity, error) {
	query := `SELECT id, url, event_types, secret, status, consecutive_failures, created_at, updated_at
	          FROM webhook_endpoint WHERE status <> $1`
	rows, err := r.pool.Query(ctx, query, EndpointStatusDisabled)
	if err != nil {
		return nil, errors.Wrap(err, "listing active endpoints")
	}
	defer rows.Close()

	var endpoints []*EndpointEntity
	for rows.Next() {
		var entity EndpointEntity
		err := rows.Scan(&entity.ID, &entity.URL, &entity.EventTypes, &entity.Secret, &entity.Status,
			&entity.ConsecutiveFailures, &entity.CreatedAt, &entity.UpdatedAt)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, &entity)
	}
	return endpoints, rows.Err()
}

// RecordFailure increments the consecutive-failure counter after a delivery
// has terminally failed and disables the endpoint once the threshold is
// reached. The counter update and the status decision are a single statement
// so concurrent terminal failures cannot race past the threshold.
func (r *EndpointRepository) RecordFailure(ctx context.Context, id uuid.UUID, threshold int) (string, error) {
	query := `UPDATE webhook_endpoint
	          SET consecutive_failures = consecutive_failures + 1,
	              status = CASE WHEN consecutive_failures + 1 >= $2 THEN $3 ELSE $4 END,
	              updated_at = now()
	          WHERE id = $1 AND status <> $3
	          RETURNING status`
	var status string
	err := r.pool.QueryRow(ctx, query, id, threshold, EndpointStatusDisabled, EndpointStatusFailing).Scan(&status)
	if err != nil {
		return "", errors.Wrap(err, "recording endpoint failure")
	}
	return status, nil
}

// ResetFailures marks the endpoint healthy again after any successful delivery.
func (r *EndpointRepository) ResetFailures(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE webhook_endpoint
	          SET consecutive_failures = 0, status = $2, updated_at = now()
	          WHERE id = $1 AND status <> $3`
	_, err := r.pool.Exec(ctx, query, id, EndpointStatusActive, EndpointStatusDisabled)
	return errors.Wrap(err, "resetting endpoint failures")
}
