package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) BeginTx(ctx context.Context) (Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *EventRepository) CreateEvent(ctx context.Context, entity *EventEntity) (*EventEntity, error) {
	return createEvent(ctx, r.pool, entity)
}

// CreateEventTx inserts the event inside the caller's transaction, so the
// event row commits or rolls back together with the state transition that
// produced it.
func (r *EventRepository) CreateEventTx(ctx context.Context, tx Tx, entity *EventEntity) (*EventEntity, error) {
	return createEvent(ctx, tx, entity)
}

func createEvent(ctx context.Context, exec Executor, entity *EventEntity) (*EventEntity, error) {
	query := `INSERT INTO webhook_event (id, type, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`
	err := exec.QueryRow(ctx, query, entity.ID, entity.Type, entity.Payload, entity.CreatedAt).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "inserting webhook event")
	}
	return entity, nil
}

func (r *EventRepository) GetEventByID(ctx context.Context, id uuid.UUID) (*EventEntity, error) {
	query := `SELECT id, type, payload, created_at FROM webhook_event WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)

	var entity EventEntity
	if err := row.Scan(&entity.ID, &entity.Type, &entity.Payload, &entity.CreatedAt); err != nil {
		return nil, err
	}
	return &entity, nil
}

// ListEvents returns a page of stored events newest first with the total count.
func (r *EventRepository) ListEvents(ctx context.Context, limit, offset int) ([]*EventEntity, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM webhook_event`).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "counting webhook events")
	}

	query := `SELECT id, type, payload, created_at FROM webhook_event ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing webhook events")
	}
	defer rows.Close()

	var events []*EventEntity
	for rows.Next() {
		var entity EventEntity
		if err := rows.Scan(&entity.ID, &entity.Type, &entity.Payload, &entity.CreatedAt); err != nil {
			return nil, 0, err
		}
		events = append(events, &entity)
	}
	return events, total, rows.Err()
}

func (r *EventRepository) CreateDelivery(ctx context.Context, entity *DeliveryEntity) (*DeliveryEntity, error) {
	return createDelivery(ctx, r.pool, entity)
}

func (r *EventRepository) CreateDeliveryTx(ctx context.Context, tx Tx, entity *DeliveryEntity) (*DeliveryEntity, error) {
	return createDelivery(ctx, tx, entity)
}

func createDelivery(ctx context.Context, exec Executor, entity *DeliveryEntity) (*DeliveryEntity, error) {
	query := `INSERT INTO webhook_delivery (id, event_id, endpoint_id, url, payload, scheduled_at, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	err := exec.QueryRow(ctx, query, entity.ID, entity.EventID, entity.EndpointID, entity.URL,
		entity.Payload, entity.ScheduledAt, now).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "inserting webhook delivery")
	}
	return entity, nil
}

// GetDueDeliveries fetches deliveries whose scheduled_at has passed, locking
// the rows for the duration of the surrounding transaction. Endpoint status
// is not checked here; the processor drops deliveries for disabled endpoints.
func (r *EventRepository) GetDueDeliveries(ctx context.Context, tx Tx, limit int) ([]*DeliveryEntity, error) {
	query := `SELECT id, event_id, endpoint_id, url, payload, created_at, updated_at, scheduled_at,
	                 published_at, delivered_at, dropped_at, first_failed_at, publish_attempts, delivery_attempts, error
	          FROM webhook_delivery
	          WHERE scheduled_at <= now() AND delivered_at IS NULL AND dropped_at IS NULL
	          ORDER BY scheduled_at
	          LIMIT $1
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetching due deliveries")
	}
	defer rows.Close()

	var deliveries []*DeliveryEntity
	for rows.Next() {
		entity, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, entity)
	}
	return deliveries, rows.Err()
}

func (r *EventRepository) SelectDeliveryForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*DeliveryEntity, error) {
	query := `SELECT id, event_id, endpoint_id, url, payload, created_at, updated_at, scheduled_at,
	                 published_at, delivered_at, dropped_at, first_failed_at, publish_attempts, delivery_attempts, error
	          FROM webhook_delivery WHERE id = $1 FOR UPDATE`
	return scanDelivery(tx.QueryRow(ctx, query, id))
}

func (r *EventRepository) GetDeliveryByID(ctx context.Context, id uuid.UUID) (*DeliveryEntity, error) {
	query := `SELECT id, event_id, endpoint_id, url, payload, created_at, updated_at, scheduled_at,
	                 published_at, delivered_at, dropped_at, first_failed_at, publish_attempts, delivery_attempts, error
	          FROM webhook_delivery WHERE id = $1`
	return scanDelivery(r.pool.QueryRow(ctx, query, id))
}

func scanDelivery(row pgx.Row) (*DeliveryEntity, error) {
	var entity DeliveryEntity
	err := row.Scan(&entity.ID, &entity.EventID, &entity.EndpointID, &entity.URL, &entity.Payload,
		&entity.CreatedAt, &entity.UpdatedAt, &entity.ScheduledAt, &entity.PublishedAt,
		&entity.DeliveredAt, &entity.DroppedAt, &entity.FirstFailedAt,
		&entity.PublishAttempts, &entity.DeliveryAttempts, &entity.Error)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *EventRepository) UpdateDelivery(ctx context.Context, tx Tx, entity *DeliveryEntity) error {
	query := `UPDATE webhook_delivery
	          SET scheduled_at = $2, published_at = $3, delivered_at = $4, dropped_at = $5,
	              first_failed_at = $6, publish_attempts = $7, delivery_attempts = $8, error = $9,
	              updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.DeliveredAt,
		entity.DroppedAt, entity.FirstFailedAt, entity.PublishAttempts, entity.DeliveryAttempts, entity.Error)
	return errors.Wrap(err, "updating webhook delivery")
}

// RescheduleStalePublished makes deliveries that were published to the
// broker but never executed due for publishing again. A delivery parked in
// that state has published_at set with scheduled_at cleared, so the due
// query would otherwise never see it again.
func (r *EventRepository) RescheduleStalePublished(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `UPDATE webhook_delivery
	          SET scheduled_at = now(), published_at = NULL, updated_at = now()
	          WHERE published_at IS NOT NULL AND published_at < now() - make_interval(secs => $1)
	            AND scheduled_at IS NULL AND delivered_at IS NULL AND dropped_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, errors.Wrap(err, "rescheduling stale published deliveries")
	}
	return tag.RowsAffected(), nil
}

// CreateAttempt appends a delivery attempt record. Attempt rows are never mutated.
func (r *EventRepository) CreateAttempt(ctx context.Context, entity *DeliveryAttemptEntity) error {
	query := `INSERT INTO delivery_attempt (id, event_id, endpoint_id, attempt_number, success, http_status, error, created_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	entity.CreatedAt = time.Now()
	_, err := r.pool.Exec(ctx, query, entity.ID, entity.EventID, entity.EndpointID, entity.AttemptNumber,
		entity.Success, entity.HTTPStatus, entity.Error, entity.CreatedAt)
	return errors.Wrap(err, "inserting delivery attempt")
}

func (r *EventRepository) ListAttempts(ctx context.Context, eventID, endpointID uuid.UUID) ([]*DeliveryAttemptEntity, error) {
	query := `SELECT id, event_id, endpoint_id, attempt_number, success, http_status, error, created_at
	          FROM delivery_attempt WHERE event_id = $1 AND endpoint_id = $2 ORDER BY attempt_number`
	rows, err := r.pool.Query(ctx, query, eventID, endpointID)
	if err != nil {
		return nil, errors.Wrap(err, "listing delivery attempts")
	}
	defer rows.Close()

	var attempts []*DeliveryAttemptEntity
	for rows.Next() {
		var entity DeliveryAttemptEntity
		err := rows.Scan(&entity.ID, &entity.EventID, &entity.EndpointID, &entity.AttemptNumber,
			&entity.Success, &entity.HTTPStatus, &entity.Error, &entity.CreatedAt)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, &entity)
	}
	return attempts, rows.Err()
}
