package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type SettlementRepository struct {
	pool *pgxpool.Pool
}

func NewSettlementRepository(pool *pgxpool.Pool) *SettlementRepository {
	return &SettlementRepository{pool: pool}
}

func (r *SettlementRepository) BeginTx(ctx context.Context) (Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *SettlementRepository) CreateInvoice(ctx context.Context, entity *InvoiceEntity) (*InvoiceEntity, error) {
	query := `INSERT INTO invoice (id, amount, currency, description, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	err := r.pool.QueryRow(ctx, query, entity.ID, entity.Amount, entity.Currency, entity.Description,
		entity.Status, now).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "inserting invoice")
	}
	return entity, nil
}

func (r *SettlementRepository) GetInvoiceByID(ctx context.Context, id uuid.UUID) (*InvoiceEntity, error) {
	query := `SELECT id, amount, currency, description, status, created_at, updated_at
	          FROM invoice WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)

	var entity InvoiceEntity
	err := row.Scan(&entity.ID, &entity.Amount, &entity.Currency, &entity.Description,
		&entity.Status, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (r *SettlementRepository) UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status string) error {
	return updateInvoiceStatus(ctx, r.pool, id, status)
}

func (r *SettlementRepository) UpdateInvoiceStatusTx(ctx context.Context, tx Tx, id uuid.UUID, status string) error {
	return updateInvoiceStatus(ctx, tx, id, status)
}

func updateInvoiceStatus(ctx context.Context, exec Executor, id uuid.UUID, status string) error {
	query := `UPDATE invoice SET status = $2, updated_at = now() WHERE id = $1`
	_, err := exec.Exec(ctx, query, id, status)
	return errors.Wrap(err, "updating invoice status")
}

func (r *SettlementRepository) CreateSettlement(ctx context.Context, entity *SettlementEntity) (*SettlementEntity, error) {
	query := `INSERT INTO settlement (id, invoice_id, status, tx_hash, chain, amount, currency, confirmed_at, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9) RETURNING id`
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	err := r.pool.QueryRow(ctx, query, entity.ID, entity.InvoiceID, entity.Status, entity.TxHash,
		entity.Chain, entity.Amount, entity.Currency, entity.ConfirmedAt, now).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "inserting settlement")
	}
	return entity, nil
}

func (r *SettlementRepository) GetSettlementByID(ctx context.Context, id uuid.UUID) (*SettlementEntity, error) {
	query := `SELECT id, invoice_id, status, tx_hash, chain, amount, currency, confirmed_at, created_at, updated_at
	          FROM settlement WHERE id = $1`
	return r.scanSettlement(r.pool.QueryRow(ctx, query, id))
}

func (r *SettlementRepository) GetSettlementByInvoiceID(ctx context.Context, invoiceID uuid.UUID) (*SettlementEntity, error) {
	query := `SELECT id, invoice_id, status, tx_hash, chain, amount, currency, confirmed_at, created_at, updated_at
	          FROM settlement WHERE invoice_id = $1`
	return r.scanSettlement(r.pool.QueryRow(ctx, query, invoiceID))
}

func (r *SettlementRepository) scanSettlement(row pgx.Row) (*SettlementEntity, error) {
	var entity SettlementEntity
	err := row.Scan(&entity.ID, &entity.InvoiceID, &entity.Status, &entity.TxHash, &entity.Chain,
		&entity.Amount, &entity.Currency, &entity.ConfirmedAt, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// UpdateSettlement persists status, tx_hash and confirmed_at of an existing settlement.
func (r *SettlementRepository) UpdateSettlement(ctx context.Context, entity *SettlementEntity) error {
	return updateSettlement(ctx, r.pool, entity)
}

// UpdateSettlementTx is the transaction-scoped variant used by terminal
// transitions, which must commit together with their emitted events.
func (r *SettlementRepository) UpdateSettlementTx(ctx context.Context, tx Tx, entity *SettlementEntity) error {
	return updateSettlement(ctx, tx, entity)
}

func updateSettlement(ctx context.Context, exec Executor, entity *SettlementEntity) error {
	query := `UPDATE settlement SET status = $2, tx_hash = $3, confirmed_at = $4, updated_at = now() WHERE id = $1`
	_, err := exec.Exec(ctx, query, entity.ID, entity.Status, entity.TxHash, entity.ConfirmedAt)
	return errors.Wrap(err, "updating settlement")
}

// ListSettlements returns a page of settlements newest first together with the
// total number of stored settlements.
func (r *SettlementRepository) ListSettlements(ctx context.Context, limit, offset int) ([]*SettlementEntity, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM settlement`).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "counting settlements")
	}

	query := `SELECT id, invoice_id, status, tx_hash, chain, amount, currency, confirmed_at, created_at, updated_at
	          FROM settlement ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing settlements")
	}
	defer rows.Close()

	var settlements []*SettlementEntity
	for rows.Next() {
		var entity SettlementEntity
		err := rows.Scan(&entity.ID, &entity.InvoiceID, &entity.Status, &entity.TxHash, &entity.Chain,
			&entity.Amount, &entity.Currency, &entity.ConfirmedAt, &entity.CreatedAt, &entity.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}
		settlements = append(settlements, &entity)
	}
	return settlements, total, rows.Err()
}
