package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"settlement-service/internal/db"
	"settlement-service/internal/event"
	"settlement-service/internal/fault"
	"settlement-service/internal/payment"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	settlementCompletedCounter = metrics.GetOrCreateCounter(`settlement_transitions_total{to="completed"}`)
	settlementFailedCounter    = metrics.GetOrCreateCounter(`settlement_transitions_total{to="failed"}`)
	settlementConflictCounter  = metrics.GetOrCreateCounter(`settlement_transitions_total{to="rejected_terminal"}`)
)

// Store is the persistence the manager needs, implemented by
// db.SettlementRepository.
type Store interface {
	BeginTx(ctx context.Context) (db.Tx, error)
	CreateInvoice(ctx context.Context, entity *db.InvoiceEntity) (*db.InvoiceEntity, error)
	GetInvoiceByID(ctx context.Context, id uuid.UUID) (*db.InvoiceEntity, error)
	UpdateInvoiceStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateInvoiceStatusTx(ctx context.Context, tx db.Tx, id uuid.UUID, status string) error
	CreateSettlement(ctx context.Context, entity *db.SettlementEntity) (*db.SettlementEntity, error)
	GetSettlementByID(ctx context.Context, id uuid.UUID) (*db.SettlementEntity, error)
	GetSettlementByInvoiceID(ctx context.Context, invoiceID uuid.UUID) (*db.SettlementEntity, error)
	UpdateSettlement(ctx context.Context, entity *db.SettlementEntity) error
	UpdateSettlementTx(ctx context.Context, tx db.Tx, entity *db.SettlementEntity) error
	ListSettlements(ctx context.Context, limit, offset int) ([]*db.SettlementEntity, int, error)
}

// Result is the outcome of driving a settlement with a payment proof.
type Result struct {
	Settlement *db.SettlementEntity

	// AlreadyCompleted is set when a completed settlement was hit again;
	// the proof was not re-verified.
	AlreadyCompleted bool

	// Processing is set when verification passed but confirmation is still
	// pending (sandbox delayed-confirmation amounts).
	Processing bool
}

// Manager owns the settlement lifecycle. It is the only component that
// mutates settlement state, and it serializes all work per settlement id.
type Manager struct {
	store        Store
	verifier     *payment.Verifier
	emitter      *event.Emitter
	locks        *keyedMutex
	chain        string
	recipient    string
	testMode     bool
	confirmDelay time.Duration
	logger       *slog.Logger

	// confirming holds settlement ids with a scheduled delayed
	// confirmation, so a retried request during the window is told to
	// wait instead of re-verifying a proof whose claim is still held.
	confirming sync.Map
}

func NewManager(store Store, verifier *payment.Verifier, emitter *event.Emitter, chain, recipient string,
	testMode bool, confirmDelay time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:        store,
		verifier:     verifier,
		emitter:      emitter,
		locks:        newKeyedMutex(),
		chain:        chain,
		recipient:    recipient,
		testMode:     testMode,
		confirmDelay: confirmDelay,
		logger:       logger,
	}
}

// ProvisionInvoice creates a sent invoice together with its pending
// settlement and emits invoice.created. A non-positive amount is rejected
// before anything is created.
func (m *Manager) ProvisionInvoice(ctx context.Context, amount int64, currency, description string) (*db.InvoiceEntity, *db.SettlementEntity, error) {
	if amount <= 0 {
		return nil, nil, fault.Validation("non_positive_amount", "invoice amount must be a positive integer")
	}
	if currency == "" {
		return nil, nil, fault.Validation("missing_currency", "invoice currency is required")
	}

	invoice := &db.InvoiceEntity{
		ID:          uuid.New(),
		Amount:      amount,
		Currency:    currency,
		Description: description,
		Status:      db.InvoiceStatusSent,
	}
	if _, err := m.store.CreateInvoice(ctx, invoice); err != nil {
		return nil, nil, err
	}

	settlement := &db.SettlementEntity{
		ID:        uuid.New(),
		InvoiceID: invoice.ID,
		Status:    StatusPending,
		Chain:     m.chain,
		Amount:    amount,
		Currency:  currency,
	}
	if _, err := m.store.CreateSettlement(ctx, settlement); err != nil {
		return nil, nil, err
	}

	evt := event.New(event.TypeInvoiceCreated, map[string]any{
		"invoiceId": invoice.ID.String(),
		"amount":    invoice.Amount,
		"currency":  invoice.Currency,
		"status":    invoice.Status,
	})
	if err := m.emitter.Emit(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "Error emitting invoice.created", "invoiceId", invoice.ID, "error", err)
	}

	return invoice, settlement, nil
}

func (m *Manager) GetSettlement(ctx context.Context, id uuid.UUID) (*db.SettlementEntity, error) {
	return m.store.GetSettlementByID(ctx, id)
}

func (m *Manager) GetInvoice(ctx context.Context, id uuid.UUID) (*db.InvoiceEntity, error) {
	return m.store.GetInvoiceByID(ctx, id)
}

func (m *Manager) GetSettlementByInvoice(ctx context.Context, invoiceID uuid.UUID) (*db.SettlementEntity, error) {
	return m.store.GetSettlementByInvoiceID(ctx, invoiceID)
}

func (m *Manager) ListSettlements(ctx context.Context, limit, offset int) ([]*db.SettlementEntity, int, error) {
	return m.store.ListSettlements(ctx, limit, offset)
}

// ProcessPayment drives a settlement with a submitted proof. The whole
// check-state-then-transition sequence runs under the per-settlement lock,
// so retried client requests racing on the same settlement serialize here.
func (m *Manager) ProcessPayment(ctx context.Context, invoiceID uuid.UUID, proof *payment.Proof) (*Result, error) {
	settlement, err := m.store.GetSettlementByInvoiceID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	invoice, err := m.store.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(settlement.ID.String())
	defer unlock()

	// Reload under the lock; another request may have finished it already.
	settlement, err = m.store.GetSettlementByID(ctx, settlement.ID)
	if err != nil {
		return nil, err
	}

	switch settlement.Status {
	case StatusCompleted:
		// Idempotent success: never verify the same invoice's payment twice.
		return &Result{Settlement: settlement, AlreadyCompleted: true}, nil

	case StatusFailed:
		settlementConflictCounter.Inc()
		return &Result{Settlement: settlement},
			fault.Verification("settlement_terminally_failed", "settlement has already failed and cannot be retried")

	case StatusProcessing:
		return m.resumeVerification(ctx, settlement, invoice, proof)
	}

	if err := proof.Validate(); err != nil {
		return &Result{Settlement: settlement}, err
	}

	// Format validation passed: pending -> processing, recording the tx hash.
	if err := m.transition(ctx, settlement, StatusProcessing, proof.Key()); err != nil {
		return &Result{Settlement: settlement}, err
	}

	return m.runVerification(ctx, settlement, invoice, proof)
}

// resumeVerification handles a request hitting a settlement that is already
// in processing. Unless a delayed confirmation is pending, verification is
// driven again: the settlement got here through a transient verifier
// outcome, and the proof may confirm on this attempt.
func (m *Manager) resumeVerification(ctx context.Context, settlement *db.SettlementEntity, invoice *db.InvoiceEntity, proof *payment.Proof) (*Result, error) {
	if _, waiting := m.confirming.Load(settlement.ID); waiting {
		return &Result{Settlement: settlement, Processing: true},
			fault.TransientVerification("verification_in_progress", "settlement confirmation is still pending")
	}
	return m.runVerification(ctx, settlement, invoice, proof)
}

func (m *Manager) runVerification(ctx context.Context, settlement *db.SettlementEntity, invoice *db.InvoiceEntity, proof *payment.Proof) (*Result, error) {
	verified, err := m.verifier.Verify(ctx, proof, m.recipient, invoice.Amount)
	if err != nil {
		return m.rejectVerification(ctx, settlement, invoice, err)
	}

	if m.testMode && invoice.Amount == payment.TestAmountDelayed {
		m.scheduleDelayedConfirmation(settlement.ID)
		return &Result{Settlement: settlement, Processing: true}, nil
	}

	if err := m.complete(ctx, settlement, invoice, verified); err != nil {
		return &Result{Settlement: settlement}, err
	}
	return &Result{Settlement: settlement}, nil
}

// rejectVerification maps a verifier error onto the settlement. Transient
// outcomes such as an unconfirmed transaction leave the settlement in
// processing so a retried request can verify again; definitive rejections
// and replays fail it terminally.
func (m *Manager) rejectVerification(ctx context.Context, settlement *db.SettlementEntity, invoice *db.InvoiceEntity, err error) (*Result, error) {
	if fault.IsTransient(err) {
		return &Result{Settlement: settlement, Processing: true}, err
	}

	switch fault.CodeOf(err) {
	case fault.CodeVerification, fault.CodeReplay:
		if failErr := m.fail(ctx, settlement, invoice, fault.ReasonOf(err)); failErr != nil {
			m.logger.ErrorContext(ctx, "Error failing settlement", "settlementId", settlement.ID, "error", failErr)
		}
	}
	return &Result{Settlement: settlement}, err
}

// Confirm completes a settlement that is sitting in processing. Used by the
// delayed-confirmation path; calling it on a terminal settlement is a
// conflict, not a no-op.
func (m *Manager) Confirm(ctx context.Context, settlementID uuid.UUID) error {
	unlock := m.locks.Lock(settlementID.String())
	defer unlock()

	settlement, err := m.store.GetSettlementByID(ctx, settlementID)
	if err != nil {
		return err
	}

	invoice, err := m.store.GetInvoiceByID(ctx, settlement.InvoiceID)
	if err != nil {
		return err
	}

	return m.complete(ctx, settlement, invoice, nil)
}

// ExpireInvoice marks a still-unpaid invoice expired and emits
// invoice.expired. Driven by the payment-requirements expiry window.
func (m *Manager) ExpireInvoice(ctx context.Context, invoiceID uuid.UUID) error {
	invoice, err := m.store.GetInvoiceByID(ctx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status != db.InvoiceStatusSent {
		return fault.Transition("invoice_not_expirable", "only sent invoices can expire")
	}

	if err := m.store.UpdateInvoiceStatus(ctx, invoiceID, db.InvoiceStatusExpired); err != nil {
		return err
	}

	evt := event.New(event.TypeInvoiceExpired, map[string]any{
		"invoiceId": invoiceID.String(),
	})
	return m.emitter.Emit(ctx, evt)
}

// Recipient is the merchant address payments must go to. One address per
// deployment; invoices do not carry their own.
func (m *Manager) Recipient() string {
	return m.recipient
}

func (m *Manager) scheduleDelayedConfirmation(settlementID uuid.UUID) {
	m.confirming.Store(settlementID, struct{}{})
	time.AfterFunc(m.confirmDelay, func() {
		defer m.confirming.Delete(settlementID)

		ctx := context.Background()
		if err := m.Confirm(ctx, settlementID); err != nil {
			m.logger.ErrorContext(ctx, "Error confirming delayed settlement", "settlementId", settlementID, "error", err)
		}
	})
}

// transition moves a settlement to the target status after checking the
// transition is legal. Moves out of a terminal state are rejected as
// conflicts so callers can detect retried deliveries.
func (m *Manager) transition(ctx context.Context, settlement *db.SettlementEntity, to, txHash string) error {
	if err := applyTransition(settlement, to, txHash); err != nil {
		return err
	}
	return m.store.UpdateSettlement(ctx, settlement)
}

// applyTransition validates the move and mutates the entity in memory.
// Persistence is up to the caller, which may be inside a transaction.
func applyTransition(settlement *db.SettlementEntity, to, txHash string) error {
	if isTerminal(settlement.Status) {
		settlementConflictCounter.Inc()
		return fault.Transition("terminal_state",
			"settlement is already in a terminal state and cannot transition")
	}
	if !transitionAllowed(settlement.Status, to) {
		settlementConflictCounter.Inc()
		return fault.Transition("illegal_transition", "settlement cannot move to the requested state")
	}

	settlement.Status = to
	if txHash != "" && settlement.TxHash == nil {
		settlement.TxHash = &txHash
	}
	if to == StatusCompleted {
		now := time.Now()
		settlement.ConfirmedAt = &now
	}
	return nil
}

// complete commits the terminal transition, the invoice update and both
// emitted events in a single transaction, so the settlement can never be
// observed completed without its settlement.confirmed event row.
func (m *Manager) complete(ctx context.Context, settlement *db.SettlementEntity, invoice *db.InvoiceEntity, verified *payment.VerifiedPayment) error {
	txHash := ""
	if verified != nil {
		txHash = verified.TxHash
	}
	if err := applyTransition(settlement, StatusCompleted, txHash); err != nil {
		return err
	}

	evt := event.New(event.TypeSettlementConfirmed, map[string]any{
		"settlementId": settlement.ID.String(),
		"invoiceId":    settlement.InvoiceID.String(),
		"txHash":       settlement.TxHash,
		"chain":        settlement.Chain,
		"amount":       settlement.Amount,
		"currency":     settlement.Currency,
		"confirmedAt":  settlement.ConfirmedAt,
	})
	invoiceEvt := event.New(event.TypeInvoicePaid, map[string]any{
		"invoiceId": invoice.ID.String(),
		"amount":    invoice.Amount,
		"currency":  invoice.Currency,
	})
	if err := m.commitTransition(ctx, settlement, invoice.ID, db.InvoiceStatusPaid, evt, invoiceEvt); err != nil {
		return err
	}

	settlementCompletedCounter.Inc()
	return nil
}

func (m *Manager) fail(ctx context.Context, settlement *db.SettlementEntity, invoice *db.InvoiceEntity, reason string) error {
	if err := applyTransition(settlement, StatusFailed, ""); err != nil {
		return err
	}

	evt := event.New(event.TypeSettlementFailed, map[string]any{
		"settlementId": settlement.ID.String(),
		"invoiceId":    settlement.InvoiceID.String(),
		"reason":       reason,
	})
	invoiceEvt := event.New(event.TypeInvoiceFailed, map[string]any{
		"invoiceId": invoice.ID.String(),
		"reason":    reason,
	})
	if err := m.commitTransition(ctx, settlement, invoice.ID, db.InvoiceStatusFailed, evt, invoiceEvt); err != nil {
		return err
	}

	settlementFailedCounter.Inc()
	return nil
}

// commitTransition persists a terminal transition atomically. Both events
// are written before control returns to the caller, so the HTTP response
// that reports the outcome can never precede them.
func (m *Manager) commitTransition(ctx context.Context, settlement *db.SettlementEntity,
	invoiceID uuid.UUID, invoiceStatus string, events ...event.Event) error {
	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := m.store.UpdateSettlementTx(ctx, tx, settlement); err != nil {
		return err
	}
	if err := m.store.UpdateInvoiceStatusTx(ctx, tx, invoiceID, invoiceStatus); err != nil {
		return err
	}
	for _, evt := range events {
		if err := m.emitter.EmitTx(ctx, tx, evt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
