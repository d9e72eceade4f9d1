package db

import (
	"time"

	"github.com/google/uuid"
)

// Invoice statuses.
const (
	InvoiceStatusDraft   = "draft"
	InvoiceStatusSent    = "sent"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusExpired = "expired"
	InvoiceStatusFailed  = "failed"
)

// Webhook endpoint statuses.
const (
	EndpointStatusActive   = "active"
	EndpointStatusFailing  = "failing"
	EndpointStatusDisabled = "disabled"
)

type InvoiceEntity struct {
	ID          uuid.UUID
	Amount      int64
	Currency    string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type SettlementEntity struct {
	ID          uuid.UUID
	InvoiceID   uuid.UUID
	Status      string
	TxHash      *string
	Chain       string
	Amount      int64
	Currency    string
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EndpointEntity struct {
	ID                  uuid.UUID
	URL                 string
	EventTypes          []string
	Secret              string
	Status              string
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type EventEntity struct {
	ID        uuid.UUID
	Type      string
	Payload   string
	CreatedAt time.Time
}

// DeliveryEntity is one pending or finished delivery of an event to an
// endpoint. scheduled_at is the outbox pick-up time; it is cleared on
// publish and set again when the processor schedules a retry.
type DeliveryEntity struct {
	ID               uuid.UUID
	EventID          uuid.UUID
	EndpointID       uuid.UUID
	URL              string
	Payload          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	DeliveredAt      *time.Time
	DroppedAt        *time.Time
	FirstFailedAt    *time.Time
	PublishAttempts  int
	DeliveryAttempts int
	Error            *string
}

type DeliveryAttemptEntity struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	EndpointID    uuid.UUID
	AttemptNumber int
	Success       bool
	HTTPStatus    *int
	Error         *string
	CreatedAt     time.Time
}
