package event

import (
	"time"

	"github.com/google/uuid"
)

// Event type identifiers. These strings are part of the external contract
// and must not change.
const (
	TypeInvoiceCreated = "invoice.created"
	TypeInvoicePaid    = "invoice.paid"
	TypeInvoiceSettled = "invoice.settled"
	TypeInvoiceFailed  = "invoice.failed"
	TypeInvoiceExpired = "invoice.expired"

	TypeSettlementConfirmed = "settlement.confirmed"
	TypeSettlementFailed    = "settlement.failed"

	TypeAPIKeyCreated = "api_key.created"
	TypeAPIKeyRevoked = "api_key.revoked"
)

// TypeSettlementCompleted is a deprecated spelling of TypeSettlementConfirmed.
// It is still accepted in endpoint subscriptions but is never emitted.
const TypeSettlementCompleted = "settlement.completed"

type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	Data      map[string]any `json:"data"`
}

// New constructs an event with a fresh unique id and the current UTC instant
// at second precision. Two calls with identical type and data still produce
// distinct events.
func New(eventType string, data map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Data:      data,
	}
}

// CanonicalType maps deprecated event type spellings to their canonical name.
func CanonicalType(eventType string) string {
	if eventType == TypeSettlementCompleted {
		return TypeSettlementConfirmed
	}
	return eventType
}

// KnownType reports whether the given string is part of the event taxonomy,
// including deprecated aliases.
func KnownType(eventType string) bool {
	switch eventType {
	case TypeInvoiceCreated, TypeInvoicePaid, TypeInvoiceSettled, TypeInvoiceFailed, TypeInvoiceExpired,
		TypeSettlementConfirmed, TypeSettlementFailed, TypeSettlementCompleted,
		TypeAPIKeyCreated, TypeAPIKeyRevoked:
		return true
	}
	return false
}
