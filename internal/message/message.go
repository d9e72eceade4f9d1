package message

import (
	"github.com/google/uuid"
)

// DomainEvent is published on the domain-events topic by external surfaces
// (dashboard, key management) that want to feed events into the webhook
// pipeline.
type DomainEvent struct {
	ID   uuid.UUID      `json:"id"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Delivery is published on the webhook-deliveries topic by the producer and
// consumed by the delivery processor.
type Delivery struct {
	ID         uuid.UUID `json:"id"`
	EventID    uuid.UUID `json:"eventId"`
	EndpointID uuid.UUID `json:"endpointId"`
	Url        string    `json:"url"`
	Payload    string    `json:"payload"`
	Attempts   int       `json:"attempts"`
}
