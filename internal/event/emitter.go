package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"settlement-service/internal/db"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

var (
	emitterEventsCounter     = metrics.GetOrCreateCounter(`webhook_emitter_total{result="event_created"}`)
	emitterDeliveriesCounter = metrics.GetOrCreateCounter(`webhook_emitter_total{result="delivery_enqueued"}`)
	emitterErrorCounter      = metrics.GetOrCreateCounter(`webhook_emitter_total{result="error"}`)
)

// EventStore is the subset of the event repository the emitter needs. The
// Tx variants let callers commit event and delivery rows together with the
// state change that produced them.
type EventStore interface {
	CreateEvent(ctx context.Context, entity *db.EventEntity) (*db.EventEntity, error)
	CreateDelivery(ctx context.Context, entity *db.DeliveryEntity) (*db.DeliveryEntity, error)
	CreateEventTx(ctx context.Context, tx db.Tx, entity *db.EventEntity) (*db.EventEntity, error)
	CreateDeliveryTx(ctx context.Context, tx db.Tx, entity *db.DeliveryEntity) (*db.DeliveryEntity, error)
}

// EndpointStore lists endpoints eligible for delivery.
type EndpointStore interface {
	ListActive(ctx context.Context) ([]*db.EndpointEntity, error)
}

// Emitter persists domain events and fans them out into one pending delivery
// per subscribed endpoint. Persisting is synchronous; the actual sending is
// picked up later by the producer, so emitting never blocks on the network.
type Emitter struct {
	events    EventStore
	endpoints EndpointStore
	logger    *slog.Logger
}

func NewEmitter(events EventStore, endpoints EndpointStore, logger *slog.Logger) *Emitter {
	return &Emitter{
		events:    events,
		endpoints: endpoints,
		logger:    logger,
	}
}

func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	return e.emit(ctx, evt,
		func(ctx context.Context, entity *db.EventEntity) error {
			_, err := e.events.CreateEvent(ctx, entity)
			return err
		},
		func(ctx context.Context, entity *db.DeliveryEntity) error {
			_, err := e.events.CreateDelivery(ctx, entity)
			return err
		})
}

// EmitTx writes the event and its deliveries inside the caller's
// transaction, so a settlement transition and the event it emits commit or
// roll back as one.
func (e *Emitter) EmitTx(ctx context.Context, tx db.Tx, evt Event) error {
	return e.emit(ctx, evt,
		func(ctx context.Context, entity *db.EventEntity) error {
			_, err := e.events.CreateEventTx(ctx, tx, entity)
			return err
		},
		func(ctx context.Context, entity *db.DeliveryEntity) error {
			_, err := e.events.CreateDeliveryTx(ctx, tx, entity)
			return err
		})
}

func (e *Emitter) emit(ctx context.Context, evt Event,
	storeEvent func(context.Context, *db.EventEntity) error,
	storeDelivery func(context.Context, *db.DeliveryEntity) error) error {
	payloadBytes, err := json.Marshal(evt)
	if err != nil {
		emitterErrorCounter.Inc()
		return err
	}
	payload := string(payloadBytes)

	entity := &db.EventEntity{
		ID:        evt.ID,
		Type:      evt.Type,
		Payload:   payload,
		CreatedAt: evt.CreatedAt,
	}
	if err := storeEvent(ctx, entity); err != nil {
		emitterErrorCounter.Inc()
		return err
	}
	emitterEventsCounter.Inc()

	endpoints, err := e.endpoints.ListActive(ctx)
	if err != nil {
		emitterErrorCounter.Inc()
		return err
	}

	now := time.Now()
	for _, endpoint := range endpoints {
		if !subscribed(endpoint, evt.Type) {
			continue
		}

		delivery := &db.DeliveryEntity{
			ID:          uuid.New(),
			EventID:     evt.ID,
			EndpointID:  endpoint.ID,
			URL:         endpoint.URL,
			Payload:     payload,
			ScheduledAt: &now,
		}
		if err := storeDelivery(ctx, delivery); err != nil {
			emitterErrorCounter.Inc()
			return err
		}
		emitterDeliveriesCounter.Inc()

		e.logger.InfoContext(ctx, "Enqueued webhook delivery",
			"eventId", evt.ID, "eventType", evt.Type, "endpointId", endpoint.ID)
	}

	return nil
}

func subscribed(endpoint *db.EndpointEntity, eventType string) bool {
	canonical := CanonicalType(eventType)
	for _, subscribedType := range endpoint.EventTypes {
		if CanonicalType(subscribedType) == canonical {
			return true
		}
	}
	return false
}
