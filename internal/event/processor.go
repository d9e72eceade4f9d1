package event

import (
	"context"
	"log/slog"

	"settlement-service/internal/fault"
	"settlement-service/internal/message"
)

// Processor turns externally published domain events (api_key.created and
// friends) into stored events with pending deliveries.
type Processor struct {
	emitter *Emitter
	logger  *slog.Logger
}

func NewProcessor(emitter *Emitter, logger *slog.Logger) *Processor {
	return &Processor{emitter: emitter, logger: logger}
}

func (p *Processor) Process(ctx context.Context, msg message.DomainEvent) error {
	if !KnownType(msg.Type) {
		p.logger.WarnContext(ctx, "Dropping event with unknown type", "type", msg.Type)
		return fault.Validation("unknown_event_type", "event type is not part of the taxonomy")
	}

	evt := New(CanonicalType(msg.Type), msg.Data)
	if err := p.emitter.Emit(ctx, evt); err != nil {
		p.logger.ErrorContext(ctx, "Error emitting domain event", "error", err)
		return err
	}

	p.logger.InfoContext(ctx, "Processed domain event", "id", evt.ID, "type", evt.Type)
	return nil
}
