package webhook

import (
	"context"
	"log/slog"
	"time"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/logcontext"
	"settlement-service/internal/message"

	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultParallelism = 1000
)

var (
	processorDeliveredCounter   = metrics.GetOrCreateCounter(`webhook_processor_total{result="delivered"}`)
	processorRescheduledCounter = metrics.GetOrCreateCounter(`webhook_processor_total{result="rescheduled"}`)
	processorExhaustedCounter   = metrics.GetOrCreateCounter(`webhook_processor_total{result="max_attempts_reached"}`)
	processorDroppedCounter     = metrics.GetOrCreateCounter(`webhook_processor_total{result="dropped_disabled"}`)
	processorErrorCounter       = metrics.GetOrCreateCounter(`webhook_processor_total{result="db_error"}`)

	endpointsDisabledCounter = metrics.GetOrCreateCounter(`webhook_endpoints_disabled_total`)
)

// Processor executes webhook deliveries consumed from Kafka. Parallelism is
// bounded by a semaphore so a burst of events cannot exhaust the process.
type Processor struct {
	events    *db.EventRepository
	endpoints *db.EndpointRepository
	sender    *Sender
	sem       chan struct{}
	logger    *slog.Logger
}

func NewProcessor(events *db.EventRepository, endpoints *db.EndpointRepository, sender *Sender, logger *slog.Logger) *Processor {
	parallelism := config.GetInt("WEBHOOK_PARALLELISM", defaultParallelism)

	return &Processor{
		events:    events,
		endpoints: endpoints,
		sender:    sender,
		sem:       make(chan struct{}, parallelism),
		logger:    logger,
	}
}

func (p *Processor) Process(ctx context.Context, msg message.Delivery) error {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		p.deliver(logcontext.AppendCtx(ctx, slog.String("deliveryId", msg.ID.String())), msg)
	}()

	return nil
}

func (p *Processor) deliver(ctx context.Context, msg message.Delivery) {
	tx, err := p.events.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		processorErrorCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	delivery, err := p.events.SelectDeliveryForUpdate(ctx, tx, msg.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error selecting delivery for update", "error", err)
		processorErrorCounter.Inc()
		return
	}

	if delivery.DeliveredAt != nil || delivery.DroppedAt != nil {
		// Another consumer already finished this delivery.
		if err := tx.Commit(ctx); err != nil {
			p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		}
		return
	}

	endpoint, err := p.endpoints.GetByID(ctx, delivery.EndpointID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error loading endpoint", "endpointId", delivery.EndpointID, "error", err)
		processorErrorCounter.Inc()
		return
	}

	// An endpoint disabled between scheduling and execution drops the
	// delivery instead of executing it.
	if endpoint.Status == db.EndpointStatusDisabled {
		now := time.Now()
		delivery.DroppedAt = &now
		delivery.ScheduledAt = nil
		if err := p.events.UpdateDelivery(ctx, tx, delivery); err != nil {
			p.logger.ErrorContext(ctx, "Error dropping delivery", "error", err)
			processorErrorCounter.Inc()
			return
		}
		processorDroppedCounter.Inc()
		p.commit(ctx, tx)
		return
	}

	status, sendErr := p.sender.Send(ctx, delivery.URL, delivery.Payload, endpoint.Secret)
	delivery.DeliveryAttempts++

	p.recordAttempt(ctx, delivery, status, sendErr)

	if sendErr != nil {
		p.handleFailure(ctx, tx, delivery, endpoint, sendErr)
	} else {
		now := time.Now()
		delivery.DeliveredAt = &now
		delivery.ScheduledAt = nil
		delivery.Error = nil
		if err := p.events.UpdateDelivery(ctx, tx, delivery); err != nil {
			p.logger.ErrorContext(ctx, "Error updating delivered delivery", "error", err)
			processorErrorCounter.Inc()
			return
		}

		// Any successful delivery resets the endpoint's failure streak.
		if err := p.endpoints.ResetFailures(ctx, endpoint.ID); err != nil {
			p.logger.ErrorContext(ctx, "Error resetting endpoint failures", "endpointId", endpoint.ID, "error", err)
		}

		processorDeliveredCounter.Inc()
		p.logger.InfoContext(ctx, "Delivered webhook", "eventId", delivery.EventID, "endpointId", endpoint.ID,
			"attempt", delivery.DeliveryAttempts)
	}

	p.commit(ctx, tx)
}

func (p *Processor) handleFailure(ctx context.Context, tx db.Tx, delivery *db.DeliveryEntity, endpoint *db.EndpointEntity, sendErr error) {
	errMsg := sendErr.Error()
	delivery.Error = &errMsg

	if delivery.FirstFailedAt == nil {
		now := time.Now()
		delivery.FirstFailedAt = &now
	}

	nextAt, ok := NextRetryAt(*delivery.FirstFailedAt, delivery.DeliveryAttempts)
	if ok && delivery.DeliveryAttempts < MaxAttempts {
		delivery.ScheduledAt = &nextAt
		delivery.PublishedAt = nil
		if err := p.events.UpdateDelivery(ctx, tx, delivery); err != nil {
			p.logger.ErrorContext(ctx, "Error rescheduling delivery", "error", err)
			processorErrorCounter.Inc()
			return
		}
		processorRescheduledCounter.Inc()
		p.logger.WarnContext(ctx, "Webhook delivery failed, retry scheduled",
			"eventId", delivery.EventID, "endpointId", endpoint.ID,
			"attempt", delivery.DeliveryAttempts, "nextAttemptAt", nextAt, "error", errMsg)
		return
	}

	// Retry budget exhausted: the delivery fails terminally and counts
	// against the endpoint's consecutive-failure streak.
	delivery.ScheduledAt = nil
	if err := p.events.UpdateDelivery(ctx, tx, delivery); err != nil {
		p.logger.ErrorContext(ctx, "Error updating exhausted delivery", "error", err)
		processorErrorCounter.Inc()
		return
	}
	processorExhaustedCounter.Inc()

	status, err := p.endpoints.RecordFailure(ctx, endpoint.ID, DisableThreshold)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recording endpoint failure", "endpointId", endpoint.ID, "error", err)
		return
	}
	if status == db.EndpointStatusDisabled {
		endpointsDisabledCounter.Inc()
		p.logger.WarnContext(ctx, "Endpoint disabled after repeated delivery failures", "endpointId", endpoint.ID)
	}
}

func (p *Processor) recordAttempt(ctx context.Context, delivery *db.DeliveryEntity, status int, sendErr error) {
	attempt := &db.DeliveryAttemptEntity{
		EventID:       delivery.EventID,
		EndpointID:    delivery.EndpointID,
		AttemptNumber: delivery.DeliveryAttempts,
		Success:       sendErr == nil,
	}
	if status != 0 {
		attempt.HTTPStatus = &status
	}
	if sendErr != nil {
		errMsg := sendErr.Error()
		attempt.Error = &errMsg
	}

	if err := p.events.CreateAttempt(ctx, attempt); err != nil {
		p.logger.ErrorContext(ctx, "Error recording delivery attempt", "error", err)
	}
}

func (p *Processor) commit(ctx context.Context, tx db.Tx) {
	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		processorErrorCounter.Inc()
	}
}
