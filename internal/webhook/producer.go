package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/logcontext"
	"settlement-service/internal/message"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPollingIntervalMs   = 500
	defaultFetchSize           = 200
	defaultRetryPublishDelayMs = 10_000
	defaultMaxPublishAttempts  = 3
	defaultRecoveryIntervalMs  = 60_000
	defaultPublishGraceMs      = 30_000
)

var (
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`webhook_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`webhook_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`webhook_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`webhook_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`webhook_producer_duration_milliseconds`)

	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="rescheduled"}`)
	producerMessagesRecoveredCounter   = metrics.GetOrCreateCounter(`webhook_producer_messages_total{result="recovered"}`)
)

// Producer polls the delivery outbox and publishes due deliveries to Kafka.
// Scheduling lives in Postgres, so pending retries survive restarts.
type Producer struct {
	repo               *db.EventRepository
	writer             *kafka.Writer
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	recoveryInterval   time.Duration
	publishGrace       time.Duration
	logger             *slog.Logger
}

func NewProducer(repo *db.EventRepository, writer *kafka.Writer, logger *slog.Logger) *Producer {
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(config.GetInt("WEBHOOK_POLLING_INTERVAL_MS", defaultPollingIntervalMs)) * time.Millisecond,
		fetchSize:          config.GetInt("WEBHOOK_FETCH_SIZE", defaultFetchSize),
		retryDelay:         time.Duration(config.GetInt("WEBHOOK_RETRY_PUBLISH_DELAY_MS", defaultRetryPublishDelayMs)) * time.Millisecond,
		maxPublishAttempts: config.GetInt("MAX_PUBLISH_ATTEMPTS", defaultMaxPublishAttempts),
		recoveryInterval:   time.Duration(config.GetInt("WEBHOOK_RECOVERY_INTERVAL_MS", defaultRecoveryIntervalMs)) * time.Millisecond,
		publishGrace:       time.Duration(config.GetInt("WEBHOOK_PUBLISH_GRACE_MS", defaultPublishGraceMs)) * time.Millisecond,
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()
		recoveryTicker := time.NewTicker(p.recoveryInterval)
		defer recoveryTicker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-recoveryTicker.C:
				p.recoverStale(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping producer")
				return
			}
		}
	}()
}

// recoverStale re-schedules deliveries that were published but never
// executed, which happens when a consumer crashes after the offset commit
// or bails out before touching the row. Without the sweep such rows are
// invisible to the due query forever.
func (p *Producer) recoverStale(ctx context.Context) {
	recovered, err := p.repo.RescheduleStalePublished(ctx, p.publishGrace)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error recovering stale published deliveries", "error", err)
		producerErrorUpdateCounter.Inc()
		return
	}
	if recovered > 0 {
		p.logger.WarnContext(ctx, "Re-scheduled stale published deliveries", "count", recovered)
		producerMessagesRecoveredCounter.Add(int(recovered))
	}
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one polling round
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	defer tx.Rollback(ctx)

	deliveries, err := p.repo.GetDueDeliveries(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching due deliveries", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}

	if len(deliveries) == 0 {
		producerSuccessCounter.Inc()
		return
	}

	kafkaMessages := p.toKafkaMessages(ctx, deliveries)

	err = p.writer.WriteMessages(ctx, kafkaMessages...)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", err)
		producerErrorKafkaCounter.Inc()
	}

	for _, delivery := range deliveries {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("id", delivery.ID.String()))

		delivery.PublishAttempts++

		if err != nil {
			errMsg := err.Error()
			delivery.Error = &errMsg

			if delivery.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for delivery")
				delivery.ScheduledAt = nil

				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := time.Now().Add(time.Duration(delivery.PublishAttempts) * p.retryDelay)
				delivery.ScheduledAt = &scheduledAt

				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			now := time.Now()
			delivery.PublishedAt = &now
			delivery.ScheduledAt = nil
			delivery.Error = nil

			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.UpdateDelivery(messageCtx, tx, delivery); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating delivery", "error", err)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)

		producerErrorUpdateCounter.Inc()
	} else {
		producerSuccessCounter.Inc()
	}

	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (p *Producer) toKafkaMessages(ctx context.Context, deliveries []*db.DeliveryEntity) []kafka.Message {
	var kafkaMessages []kafka.Message

	for _, entity := range deliveries {
		p.logger.DebugContext(ctx, "Preparing Kafka message for delivery", "id", entity.ID)

		deliveryMessage := message.Delivery{
			ID:         entity.ID,
			EventID:    entity.EventID,
			EndpointID: entity.EndpointID,
			Url:        entity.URL,
			Payload:    entity.Payload,
			Attempts:   entity.DeliveryAttempts,
		}

		messageBytes, _ := json.Marshal(deliveryMessage)

		msg := kafka.Message{
			// Endpoint ID as key keeps per-endpoint ordering.
			Key:   []byte(entity.EndpointID.String()),
			Value: messageBytes,
		}

		kafkaMessages = append(kafkaMessages, msg)
	}
	return kafkaMessages
}
