package webhook_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"settlement-service/internal/db"
	"settlement-service/internal/message"
	"settlement-service/internal/webhook"
	"settlement-service/tests/testhelpers"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ProcessorTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	events      *db.EventRepository
	endpoints   *db.EndpointRepository
	sut         *webhook.Processor
	ctx         context.Context
}

func (s *ProcessorTestSuite) SetupSuite() {
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}

	s.pool = pool
	s.events = db.NewEventRepository(pool)
	s.endpoints = db.NewEndpointRepository(pool)
	s.sut = webhook.NewProcessor(s.events, s.endpoints, webhook.NewSender(), slog.Default())
}

func (s *ProcessorTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ProcessorTestSuite) SetupTest() {
	for _, table := range []string{"delivery_attempt", "webhook_delivery", "webhook_event", "webhook_endpoint"} {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *ProcessorTestSuite) TearDownTest() {
	gock.Off()
}

func (s *ProcessorTestSuite) createFixtures(endpointStatus string) (*db.EndpointEntity, *db.DeliveryEntity) {
	t := s.T()

	endpoint, err := s.endpoints.Create(s.ctx, &db.EndpointEntity{
		ID:         uuid.New(),
		URL:        "http://example.com/webhook",
		EventTypes: []string{"settlement.confirmed"},
		Secret:     "secret",
		Status:     endpointStatus,
	})
	assert.NoError(t, err)

	event, err := s.events.CreateEvent(s.ctx, &db.EventEntity{
		ID:        uuid.New(),
		Type:      "settlement.confirmed",
		Payload:   `{"settlementId": "s1"}`,
		CreatedAt: time.Now(),
	})
	assert.NoError(t, err)

	now := time.Now()
	delivery, err := s.events.CreateDelivery(s.ctx, &db.DeliveryEntity{
		ID:          uuid.New(),
		EventID:     event.ID,
		EndpointID:  endpoint.ID,
		URL:         endpoint.URL,
		Payload:     event.Payload,
		ScheduledAt: &now,
	})
	assert.NoError(t, err)

	return endpoint, delivery
}

func (s *ProcessorTestSuite) process(delivery *db.DeliveryEntity) {
	err := s.sut.Process(s.ctx, message.Delivery{
		ID:         delivery.ID,
		EventID:    delivery.EventID,
		EndpointID: delivery.EndpointID,
		Url:        delivery.URL,
		Payload:    delivery.Payload,
	})
	assert.NoError(s.T(), err)
}

func (s *ProcessorTestSuite) TestDeliverySuccess() {
	t := s.T()

	endpoint, delivery := s.createFixtures(db.EndpointStatusActive)

	gock.New("http://example.com").
		Post("/webhook").
		Reply(200)

	s.process(delivery)

	assert.Eventually(t, func() bool {
		fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
		return err == nil && fetched.DeliveredAt != nil
	}, 5*time.Second, 50*time.Millisecond)

	fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
	assert.NoError(t, err)
	assert.Nil(t, fetched.ScheduledAt)
	assert.Equal(t, 1, fetched.DeliveryAttempts)

	attempts, err := s.events.ListAttempts(s.ctx, delivery.EventID, endpoint.ID)
	assert.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
}

func (s *ProcessorTestSuite) TestDeliveryFailureSchedulesRetry() {
	t := s.T()

	_, delivery := s.createFixtures(db.EndpointStatusActive)

	gock.New("http://example.com").
		Post("/webhook").
		Reply(500)

	s.process(delivery)

	assert.Eventually(t, func() bool {
		fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
		return err == nil && fetched.FirstFailedAt != nil
	}, 5*time.Second, 50*time.Millisecond)

	fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
	assert.NoError(t, err)
	assert.Nil(t, fetched.DeliveredAt)
	assert.NotNil(t, fetched.ScheduledAt)
	assert.NotNil(t, fetched.Error)
	assert.Equal(t, 1, fetched.DeliveryAttempts)
	assert.WithinDuration(t, fetched.FirstFailedAt.Add(time.Minute), *fetched.ScheduledAt, time.Second)
}

func (s *ProcessorTestSuite) TestDeliveryExhaustionCountsAgainstEndpoint() {
	t := s.T()

	endpoint, delivery := s.createFixtures(db.EndpointStatusActive)

	// Simulate a delivery that has already burned its scheduled retries.
	tx, err := s.events.BeginTx(s.ctx)
	assert.NoError(t, err)
	firstFailed := time.Now().Add(-time.Hour)
	delivery.DeliveryAttempts = webhook.MaxAttempts - 1
	delivery.FirstFailedAt = &firstFailed
	assert.NoError(t, s.events.UpdateDelivery(s.ctx, tx, delivery))
	assert.NoError(t, tx.Commit(s.ctx))

	gock.New("http://example.com").
		Post("/webhook").
		Reply(500)

	s.process(delivery)

	assert.Eventually(t, func() bool {
		fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
		return err == nil && fetched.DeliveryAttempts == webhook.MaxAttempts
	}, 5*time.Second, 50*time.Millisecond)

	fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
	assert.NoError(t, err)
	assert.Nil(t, fetched.ScheduledAt)
	assert.Nil(t, fetched.DeliveredAt)

	updatedEndpoint, err := s.endpoints.GetByID(s.ctx, endpoint.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, updatedEndpoint.ConsecutiveFailures)
	assert.Equal(t, db.EndpointStatusFailing, updatedEndpoint.Status)
}

func (s *ProcessorTestSuite) TestDeliveryToDisabledEndpointIsDropped() {
	t := s.T()

	_, delivery := s.createFixtures(db.EndpointStatusDisabled)

	s.process(delivery)

	assert.Eventually(t, func() bool {
		fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
		return err == nil && fetched.DroppedAt != nil
	}, 5*time.Second, 50*time.Millisecond)

	fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
	assert.NoError(t, err)
	assert.Nil(t, fetched.DeliveredAt)
	assert.Zero(t, fetched.DeliveryAttempts)
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}
