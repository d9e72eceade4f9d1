package db_test

import (
	"context"
	"log"
	"testing"
	"time"

	"settlement-service/internal/db"
	"settlement-service/tests/testhelpers"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RepositoryTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	settlements *db.SettlementRepository
	events      *db.EventRepository
	endpoints   *db.EndpointRepository
	payments    *db.PaymentRepository
	ctx         context.Context
}

func (s *RepositoryTestSuite) SetupSuite() {
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
	s.settlements = db.NewSettlementRepository(pool)
	s.events = db.NewEventRepository(pool)
	s.endpoints = db.NewEndpointRepository(pool)
	s.payments = db.NewPaymentRepository(pool)
}

func (s *RepositoryTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *RepositoryTestSuite) SetupTest() {
	tables := []string{"delivery_attempt", "webhook_delivery", "webhook_event", "webhook_endpoint",
		"settlement", "invoice", "processed_payment"}
	for _, table := range tables {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *RepositoryTestSuite) createInvoice(amount int64) *db.InvoiceEntity {
	entity := &db.InvoiceEntity{
		ID:       uuid.New(),
		Amount:   amount,
		Currency: "USDC",
		Status:   db.InvoiceStatusSent,
	}
	created, err := s.settlements.CreateInvoice(s.ctx, entity)
	assert.NoError(s.T(), err)
	return created
}

func (s *RepositoryTestSuite) createSettlement(invoiceID uuid.UUID) *db.SettlementEntity {
	entity := &db.SettlementEntity{
		ID:        uuid.New(),
		InvoiceID: invoiceID,
		Status:    "pending",
		Chain:     "base-sepolia",
		Amount:    100,
		Currency:  "USDC",
	}
	created, err := s.settlements.CreateSettlement(s.ctx, entity)
	assert.NoError(s.T(), err)
	return created
}

func (s *RepositoryTestSuite) createEndpoint() *db.EndpointEntity {
	entity := &db.EndpointEntity{
		ID:         uuid.New(),
		URL:        "http://example.com/webhook",
		EventTypes: []string{"settlement.confirmed"},
		Secret:     "secret",
		Status:     db.EndpointStatusActive,
	}
	created, err := s.endpoints.Create(s.ctx, entity)
	assert.NoError(s.T(), err)
	return created
}

func (s *RepositoryTestSuite) createEvent() *db.EventEntity {
	entity := &db.EventEntity{
		ID:        uuid.New(),
		Type:      "settlement.confirmed",
		Payload:   `{"key": "value"}`,
		CreatedAt: time.Now(),
	}
	created, err := s.events.CreateEvent(s.ctx, entity)
	assert.NoError(s.T(), err)
	return created
}

func (s *RepositoryTestSuite) TestCreateAndGetInvoice() {
	t := s.T()

	created := s.createInvoice(100)

	fetched, err := s.settlements.GetInvoiceByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, int64(100), fetched.Amount)
	assert.Equal(t, db.InvoiceStatusSent, fetched.Status)
}

func (s *RepositoryTestSuite) TestUpdateInvoiceStatus() {
	t := s.T()

	created := s.createInvoice(100)

	err := s.settlements.UpdateInvoiceStatus(s.ctx, created.ID, db.InvoiceStatusPaid)
	assert.NoError(t, err)

	fetched, err := s.settlements.GetInvoiceByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.InvoiceStatusPaid, fetched.Status)
}

func (s *RepositoryTestSuite) TestCreateAndGetSettlement() {
	t := s.T()

	invoice := s.createInvoice(100)
	created := s.createSettlement(invoice.ID)

	fetched, err := s.settlements.GetSettlementByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, invoice.ID, fetched.InvoiceID)
	assert.Nil(t, fetched.TxHash)
	assert.Nil(t, fetched.ConfirmedAt)

	byInvoice, err := s.settlements.GetSettlementByInvoiceID(s.ctx, invoice.ID)
	assert.NoError(t, err)
	assert.Equal(t, created.ID, byInvoice.ID)
}

func (s *RepositoryTestSuite) TestUpdateSettlement() {
	t := s.T()

	invoice := s.createInvoice(100)
	created := s.createSettlement(invoice.ID)

	txHash := "0xabc"
	now := time.Now()
	created.Status = "completed"
	created.TxHash = &txHash
	created.ConfirmedAt = &now

	err := s.settlements.UpdateSettlement(s.ctx, created)
	assert.NoError(t, err)

	fetched, err := s.settlements.GetSettlementByID(s.ctx, created.ID)
	assert.NoError(t, err)
	assert.Equal(t, "completed", fetched.Status)
	assert.Equal(t, txHash, *fetched.TxHash)
	assert.NotNil(t, fetched.ConfirmedAt)
}

func (s *RepositoryTestSuite) TestListSettlements() {
	t := s.T()

	for range 3 {
		invoice := s.createInvoice(100)
		s.createSettlement(invoice.ID)
	}

	settlements, total, err := s.settlements.ListSettlements(s.ctx, 2, 0)
	assert.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, settlements, 2)

	rest, total, err := s.settlements.ListSettlements(s.ctx, 2, 2)
	assert.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rest, 1)
}

func (s *RepositoryTestSuite) TestGetDueDeliveries() {
	t := s.T()

	endpoint := s.createEndpoint()
	event := s.createEvent()

	past := time.Now().Add(-time.Hour)
	delivery := &db.DeliveryEntity{
		ID:          uuid.New(),
		EventID:     event.ID,
		EndpointID:  endpoint.ID,
		URL:         endpoint.URL,
		Payload:     event.Payload,
		ScheduledAt: &past,
	}
	_, err := s.events.CreateDelivery(s.ctx, delivery)
	assert.NoError(t, err)

	tx, err := s.events.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	due, err := s.events.GetDueDeliveries(s.ctx, tx, 10)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, delivery.ID, due[0].ID)
}

func (s *RepositoryTestSuite) TestGetDueDeliveriesSkipsDelivered() {
	t := s.T()

	endpoint := s.createEndpoint()
	event := s.createEvent()

	past := time.Now().Add(-time.Hour)
	delivery := &db.DeliveryEntity{
		ID:          uuid.New(),
		EventID:     event.ID,
		EndpointID:  endpoint.ID,
		URL:         endpoint.URL,
		Payload:     event.Payload,
		ScheduledAt: &past,
	}
	_, err := s.events.CreateDelivery(s.ctx, delivery)
	assert.NoError(t, err)

	tx, err := s.events.BeginTx(s.ctx)
	assert.NoError(t, err)

	now := time.Now()
	delivery.DeliveredAt = &now
	assert.NoError(t, s.events.UpdateDelivery(s.ctx, tx, delivery))
	assert.NoError(t, tx.Commit(s.ctx))

	tx, err = s.events.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	due, err := s.events.GetDueDeliveries(s.ctx, tx, 10)
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func (s *RepositoryTestSuite) TestUpdateDelivery() {
	t := s.T()

	endpoint := s.createEndpoint()
	event := s.createEvent()

	now := time.Now()
	delivery := &db.DeliveryEntity{
		ID:          uuid.New(),
		EventID:     event.ID,
		EndpointID:  endpoint.ID,
		URL:         endpoint.URL,
		Payload:     event.Payload,
		ScheduledAt: &now,
	}
	_, err := s.events.CreateDelivery(s.ctx, delivery)
	assert.NoError(t, err)

	tx, err := s.events.BeginTx(s.ctx)
	assert.NoError(t, err)

	errMsg := "error response: 500 Internal Server Error"
	delivery.DeliveryAttempts = 1
	delivery.FirstFailedAt = &now
	delivery.Error = &errMsg
	assert.NoError(t, s.events.UpdateDelivery(s.ctx, tx, delivery))
	assert.NoError(t, tx.Commit(s.ctx))

	fetched, err := s.events.GetDeliveryByID(s.ctx, delivery.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, fetched.DeliveryAttempts)
	assert.NotNil(t, fetched.FirstFailedAt)
	assert.Equal(t, errMsg, *fetched.Error)
}

func (s *RepositoryTestSuite) TestRescheduleStalePublished() {
	t := s.T()

	endpoint := s.createEndpoint()
	event := s.createEvent()

	publishedDelivery := func(publishedAt time.Time) *db.DeliveryEntity {
		delivery := &db.DeliveryEntity{
			ID:         uuid.New(),
			EventID:    event.ID,
			EndpointID: endpoint.ID,
			URL:        endpoint.URL,
			Payload:    event.Payload,
		}
		_, err := s.events.CreateDelivery(s.ctx, delivery)
		assert.NoError(t, err)

		tx, err := s.events.BeginTx(s.ctx)
		assert.NoError(t, err)
		delivery.PublishedAt = &publishedAt
		delivery.ScheduledAt = nil
		assert.NoError(t, s.events.UpdateDelivery(s.ctx, tx, delivery))
		assert.NoError(t, tx.Commit(s.ctx))
		return delivery
	}

	stale := publishedDelivery(time.Now().Add(-time.Hour))
	fresh := publishedDelivery(time.Now())

	recovered, err := s.events.RescheduleStalePublished(s.ctx, 30*time.Second)
	assert.NoError(t, err)
	assert.EqualValues(t, 1, recovered)

	fetched, err := s.events.GetDeliveryByID(s.ctx, stale.ID)
	assert.NoError(t, err)
	assert.NotNil(t, fetched.ScheduledAt)
	assert.Nil(t, fetched.PublishedAt)

	untouched, err := s.events.GetDeliveryByID(s.ctx, fresh.ID)
	assert.NoError(t, err)
	assert.Nil(t, untouched.ScheduledAt)
	assert.NotNil(t, untouched.PublishedAt)
}

func (s *RepositoryTestSuite) TestCreateEventTxRollsBack() {
	t := s.T()

	tx, err := s.events.BeginTx(s.ctx)
	assert.NoError(t, err)

	entity := &db.EventEntity{
		ID:        uuid.New(),
		Type:      "settlement.confirmed",
		Payload:   `{"key": "value"}`,
		CreatedAt: time.Now(),
	}
	_, err = s.events.CreateEventTx(s.ctx, tx, entity)
	assert.NoError(t, err)
	assert.NoError(t, tx.Rollback(s.ctx))

	_, err = s.events.GetEventByID(s.ctx, entity.ID)
	assert.Error(t, err)
}

func (s *RepositoryTestSuite) TestCreateAndListAttempts() {
	t := s.T()

	endpoint := s.createEndpoint()
	event := s.createEvent()

	status := 500
	errMsg := "error response"
	assert.NoError(t, s.events.CreateAttempt(s.ctx, &db.DeliveryAttemptEntity{
		EventID:       event.ID,
		EndpointID:    endpoint.ID,
		AttemptNumber: 1,
		Success:       false,
		HTTPStatus:    &status,
		Error:         &errMsg,
	}))
	assert.NoError(t, s.events.CreateAttempt(s.ctx, &db.DeliveryAttemptEntity{
		EventID:       event.ID,
		EndpointID:    endpoint.ID,
		AttemptNumber: 2,
		Success:       true,
	}))

	attempts, err := s.events.ListAttempts(s.ctx, event.ID, endpoint.ID)
	assert.NoError(t, err)
	assert.Len(t, attempts, 2)
	assert.False(t, attempts[0].Success)
	assert.True(t, attempts[1].Success)
}

func (s *RepositoryTestSuite) TestEndpointRecordFailureDisablesAtThreshold() {
	t := s.T()

	endpoint := s.createEndpoint()

	status, err := s.endpoints.RecordFailure(s.ctx, endpoint.ID, 3)
	assert.NoError(t, err)
	assert.Equal(t, db.EndpointStatusFailing, status)

	status, err = s.endpoints.RecordFailure(s.ctx, endpoint.ID, 3)
	assert.NoError(t, err)
	assert.Equal(t, db.EndpointStatusFailing, status)

	status, err = s.endpoints.RecordFailure(s.ctx, endpoint.ID, 3)
	assert.NoError(t, err)
	assert.Equal(t, db.EndpointStatusDisabled, status)

	fetched, err := s.endpoints.GetByID(s.ctx, endpoint.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.EndpointStatusDisabled, fetched.Status)
	assert.Equal(t, 3, fetched.ConsecutiveFailures)
}

func (s *RepositoryTestSuite) TestEndpointResetFailures() {
	t := s.T()

	endpoint := s.createEndpoint()

	_, err := s.endpoints.RecordFailure(s.ctx, endpoint.ID, 3)
	assert.NoError(t, err)

	assert.NoError(t, s.endpoints.ResetFailures(s.ctx, endpoint.ID))

	fetched, err := s.endpoints.GetByID(s.ctx, endpoint.ID)
	assert.NoError(t, err)
	assert.Equal(t, db.EndpointStatusActive, fetched.Status)
	assert.Equal(t, 0, fetched.ConsecutiveFailures)
}

func (s *RepositoryTestSuite) TestListActiveExcludesDisabled() {
	t := s.T()

	active := s.createEndpoint()
	disabled := s.createEndpoint()
	for range 3 {
		_, err := s.endpoints.RecordFailure(s.ctx, disabled.ID, 3)
		assert.NoError(t, err)
	}

	endpoints, err := s.endpoints.ListActive(s.ctx)
	assert.NoError(t, err)
	assert.Len(t, endpoints, 1)
	assert.Equal(t, active.ID, endpoints[0].ID)
}

func (s *RepositoryTestSuite) TestMarkProcessedIsAtomic() {
	t := s.T()

	claimed, err := s.payments.MarkProcessed(s.ctx, "0xdeadbeef")
	assert.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.payments.MarkProcessed(s.ctx, "0xdeadbeef")
	assert.NoError(t, err)
	assert.False(t, claimed)
}

func (s *RepositoryTestSuite) TestReleaseAllowsReclaim() {
	t := s.T()

	claimed, err := s.payments.MarkProcessed(s.ctx, "0xdeadbeef")
	assert.NoError(t, err)
	assert.True(t, claimed)

	assert.NoError(t, s.payments.Release(s.ctx, "0xdeadbeef"))

	claimed, err = s.payments.MarkProcessed(s.ctx, "0xdeadbeef")
	assert.NoError(t, err)
	assert.True(t, claimed)
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}
