package event_test

import (
	"context"
	"log"
	"log/slog"
	"testing"
	"time"

	"settlement-service/internal/db"
	"settlement-service/internal/event"
	"settlement-service/internal/message"
	"settlement-service/tests/testhelpers"

	"github.com/google/uuid"
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
	sut         *event.Processor
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

	emitter := event.NewEmitter(s.events, s.endpoints, slog.Default())
	s.sut = event.NewProcessor(emitter, slog.Default())
}

func (s *ProcessorTestSuite) TearDownSuite() {
	s.pool.Close()

	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *ProcessorTestSuite) SetupTest() {
	for _, table := range []string{"webhook_delivery", "webhook_event", "webhook_endpoint"} {
		if _, err := s.pool.Exec(s.ctx, "DELETE FROM "+table); err != nil {
			log.Fatalf("error truncating %s table: %s", table, err)
		}
	}
}

func (s *ProcessorTestSuite) createEndpoint(types ...string) *db.EndpointEntity {
	entity := &db.EndpointEntity{
		ID:         uuid.New(),
		URL:        "http://example.com/webhook",
		EventTypes: types,
		Secret:     "secret",
		Status:     db.EndpointStatusActive,
	}
	created, err := s.endpoints.Create(s.ctx, entity)
	assert.NoError(s.T(), err)
	return created
}

func (s *ProcessorTestSuite) TestProcess_Success() {
	t := s.T()

	endpoint := s.createEndpoint(event.TypeAPIKeyCreated)

	msg := message.DomainEvent{
		ID:   uuid.New(),
		Type: event.TypeAPIKeyCreated,
		Data: map[string]any{"apiKeyId": "key_1"},
	}

	err := s.sut.Process(s.ctx, msg)
	assert.NoError(t, err)

	events, total, err := s.events.ListEvents(s.ctx, 10, 0)
	assert.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, event.TypeAPIKeyCreated, events[0].Type)

	tx, err := s.events.BeginTx(s.ctx)
	assert.NoError(t, err)
	defer tx.Rollback(s.ctx)

	due, err := s.events.GetDueDeliveries(s.ctx, tx, 10)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Equal(t, endpoint.ID, due[0].EndpointID)
	assert.WithinDuration(t, time.Now(), *due[0].ScheduledAt, time.Second)
}

func (s *ProcessorTestSuite) TestProcess_NormalizesDeprecatedType() {
	t := s.T()

	s.createEndpoint(event.TypeSettlementConfirmed)

	msg := message.DomainEvent{
		ID:   uuid.New(),
		Type: event.TypeSettlementCompleted,
		Data: map[string]any{"settlementId": "s1"},
	}

	err := s.sut.Process(s.ctx, msg)
	assert.NoError(t, err)

	events, _, err := s.events.ListEvents(s.ctx, 10, 0)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, event.TypeSettlementConfirmed, events[0].Type)
}

func (s *ProcessorTestSuite) TestProcess_RejectsUnknownType() {
	t := s.T()

	msg := message.DomainEvent{
		ID:   uuid.New(),
		Type: "settlement.reversed",
	}

	err := s.sut.Process(s.ctx, msg)
	assert.Error(t, err)

	_, total, err := s.events.ListEvents(s.ctx, 10, 0)
	assert.NoError(t, err)
	assert.Zero(t, total)
}

func TestProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}
