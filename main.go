package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"settlement-service/internal/config"
	"settlement-service/internal/db"
	"settlement-service/internal/event"
	"settlement-service/internal/kafka"
	"settlement-service/internal/logging"
	"settlement-service/internal/metrics"
	"settlement-service/internal/payment"
	"settlement-service/internal/server"
	"settlement-service/internal/settlement"
	"settlement-service/internal/webhook"
)

func main() {
	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := db.GetConnStr(cfg.Database)
	if err := db.RunMigrations(connStr, "migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	settlementRepo := db.NewSettlementRepository(pool)
	eventRepo := db.NewEventRepository(pool)
	endpointRepo := db.NewEndpointRepository(pool)
	paymentRepo := db.NewPaymentRepository(pool)

	var chain payment.ChainClient
	if !cfg.Payments.TestMode {
		chainClient, err := payment.DialChain(cfg.Payments.RPCURL, time.Duration(cfg.Payments.TimeoutMs)*time.Millisecond)
		if err != nil {
			log.Fatal(err)
		}
		defer chainClient.Close()
		chain = chainClient
	}

	verifier := payment.NewVerifier(paymentRepo, chain, cfg.Payments.TestMode, logger)
	emitter := event.NewEmitter(eventRepo, endpointRepo, logger)

	manager := settlement.NewManager(settlementRepo, verifier, emitter, cfg.Payments.Chain, cfg.Payments.Recipient,
		cfg.Payments.TestMode, time.Duration(cfg.Payments.ConfirmDelayMs)*time.Millisecond, logger)

	eventProcessor := event.NewProcessor(emitter, logger)
	webhookProcessor := webhook.NewProcessor(eventRepo, endpointRepo, webhook.NewSender(), logger)

	deliveryWriter := kafka.NewWriter(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.WebhookDeliveries)
	defer deliveryWriter.Close()

	producer := webhook.NewProducer(eventRepo, deliveryWriter, logger)
	producer.Start(context.Background())

	eventReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.DomainEvents, cfg.Kafka.Reader.GroupID)
	defer eventReader.Close()
	go kafka.ReadDomainEvents(eventReader, eventProcessor, logger)

	deliveryReader := kafka.NewReader(cfg.Kafka.Broker.URL, cfg.Kafka.Topic.WebhookDeliveries, cfg.Kafka.Reader.GroupID)
	defer deliveryReader.Close()
	go kafka.ReadDeliveryMessages(deliveryReader, webhookProcessor, logger)

	srv := server.NewServer(manager, eventRepo, endpointRepo,
		time.Duration(cfg.Payments.NonceTTLMs)*time.Millisecond, logger)

	logger.Info("Starting settlement service", "port", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, srv.Routes()))
}
