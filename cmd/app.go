package cmd

import (
	"database/sql"
	"fmt"

	"study-payment-svc/cache"
	"study-payment-svc/config"
	"study-payment-svc/database"
	"study-payment-svc/gateway"
	"study-payment-svc/grpc"
	"study-payment-svc/kafka"
	"study-payment-svc/ledger"
	"study-payment-svc/payment"
	"study-payment-svc/settlement"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sql.DB
	rdb      *redis.Client
	producer sarama.SyncProducer
	ledger   *ledger.Ledger
	relay    *kafka.Relay
	payments *payment.Service
	engine   *settlement.Engine

	closers []func() error
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init() error {
	cfg, logger := a.cfg, a.logger

	db, err := database.InitDB(cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	rdb, err := cache.InitRedis(cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	a.rdb = rdb
	a.closers = append(a.closers, rdb.Close)

	producer, err := kafka.InitProducer(cfg.Kafka, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Kafka producer: %w", err)
	}
	a.producer = producer
	a.closers = append(a.closers, producer.Close)

	studyClient, err := grpc.InitStudyClient(cfg.Study, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Study gRPC client: %w", err)
	}
	a.closers = append(a.closers, studyClient.Close)

	memberClient, err := grpc.InitMemberClient(cfg.Member, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Member gRPC client: %w", err)
	}
	a.closers = append(a.closers, memberClient.Close)

	a.ledger = ledger.New(db, logger)
	a.relay = kafka.NewRelay(db, kafka.NewPublisher(producer, logger), cfg.Kafka.RelayBatch, logger)

	executor := gateway.NewExecutor(gateway.NewClient(cfg.Gateway, logger), logger)
	views := cache.NewPaymentViews(rdb, cfg.Redis.ViewTTL, logger)
	a.payments = payment.NewService(
		payment.NewStore(db, a.ledger, cfg.Kafka.Topics),
		executor,
		views,
		cfg.Payment,
		logger,
	)

	a.engine = settlement.NewEngine(
		settlement.NewStore(db),
		studyClient,
		memberClient,
		cache.NewRunLock(rdb, logger),
		cfg.Settlement,
		logger,
	)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
