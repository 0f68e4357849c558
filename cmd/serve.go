package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"study-payment-svc/handlers"
	"study-payment-svc/jobs"
	"study-payment-svc/kafka"
	"study-payment-svc/middleware"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	grpcLib "google.golang.org/grpc"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC APIs, the event consumer and the scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize OpenTelemetry
	shutdownTracing, err := middleware.InitTracing(cfg.Service.Name, cfg.Jaeger.Endpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Kafka consumer
	dispatcher := kafka.NewDispatcher(a.db, a.ledger, logger)
	a.payments.RegisterHandlers(dispatcher)
	a.engine.RegisterHandlers(dispatcher)

	group, err := kafka.InitConsumerGroup(cfg.Kafka, logger)
	if err != nil {
		return err
	}
	defer group.Close()

	topics := cfg.Kafka.Topics
	consumer := kafka.NewConsumer(group, []string{
		topics.StudyCreated,
		topics.PaymentEnrollment,
		topics.RefundRequest,
		topics.StudyStatusChanged,
	}, dispatcher, cfg.Kafka.HandleRetries, logger)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(ctx); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	go a.engine.Listen(ctx)

	// Scheduler
	scheduler := jobs.NewScheduler(logger)
	if err := jobs.Register(scheduler, cfg, jobs.Deps{
		Settlement: a.engine,
		Reconciler: a.payments,
		Relay:      a.relay,
		Ledger:     a.ledger,
	}, logger); err != nil {
		return err
	}
	scheduler.Start()

	// REST API
	router := handlers.NewRouter(handlers.RouterConfig{
		ServiceName: cfg.Service.Name,
		JWTSecret:   cfg.Auth.JWTSecret,
		Payments:    handlers.NewPaymentHandler(a.payments, logger),
		Settlements: handlers.NewSettlementHandler(a.engine, logger),
		Logger:      logger,
	})
	restSrv := &http.Server{
		Addr:    cfg.Service.HTTPAddr,
		Handler: router,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := restSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("REST API started", zap.String("addr", cfg.Service.HTTPAddr))

	// gRPC server
	grpcListener, err := net.Listen("tcp", cfg.Service.GRPCAddr)
	if err != nil {
		return err
	}
	grpcServer := grpcLib.NewServer(
		grpcLib.StatsHandler(otelgrpc.NewServerHandler()),
	)
	handlers.RegisterPaymentServiceServer(grpcServer, handlers.NewPaymentGRPCService(a.payments, logger))

	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- err
		}
	}()
	logger.Info("gRPC server started", zap.String("addr", cfg.Service.GRPCAddr))

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("Server failed", zap.Error(serveErr))
		stop()
	}

	logger.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := restSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()
	scheduler.Stop(shutdownCtx)

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Kafka consumer did not stop in time")
	}

	logger.Info("Servers exited")
	return serveErr
}

