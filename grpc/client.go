package grpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/circuitbreaker"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Dial opens a client connection that speaks the JSON codec.
func Dial(address string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return conn, nil
}

// invoker is the shared plumbing of the collaborator clients: per-call timeout,
// circuit breaker and error classification.
type invoker struct {
	conn           *grpc.ClientConn
	circuitBreaker *circuitbreaker.CircuitBreaker
	timeout        time.Duration
	logger         *zap.Logger
}

func newInvoker(name string, conn *grpc.ClientConn, timeout time.Duration, logger *zap.Logger) invoker {
	return invoker{
		conn: conn,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(name, 5, 30*time.Second,
			circuitbreaker.WithFailurePredicate(models.IsRetryable),
			circuitbreaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
				middleware.RecordCircuitState(name, int(to))
			}),
		),
		timeout: timeout,
		logger:  logger,
	}
}

func (i invoker) invoke(ctx context.Context, method string, req, resp any) error {
	err := i.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, i.timeout)
		defer cancel()
		return classify(i.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(CodecName)))
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
	if err != nil {
		i.logger.Warn("Collaborator call failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("method", method),
			zap.Error(err),
		)
	}
	return err
}

// classify maps transport failures to the retryable sentinels. Anything else is a
// definite answer from the collaborator.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", models.ErrUpstreamTimeout, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Canceled:
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
	return err
}
