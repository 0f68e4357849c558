// Package gateway talks to the external payment gateway (Toss Payments v1 API).
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"study-payment-svc/circuitbreaker"
	"study-payment-svc/config"
	"study-payment-svc/middleware"
	"study-payment-svc/models"

	"go.uber.org/zap"
)

// Gateway payment statuses.
const (
	StatusReady             = "READY"
	StatusInProgress        = "IN_PROGRESS"
	StatusWaitingForDeposit = "WAITING_FOR_DEPOSIT"
	StatusDone              = "DONE"
	StatusCanceled          = "CANCELED"
	StatusPartialCanceled   = "PARTIAL_CANCELED"
	StatusAborted           = "ABORTED"
	StatusExpired           = "EXPIRED"
)

// Payment is the subset of the gateway payment object this service reads.
type Payment struct {
	PaymentKey  string   `json:"paymentKey"`
	OrderID     string   `json:"orderId"`
	Status      string   `json:"status"`
	Method      string   `json:"method"`
	TotalAmount int64    `json:"totalAmount"`
	ApprovedAt  string   `json:"approvedAt"`
	Cancels     []Cancel `json:"cancels"`
}

type Cancel struct {
	CancelAmount int64  `json:"cancelAmount"`
	CanceledAt   string `json:"canceledAt"`
}

// RejectedError is a definite 4xx answer from the gateway.
type RejectedError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s %s", e.StatusCode, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return models.ErrGatewayRejected
}

type Client struct {
	baseURL    string
	authHeader string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewClient(cfg config.GatewayConfig, logger *zap.Logger) *Client {
	breaker := circuitbreaker.NewCircuitBreaker("payment-gateway", cfg.MaxFailures, cfg.ResetTimeout,
		circuitbreaker.WithFailurePredicate(models.IsRetryable),
		circuitbreaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			middleware.RecordCircuitState(name, int(to))
		}),
	)

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.SecretKey+":")),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		breaker:    breaker,
		logger:     logger,
	}
}

// Ready is false while the circuit is open.
func (c *Client) Ready() bool {
	return c.breaker.Ready()
}

func (c *Client) GetPayment(ctx context.Context, paymentKey string) (*Payment, error) {
	var p Payment
	err := c.do(ctx, "lookup", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentKey), "", nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) GetPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	var p Payment
	err := c.do(ctx, "query_by_order", http.MethodGet, "/v1/payments/orders/"+url.PathEscape(orderID), "", nil, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Confirm(ctx context.Context, paymentKey, orderID string, amount int64, idempotencyKey string) (*Payment, error) {
	body := map[string]any{
		"paymentKey": paymentKey,
		"orderId":    orderID,
		"amount":     amount,
	}
	var p Payment
	if err := c.do(ctx, "confirm", http.MethodPost, "/v1/payments/confirm", idempotencyKey, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Cancel(ctx context.Context, paymentKey, reason, idempotencyKey string) (*Payment, error) {
	body := map[string]any{"cancelReason": reason}
	var p Payment
	path := "/v1/payments/" + url.PathEscape(paymentKey) + "/cancel"
	if err := c.do(ctx, "cancel", http.MethodPost, path, idempotencyKey, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, body, out any) error {
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, idempotencyKey, body, out)
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
	}

	middleware.RecordGatewayRequest(op, outcome(err), time.Since(start))
	if err != nil {
		c.logger.Warn("Payment gateway call failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("operation", op),
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode gateway request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportError(err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", models.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		rejected := &RejectedError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, rejected); err != nil || rejected.Code == "" {
			rejected.Code = http.StatusText(resp.StatusCode)
			rejected.Message = string(respBody)
		}
		return rejected
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrGatewayTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", models.ErrGatewayTimeout, err)
	}
	return fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
}

func outcome(err error) string {
	var rejected *RejectedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, models.ErrGatewayTimeout):
		return "timeout"
	}
	return "unavailable"
}
