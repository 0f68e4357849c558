package grpc

import (
	"context"
	"time"

	"study-payment-svc/config"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	MemberServiceName = "member.v1.MemberService"
	methodAddPoints   = "/" + MemberServiceName + "/AddPoints"
)

type AddPointsRequest struct {
	MemberID       int64  `json:"member_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type AddPointsResponse struct {
	TransactionID *string `json:"transaction_id"`
}

type MemberClient struct {
	invoker
}

func InitMemberClient(cfg config.ClientConfig, logger *zap.Logger) (*MemberClient, error) {
	conn, err := Dial(cfg.Addr)
	if err != nil {
		return nil, err
	}
	return NewMemberClient(conn, cfg.Timeout, logger), nil
}

func NewMemberClient(conn *grpc.ClientConn, timeout time.Duration, logger *zap.Logger) *MemberClient {
	return &MemberClient{
		invoker: newInvoker("member-service", conn, timeout, logger),
	}
}

// AddPoints credits amount to the member. The member service applies a given
// idempotencyKey at most once and returns the original transaction id on repeats.
func (c *MemberClient) AddPoints(ctx context.Context, memberID, amount int64, reason, idempotencyKey string) (*string, error) {
	var resp AddPointsResponse
	err := c.invoke(ctx, methodAddPoints, &AddPointsRequest{
		MemberID:       memberID,
		Amount:         amount,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.TransactionID, nil
}

func (c *MemberClient) Close() error {
	return c.conn.Close()
}
