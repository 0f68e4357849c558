package grpc

import (
	"context"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/models"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	StudyServiceName                     = "study.v1.StudyService"
	methodListCompletedStudiesSettlement = "/" + StudyServiceName + "/ListCompletedStudiesForSettlement"
	methodMarkStudySettled               = "/" + StudyServiceName + "/MarkStudySettled"
)

type ListCompletedStudiesRequest struct {
	Limit int `json:"limit"`
}

type ListCompletedStudiesResponse struct {
	Studies []models.CompletedStudy `json:"studies"`
}

type MarkStudySettledRequest struct {
	StudyID int64 `json:"study_id"`
}

type MarkStudySettledResponse struct{}

type StudyClient struct {
	invoker
}

func InitStudyClient(cfg config.ClientConfig, logger *zap.Logger) (*StudyClient, error) {
	conn, err := Dial(cfg.Addr)
	if err != nil {
		return nil, err
	}
	return NewStudyClient(conn, cfg.Timeout, logger), nil
}

func NewStudyClient(conn *grpc.ClientConn, timeout time.Duration, logger *zap.Logger) *StudyClient {
	return &StudyClient{
		invoker: newInvoker("study-service", conn, timeout, logger),
	}
}

// ListCompletedStudiesForSettlement returns up to limit completed studies that are not yet settled.
func (c *StudyClient) ListCompletedStudiesForSettlement(ctx context.Context, limit int) ([]models.CompletedStudy, error) {
	var resp ListCompletedStudiesResponse
	if err := c.invoke(ctx, methodListCompletedStudiesSettlement, &ListCompletedStudiesRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Studies, nil
}

func (c *StudyClient) MarkStudySettled(ctx context.Context, studyID int64) error {
	return c.invoke(ctx, methodMarkStudySettled, &MarkStudySettledRequest{StudyID: studyID}, &MarkStudySettledResponse{})
}

func (c *StudyClient) Close() error {
	return c.conn.Close()
}
