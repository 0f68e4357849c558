package handlers

import (
	"context"

	_ "study-payment-svc/grpc" // registers the json codec
	"study-payment-svc/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const PaymentServiceName = "payment.v1.PaymentService"

type GetPaymentRequest struct {
	OrderID string `json:"order_id"`
}

// PaymentServer is the payment.v1.PaymentService contract. Messages travel through the
// json codec.
type PaymentServer interface {
	ConfirmPayment(ctx context.Context, req *models.ConfirmPaymentRequest) (*models.PaymentView, error)
	GetPayment(ctx context.Context, req *GetPaymentRequest) (*models.PaymentView, error)
}

var PaymentServiceDesc = grpc.ServiceDesc{
	ServiceName: PaymentServiceName,
	HandlerType: (*PaymentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ConfirmPayment", Handler: confirmPaymentHandler},
		{MethodName: "GetPayment", Handler: getPaymentHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterPaymentServiceServer(s grpc.ServiceRegistrar, srv PaymentServer) {
	s.RegisterService(&PaymentServiceDesc, srv)
}

func confirmPaymentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(models.ConfirmPaymentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentServer).ConfirmPayment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + PaymentServiceName + "/ConfirmPayment"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(PaymentServer).ConfirmPayment(ctx, req.(*models.ConfirmPaymentRequest))
	})
}

func getPaymentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetPaymentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentServer).GetPayment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + PaymentServiceName + "/GetPayment"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(PaymentServer).GetPayment(ctx, req.(*GetPaymentRequest))
	})
}

type PaymentGRPCService struct {
	svc    PaymentService
	logger *zap.Logger
}

func NewPaymentGRPCService(svc PaymentService, logger *zap.Logger) *PaymentGRPCService {
	return &PaymentGRPCService{
		svc:    svc,
		logger: logger,
	}
}

func (s *PaymentGRPCService) ConfirmPayment(ctx context.Context, req *models.ConfirmPaymentRequest) (*models.PaymentView, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ConfirmPayment_gRPC")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	view, err := s.svc.Confirm(ctx, *req)
	if err != nil {
		span.RecordError(err)
		return nil, grpcError(err)
	}
	return view, nil
}

func (s *PaymentGRPCService) GetPayment(ctx context.Context, req *GetPaymentRequest) (*models.PaymentView, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "GetPayment_gRPC")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", req.OrderID))

	view, err := s.svc.Get(ctx, req.OrderID)
	if err != nil {
		return nil, grpcError(err)
	}
	return view, nil
}
