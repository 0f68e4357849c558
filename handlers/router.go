package handlers

import (
	"study-payment-svc/middleware"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	ServiceName string
	JWTSecret   string
	Payments    *PaymentHandler
	Settlements *SettlementHandler
	Logger      *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(cfg.Logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	payments := router.Group("/payments")
	payments.POST("/checkout", cfg.Payments.Checkout)
	payments.POST("/confirm", cfg.Payments.Confirm)
	payments.GET("/:orderId", cfg.Payments.GetPayment)

	router.POST("/webhooks/payments", cfg.Payments.Webhook)

	admin := router.Group("/admin", middleware.AuthMiddleware(cfg.JWTSecret, middleware.RoleAdmin))
	admin.POST("/payments/:orderId/refund-request", cfg.Payments.RequestRefund)
	admin.POST("/payments/reconcile", cfg.Payments.Reconcile)
	admin.POST("/settlements/run", cfg.Settlements.Run)
	admin.GET("/settlements/exhausted", cfg.Settlements.ListExhausted)
	admin.GET("/settlements/:id", cfg.Settlements.Get)
	admin.POST("/settlements/:id/retry", cfg.Settlements.Retry)

	return router
}
