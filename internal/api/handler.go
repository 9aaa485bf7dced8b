package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"stamp-order-service/internal/service"
	"stamp-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders     *service.OrderService
	settlement *service.SettlementService
	wallets    *service.WalletService
	tokens     *TokenVerifier
	validate   *validator.Validate
	checks     map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orders *service.OrderService,
	settlement *service.SettlementService,
	wallets *service.WalletService,
	tokens *TokenVerifier,
	checks map[string]Pinger,
) *Handler {
	return &Handler{
		orders:     orders,
		settlement: settlement,
		wallets:    wallets,
		tokens:     tokens,
		validate:   newValidator(),
		checks:     checks,
		logger:     util.ComponentLogger("http"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	// The gateway authenticates with its signature, not a bearer token.
	v1.POST("/payments/webhook", h.paymentWebhook)

	authed := v1.Group("", h.authRequired())
	{
		authed.POST("/orders", h.placeOrder)
		authed.GET("/orders/my-orders", h.listMyOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.PUT("/orders/:id/cancel", h.cancelOrder)
		authed.PUT("/orders/:id/status", h.adminOnly(), h.updateStatus)

		authed.POST("/payments/create-gateway-order", h.createGatewayOrder)
		authed.POST("/payments/verify-gateway-payment", h.verifyGatewayPayment)
		authed.POST("/payments/payment-failed", h.paymentFailed)
		authed.GET("/payments/status/:orderId", h.paymentStatus)

		authed.GET("/wallet", h.getWallet)
	}

	admin := v1.Group("/admin", h.authRequired(), h.adminOnly())
	{
		admin.POST("/users/:id/wallet/credit", h.creditWallet)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
