package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/service"
	"stock-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ActorHeader names the user or system performing a request
const ActorHeader = "X-Actor"

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Services groups the domain services exposed over HTTP
type Services struct {
	Engine *service.AllocationEngine
	Orders *service.OrderLifecycle
	Sales  *service.ImmediateSaleProcessor
	Alerts *service.AlertMonitor
	Ledger *service.MovementLedger
}

// Handler contains HTTP handlers
type Handler struct {
	engine *service.AllocationEngine
	orders *service.OrderLifecycle
	sales  *service.ImmediateSaleProcessor
	alerts *service.AlertMonitor
	ledger *service.MovementLedger
	checks map[string]ReadinessCheck
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(s Services, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		engine: s.Engine,
		orders: s.Orders,
		sales:  s.Sales,
		alerts: s.Alerts,
		ledger: s.Ledger,
		checks: checks,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/products", h.registerProduct)
		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.stockSummary)
		v1.GET("/products/:id/availability", h.getAvailability)
		v1.PUT("/products/:id/policy", h.setStockPolicy)
		v1.POST("/products/:id/evaluate", h.evaluateAlert)
		v1.GET("/products/:id/quote", h.quoteSale)

		v1.POST("/lots", h.receiveLot)
		v1.GET("/lots/expiring", h.listExpiringLots)
		v1.POST("/lots/:id/adjust", h.adjustLot)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/confirm", h.confirmOrder)
		v1.POST("/orders/:id/reserve", h.reserveOrder)
		v1.POST("/orders/:id/reserve-shortfall", h.reserveShortfall)
		v1.POST("/orders/:id/lines/:line_id/reserve", h.reserveLine)
		v1.POST("/orders/:id/release", h.releaseOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/sales", h.createSale)

		v1.GET("/alerts", h.listAlerts)
		v1.GET("/alerts/critical", h.criticalProducts)
		v1.POST("/alerts/:id/resolve", h.resolveAlert)
		v1.POST("/alerts/:id/dismiss", h.dismissAlert)
		v1.POST("/alerts/:id/purchase-request", h.generatePurchaseRequest)

		v1.GET("/purchase-requests", h.listPurchaseRequests)
		v1.POST("/purchase-requests/:id/send", h.sendPurchaseRequest)
		v1.POST("/purchase-requests/:id/approve", h.approvePurchaseRequest)
		v1.POST("/purchase-requests/:id/order", h.orderPurchaseRequest)
		v1.POST("/purchase-requests/:id/receive", h.receivePurchaseRequest)
		v1.POST("/purchase-requests/:id/cancel", h.cancelPurchaseRequest)

		v1.GET("/movements", h.listMovements)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
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

func actor(c *gin.Context) string {
	return c.GetHeader(ActorHeader)
}

// pathID parses a positive integer path parameter, answering 400 otherwise
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name,
		})
		return 0, false
	}
	return id, true
}

// bindJSON decodes the body; an empty body leaves req untouched when optional is set
func bindJSON(c *gin.Context, req interface{}, optional bool) bool {
	if optional && c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP status codes
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal error"

	switch {
	case errors.Is(err, models.ErrValidation):
		status, message = http.StatusBadRequest, "Validation failed"
	case errors.Is(err, models.ErrNotFound):
		status, message = http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrInvalidTransition):
		status, message = http.StatusConflict, "Invalid transition"
	case errors.Is(err, models.ErrInsufficientStock):
		status, message = http.StatusConflict, "Insufficient stock"
	case errors.Is(err, models.ErrConcurrencyConflict):
		status, message = http.StatusConflict, "Concurrent update, retry"
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
