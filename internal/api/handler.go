package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"fulfillment-sync/internal/models"
	"fulfillment-sync/internal/provider"
	"fulfillment-sync/internal/service"
	"fulfillment-sync/internal/util"
	"fulfillment-sync/pkg/apperr"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Engine is the sync service surface the HTTP layer drives
type Engine interface {
	ApplyEvent(ctx context.Context, ev models.StatusEvent) (*service.ApplyResult, error)
	CreateOrder(ctx context.Context, p models.Provider, req models.FulfillmentRequest) (*models.Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (*service.OrderStatusView, error)
}

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options bounds webhook processing
type Options struct {
	WebhookConcurrency int
	ApplyTimeout       time.Duration
}

// Handler contains HTTP handlers
type Handler struct {
	engine    Engine
	providers provider.Registry
	deps      map[string]Pinger
	inflight  chan struct{}
	applies   sync.WaitGroup
	opts      Options
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler. deps are checked by /ready.
func NewHandler(engine Engine, providers provider.Registry, deps map[string]Pinger, opts Options) *Handler {
	if opts.WebhookConcurrency < 1 {
		opts.WebhookConcurrency = 1
	}
	if opts.ApplyTimeout <= 0 {
		opts.ApplyTimeout = 5 * time.Second
	}
	return &Handler{
		engine:    engine,
		providers: providers,
		deps:      deps,
		inflight:  make(chan struct{}, opts.WebhookConcurrency),
		opts:      opts,
		logger:    util.Component("http"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(util.ServiceName))
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/provider-a", h.webhook(models.ProviderA))
		hooks.POST("/provider-b", h.webhook(models.ProviderB))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every backing dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failing := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not_ready",
			"failing": failing,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CreateOrderRequest is the checkout hand-off body
type CreateOrderRequest struct {
	Provider    models.Provider           `json:"provider" binding:"required"`
	Fulfillment models.FulfillmentRequest `json:"fulfillment"`
}

// createOrder hands a paid order to a provider
func (h *Handler) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.BadRequest("invalid request body", apperr.WithCause(err)))
		return
	}

	order, err := h.engine.CreateOrder(c.Request.Context(), req.Provider, req.Fulfillment)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id":           order.ID,
		"provider":           order.Provider,
		"provider_order_ref": order.Ref(),
		"canonical_status":   order.CanonicalStatus,
		"version":            order.Version,
	})
}

// getOrderStatus serves the canonical status, tracking and timeline
func (h *Handler) getOrderStatus(c *gin.Context) {
	view, err := h.engine.GetOrderStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// Drain waits for webhook applies still running, including those that
// outlived their request deadline
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.applies.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		util.GetLogger().Error("Unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		appErr = apperr.Internal("internal error")
	}
	detail := gin.H{
		"kind":    appErr.Kind(),
		"message": appErr.Message(),
	}
	if details := appErr.Details(); len(details) > 0 {
		detail["details"] = details
	}
	c.JSON(appErr.StatusCode(), gin.H{"error": detail})
}
