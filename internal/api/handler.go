package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"order-fulfillment/internal/apperr"
	"order-fulfillment/internal/authz"
	"order-fulfillment/internal/notify"
	"order-fulfillment/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HeaderIdempotencyKey may carry the idempotency key instead of the body
const HeaderIdempotencyKey = "Idempotency-Key"

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	hub          *notify.Hub
	enforcer     *authz.Enforcer
	checks       map[string]ReadinessCheck
	heartbeat    time.Duration
}

// NewHandler creates a new HTTP handler
func NewHandler(orderService *service.OrderService, hub *notify.Hub, enforcer *authz.Enforcer) *Handler {
	return &Handler{
		orderService: orderService,
		hub:          hub,
		enforcer:     enforcer,
		checks:       make(map[string]ReadinessCheck),
		heartbeat:    25 * time.Second,
	}
}

// AddReadinessCheck registers a dependency checked by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		respondError(c, apperr.NotFound("route %s %s not found", c.Request.Method, c.Request.URL.Path))
	})

	v1 := router.Group("/api/v1", authenticate())
	{
		v1.POST("/orders", authorize(h.enforcer, authz.ResourceOrders, authz.ActionCreate), h.createOrder)
		v1.GET("/orders", authorize(h.enforcer, authz.ResourceOrders, authz.ActionList), h.listOrders)
		v1.GET("/orders/:id", authorize(h.enforcer, authz.ResourceOrders, authz.ActionRead), h.getOrder)
		v1.PATCH("/orders/:id", authorize(h.enforcer, authz.ResourceOrders, authz.ActionUpdate), h.updateOrderStatus)
		v1.DELETE("/orders/:id", authorize(h.enforcer, authz.ResourceOrders, authz.ActionDelete), h.removeOrder)

		v1.GET("/products", authorize(h.enforcer, authz.ResourceProducts, authz.ActionList), h.listProducts)

		v1.GET("/events", authorize(h.enforcer, authz.ResourceEvents, authz.ActionSubscribe), h.streamEvents)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck checks every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	}

	order, err := h.orderService.Create(c.Request.Context(), principalFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, "Order created successfully", order)
}

// listOrders handles paginated listing
func (h *Handler) listOrders(c *gin.Context) {
	page, err := queryInt(c, "page")
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.orderService.List(c.Request.Context(), principalFrom(c), service.ListQuery{
		Page:   page,
		Limit:  limit,
		Status: c.Query("status"),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Orders retrieved successfully", result)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := pathID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	order, err := h.orderService.Get(c.Request.Context(), principalFrom(c), orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Order retrieved successfully", order)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// updateOrderStatus handles admin status changes
func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, err := pathID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		respondError(c, apperr.Validation("status is required"))
		return
	}

	order, err := h.orderService.UpdateStatus(c.Request.Context(), principalFrom(c), orderID, req.Status)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Order status updated successfully", order)
}

// removeOrder handles soft deletion
func (h *Handler) removeOrder(c *gin.Context) {
	orderID, err := pathID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.orderService.Remove(c.Request.Context(), principalFrom(c), orderID); err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Order deleted successfully", nil)
}

// listProducts returns the catalog
func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.orderService.ListProducts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusOK, "Products retrieved successfully", products)
}

func pathID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid order ID")
	}
	return id, nil
}

// queryInt returns 0 when the parameter is absent
func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	if n < 1 {
		return 0, apperr.Validation("%s must be at least 1", name)
	}
	return n, nil
}
