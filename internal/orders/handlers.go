package orders

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/broker-api/internal/idempotency"
	"github.com/ksred/broker-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST requests to place orders
// Requires a valid JWT token and an Idempotency-Key header
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		recordKey := c.GetString(idempotency.ContextKey)

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		status, body, err := h.service.PlaceOrder(userID, &req, recordKey)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		// Raw bytes so a replayed request is byte-identical
		c.Data(status, "application/json; charset=utf-8", body)
	}
}

// ListOrdersHandler handles GET requests for the order book
// Query parameters: status, from, to (RFC3339)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")

		var from, to *time.Time
		if v := c.Query("from"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.BadRequest(c, "from must be RFC3339")
				return
			}
			from = &t
		}
		if v := c.Query("to"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.BadRequest(c, "to must be RFC3339")
				return
			}
			to = &t
		}

		ordersList, err := h.service.ListOrders(userID, c.Query("status"), from, to)
		response.Handle(c, ordersList, err)
	}
}

// GetOrderHandler handles GET requests for a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.GetString("userID"), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// ModifyOrderHandler handles PUT requests to modify open orders
// URL parameter: order_id
func (h *GinHandlers) ModifyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ModifyOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.ModifyOrder(c.GetString("userID"), c.Param("order_id"), &req)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles POST requests to cancel open orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.GetString("userID"), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// OrderTradesHandler handles GET requests for an order's trades
// URL parameter: order_id
func (h *GinHandlers) OrderTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.ListOrderTrades(c.GetString("userID"), c.Param("order_id"))
		response.Handle(c, trades, err)
	}
}
