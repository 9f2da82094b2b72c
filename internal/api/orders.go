package api

import (
	"context"
	"net/http"

	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderCommand
	if !bindJSON(c, &req, false) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.Actor = actor(c)

	order, err := h.orders.CreateOrder(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// getOrder returns the order with its allocation history
func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	details, err := h.orders.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// idAction runs a step that needs only the path id and the actor
func (h *Handler) idAction(c *gin.Context, fn func(ctx context.Context, id int64, actor string) (interface{}, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	result, err := fn(c.Request.Context(), id, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) confirmOrder(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.orders.Confirm(ctx, id, actor)
	})
}

func (h *Handler) reserveOrder(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.orders.Reserve(ctx, id, actor)
	})
}

func (h *Handler) reserveShortfall(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.orders.ReserveShortfall(ctx, id, actor)
	})
}

func (h *Handler) deliverOrder(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.orders.Deliver(ctx, id, actor)
	})
}

type reserveLineRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
}

func (h *Handler) reserveLine(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	lineID, ok := pathID(c, "line_id")
	if !ok {
		return
	}
	var req reserveLineRequest
	if !bindJSON(c, &req, false) {
		return
	}

	result, err := h.engine.Reserve(c.Request.Context(), service.ReserveCommand{
		OrderID:  orderID,
		LineID:   lineID,
		Quantity: req.Quantity,
		Actor:    actor(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// releaseOrder releases held stock; an empty body releases everything
func (h *Handler) releaseOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.ReleaseCommand
	if !bindJSON(c, &req, true) {
		return
	}
	req.OrderID = id
	req.Actor = actor(c)

	result, err := h.engine.Release(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req cancelOrderRequest
	if !bindJSON(c, &req, true) {
		return
	}

	order, err := h.orders.Cancel(c.Request.Context(), id, actor(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
