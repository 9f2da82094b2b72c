package api

import (
	"context"
	"net/http"

	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) listAlerts(c *gin.Context) {
	alerts, err := h.alerts.ListAlerts(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// criticalProducts lists products at or under threshold, most severe first
func (h *Handler) criticalProducts(c *gin.Context) {
	products, err := h.alerts.CriticalProducts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) resolveAlert(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.alerts.Resolve(ctx, id, actor)
	})
}

func (h *Handler) dismissAlert(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.alerts.Dismiss(ctx, id, actor)
	})
}

func (h *Handler) generatePurchaseRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	request, err := h.alerts.GeneratePurchaseRequest(c.Request.Context(), id, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, request)
}

func (h *Handler) listPurchaseRequests(c *gin.Context) {
	requests, err := h.alerts.ListPurchaseRequests(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase_requests": requests})
}

func (h *Handler) sendPurchaseRequest(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.alerts.SendPurchaseRequest(ctx, id, actor)
	})
}

func (h *Handler) approvePurchaseRequest(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.alerts.ApprovePurchaseRequest(ctx, id, actor)
	})
}

func (h *Handler) orderPurchaseRequest(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.alerts.MarkPurchaseRequestOrdered(ctx, id, actor)
	})
}

func (h *Handler) cancelPurchaseRequest(c *gin.Context) {
	h.idAction(c, func(ctx context.Context, id int64, actor string) (interface{}, error) {
		return h.alerts.CancelPurchaseRequest(ctx, id, actor)
	})
}

// receivePurchaseRequest books the delivered goods as a new lot
func (h *Handler) receivePurchaseRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.ReceivePurchaseRequestCommand
	if !bindJSON(c, &req, true) {
		return
	}
	req.PurchaseRequestID = id
	req.Actor = actor(c)

	request, lot, err := h.alerts.ReceivePurchaseRequest(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"purchase_request": request,
		"lot":              lot,
	})
}
