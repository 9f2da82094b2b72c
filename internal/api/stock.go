package api

import (
	"net/http"
	"strconv"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h *Handler) registerProduct(c *gin.Context) {
	var req service.RegisterProductCommand
	if !bindJSON(c, &req, false) {
		return
	}
	req.Actor = actor(c)

	product, err := h.engine.RegisterProduct(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.engine.ListProducts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) stockSummary(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	summary, err := h.engine.StockSummary(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) getAvailability(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	snapshot, err := h.engine.GetAvailability(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *Handler) setStockPolicy(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.SetStockPolicyCommand
	if !bindJSON(c, &req, false) {
		return
	}
	req.ProductID = id
	req.Actor = actor(c)

	product, err := h.engine.SetStockPolicy(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) evaluateAlert(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	alert, err := h.alerts.Evaluate(c.Request.Context(), id, actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"in_alert": alert != nil, "alert": alert})
}

func (h *Handler) quoteSale(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	qty, err := decimal.NewFromString(c.Query("quantity"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid quantity",
		})
		return
	}

	quote, err := h.sales.Quote(c.Request.Context(), id, qty)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (h *Handler) receiveLot(c *gin.Context) {
	var req service.ReceiveLotCommand
	if !bindJSON(c, &req, false) {
		return
	}
	req.Actor = actor(c)

	lot, err := h.engine.ReceiveLot(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lot)
}

func (h *Handler) adjustLot(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req service.AdjustLotCommand
	if !bindJSON(c, &req, false) {
		return
	}
	req.LotID = id
	req.Actor = actor(c)

	lot, err := h.engine.AdjustLot(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, lot)
}

// listExpiringLots defaults to a seven day window
func (h *Handler) listExpiringLots(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("within_days", "7"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid within_days",
		})
		return
	}

	lots, err := h.engine.ListExpiringLots(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lots": lots})
}

func (h *Handler) createSale(c *gin.Context) {
	var req service.SaleCommand
	if !bindJSON(c, &req, false) {
		return
	}
	req.Actor = actor(c)

	result, err := h.sales.Process(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) listMovements(c *gin.Context) {
	var filter models.MovementFilter
	var err error

	parseInt := func(name string, dst *int64) bool {
		v := c.Query(name)
		if v == "" {
			return true
		}
		if *dst, err = strconv.ParseInt(v, 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
			return false
		}
		return true
	}
	parseTime := func(name string, dst *time.Time) bool {
		v := c.Query(name)
		if v == "" {
			return true
		}
		if *dst, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
			return false
		}
		return true
	}

	if !parseInt("product_id", &filter.ProductID) || !parseInt("lot_id", &filter.LotID) ||
		!parseInt("order_id", &filter.OrderID) || !parseTime("since", &filter.Since) ||
		!parseTime("until", &filter.Until) {
		return
	}
	if v := c.Query("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
	}

	movements, err := h.ledger.List(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"movements": movements})
}
