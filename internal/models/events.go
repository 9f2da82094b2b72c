package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderSubmitted     = "ORDER_SUBMITTED"
	EventTypeLotReceived        = "LOT_RECEIVED"
	EventTypeMovementRecorded   = "MOVEMENT_RECORDED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeAlertRaised        = "ALERT_RAISED"
	EventTypeAlertResolved      = "ALERT_RESOLVED"
	EventTypePurchaseRequested  = "PURCHASE_REQUESTED"
	EventTypeSaleCompleted      = "SALE_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderSubmittedEvent is produced by the order intake layer
type OrderSubmittedEvent struct {
	BaseEvent
	ClientID       int64           `json:"client_id"`
	Priority       string          `json:"priority"`
	DesiredDate    *time.Time      `json:"desired_date,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          string          `json:"actor"`
	Lines          []OrderLineData `json:"lines"`
}

// OrderLineData represents a line in intake events
type OrderLineData struct {
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// LotReceivedEvent is produced by the warehouse layer when goods arrive
type LotReceivedEvent struct {
	BaseEvent
	ProductID  int64           `json:"product_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	Zone       string          `json:"zone"`
	Quality    string          `json:"quality"`
	ReceivedOn time.Time       `json:"received_on"`
	ExpiresOn  *time.Time      `json:"expires_on,omitempty"`
	Actor      string          `json:"actor"`
}

// MovementRecordedEvent mirrors a committed movement for dashboards and forecasting
type MovementRecordedEvent struct {
	BaseEvent
	Movement Movement `json:"movement"`
}

// OrderStatusChangedEvent published on every order transition
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	ReservedQty decimal.Decimal `json:"reserved_qty"`
	ServedQty   decimal.Decimal `json:"served_qty"`
}

// AlertRaisedEvent published when a product enters alert
type AlertRaisedEvent struct {
	BaseEvent
	AlertID   int64           `json:"alert_id"`
	ProductID int64           `json:"product_id"`
	Available decimal.Decimal `json:"available"`
	Threshold decimal.Decimal `json:"threshold"`
}

// AlertResolvedEvent published when an alert leaves ACTIVE
type AlertResolvedEvent struct {
	BaseEvent
	AlertID   int64  `json:"alert_id"`
	ProductID int64  `json:"product_id"`
	Status    string `json:"status"`
	Actor     string `json:"actor"`
}

// PurchaseRequestedEvent published when a purchase request is created
type PurchaseRequestedEvent struct {
	BaseEvent
	PurchaseRequestID int64           `json:"purchase_request_id"`
	ProductID         int64           `json:"product_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	Priority          string          `json:"priority"`
	AlertID           *int64          `json:"alert_id,omitempty"`
}

// SaleCompletedEvent published after an immediate sale
type SaleCompletedEvent struct {
	BaseEvent
	SaleID        int64           `json:"sale_id"`
	ProductID     int64           `json:"product_id"`
	Mode          string          `json:"mode"`
	ServedQty     decimal.Decimal `json:"served_qty"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	EncroachedQty decimal.Decimal `json:"encroached_qty"`
	BackorderID   *int64          `json:"backorder_id,omitempty"`
}
