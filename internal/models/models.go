package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product carries the aggregate stock ledger of one product
type Product struct {
	ID                int64           `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	Unit              string          `db:"unit" json:"unit"`
	UnitPrice         decimal.Decimal `db:"unit_price" json:"unit_price"`
	PhysicalQty       decimal.Decimal `db:"physical_qty" json:"physical_qty"`
	ReservedQty       decimal.Decimal `db:"reserved_qty" json:"reserved_qty"`
	BufferQty         decimal.Decimal `db:"buffer_qty" json:"buffer_qty"`
	ReorderThreshold  decimal.Decimal `db:"reorder_threshold" json:"reorder_threshold"`
	OptimalReorderQty decimal.Decimal `db:"optimal_reorder_qty" json:"optimal_reorder_qty"`
	Version           int64           `db:"version" json:"version"`
	LastRestockedAt   *time.Time      `db:"last_restocked_at" json:"last_restocked_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Available is physical minus reserved minus buffer, clamped at zero
func (p *Product) Available() decimal.Decimal {
	avail := p.PhysicalQty.Sub(p.ReservedQty).Sub(p.BufferQty)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// UrgentCeiling is the most an urgent sale may draw: physical stock above the buffer floor
func (p *Product) UrgentCeiling() decimal.Decimal {
	ceiling := p.PhysicalQty.Sub(p.BufferQty)
	if ceiling.IsNegative() {
		return decimal.Zero
	}
	return ceiling
}

// StockSnapshot is the read model published for display
type StockSnapshot struct {
	ProductID   int64           `json:"product_id"`
	PhysicalQty decimal.Decimal `json:"physical_qty"`
	ReservedQty decimal.Decimal `json:"reserved_qty"`
	BufferQty   decimal.Decimal `json:"buffer_qty"`
	Available   decimal.Decimal `json:"available"`
	Threshold   decimal.Decimal `json:"reorder_threshold"`
	Version     int64           `json:"version"`
	TakenAt     time.Time       `json:"taken_at"`
}

// Snapshot captures the display view of a product
func (p *Product) Snapshot(now time.Time) StockSnapshot {
	return StockSnapshot{
		ProductID:   p.ID,
		PhysicalQty: p.PhysicalQty,
		ReservedQty: p.ReservedQty,
		BufferQty:   p.BufferQty,
		Available:   p.Available(),
		Threshold:   p.ReorderThreshold,
		Version:     p.Version,
		TakenAt:     now,
	}
}

// Lot is a dated, graded batch of a product received into a zone
type Lot struct {
	ID           int64           `db:"id" json:"id"`
	Code         string          `db:"code" json:"code"`
	ProductID    int64           `db:"product_id" json:"product_id"`
	Zone         string          `db:"zone" json:"zone,omitempty"`
	InitialQty   decimal.Decimal `db:"initial_qty" json:"initial_qty"`
	RemainingQty decimal.Decimal `db:"remaining_qty" json:"remaining_qty"`
	ReservedQty  decimal.Decimal `db:"reserved_qty" json:"reserved_qty"`
	Quality      string          `db:"quality" json:"quality"`
	State        string          `db:"state" json:"state"`
	ReceivedOn   time.Time       `db:"received_on" json:"received_on"`
	ExpiresOn    *time.Time      `db:"expires_on" json:"expires_on,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Unreserved is the quantity of the lot not promised to any order
func (l *Lot) Unreserved() decimal.Decimal {
	free := l.RemainingQty.Sub(l.ReservedQty)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// RefreshState derives the lot state from its quantities
func (l *Lot) RefreshState() {
	switch {
	case !l.RemainingQty.IsPositive():
		l.State = LotStateExhausted
	case l.ReservedQty.GreaterThanOrEqual(l.RemainingQty):
		l.State = LotStateHeld
	case l.RemainingQty.LessThan(l.InitialQty):
		l.State = LotStatePartial
	default:
		l.State = LotStateInStock
	}
}

// Order is a planned client order made of one or more product lines
type Order struct {
	ID             int64           `db:"id" json:"id"`
	Number         string          `db:"number" json:"number"`
	ClientID       int64           `db:"client_id" json:"client_id"`
	Status         string          `db:"status" json:"status"`
	Priority       string          `db:"priority" json:"priority"`
	RequestedQty   decimal.Decimal `db:"requested_qty" json:"requested_qty"`
	ReservedQty    decimal.Decimal `db:"reserved_qty" json:"reserved_qty"`
	ServedQty      decimal.Decimal `db:"served_qty" json:"served_qty"`
	DesiredDate    *time.Time      `db:"desired_date" json:"desired_date,omitempty"`
	DeliveredAt    *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	SourceSaleID   *int64          `db:"source_sale_id" json:"source_sale_id,omitempty"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedBy      string          `db:"created_by" json:"created_by"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	Lines          []OrderLine     `db:"-" json:"lines"`
}

// IsTerminal reports whether the order can no longer change
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusDelivered || o.Status == OrderStatusCancelled
}

// SyncTotals recomputes the order totals from its lines
func (o *Order) SyncTotals() {
	requested, reserved, served := decimal.Zero, decimal.Zero, decimal.Zero
	for _, line := range o.Lines {
		requested = requested.Add(line.RequestedQty)
		reserved = reserved.Add(line.ReservedQty)
		served = served.Add(line.ServedQty)
	}
	o.RequestedQty = requested
	o.ReservedQty = reserved
	o.ServedQty = served
}

// FullyCovered reports whether every line is reserved or served in full
func (o *Order) FullyCovered() bool {
	for _, line := range o.Lines {
		if line.Outstanding().IsPositive() {
			return false
		}
	}
	return true
}

// Line returns the order line with the given id
func (o *Order) Line(lineID int64) *OrderLine {
	for i := range o.Lines {
		if o.Lines[i].ID == lineID {
			return &o.Lines[i]
		}
	}
	return nil
}

// ProductIDs lists the products referenced by the order lines
func (o *Order) ProductIDs() []int64 {
	ids := make([]int64, 0, len(o.Lines))
	for _, line := range o.Lines {
		ids = append(ids, line.ProductID)
	}
	return ids
}

// OrderLine is the requested quantity of a single product within an order
type OrderLine struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	ProductID    int64           `db:"product_id" json:"product_id"`
	RequestedQty decimal.Decimal `db:"requested_qty" json:"requested_qty"`
	ReservedQty  decimal.Decimal `db:"reserved_qty" json:"reserved_qty"`
	ServedQty    decimal.Decimal `db:"served_qty" json:"served_qty"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
}

// Outstanding is the part of the line neither reserved nor served
func (l *OrderLine) Outstanding() decimal.Decimal {
	return l.RequestedQty.Sub(l.ReservedQty).Sub(l.ServedQty)
}

// Allocation binds a quantity of a lot to an order line
type Allocation struct {
	ID           int64           `db:"id" json:"id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	LineID       int64           `db:"line_id" json:"line_id"`
	ProductID    int64           `db:"product_id" json:"product_id"`
	LotID        int64           `db:"lot_id" json:"lot_id"`
	AllocatedQty decimal.Decimal `db:"allocated_qty" json:"allocated_qty"`
	Status       string          `db:"status" json:"status"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Movement is one append-only entry of the stock audit trail
type Movement struct {
	ID         int64           `db:"id" json:"id"`
	Type       string          `db:"type" json:"type"`
	Quantity   decimal.Decimal `db:"quantity" json:"quantity"`
	LotID      int64           `db:"lot_id" json:"lot_id"`
	ProductID  int64           `db:"product_id" json:"product_id"`
	OriginZone string          `db:"origin_zone" json:"origin_zone,omitempty"`
	DestZone   string          `db:"dest_zone" json:"dest_zone,omitempty"`
	OrderID    *int64          `db:"order_id" json:"order_id,omitempty"`
	SaleID     *int64          `db:"sale_id" json:"sale_id,omitempty"`
	Actor      string          `db:"actor" json:"actor,omitempty"`
	Reason     string          `db:"reason" json:"reason,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// MovementFilter narrows a movement listing; zero fields are ignored
type MovementFilter struct {
	ProductID int64
	LotID     int64
	OrderID   int64
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Alert is an open notification that a product fell to its reorder threshold
type Alert struct {
	ID                       int64           `db:"id" json:"id"`
	ProductID                int64           `db:"product_id" json:"product_id"`
	SnapshotAvailable        decimal.Decimal `db:"snapshot_available" json:"snapshot_available"`
	SnapshotThreshold        decimal.Decimal `db:"snapshot_threshold" json:"snapshot_threshold"`
	Status                   string          `db:"status" json:"status"`
	PurchaseRequestGenerated bool            `db:"purchase_request_generated" json:"purchase_request_generated"`
	RaisedAt                 time.Time       `db:"raised_at" json:"raised_at"`
	UpdatedAt                time.Time       `db:"updated_at" json:"updated_at"`
	ResolvedAt               *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy               string          `db:"resolved_by" json:"resolved_by,omitempty"`
}

// PurchaseRequest is a trackable replenishment request for a product
type PurchaseRequest struct {
	ID                int64           `db:"id" json:"id"`
	Number            string          `db:"number" json:"number"`
	ProductID         int64           `db:"product_id" json:"product_id"`
	Quantity          decimal.Decimal `db:"quantity" json:"quantity"`
	Priority          string          `db:"priority" json:"priority"`
	Status            string          `db:"status" json:"status"`
	AlertID           *int64          `db:"alert_id" json:"alert_id,omitempty"`
	SnapshotAvailable decimal.Decimal `db:"snapshot_available" json:"snapshot_available"`
	SnapshotThreshold decimal.Decimal `db:"snapshot_threshold" json:"snapshot_threshold"`
	CreatedBy         string          `db:"created_by" json:"created_by"`
	ApprovedBy        string          `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	ReceivedLotID     *int64          `db:"received_lot_id" json:"received_lot_id,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// ImmediateSale records a walk-up sale resolved synchronously
type ImmediateSale struct {
	ID               int64           `db:"id" json:"id"`
	Number           string          `db:"number" json:"number"`
	ProductID        int64           `db:"product_id" json:"product_id"`
	ClientID         int64           `db:"client_id" json:"client_id,omitempty"`
	Mode             string          `db:"mode" json:"mode"`
	RequestedQty     decimal.Decimal `db:"requested_qty" json:"requested_qty"`
	ServedQty        decimal.Decimal `db:"served_qty" json:"served_qty"`
	UnitPrice        decimal.Decimal `db:"unit_price" json:"unit_price"`
	ChargedUnitPrice decimal.Decimal `db:"charged_unit_price" json:"charged_unit_price"`
	AmountDue        decimal.Decimal `db:"amount_due" json:"amount_due"`
	BackorderID      *int64          `db:"backorder_id" json:"backorder_id,omitempty"`
	EncroachedQty    decimal.Decimal `db:"encroached_qty" json:"encroached_qty"`
	Actor            string          `db:"actor" json:"actor,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// Lot states
const (
	LotStateInStock   = "IN_STOCK"
	LotStatePartial   = "PARTIAL"
	LotStateExhausted = "EXHAUSTED"
	LotStateHeld      = "HELD"
)

// Lot quality grades
const (
	QualityPremium  = "PREMIUM"
	QualityStandard = "STANDARD"
	QualityEconomy  = "ECONOMY"
)

// Order statuses
const (
	OrderStatusPending         = "PENDING"
	OrderStatusConfirmed       = "CONFIRMED"
	OrderStatusReserved        = "RESERVED"
	OrderStatusAwaitingRestock = "AWAITING_RESTOCK"
	OrderStatusDelivered       = "DELIVERED"
	OrderStatusCancelled       = "CANCELLED"
)

// Priorities shared by orders and purchase requests
const (
	PriorityNormal = "NORMAL"
	PriorityUrgent = "URGENT"
)

// Allocation statuses
const (
	AllocationHeld      = "HELD"
	AllocationFulfilled = "FULFILLED"
	AllocationReleased  = "RELEASED"
)

// Movement types
const (
	MovementIn      = "IN"
	MovementOut     = "OUT"
	MovementReserve = "RESERVE"
	MovementRelease = "RELEASE"
	MovementAdjust  = "ADJUST"
)

// Alert statuses
const (
	AlertStatusActive    = "ACTIVE"
	AlertStatusResolved  = "RESOLVED"
	AlertStatusDismissed = "DISMISSED"
)

// Purchase request statuses
const (
	PurchaseRequestDraft     = "DRAFT"
	PurchaseRequestSent      = "SENT"
	PurchaseRequestApproved  = "APPROVED"
	PurchaseRequestOrdered   = "ORDERED"
	PurchaseRequestReceived  = "RECEIVED"
	PurchaseRequestCancelled = "CANCELLED"
)

// Immediate sale modes
const (
	SaleModeFull    = "FULL"
	SaleModePartial = "PARTIAL"
	SaleModeUrgent  = "URGENT"
)
