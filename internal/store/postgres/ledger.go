package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"stock-service/internal/models"
)

const movementColumns = `id, type, quantity, lot_id, product_id, origin_zone, dest_zone,
	order_id, sale_id, actor, reason, created_at`

// AppendMovement inserts a movement; movements are never updated
func (t *pgTx) AppendMovement(ctx context.Context, m *models.Movement) error {
	return t.tx.QueryRowxContext(ctx, `
		INSERT INTO movements (type, quantity, lot_id, product_id, origin_zone, dest_zone,
			order_id, sale_id, actor, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		m.Type, m.Quantity, m.LotID, m.ProductID, m.OriginZone, m.DestZone,
		m.OrderID, m.SaleID, m.Actor, m.Reason,
	).Scan(&m.ID, &m.CreatedAt)
}

// ListMovements retrieves movements matching the filter in insertion order
func (t *pgTx) ListMovements(ctx context.Context, f models.MovementFilter) ([]models.Movement, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.ProductID != 0 {
		add("product_id = ?", f.ProductID)
	}
	if f.LotID != 0 {
		add("lot_id = ?", f.LotID)
	}
	if f.OrderID != 0 {
		add("order_id = ?", f.OrderID)
	}
	if !f.Since.IsZero() {
		add("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < ?", f.Until)
	}

	query := "SELECT " + movementColumns + " FROM movements"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	var movements []models.Movement
	err := t.tx.SelectContext(ctx, &movements, query, args...)
	return movements, err
}

const alertColumns = `id, product_id, snapshot_available, snapshot_threshold, status,
	purchase_request_generated, raised_at, updated_at, resolved_at, resolved_by`

// CreateAlert inserts an alert
func (t *pgTx) CreateAlert(ctx context.Context, a *models.Alert) error {
	return t.tx.QueryRowxContext(ctx, `
		INSERT INTO alerts (product_id, snapshot_available, snapshot_threshold, status,
			purchase_request_generated, raised_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, updated_at`,
		a.ProductID, a.SnapshotAvailable, a.SnapshotThreshold, a.Status,
		a.PurchaseRequestGenerated, a.RaisedAt,
	).Scan(&a.ID, &a.UpdatedAt)
}

// UpdateAlert writes the alert snapshot and lifecycle fields
func (t *pgTx) UpdateAlert(ctx context.Context, a *models.Alert) error {
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE alerts SET snapshot_available = $1, snapshot_threshold = $2, status = $3,
			purchase_request_generated = $4, resolved_at = $5, resolved_by = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at`,
		a.SnapshotAvailable, a.SnapshotThreshold, a.Status,
		a.PurchaseRequestGenerated, a.ResolvedAt, a.ResolvedBy, a.ID,
	).Scan(&a.UpdatedAt)
	return notFound(err, "alert", a.ID)
}

// GetAlert retrieves an alert by ID
func (t *pgTx) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	var alert models.Alert
	err := t.tx.GetContext(ctx, &alert, "SELECT "+alertColumns+" FROM alerts WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "alert", id)
	}
	return &alert, nil
}

// GetActiveAlert retrieves the single ACTIVE alert of a product, if any
func (t *pgTx) GetActiveAlert(ctx context.Context, productID int64) (*models.Alert, error) {
	var alert models.Alert
	err := t.tx.GetContext(ctx, &alert,
		"SELECT "+alertColumns+" FROM alerts WHERE product_id = $1 AND status = $2",
		productID, models.AlertStatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// ListAlerts retrieves alerts newest first; an empty status matches all
func (t *pgTx) ListAlerts(ctx context.Context, status string) ([]models.Alert, error) {
	var alerts []models.Alert
	if status == "" {
		err := t.tx.SelectContext(ctx, &alerts, "SELECT "+alertColumns+" FROM alerts ORDER BY id DESC")
		return alerts, err
	}
	err := t.tx.SelectContext(ctx, &alerts,
		"SELECT "+alertColumns+" FROM alerts WHERE status = $1 ORDER BY id DESC", status)
	return alerts, err
}

const purchaseRequestColumns = `id, number, product_id, quantity, priority, status, alert_id,
	snapshot_available, snapshot_threshold, created_by, approved_by, approved_at, received_lot_id,
	created_at, updated_at`

// CreatePurchaseRequest inserts a purchase request
func (t *pgTx) CreatePurchaseRequest(ctx context.Context, pr *models.PurchaseRequest) error {
	return t.tx.QueryRowxContext(ctx, `
		INSERT INTO purchase_requests (number, product_id, quantity, priority, status, alert_id,
			snapshot_available, snapshot_threshold, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		pr.Number, pr.ProductID, pr.Quantity, pr.Priority, pr.Status, pr.AlertID,
		pr.SnapshotAvailable, pr.SnapshotThreshold, pr.CreatedBy,
	).Scan(&pr.ID, &pr.CreatedAt, &pr.UpdatedAt)
}

// UpdatePurchaseRequest writes the purchase request workflow fields
func (t *pgTx) UpdatePurchaseRequest(ctx context.Context, pr *models.PurchaseRequest) error {
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE purchase_requests SET status = $1, approved_by = $2, approved_at = $3,
			received_lot_id = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`,
		pr.Status, pr.ApprovedBy, pr.ApprovedAt, pr.ReceivedLotID, pr.ID,
	).Scan(&pr.UpdatedAt)
	return notFound(err, "purchase request", pr.ID)
}

// GetPurchaseRequest retrieves a purchase request by ID
func (t *pgTx) GetPurchaseRequest(ctx context.Context, id int64) (*models.PurchaseRequest, error) {
	var pr models.PurchaseRequest
	err := t.tx.GetContext(ctx, &pr, "SELECT "+purchaseRequestColumns+" FROM purchase_requests WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "purchase request", id)
	}
	return &pr, nil
}

// GetPurchaseRequestByAlert retrieves the purchase request generated from an alert
func (t *pgTx) GetPurchaseRequestByAlert(ctx context.Context, alertID int64) (*models.PurchaseRequest, error) {
	var pr models.PurchaseRequest
	err := t.tx.GetContext(ctx, &pr,
		"SELECT "+purchaseRequestColumns+" FROM purchase_requests WHERE alert_id = $1 ORDER BY id LIMIT 1", alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListPurchaseRequests retrieves purchase requests newest first; an empty status matches all
func (t *pgTx) ListPurchaseRequests(ctx context.Context, status string) ([]models.PurchaseRequest, error) {
	var requests []models.PurchaseRequest
	if status == "" {
		err := t.tx.SelectContext(ctx, &requests,
			"SELECT "+purchaseRequestColumns+" FROM purchase_requests ORDER BY id DESC")
		return requests, err
	}
	err := t.tx.SelectContext(ctx, &requests,
		"SELECT "+purchaseRequestColumns+" FROM purchase_requests WHERE status = $1 ORDER BY id DESC", status)
	return requests, err
}

const saleColumns = `id, number, product_id, client_id, mode, requested_qty, served_qty, unit_price,
	charged_unit_price, amount_due, backorder_id, encroached_qty, actor, created_at`

// CreateSale inserts an immediate sale
func (t *pgTx) CreateSale(ctx context.Context, sale *models.ImmediateSale) error {
	return t.tx.QueryRowxContext(ctx, `
		INSERT INTO immediate_sales (number, product_id, client_id, mode, requested_qty, served_qty,
			unit_price, charged_unit_price, amount_due, backorder_id, encroached_qty, actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`,
		sale.Number, sale.ProductID, sale.ClientID, sale.Mode, sale.RequestedQty, sale.ServedQty,
		sale.UnitPrice, sale.ChargedUnitPrice, sale.AmountDue, sale.BackorderID, sale.EncroachedQty, sale.Actor,
	).Scan(&sale.ID, &sale.CreatedAt)
}

// GetSale retrieves an immediate sale by ID
func (t *pgTx) GetSale(ctx context.Context, id int64) (*models.ImmediateSale, error) {
	var sale models.ImmediateSale
	err := t.tx.GetContext(ctx, &sale, "SELECT "+saleColumns+" FROM immediate_sales WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "sale", id)
	}
	return &sale, nil
}
