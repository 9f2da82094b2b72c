package postgres

import (
	"context"
	"database/sql"
	"errors"

	"stock-service/internal/models"
)

const orderColumns = `id, number, client_id, status, priority, requested_qty, reserved_qty, served_qty,
	desired_date, delivered_at, source_sale_id, idempotency_key, created_by, created_at, updated_at`

const lineColumns = `id, order_id, product_id, requested_qty, reserved_qty, served_qty, unit_price`

// CreateOrder creates a new order and its lines
func (t *pgTx) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (number, client_id, status, priority, requested_qty, reserved_qty, served_qty,
			desired_date, source_sale_id, idempotency_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		order.Number, order.ClientID, order.Status, order.Priority,
		order.RequestedQty, order.ReservedQty, order.ServedQty,
		order.DesiredDate, order.SourceSaleID, order.IdempotencyKey, order.CreatedBy,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err := t.tx.QueryRowxContext(ctx, `
			INSERT INTO order_lines (order_id, product_id, requested_qty, reserved_qty, served_qty, unit_price)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			line.OrderID, line.ProductID, line.RequestedQty, line.ReservedQty, line.ServedQty, line.UnitPrice,
		).Scan(&line.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOrder retrieves an order by ID with its lines
func (t *pgTx) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	if err := t.loadLines(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (t *pgTx) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	if key == "" {
		return nil, nil
	}
	var order models.Order
	err := t.tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := t.loadLines(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *pgTx) loadLines(ctx context.Context, order *models.Order) error {
	return t.tx.SelectContext(ctx, &order.Lines,
		"SELECT "+lineColumns+" FROM order_lines WHERE order_id = $1 ORDER BY id", order.ID)
}

// UpdateOrder writes order status, totals and line quantities
func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order) error {
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE orders SET status = $1, priority = $2, requested_qty = $3, reserved_qty = $4, served_qty = $5,
			delivered_at = $6, source_sale_id = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at`,
		order.Status, order.Priority, order.RequestedQty, order.ReservedQty, order.ServedQty,
		order.DeliveredAt, order.SourceSaleID, order.ID,
	).Scan(&order.UpdatedAt)
	if err != nil {
		return notFound(err, "order", order.ID)
	}

	for _, line := range order.Lines {
		_, err := t.tx.ExecContext(ctx,
			"UPDATE order_lines SET reserved_qty = $1, served_qty = $2 WHERE id = $3",
			line.ReservedQty, line.ServedQty, line.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

const allocationColumns = `id, order_id, line_id, product_id, lot_id, allocated_qty, status, created_at, updated_at`

// CreateAllocation inserts a lot allocation
func (t *pgTx) CreateAllocation(ctx context.Context, a *models.Allocation) error {
	return t.tx.QueryRowxContext(ctx, `
		INSERT INTO allocations (order_id, line_id, product_id, lot_id, allocated_qty, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		a.OrderID, a.LineID, a.ProductID, a.LotID, a.AllocatedQty, a.Status,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

// UpdateAllocation writes allocation quantity and status
func (t *pgTx) UpdateAllocation(ctx context.Context, a *models.Allocation) error {
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE allocations SET allocated_qty = $1, status = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at`,
		a.AllocatedQty, a.Status, a.ID,
	).Scan(&a.UpdatedAt)
	return notFound(err, "allocation", a.ID)
}

// ListAllocationsByOrder retrieves the allocations of an order in creation order
func (t *pgTx) ListAllocationsByOrder(ctx context.Context, orderID int64, status string) ([]models.Allocation, error) {
	var allocations []models.Allocation
	if status == "" {
		err := t.tx.SelectContext(ctx, &allocations,
			"SELECT "+allocationColumns+" FROM allocations WHERE order_id = $1 ORDER BY id", orderID)
		return allocations, err
	}
	err := t.tx.SelectContext(ctx, &allocations,
		"SELECT "+allocationColumns+" FROM allocations WHERE order_id = $1 AND status = $2 ORDER BY id",
		orderID, status)
	return allocations, err
}

// ListHeldAllocationsByLot retrieves the live allocations drawing on a lot
func (t *pgTx) ListHeldAllocationsByLot(ctx context.Context, lotID int64) ([]models.Allocation, error) {
	var allocations []models.Allocation
	err := t.tx.SelectContext(ctx, &allocations,
		"SELECT "+allocationColumns+" FROM allocations WHERE lot_id = $1 AND status = $2 ORDER BY id",
		lotID, models.AllocationHeld)
	return allocations, err
}

// ListHeldAllocationsByProduct retrieves the live allocations of a product
func (t *pgTx) ListHeldAllocationsByProduct(ctx context.Context, productID int64) ([]models.Allocation, error) {
	var allocations []models.Allocation
	err := t.tx.SelectContext(ctx, &allocations,
		"SELECT "+allocationColumns+" FROM allocations WHERE product_id = $1 AND status = $2 ORDER BY id",
		productID, models.AllocationHeld)
	return allocations, err
}

// IsEventProcessed checks if an event has been processed
func (t *pgTx) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := t.tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
