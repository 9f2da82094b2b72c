package service

import (
	"context"
	"fmt"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"
	"stock-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderLifecycle drives planned orders through their state machine
type OrderLifecycle struct {
	exec   *Executor
	engine *AllocationEngine
	logger *zap.Logger
}

// NewOrderLifecycle creates a new order lifecycle service
func NewOrderLifecycle(exec *Executor, engine *AllocationEngine) *OrderLifecycle {
	return &OrderLifecycle{
		exec:   exec,
		engine: engine,
		logger: util.GetLogger(),
	}
}

// OrderLineInput is one requested product of a new order
type OrderLineInput struct {
	ProductID int64            `json:"product_id" binding:"required"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
}

// CreateOrderCommand creates a PENDING order
type CreateOrderCommand struct {
	ClientID       int64            `json:"client_id"`
	Priority       string           `json:"priority"`
	DesiredDate    *time.Time       `json:"desired_date"`
	IdempotencyKey string           `json:"idempotency_key"`
	Lines          []OrderLineInput `json:"lines" binding:"required"`
	Actor          string           `json:"-"`
}

// OrderReservation reports the reservation of every line of an order
type OrderReservation struct {
	Order *models.Order   `json:"order"`
	Lines []ReserveResult `json:"lines"`
}

// OrderDelivery reports a delivered order
type OrderDelivery struct {
	Order       *models.Order  `json:"order"`
	Consumption *ConsumeResult `json:"consumption"`
}

// OrderDetails is an order with its allocation history
type OrderDetails struct {
	Order       *models.Order       `json:"order"`
	Allocations []models.Allocation `json:"allocations"`
}

func validateOrder(cmd CreateOrderCommand) error {
	if len(cmd.Lines) == 0 {
		return models.NewValidationError("lines", "an order needs at least one line")
	}
	switch cmd.Priority {
	case "", models.PriorityNormal, models.PriorityUrgent:
	default:
		return models.NewValidationError("priority", fmt.Sprintf("unknown priority %q", cmd.Priority))
	}
	for i, line := range cmd.Lines {
		if line.ProductID == 0 {
			return models.NewValidationError(fmt.Sprintf("lines[%d].product_id", i), "is required")
		}
		if !line.Quantity.IsPositive() {
			return models.NewValidationError(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if line.UnitPrice != nil && line.UnitPrice.IsNegative() {
			return models.NewValidationError(fmt.Sprintf("lines[%d].unit_price", i), "must not be negative")
		}
	}
	return nil
}

// CreateOrder creates a new order. An order already carrying the idempotency key is
// returned unchanged.
func (l *OrderLifecycle) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*models.Order, error) {
	if err := validateOrder(cmd); err != nil {
		return nil, err
	}

	var keys []string
	if cmd.IdempotencyKey != "" {
		keys = []string{"order-intake:" + cmd.IdempotencyKey}
	}

	var order *models.Order
	duplicate := false
	err := l.exec.run(ctx, "OrderLifecycle.CreateOrder", cmd.Actor, keys, func(u *unitOfWork) error {
		if cmd.IdempotencyKey != "" {
			existing, err := u.tx.GetOrderByIdempotencyKey(u.ctx, cmd.IdempotencyKey)
			if err != nil {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if existing != nil {
				order, duplicate = existing, true
				return nil
			}
		}
		created, err := newOrder(u, cmd, models.OrderStatusPending)
		if err != nil {
			return err
		}
		order, duplicate = created, false
		return nil
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("create").Inc()
		return nil, err
	}

	if duplicate {
		l.logger.Info("Duplicate order request",
			zap.String("idempotency_key", cmd.IdempotencyKey),
			zap.Int64("order_id", order.ID))
		return order, nil
	}

	util.OrdersCreatedTotal.Inc()
	l.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("number", order.Number),
		zap.Int("lines", len(order.Lines)))
	return order, nil
}

// newOrder writes an order in the given status; line prices default to the product price
func newOrder(u *unitOfWork, cmd CreateOrderCommand, status string) (*models.Order, error) {
	priority := cmd.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	order := &models.Order{
		Number:         newNumber("ORD"),
		ClientID:       cmd.ClientID,
		Status:         status,
		Priority:       priority,
		DesiredDate:    cmd.DesiredDate,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedBy:      u.actor,
	}
	for _, in := range cmd.Lines {
		p, err := u.tx.GetProduct(u.ctx, in.ProductID)
		if err != nil {
			return nil, err
		}
		price := p.UnitPrice
		if in.UnitPrice != nil {
			price = *in.UnitPrice
		}
		order.Lines = append(order.Lines, models.OrderLine{
			ProductID:    p.ID,
			RequestedQty: in.Quantity,
			ReservedQty:  decimal.Zero,
			ServedQty:    decimal.Zero,
			UnitPrice:    price,
		})
	}
	order.SyncTotals()
	if err := u.tx.CreateOrder(u.ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	u.touchOrder(order.ID)
	return order, nil
}

// Confirm accepts a PENDING order; it has no stock effect
func (l *OrderLifecycle) Confirm(ctx context.Context, orderID int64, actor string) (*models.Order, error) {
	var order *models.Order
	err := l.exec.run(ctx, "OrderLifecycle.Confirm", actor, nil, func(u *unitOfWork) error {
		current, err := u.tx.GetOrder(u.ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status != models.OrderStatusPending || len(current.Lines) == 0 {
			return &models.TransitionError{Entity: "order", ID: current.ID, From: current.Status, Action: "confirm"}
		}
		from := current.Status
		current.Status = models.OrderStatusConfirmed
		if err := saveOrder(u, current); err != nil {
			return err
		}
		u.orderStatusChanged(current, from)
		order = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("Order confirmed", zap.Int64("order_id", orderID))
	return order, nil
}

// Reserve reserves every line of a CONFIRMED order
func (l *OrderLifecycle) Reserve(ctx context.Context, orderID int64, actor string) (*OrderReservation, error) {
	return l.reserveOutstanding(ctx, "OrderLifecycle.Reserve", orderID, actor, models.OrderStatusConfirmed)
}

// ReserveShortfall re-attempts the unreserved remainder of an AWAITING_RESTOCK order,
// typically after a lot was received
func (l *OrderLifecycle) ReserveShortfall(ctx context.Context, orderID int64, actor string) (*OrderReservation, error) {
	return l.reserveOutstanding(ctx, "OrderLifecycle.ReserveShortfall", orderID, actor, models.OrderStatusAwaitingRestock)
}

func (l *OrderLifecycle) reserveOutstanding(ctx context.Context, name string, orderID int64, actor, required string) (*OrderReservation, error) {
	order, err := l.exec.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var result *OrderReservation
	err = l.exec.run(ctx, name, actor, productKeys(order.ProductIDs()...), func(u *unitOfWork) error {
		current, err := u.tx.GetOrder(u.ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status != required {
			return &models.TransitionError{Entity: "order", ID: current.ID, From: current.Status, Action: "reserve"}
		}

		res := &OrderReservation{}
		for i := range current.Lines {
			line := &current.Lines[i]
			outstanding := line.Outstanding()
			if !outstanding.IsPositive() {
				continue
			}
			lineResult, err := l.engine.reserveLine(u, current, line, outstanding)
			if err != nil {
				return err
			}
			res.Lines = append(res.Lines, *lineResult)
		}

		from := current.Status
		current.Status = coverageStatus(current)
		if err := saveOrder(u, current); err != nil {
			return err
		}
		u.orderStatusChanged(current, from)
		res.Order = current
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Order reserved",
		zap.Int64("order_id", orderID),
		zap.String("status", result.Order.Status),
		zap.String("reserved", result.Order.ReservedQty.String()))
	return result, nil
}

// Deliver consumes every held allocation of the order and marks it DELIVERED
func (l *OrderLifecycle) Deliver(ctx context.Context, orderID int64, actor string) (*OrderDelivery, error) {
	consumption, err := l.engine.Consume(ctx, ConsumeCommand{OrderID: orderID, Actor: actor})
	if err != nil {
		return nil, err
	}
	order, err := l.exec.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDelivery{Order: order, Consumption: consumption}, nil
}

// Cancel releases every held allocation and marks the order CANCELLED
func (l *OrderLifecycle) Cancel(ctx context.Context, orderID int64, actor, reason string) (*models.Order, error) {
	order, err := l.exec.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "order cancelled"
	}

	err = l.exec.run(ctx, "OrderLifecycle.Cancel", actor, productKeys(order.ProductIDs()...), func(u *unitOfWork) error {
		current, err := u.tx.GetOrder(u.ctx, orderID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			return &models.TransitionError{Entity: "order", ID: current.ID, From: current.Status, Action: "cancel"}
		}
		if _, err := l.engine.releaseOrder(u, current, decimal.Zero, 0, reason); err != nil {
			return err
		}
		from := current.Status
		current.Status = models.OrderStatusCancelled
		if err := saveOrder(u, current); err != nil {
			return err
		}
		u.orderStatusChanged(current, from)
		order = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.String("reason", reason))
	return order, nil
}

// GetOrder returns the order with every allocation it ever held
func (l *OrderLifecycle) GetOrder(ctx context.Context, orderID int64) (*OrderDetails, error) {
	var details OrderDetails
	err := l.exec.view(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		allocations, err := tx.ListAllocationsByOrder(ctx, orderID, "")
		if err != nil {
			return err
		}
		details = OrderDetails{Order: order, Allocations: allocations}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &details, nil
}
