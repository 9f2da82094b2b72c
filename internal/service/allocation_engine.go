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

// AllocationEngine is the only component that moves quantities between lots,
// allocations and the product stock ledger
type AllocationEngine struct {
	exec   *Executor
	ledger *MovementLedger
	logger *zap.Logger
}

// NewAllocationEngine creates a new allocation engine
func NewAllocationEngine(exec *Executor) *AllocationEngine {
	return &AllocationEngine{
		exec:   exec,
		ledger: exec.Movements(),
		logger: util.GetLogger(),
	}
}

// RegisterProductCommand creates a product with an empty stock ledger
type RegisterProductCommand struct {
	Name              string          `json:"name" binding:"required"`
	Unit              string          `json:"unit"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	BufferQty         decimal.Decimal `json:"buffer_qty"`
	ReorderThreshold  decimal.Decimal `json:"reorder_threshold"`
	OptimalReorderQty decimal.Decimal `json:"optimal_reorder_qty"`
	Actor             string          `json:"-"`
}

// ReserveCommand reserves quantity for one order line
type ReserveCommand struct {
	OrderID  int64           `json:"order_id"`
	LineID   int64           `json:"line_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Actor    string          `json:"-"`
}

// ReserveResult reports a reservation; a shortfall is a normal outcome
type ReserveResult struct {
	OrderID     int64               `json:"order_id"`
	LineID      int64               `json:"line_id"`
	ProductID   int64               `json:"product_id"`
	Requested   decimal.Decimal     `json:"requested"`
	Allocated   decimal.Decimal     `json:"allocated"`
	Shortfall   decimal.Decimal     `json:"shortfall"`
	Status      string              `json:"status"`
	Allocations []models.Allocation `json:"allocations"`
}

// ReleaseCommand releases held allocations of an order. A zero Quantity releases
// everything; a LotID restricts the release to that lot.
type ReleaseCommand struct {
	OrderID  int64           `json:"order_id"`
	Quantity decimal.Decimal `json:"quantity"`
	LotID    int64           `json:"lot_id"`
	Reason   string          `json:"reason"`
	Actor    string          `json:"-"`
}

// ReleaseResult lists the RELEASED allocation records produced
type ReleaseResult struct {
	OrderID     int64               `json:"order_id"`
	Released    decimal.Decimal     `json:"released"`
	Status      string              `json:"status"`
	Allocations []models.Allocation `json:"allocations"`
}

// ConsumeCommand fulfills every held allocation of an order
type ConsumeCommand struct {
	OrderID int64  `json:"order_id"`
	Actor   string `json:"-"`
}

// LotConsumption is the quantity physically removed from one lot
type LotConsumption struct {
	LotID     int64           `json:"lot_id"`
	ProductID int64           `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	LotState  string          `json:"lot_state"`
}

// ConsumeResult reports a physical fulfillment
type ConsumeResult struct {
	OrderID  int64            `json:"order_id"`
	Consumed decimal.Decimal  `json:"consumed"`
	Status   string           `json:"status"`
	PerLot   []LotConsumption `json:"per_lot"`
}

// ReceiveLotCommand books a new lot into stock. EventID makes the receipt idempotent
// when it arrives from the broker.
type ReceiveLotCommand struct {
	ProductID  int64           `json:"product_id" binding:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
	Code       string          `json:"code"`
	Zone       string          `json:"zone"`
	Quality    string          `json:"quality"`
	ReceivedOn time.Time       `json:"received_on"`
	ExpiresOn  *time.Time      `json:"expires_on"`
	EventID    string          `json:"-"`
	Actor      string          `json:"-"`
}

// AdjustLotCommand corrects the remaining quantity of a lot by a signed delta
type AdjustLotCommand struct {
	LotID  int64           `json:"lot_id"`
	Delta  decimal.Decimal `json:"delta"`
	Reason string          `json:"reason"`
	Actor  string          `json:"-"`
}

// SetStockPolicyCommand changes the stock policy of a product; nil fields are kept
type SetStockPolicyCommand struct {
	ProductID         int64            `json:"product_id"`
	UnitPrice         *decimal.Decimal `json:"unit_price"`
	BufferQty         *decimal.Decimal `json:"buffer_qty"`
	ReorderThreshold  *decimal.Decimal `json:"reorder_threshold"`
	OptimalReorderQty *decimal.Decimal `json:"optimal_reorder_qty"`
	Actor             string           `json:"-"`
}

// StockSummary is the detailed stock view of a product
type StockSummary struct {
	Product     models.Product       `json:"product"`
	Snapshot    models.StockSnapshot `json:"snapshot"`
	Lots        []models.Lot         `json:"lots"`
	Allocations []models.Allocation  `json:"held_allocations"`
}

func nonNegative(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return models.NewValidationError(field, "must not be negative")
	}
	return nil
}

// RegisterProduct creates a product; stock only enters through lot receipts
func (e *AllocationEngine) RegisterProduct(ctx context.Context, cmd RegisterProductCommand) (*models.Product, error) {
	if cmd.Name == "" {
		return nil, models.NewValidationError("name", "is required")
	}
	for field, v := range map[string]decimal.Decimal{
		"unit_price":          cmd.UnitPrice,
		"buffer_qty":          cmd.BufferQty,
		"reorder_threshold":   cmd.ReorderThreshold,
		"optimal_reorder_qty": cmd.OptimalReorderQty,
	} {
		if err := nonNegative(field, v); err != nil {
			return nil, err
		}
	}

	var product *models.Product
	err := e.exec.run(ctx, "AllocationEngine.RegisterProduct", cmd.Actor, nil, func(u *unitOfWork) error {
		p := &models.Product{
			Name:              cmd.Name,
			Unit:              cmd.Unit,
			UnitPrice:         cmd.UnitPrice,
			PhysicalQty:       decimal.Zero,
			ReservedQty:       decimal.Zero,
			BufferQty:         cmd.BufferQty,
			ReorderThreshold:  cmd.ReorderThreshold,
			OptimalReorderQty: cmd.OptimalReorderQty,
		}
		if err := u.tx.CreateProduct(u.ctx, p); err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		u.touch(p.ID)
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Product registered", zap.Int64("product_id", product.ID), zap.String("name", product.Name))
	return product, nil
}

// Reserve reserves quantity for a single order line, oldest lots first
func (e *AllocationEngine) Reserve(ctx context.Context, cmd ReserveCommand) (*ReserveResult, error) {
	if !cmd.Quantity.IsPositive() {
		return nil, models.NewValidationError("quantity", "must be positive")
	}
	order, err := e.exec.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	line := order.Line(cmd.LineID)
	if line == nil {
		return nil, models.NewNotFoundError("order line", cmd.LineID)
	}

	var result *ReserveResult
	err = e.exec.run(ctx, "AllocationEngine.Reserve", cmd.Actor, productKeys(line.ProductID), func(u *unitOfWork) error {
		order, err := u.tx.GetOrder(u.ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if !reservable(order) {
			return &models.TransitionError{Entity: "order", ID: order.ID, From: order.Status, Action: "reserve"}
		}
		line := order.Line(cmd.LineID)
		if line == nil {
			return models.NewNotFoundError("order line", cmd.LineID)
		}
		res, err := e.reserveLine(u, order, line, cmd.Quantity)
		if err != nil {
			return err
		}
		from := order.Status
		order.Status = coverageStatus(order)
		if err := saveOrder(u, order); err != nil {
			return err
		}
		u.orderStatusChanged(order, from)
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release gives held quantity of an order back to its lots, newest allocation first
func (e *AllocationEngine) Release(ctx context.Context, cmd ReleaseCommand) (*ReleaseResult, error) {
	if cmd.Quantity.IsNegative() {
		return nil, models.NewValidationError("quantity", "must not be negative")
	}
	order, err := e.exec.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	var result *ReleaseResult
	err = e.exec.run(ctx, "AllocationEngine.Release", cmd.Actor, productKeys(order.ProductIDs()...), func(u *unitOfWork) error {
		order, err := u.tx.GetOrder(u.ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if order.IsTerminal() {
			return &models.TransitionError{Entity: "order", ID: order.ID, From: order.Status, Action: "release"}
		}
		res, err := e.releaseOrder(u, order, cmd.Quantity, cmd.LotID, cmd.Reason)
		if err != nil {
			return err
		}
		if res.Released.IsZero() {
			return &models.TransitionError{Entity: "order", ID: order.ID, From: order.Status, Action: "release (nothing held)"}
		}
		from := order.Status
		if order.Status == models.OrderStatusReserved && !order.FullyCovered() {
			order.Status = models.OrderStatusAwaitingRestock
		}
		if err := saveOrder(u, order); err != nil {
			return err
		}
		u.orderStatusChanged(order, from)
		res.Status = order.Status
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Consume physically removes every held allocation of the order from its lots and
// marks the order DELIVERED
func (e *AllocationEngine) Consume(ctx context.Context, cmd ConsumeCommand) (*ConsumeResult, error) {
	order, err := e.exec.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	var result *ConsumeResult
	err = e.exec.run(ctx, "AllocationEngine.Consume", cmd.Actor, productKeys(order.ProductIDs()...), func(u *unitOfWork) error {
		order, err := u.tx.GetOrder(u.ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		if !reservable(order) {
			return &models.TransitionError{Entity: "order", ID: order.ID, From: order.Status, Action: "deliver"}
		}
		res, err := e.consumeOrder(u, order)
		if err != nil {
			return err
		}
		from := order.Status
		order.Status = models.OrderStatusDelivered
		deliveredAt := u.now
		order.DeliveredAt = &deliveredAt
		if err := saveOrder(u, order); err != nil {
			return err
		}
		u.orderStatusChanged(order, from)
		res.Status = order.Status
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Order consumed",
		zap.Int64("order_id", cmd.OrderID),
		zap.String("consumed", result.Consumed.String()))
	return result, nil
}

// ReceiveLot books a new lot; it returns nil, nil when EventID was already applied
func (e *AllocationEngine) ReceiveLot(ctx context.Context, cmd ReceiveLotCommand) (*models.Lot, error) {
	if err := validateReceipt(cmd); err != nil {
		return nil, err
	}

	var lot *models.Lot
	err := e.exec.run(ctx, "AllocationEngine.ReceiveLot", cmd.Actor, productKeys(cmd.ProductID), func(u *unitOfWork) error {
		lot = nil
		if cmd.EventID != "" {
			processed, err := u.tx.IsEventProcessed(u.ctx, cmd.EventID)
			if err != nil {
				return fmt.Errorf("failed to check event processed: %w", err)
			}
			if processed {
				return nil
			}
		}
		created, err := e.receiveLot(u, cmd)
		if err != nil {
			return err
		}
		if cmd.EventID != "" {
			if err := u.tx.MarkEventProcessed(u.ctx, cmd.EventID, models.EventTypeLotReceived); err != nil {
				return fmt.Errorf("failed to mark event processed: %w", err)
			}
		}
		lot = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lot == nil {
		e.logger.Info("Event already processed", zap.String("event_id", cmd.EventID))
		return nil, nil
	}

	e.logger.Info("Lot received",
		zap.Int64("lot_id", lot.ID),
		zap.Int64("product_id", lot.ProductID),
		zap.String("quantity", lot.InitialQty.String()))
	return lot, nil
}

// AdjustLot corrects a lot after a count; the lot never drops below its reserved quantity
func (e *AllocationEngine) AdjustLot(ctx context.Context, cmd AdjustLotCommand) (*models.Lot, error) {
	if cmd.Delta.IsZero() {
		return nil, models.NewValidationError("delta", "must not be zero")
	}
	if cmd.Reason == "" {
		return nil, models.NewValidationError("reason", "is required")
	}

	var lot *models.Lot
	err := e.exec.view(ctx, func(tx store.Tx) error {
		var err error
		lot, err = tx.GetLot(ctx, cmd.LotID)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = e.exec.run(ctx, "AllocationEngine.AdjustLot", cmd.Actor, productKeys(lot.ProductID), func(u *unitOfWork) error {
		current, err := u.tx.GetLot(u.ctx, cmd.LotID)
		if err != nil {
			return err
		}
		remaining := current.RemainingQty.Add(cmd.Delta)
		if remaining.LessThan(current.ReservedQty) {
			return models.NewValidationError("delta",
				fmt.Sprintf("would leave %s in lot %d holding %s reserved", remaining, current.ID, current.ReservedQty))
		}
		p, err := u.product(current.ProductID)
		if err != nil {
			return err
		}

		current.RemainingQty = remaining
		current.RefreshState()
		if err := u.tx.UpdateLot(u.ctx, current); err != nil {
			return err
		}
		p.PhysicalQty = p.PhysicalQty.Add(cmd.Delta)

		if err := e.ledger.append(u, &models.Movement{
			Type:       models.MovementAdjust,
			Quantity:   cmd.Delta,
			LotID:      current.ID,
			ProductID:  p.ID,
			OriginZone: current.Zone,
			Reason:     cmd.Reason,
		}); err != nil {
			return err
		}
		u.touch(p.ID)
		lot = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lot, nil
}

// SetStockPolicy changes buffer, threshold, reorder quantity or price of a product
func (e *AllocationEngine) SetStockPolicy(ctx context.Context, cmd SetStockPolicyCommand) (*models.Product, error) {
	for field, v := range map[string]*decimal.Decimal{
		"unit_price":          cmd.UnitPrice,
		"buffer_qty":          cmd.BufferQty,
		"reorder_threshold":   cmd.ReorderThreshold,
		"optimal_reorder_qty": cmd.OptimalReorderQty,
	} {
		if v == nil {
			continue
		}
		if err := nonNegative(field, *v); err != nil {
			return nil, err
		}
	}

	var product *models.Product
	err := e.exec.run(ctx, "AllocationEngine.SetStockPolicy", cmd.Actor, productKeys(cmd.ProductID), func(u *unitOfWork) error {
		p, err := u.product(cmd.ProductID)
		if err != nil {
			return err
		}
		if cmd.UnitPrice != nil {
			p.UnitPrice = *cmd.UnitPrice
		}
		if cmd.BufferQty != nil {
			p.BufferQty = *cmd.BufferQty
		}
		if cmd.ReorderThreshold != nil {
			p.ReorderThreshold = *cmd.ReorderThreshold
		}
		if cmd.OptimalReorderQty != nil {
			p.OptimalReorderQty = *cmd.OptimalReorderQty
		}
		u.touch(p.ID)
		product = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

// GetProduct returns a product by id
func (e *AllocationEngine) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product *models.Product
	err := e.exec.view(ctx, func(tx store.Tx) error {
		var err error
		product, err = tx.GetProduct(ctx, id)
		return err
	})
	return product, err
}

// ListProducts returns every product
func (e *AllocationEngine) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := e.exec.view(ctx, func(tx store.Tx) error {
		var err error
		products, err = tx.ListProducts(ctx)
		return err
	})
	return products, err
}

// GetAvailability serves the display snapshot, from cache when possible.
// It is not linearizable with in-flight reservations.
func (e *AllocationEngine) GetAvailability(ctx context.Context, productID int64) (*models.StockSnapshot, error) {
	ctx, span := util.StartSpan(ctx, "AllocationEngine.GetAvailability")
	defer span.End()

	cache := e.exec.cache
	if cache != nil {
		snapshot, err := cache.GetSnapshot(ctx, productID)
		if err != nil {
			e.logger.Warn("Snapshot cache read failed, falling back to store",
				zap.Int64("product_id", productID),
				zap.Error(err))
		} else if snapshot != nil {
			return snapshot, nil
		}
	}

	product, err := e.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	snapshot := product.Snapshot(e.exec.opts.Clock())
	if cache != nil {
		if err := cache.PutSnapshot(ctx, snapshot); err != nil {
			e.logger.Warn("Failed to warm availability snapshot", zap.Int64("product_id", productID), zap.Error(err))
		}
	}
	return &snapshot, nil
}

// StockSummary returns the product with its lots and live allocations
func (e *AllocationEngine) StockSummary(ctx context.Context, productID int64) (*StockSummary, error) {
	var summary StockSummary
	err := e.exec.view(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		lots, err := tx.ListLotsByProduct(ctx, productID)
		if err != nil {
			return err
		}
		held, err := tx.ListHeldAllocationsByProduct(ctx, productID)
		if err != nil {
			return err
		}
		summary = StockSummary{
			Product:     *p,
			Snapshot:    p.Snapshot(e.exec.opts.Clock()),
			Lots:        lots,
			Allocations: held,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListExpiringLots returns the lots with stock left that expire within the window
func (e *AllocationEngine) ListExpiringLots(ctx context.Context, within time.Duration) ([]models.Lot, error) {
	if within <= 0 {
		return nil, models.NewValidationError("within", "must be positive")
	}
	before := e.exec.opts.Clock().Add(within)
	var lots []models.Lot
	err := e.exec.view(ctx, func(tx store.Tx) error {
		var err error
		lots, err = tx.ListExpiringLots(ctx, before)
		return err
	})
	return lots, err
}

// reserveLine walks reservable lots oldest first and holds up to qty for the line
func (e *AllocationEngine) reserveLine(u *unitOfWork, order *models.Order, line *models.OrderLine, qty decimal.Decimal) (*ReserveResult, error) {
	start := time.Now()
	defer func() { util.ReserveLatency.Observe(time.Since(start).Seconds()) }()

	if qty.GreaterThan(line.Outstanding()) {
		return nil, models.NewValidationError("quantity",
			fmt.Sprintf("%s exceeds the %s outstanding on line %d", qty, line.Outstanding(), line.ID))
	}

	p, err := u.product(line.ProductID)
	if err != nil {
		return nil, err
	}
	pool, err := openLotPool(u, p.ID, reservableStates)
	if err != nil {
		return nil, err
	}

	result := &ReserveResult{
		OrderID:   order.ID,
		LineID:    line.ID,
		ProductID: p.ID,
		Requested: qty,
		Allocated: decimal.Zero,
	}
	orderID := order.ID
	need := qty
	for i := range pool.lots {
		if !need.IsPositive() {
			break
		}
		lot := &pool.lots[i]
		free := lot.Unreserved()
		if !free.IsPositive() {
			continue
		}
		take := minDecimal(need, free)

		allocation := &models.Allocation{
			OrderID:      order.ID,
			LineID:       line.ID,
			ProductID:    p.ID,
			LotID:        lot.ID,
			AllocatedQty: take,
			Status:       models.AllocationHeld,
		}
		if err := u.tx.CreateAllocation(u.ctx, allocation); err != nil {
			return nil, fmt.Errorf("failed to create allocation: %w", err)
		}
		lot.ReservedQty = lot.ReservedQty.Add(take)
		if err := pool.save(lot); err != nil {
			return nil, err
		}
		if err := e.ledger.append(u, &models.Movement{
			Type:       models.MovementReserve,
			Quantity:   take,
			LotID:      lot.ID,
			ProductID:  p.ID,
			OriginZone: lot.Zone,
			OrderID:    &orderID,
		}); err != nil {
			return nil, err
		}

		need = need.Sub(take)
		result.Allocated = result.Allocated.Add(take)
		result.Allocations = append(result.Allocations, *allocation)
	}

	p.ReservedQty = p.ReservedQty.Add(result.Allocated)
	line.ReservedQty = line.ReservedQty.Add(result.Allocated)
	u.touch(p.ID)
	u.touchOrder(order.ID)

	result.Shortfall = qty.Sub(result.Allocated)
	result.Status = models.OrderStatusReserved
	if result.Shortfall.IsPositive() {
		result.Status = models.OrderStatusAwaitingRestock
		util.ShortfallQuantityTotal.Add(result.Shortfall.InexactFloat64())
	}
	util.ReservedQuantityTotal.Add(result.Allocated.InexactFloat64())
	return result, nil
}

// releaseOrder releases up to qty (zero means everything) of the order's held
// allocations, newest first, optionally restricted to one lot
func (e *AllocationEngine) releaseOrder(u *unitOfWork, order *models.Order, qty decimal.Decimal, lotID int64, reason string) (*ReleaseResult, error) {
	held, err := u.tx.ListAllocationsByOrder(u.ctx, order.ID, models.AllocationHeld)
	if err != nil {
		return nil, err
	}

	result := &ReleaseResult{OrderID: order.ID, Released: decimal.Zero}
	for i := len(held) - 1; i >= 0; i-- {
		a := held[i]
		if lotID != 0 && a.LotID != lotID {
			continue
		}
		take := a.AllocatedQty
		if qty.IsPositive() {
			left := qty.Sub(result.Released)
			if !left.IsPositive() {
				break
			}
			take = minDecimal(take, left)
		}

		lot, err := u.tx.GetLot(u.ctx, a.LotID)
		if err != nil {
			return nil, err
		}
		record, err := e.releaseAllocation(u, order, &a, lot, take, reason)
		if err != nil {
			return nil, err
		}
		result.Released = result.Released.Add(take)
		result.Allocations = append(result.Allocations, *record)
	}
	return result, nil
}

// releaseAllocation returns qty of one held allocation to its lot. A partial release
// shrinks the held allocation and records the released part separately.
func (e *AllocationEngine) releaseAllocation(u *unitOfWork, order *models.Order, a *models.Allocation, lot *models.Lot, qty decimal.Decimal, reason string) (*models.Allocation, error) {
	p, err := u.product(a.ProductID)
	if err != nil {
		return nil, err
	}

	lot.ReservedQty = lot.ReservedQty.Sub(qty)
	lot.RefreshState()
	if err := u.tx.UpdateLot(u.ctx, lot); err != nil {
		return nil, err
	}
	p.ReservedQty = p.ReservedQty.Sub(qty)

	var record models.Allocation
	if qty.Equal(a.AllocatedQty) {
		a.Status = models.AllocationReleased
		if err := u.tx.UpdateAllocation(u.ctx, a); err != nil {
			return nil, err
		}
		record = *a
	} else {
		a.AllocatedQty = a.AllocatedQty.Sub(qty)
		if err := u.tx.UpdateAllocation(u.ctx, a); err != nil {
			return nil, err
		}
		record = models.Allocation{
			OrderID:      a.OrderID,
			LineID:       a.LineID,
			ProductID:    a.ProductID,
			LotID:        a.LotID,
			AllocatedQty: qty,
			Status:       models.AllocationReleased,
		}
		if err := u.tx.CreateAllocation(u.ctx, &record); err != nil {
			return nil, err
		}
	}

	if line := order.Line(a.LineID); line != nil {
		line.ReservedQty = line.ReservedQty.Sub(qty)
	}

	orderID := order.ID
	if err := e.ledger.append(u, &models.Movement{
		Type:       models.MovementRelease,
		Quantity:   qty,
		LotID:      lot.ID,
		ProductID:  p.ID,
		OriginZone: lot.Zone,
		OrderID:    &orderID,
		Reason:     reason,
	}); err != nil {
		return nil, err
	}
	u.touch(p.ID)
	u.touchOrder(order.ID)
	return &record, nil
}

// consumeOrder fulfills every held allocation of the order, one OUT movement per lot
func (e *AllocationEngine) consumeOrder(u *unitOfWork, order *models.Order) (*ConsumeResult, error) {
	held, err := u.tx.ListAllocationsByOrder(u.ctx, order.ID, models.AllocationHeld)
	if err != nil {
		return nil, err
	}
	if len(held) == 0 {
		return nil, &models.TransitionError{Entity: "order", ID: order.ID, From: order.Status, Action: "deliver (nothing held)"}
	}

	expected := decimal.Zero
	var lotOrder []int64
	perLot := make(map[int64]decimal.Decimal)
	for _, a := range held {
		expected = expected.Add(a.AllocatedQty)
		if _, ok := perLot[a.LotID]; !ok {
			lotOrder = append(lotOrder, a.LotID)
		}
		perLot[a.LotID] = perLot[a.LotID].Add(a.AllocatedQty)
	}

	result := &ConsumeResult{OrderID: order.ID, Consumed: decimal.Zero}
	orderID := order.ID
	for _, lotID := range lotOrder {
		qty := perLot[lotID]
		lot, err := u.tx.GetLot(u.ctx, lotID)
		if err != nil {
			return nil, err
		}
		if qty.GreaterThan(lot.RemainingQty) || qty.GreaterThan(lot.ReservedQty) {
			return nil, violation(lot.ProductID, "lot %d cannot supply %s (remaining %s, reserved %s)",
				lot.ID, qty, lot.RemainingQty, lot.ReservedQty)
		}
		p, err := u.product(lot.ProductID)
		if err != nil {
			return nil, err
		}

		lot.RemainingQty = lot.RemainingQty.Sub(qty)
		lot.ReservedQty = lot.ReservedQty.Sub(qty)
		lot.RefreshState()
		if err := u.tx.UpdateLot(u.ctx, lot); err != nil {
			return nil, err
		}
		p.PhysicalQty = p.PhysicalQty.Sub(qty)
		p.ReservedQty = p.ReservedQty.Sub(qty)

		if err := e.ledger.append(u, &models.Movement{
			Type:       models.MovementOut,
			Quantity:   qty,
			LotID:      lot.ID,
			ProductID:  p.ID,
			OriginZone: lot.Zone,
			OrderID:    &orderID,
		}); err != nil {
			return nil, err
		}
		u.touch(p.ID)

		result.Consumed = result.Consumed.Add(qty)
		result.PerLot = append(result.PerLot, LotConsumption{
			LotID:     lot.ID,
			ProductID: p.ID,
			Quantity:  qty,
			LotState:  lot.State,
		})
	}

	for i := range held {
		a := &held[i]
		a.Status = models.AllocationFulfilled
		if err := u.tx.UpdateAllocation(u.ctx, a); err != nil {
			return nil, err
		}
		if line := order.Line(a.LineID); line != nil {
			line.ReservedQty = line.ReservedQty.Sub(a.AllocatedQty)
			line.ServedQty = line.ServedQty.Add(a.AllocatedQty)
		}
	}

	if !result.Consumed.Equal(expected) {
		return nil, violation(0, "order %d consumed %s but held %s", order.ID, result.Consumed, expected)
	}
	u.touchOrder(order.ID)
	return result, nil
}

func validateReceipt(cmd ReceiveLotCommand) error {
	if cmd.ProductID == 0 {
		return models.NewValidationError("product_id", "is required")
	}
	if !cmd.Quantity.IsPositive() {
		return models.NewValidationError("quantity", "must be positive")
	}
	switch cmd.Quality {
	case "", models.QualityPremium, models.QualityStandard, models.QualityEconomy:
	default:
		return models.NewValidationError("quality", fmt.Sprintf("unknown grade %q", cmd.Quality))
	}
	if cmd.ExpiresOn != nil && !cmd.ReceivedOn.IsZero() && cmd.ExpiresOn.Before(cmd.ReceivedOn) {
		return models.NewValidationError("expires_on", "is before received_on")
	}
	return nil
}

// receiveLot creates the lot and raises physical stock by its quantity
func (e *AllocationEngine) receiveLot(u *unitOfWork, cmd ReceiveLotCommand) (*models.Lot, error) {
	p, err := u.product(cmd.ProductID)
	if err != nil {
		return nil, err
	}

	receivedOn := cmd.ReceivedOn
	if receivedOn.IsZero() {
		receivedOn = u.now
	}
	quality := cmd.Quality
	if quality == "" {
		quality = models.QualityStandard
	}
	code := cmd.Code
	if code == "" {
		code = newNumber("LOT")
	}

	lot := &models.Lot{
		Code:         code,
		ProductID:    p.ID,
		Zone:         cmd.Zone,
		InitialQty:   cmd.Quantity,
		RemainingQty: cmd.Quantity,
		ReservedQty:  decimal.Zero,
		Quality:      quality,
		ReceivedOn:   receivedOn,
		ExpiresOn:    cmd.ExpiresOn,
	}
	lot.RefreshState()
	if err := u.tx.CreateLot(u.ctx, lot); err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}

	p.PhysicalQty = p.PhysicalQty.Add(cmd.Quantity)
	restocked := u.now
	p.LastRestockedAt = &restocked

	if err := e.ledger.append(u, &models.Movement{
		Type:      models.MovementIn,
		Quantity:  cmd.Quantity,
		LotID:     lot.ID,
		ProductID: p.ID,
		DestZone:  lot.Zone,
	}); err != nil {
		return nil, err
	}
	u.touch(p.ID)
	return lot, nil
}

func (e *Executor) loadOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order *models.Order
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, id)
		return err
	})
	return order, err
}

// reservable reports whether stock may be held or consumed for the order
func reservable(order *models.Order) bool {
	switch order.Status {
	case models.OrderStatusConfirmed, models.OrderStatusReserved, models.OrderStatusAwaitingRestock:
		return true
	}
	return false
}

func coverageStatus(order *models.Order) string {
	if order.FullyCovered() {
		return models.OrderStatusReserved
	}
	return models.OrderStatusAwaitingRestock
}

func saveOrder(u *unitOfWork, order *models.Order) error {
	order.SyncTotals()
	if err := u.tx.UpdateOrder(u.ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	u.touchOrder(order.ID)
	return nil
}
