package service

import (
	"context"
	"fmt"
	"sort"

	"stock-service/internal/models"
	"stock-service/internal/store"
	"stock-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ImmediateSaleProcessor serves walk-up sales synchronously from lot stock
type ImmediateSaleProcessor struct {
	exec   *Executor
	engine *AllocationEngine
	logger *zap.Logger
}

// NewImmediateSaleProcessor creates a new immediate sale processor
func NewImmediateSaleProcessor(exec *Executor, engine *AllocationEngine) *ImmediateSaleProcessor {
	return &ImmediateSaleProcessor{
		exec:   exec,
		engine: engine,
		logger: util.GetLogger(),
	}
}

// SaleCommand requests an immediate sale; UnitPrice overrides the product price
type SaleCommand struct {
	ProductID int64            `json:"product_id" binding:"required"`
	ClientID  int64            `json:"client_id"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Mode      string           `json:"mode" binding:"required"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Actor     string           `json:"-"`
}

// Encroachment is reserved stock of another order taken by an urgent sale
type Encroachment struct {
	OrderID  int64           `json:"order_id"`
	LineID   int64           `json:"line_id"`
	LotID    int64           `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// SaleResult reports an immediate sale. Encroached is set whenever other orders lost
// reserved stock to the sale.
type SaleResult struct {
	Sale             *models.ImmediateSale `json:"sale"`
	Backorder        *models.Order         `json:"backorder,omitempty"`
	Encroached       bool                  `json:"encroached"`
	EncroachedOrders []int64               `json:"encroached_orders,omitempty"`
	Encroachments    []Encroachment        `json:"encroachments,omitempty"`
	Lots             []LotConsumption      `json:"lots"`
}

// SaleOption is one way a sale request could be served right now
type SaleOption struct {
	Mode       string          `json:"mode"`
	Possible   bool            `json:"possible"`
	Served     decimal.Decimal `json:"served"`
	Backorder  decimal.Decimal `json:"backorder"`
	Encroached decimal.Decimal `json:"encroached"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	AmountDue  decimal.Decimal `json:"amount_due"`
}

// Quote is the availability check shown before a sale
type Quote struct {
	ProductID int64                `json:"product_id"`
	Requested decimal.Decimal      `json:"requested"`
	Snapshot  models.StockSnapshot `json:"snapshot"`
	Options   []SaleOption         `json:"options"`
}

// salePlan is what a mode would serve given the product and its sellable lots
type salePlan struct {
	served     decimal.Decimal
	encroached decimal.Decimal
	price      decimal.Decimal
	charged    decimal.Decimal
}

func (s *ImmediateSaleProcessor) plan(p *models.Product, unreserved, requested decimal.Decimal, mode string, price *decimal.Decimal) (salePlan, error) {
	plan := salePlan{price: p.UnitPrice, encroached: decimal.Zero}
	if price != nil {
		plan.price = *price
	}
	plan.charged = plan.price

	available := p.Available()
	switch mode {
	case models.SaleModeFull:
		if available.LessThan(requested) {
			return plan, fmt.Errorf("%w: product %d has %s available, %s requested",
				models.ErrInsufficientStock, p.ID, available, requested)
		}
		plan.served = requested
	case models.SaleModePartial:
		plan.served = minDecimal(available, requested)
	case models.SaleModeUrgent:
		plan.served = minDecimal(p.UrgentCeiling(), requested)
		plan.charged = plan.price.Mul(s.exec.opts.UrgencySurcharge)
		if plan.served.GreaterThan(unreserved) {
			plan.encroached = plan.served.Sub(unreserved)
		}
	default:
		return plan, models.NewValidationError("mode", fmt.Sprintf("unknown sale mode %q", mode))
	}

	// a PARTIAL sale with nothing available still books the whole quantity as a backorder
	if !plan.served.IsPositive() && mode != models.SaleModePartial {
		return plan, fmt.Errorf("%w: product %d cannot serve any of %s in %s mode",
			models.ErrInsufficientStock, p.ID, requested, mode)
	}
	return plan, nil
}

// Process serves an immediate sale. PARTIAL sales open a backorder for the remainder;
// URGENT sales may bypass the buffer and take reserved stock from other orders, which
// are released explicitly and reported in the result.
func (s *ImmediateSaleProcessor) Process(ctx context.Context, cmd SaleCommand) (*SaleResult, error) {
	if !cmd.Quantity.IsPositive() {
		return nil, models.NewValidationError("quantity", "must be positive")
	}
	if cmd.UnitPrice != nil && cmd.UnitPrice.IsNegative() {
		return nil, models.NewValidationError("unit_price", "must not be negative")
	}

	var result *SaleResult
	err := s.exec.run(ctx, "ImmediateSaleProcessor.Process", cmd.Actor, productKeys(cmd.ProductID), func(u *unitOfWork) error {
		p, err := u.product(cmd.ProductID)
		if err != nil {
			return err
		}
		pool, err := openLotPool(u, p.ID, sellableStates)
		if err != nil {
			return err
		}
		plan, err := s.plan(p, pool.unreserved(), cmd.Quantity, cmd.Mode, cmd.UnitPrice)
		if err != nil {
			return err
		}

		res := &SaleResult{}
		remainder := cmd.Quantity.Sub(plan.served)
		if cmd.Mode == models.SaleModePartial && remainder.IsPositive() {
			backorder, err := newOrder(u, CreateOrderCommand{
				ClientID: cmd.ClientID,
				Priority: models.PriorityNormal,
				Lines:    []OrderLineInput{{ProductID: p.ID, Quantity: remainder, UnitPrice: &plan.price}},
			}, models.OrderStatusAwaitingRestock)
			if err != nil {
				return err
			}
			res.Backorder = backorder
		}

		sale := &models.ImmediateSale{
			Number:           newNumber("SALE"),
			ProductID:        p.ID,
			ClientID:         cmd.ClientID,
			Mode:             cmd.Mode,
			RequestedQty:     cmd.Quantity,
			ServedQty:        plan.served,
			UnitPrice:        plan.price,
			ChargedUnitPrice: plan.charged,
			AmountDue:        plan.served.Mul(plan.charged),
			EncroachedQty:    plan.encroached,
			Actor:            u.actor,
		}
		if res.Backorder != nil {
			sale.BackorderID = &res.Backorder.ID
		}
		if err := u.tx.CreateSale(u.ctx, sale); err != nil {
			return fmt.Errorf("failed to create sale: %w", err)
		}
		res.Sale = sale

		if res.Backorder != nil {
			res.Backorder.SourceSaleID = &sale.ID
			if err := saveOrder(u, res.Backorder); err != nil {
				return err
			}
		}

		if plan.encroached.IsPositive() {
			if err := s.encroach(u, pool, sale, plan.encroached, res); err != nil {
				return err
			}
		}
		lots, err := s.draw(u, p, pool, sale)
		if err != nil {
			return err
		}
		res.Lots = lots

		event := &models.SaleCompletedEvent{
			BaseEvent:     newBaseEvent(models.EventTypeSaleCompleted, u.now),
			SaleID:        sale.ID,
			ProductID:     p.ID,
			Mode:          sale.Mode,
			ServedQty:     sale.ServedQty,
			AmountDue:     sale.AmountDue,
			EncroachedQty: sale.EncroachedQty,
			BackorderID:   sale.BackorderID,
		}
		u.afterCommit(func(ctx context.Context, pub EventPublisher) error {
			return pub.PublishSaleCompleted(ctx, event)
		})
		u.touch(p.ID)
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.SalesTotal.WithLabelValues(cmd.Mode).Inc()
	if result.Encroached {
		util.EncroachedQuantityTotal.Add(result.Sale.EncroachedQty.InexactFloat64())
		s.logger.Warn("Urgent sale encroached on reserved stock",
			zap.Int64("sale_id", result.Sale.ID),
			zap.String("encroached", result.Sale.EncroachedQty.String()),
			zap.Int64s("orders", result.EncroachedOrders))
	}
	s.logger.Info("Immediate sale completed",
		zap.Int64("sale_id", result.Sale.ID),
		zap.String("mode", result.Sale.Mode),
		zap.String("served", result.Sale.ServedQty.String()),
		zap.String("amount_due", result.Sale.AmountDue.String()))
	return result, nil
}

// encroach releases qty of other orders' reservations, oldest lot first and newest
// allocation first within a lot
func (s *ImmediateSaleProcessor) encroach(u *unitOfWork, pool *lotPool, sale *models.ImmediateSale, qty decimal.Decimal, res *SaleResult) error {
	reason := fmt.Sprintf("encroached by urgent sale %s", sale.Number)
	victims := make(map[int64]*models.Order)
	left := qty

	for i := range pool.lots {
		if !left.IsPositive() {
			break
		}
		lot := &pool.lots[i]
		held, err := u.tx.ListHeldAllocationsByLot(u.ctx, lot.ID)
		if err != nil {
			return err
		}
		for j := len(held) - 1; j >= 0 && left.IsPositive(); j-- {
			a := held[j]
			victim, ok := victims[a.OrderID]
			if !ok {
				victim, err = u.tx.GetOrder(u.ctx, a.OrderID)
				if err != nil {
					return err
				}
				victims[a.OrderID] = victim
			}
			take := minDecimal(a.AllocatedQty, left)
			if _, err := s.engine.releaseAllocation(u, victim, &a, lot, take, reason); err != nil {
				return err
			}
			left = left.Sub(take)
			res.Encroachments = append(res.Encroachments, Encroachment{
				OrderID:  a.OrderID,
				LineID:   a.LineID,
				LotID:    lot.ID,
				Quantity: take,
			})
		}
	}
	if left.IsPositive() {
		return violation(sale.ProductID, "urgent sale %s could not free %s of reserved stock", sale.Number, left)
	}

	ids := make([]int64, 0, len(victims))
	for id := range victims {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		victim := victims[id]
		from := victim.Status
		if victim.Status == models.OrderStatusReserved && !victim.FullyCovered() {
			victim.Status = models.OrderStatusAwaitingRestock
		}
		if err := saveOrder(u, victim); err != nil {
			return err
		}
		u.orderStatusChanged(victim, from)
	}
	res.Encroached = true
	res.EncroachedOrders = ids
	return nil
}

// draw removes the served quantity from the unreserved part of the lots, oldest first
func (s *ImmediateSaleProcessor) draw(u *unitOfWork, p *models.Product, pool *lotPool, sale *models.ImmediateSale) ([]LotConsumption, error) {
	var consumed []LotConsumption
	saleID := sale.ID
	left := sale.ServedQty

	for i := range pool.lots {
		if !left.IsPositive() {
			break
		}
		lot := &pool.lots[i]
		take := minDecimal(left, lot.Unreserved())
		if !take.IsPositive() {
			continue
		}
		lot.RemainingQty = lot.RemainingQty.Sub(take)
		if err := pool.save(lot); err != nil {
			return nil, err
		}
		p.PhysicalQty = p.PhysicalQty.Sub(take)

		if err := s.exec.ledger.append(u, &models.Movement{
			Type:       models.MovementOut,
			Quantity:   take,
			LotID:      lot.ID,
			ProductID:  p.ID,
			OriginZone: lot.Zone,
			SaleID:     &saleID,
		}); err != nil {
			return nil, err
		}
		left = left.Sub(take)
		consumed = append(consumed, LotConsumption{
			LotID:     lot.ID,
			ProductID: p.ID,
			Quantity:  take,
			LotState:  lot.State,
		})
	}
	if left.IsPositive() {
		return nil, violation(p.ID, "sale %s left %s unserved after walking every lot", sale.Number, left)
	}
	return consumed, nil
}

// Quote lists how each sale mode would serve the request right now
func (s *ImmediateSaleProcessor) Quote(ctx context.Context, productID int64, qty decimal.Decimal) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "ImmediateSaleProcessor.Quote")
	defer span.End()

	if !qty.IsPositive() {
		return nil, models.NewValidationError("quantity", "must be positive")
	}

	var (
		product    *models.Product
		unreserved = decimal.Zero
	)
	err := s.exec.view(ctx, func(tx store.Tx) error {
		var err error
		product, err = tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		lots, err := tx.ListLotsInStates(ctx, productID, sellableStates)
		if err != nil {
			return err
		}
		for i := range lots {
			unreserved = unreserved.Add(lots[i].Unreserved())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	quote := &Quote{
		ProductID: productID,
		Requested: qty,
		Snapshot:  product.Snapshot(s.exec.opts.Clock()),
	}
	for _, mode := range []string{models.SaleModeFull, models.SaleModePartial, models.SaleModeUrgent} {
		plan, err := s.plan(product, unreserved, qty, mode, nil)
		option := SaleOption{Mode: mode, Possible: err == nil, UnitPrice: plan.charged}
		if err == nil {
			option.Served = plan.served
			option.Encroached = plan.encroached
			option.AmountDue = plan.served.Mul(plan.charged)
			if mode == models.SaleModePartial {
				option.Backorder = qty.Sub(plan.served)
			}
		}
		quote.Options = append(quote.Options, option)
	}
	return quote, nil
}
