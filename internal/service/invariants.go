package service

import (
	"fmt"

	"stock-service/internal/models"

	"github.com/shopspring/decimal"
)

func violation(productID int64, format string, args ...interface{}) error {
	return &models.InvariantViolationError{ProductID: productID, Detail: fmt.Sprintf(format, args...)}
}

// auditProduct cross-checks the product aggregates against its lots and live allocations
func auditProduct(u *unitOfWork, p *models.Product) error {
	if p.ReservedQty.IsNegative() {
		return violation(p.ID, "reserved %s is negative", p.ReservedQty)
	}
	if p.ReservedQty.GreaterThan(p.PhysicalQty) {
		return violation(p.ID, "reserved %s exceeds physical %s", p.ReservedQty, p.PhysicalQty)
	}
	if p.BufferQty.IsNegative() {
		return violation(p.ID, "buffer %s is negative", p.BufferQty)
	}

	lots, err := u.tx.ListLotsByProduct(u.ctx, p.ID)
	if err != nil {
		return err
	}
	held, err := u.tx.ListHeldAllocationsByProduct(u.ctx, p.ID)
	if err != nil {
		return err
	}

	heldByLot := make(map[int64]decimal.Decimal)
	heldTotal := decimal.Zero
	for _, a := range held {
		if !a.AllocatedQty.IsPositive() {
			return violation(p.ID, "allocation %d holds %s", a.ID, a.AllocatedQty)
		}
		heldByLot[a.LotID] = heldByLot[a.LotID].Add(a.AllocatedQty)
		heldTotal = heldTotal.Add(a.AllocatedQty)
	}

	physical, reserved := decimal.Zero, decimal.Zero
	for _, lot := range lots {
		if lot.RemainingQty.IsNegative() {
			return violation(p.ID, "lot %d remaining %s is negative", lot.ID, lot.RemainingQty)
		}
		if lot.ReservedQty.IsNegative() || lot.ReservedQty.GreaterThan(lot.RemainingQty) {
			return violation(p.ID, "lot %d reserved %s outside [0, %s]", lot.ID, lot.ReservedQty, lot.RemainingQty)
		}
		if !heldByLot[lot.ID].Equal(lot.ReservedQty) {
			return violation(p.ID, "lot %d reserved %s but allocations hold %s", lot.ID, lot.ReservedQty, heldByLot[lot.ID])
		}
		physical = physical.Add(lot.RemainingQty)
		reserved = reserved.Add(lot.ReservedQty)
	}

	if !physical.Equal(p.PhysicalQty) {
		return violation(p.ID, "physical %s but lots hold %s", p.PhysicalQty, physical)
	}
	if !reserved.Equal(p.ReservedQty) {
		return violation(p.ID, "reserved %s but lots reserve %s", p.ReservedQty, reserved)
	}
	if !heldTotal.Equal(p.ReservedQty) {
		return violation(p.ID, "reserved %s but allocations hold %s", p.ReservedQty, heldTotal)
	}
	return nil
}

// auditOrder checks every line against its live allocations
func auditOrder(u *unitOfWork, orderID int64) error {
	order, err := u.tx.GetOrder(u.ctx, orderID)
	if err != nil {
		return err
	}
	held, err := u.tx.ListAllocationsByOrder(u.ctx, orderID, models.AllocationHeld)
	if err != nil {
		return err
	}
	heldByLine := make(map[int64]decimal.Decimal)
	for _, a := range held {
		heldByLine[a.LineID] = heldByLine[a.LineID].Add(a.AllocatedQty)
	}

	for _, line := range order.Lines {
		if line.ReservedQty.IsNegative() || line.ServedQty.IsNegative() {
			return violation(line.ProductID, "order %d line %d has negative quantities", orderID, line.ID)
		}
		if line.ReservedQty.Add(line.ServedQty).GreaterThan(line.RequestedQty) {
			return violation(line.ProductID, "order %d line %d reserved %s + served %s exceeds requested %s",
				orderID, line.ID, line.ReservedQty, line.ServedQty, line.RequestedQty)
		}
		if !heldByLine[line.ID].Equal(line.ReservedQty) {
			return violation(line.ProductID, "order %d line %d reserved %s but allocations hold %s",
				orderID, line.ID, line.ReservedQty, heldByLine[line.ID])
		}
	}
	if order.IsTerminal() && len(held) > 0 {
		return violation(0, "order %d is %s with %d live allocations", orderID, order.Status, len(held))
	}
	return nil
}
