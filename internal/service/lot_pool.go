package service

import (
	"stock-service/internal/models"

	"github.com/shopspring/decimal"
)

// reservableStates are the lots new reservations may draw from
var reservableStates = []string{models.LotStateInStock, models.LotStatePartial}

// sellableStates are the lots an immediate sale may draw from
var sellableStates = []string{models.LotStateInStock, models.LotStatePartial, models.LotStateHeld}

// lotPool is the FIFO view of one product's lots inside a unit of work
type lotPool struct {
	u    *unitOfWork
	lots []models.Lot
}

// openLotPool loads the product lots in the given states, oldest reception first
// with ties broken by lot id
func openLotPool(u *unitOfWork, productID int64, states []string) (*lotPool, error) {
	lots, err := u.tx.ListLotsInStates(u.ctx, productID, states)
	if err != nil {
		return nil, err
	}
	return &lotPool{u: u, lots: lots}, nil
}

// unreserved is the total quantity not promised to any order
func (p *lotPool) unreserved() decimal.Decimal {
	total := decimal.Zero
	for i := range p.lots {
		total = total.Add(p.lots[i].Unreserved())
	}
	return total
}

// save refreshes the lot state and writes it
func (p *lotPool) save(lot *models.Lot) error {
	lot.RefreshState()
	return p.u.tx.UpdateLot(p.u.ctx, lot)
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
