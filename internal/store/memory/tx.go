package memory

import (
	"context"
	"sort"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"
)

var _ store.Tx = (*memTx)(nil)

type memTx struct {
	state Snapshot
	now   time.Time
}

func (t *memTx) nextID(seq string) int64 {
	t.state.Sequences[seq]++
	return t.state.Sequences[seq]
}

func (t *memTx) CreateProduct(_ context.Context, p *models.Product) error {
	p.ID = t.nextID("products")
	p.Version = 1
	p.CreatedAt = t.now
	t.state.Products[p.ID] = *p
	return nil
}

func (t *memTx) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	p, ok := t.state.Products[id]
	if !ok {
		return nil, models.NewNotFoundError("product", id)
	}
	return &p, nil
}

func (t *memTx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	return t.GetProduct(ctx, id)
}

func (t *memTx) ListProducts(_ context.Context) ([]models.Product, error) {
	products := make([]models.Product, 0, len(t.state.Products))
	for _, p := range t.state.Products {
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (t *memTx) UpdateProduct(_ context.Context, p *models.Product) error {
	current, ok := t.state.Products[p.ID]
	if !ok {
		return models.NewNotFoundError("product", p.ID)
	}
	if current.Version != p.Version {
		return models.ErrConcurrencyConflict
	}
	p.Version++
	t.state.Products[p.ID] = *p
	return nil
}

func (t *memTx) CreateLot(_ context.Context, lot *models.Lot) error {
	lot.ID = t.nextID("lots")
	lot.CreatedAt = t.now
	t.state.Lots[lot.ID] = *lot
	return nil
}

func (t *memTx) GetLot(_ context.Context, id int64) (*models.Lot, error) {
	lot, ok := t.state.Lots[id]
	if !ok {
		return nil, models.NewNotFoundError("lot", id)
	}
	return &lot, nil
}

func (t *memTx) ListLotsByProduct(_ context.Context, productID int64) ([]models.Lot, error) {
	var lots []models.Lot
	for _, lot := range t.state.Lots {
		if lot.ProductID == productID {
			lots = append(lots, lot)
		}
	}
	sortFIFO(lots)
	return lots, nil
}

func (t *memTx) ListLotsInStates(_ context.Context, productID int64, states []string) ([]models.Lot, error) {
	wanted := make(map[string]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	var lots []models.Lot
	for _, lot := range t.state.Lots {
		if lot.ProductID == productID && wanted[lot.State] {
			lots = append(lots, lot)
		}
	}
	sortFIFO(lots)
	return lots, nil
}

func (t *memTx) ListExpiringLots(_ context.Context, before time.Time) ([]models.Lot, error) {
	var lots []models.Lot
	for _, lot := range t.state.Lots {
		if lot.ExpiresOn == nil || lot.State == models.LotStateExhausted {
			continue
		}
		if lot.ExpiresOn.Before(before) {
			lots = append(lots, lot)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ExpiresOn.Equal(*lots[j].ExpiresOn) {
			return lots[i].ExpiresOn.Before(*lots[j].ExpiresOn)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

func (t *memTx) UpdateLot(_ context.Context, lot *models.Lot) error {
	if _, ok := t.state.Lots[lot.ID]; !ok {
		return models.NewNotFoundError("lot", lot.ID)
	}
	t.state.Lots[lot.ID] = *lot
	return nil
}

func sortFIFO(lots []models.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ReceivedOn.Equal(lots[j].ReceivedOn) {
			return lots[i].ReceivedOn.Before(lots[j].ReceivedOn)
		}
		return lots[i].ID < lots[j].ID
	})
}

func (t *memTx) CreateOrder(_ context.Context, order *models.Order) error {
	order.ID = t.nextID("orders")
	order.CreatedAt = t.now
	order.UpdatedAt = t.now
	for i := range order.Lines {
		order.Lines[i].ID = t.nextID("order_lines")
		order.Lines[i].OrderID = order.ID
	}
	t.state.Orders[order.ID] = cloneOrder(*order)
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id int64) (*models.Order, error) {
	order, ok := t.state.Orders[id]
	if !ok {
		return nil, models.NewNotFoundError("order", id)
	}
	order = cloneOrder(order)
	return &order, nil
}

func (t *memTx) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	if key == "" {
		return nil, nil
	}
	for _, order := range t.state.Orders {
		if order.IdempotencyKey == key {
			order = cloneOrder(order)
			return &order, nil
		}
	}
	return nil, nil
}

func (t *memTx) UpdateOrder(_ context.Context, order *models.Order) error {
	if _, ok := t.state.Orders[order.ID]; !ok {
		return models.NewNotFoundError("order", order.ID)
	}
	order.UpdatedAt = t.now
	t.state.Orders[order.ID] = cloneOrder(*order)
	return nil
}

func (t *memTx) CreateAllocation(_ context.Context, a *models.Allocation) error {
	a.ID = t.nextID("allocations")
	a.CreatedAt = t.now
	a.UpdatedAt = t.now
	t.state.Allocations[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAllocation(_ context.Context, a *models.Allocation) error {
	if _, ok := t.state.Allocations[a.ID]; !ok {
		return models.NewNotFoundError("allocation", a.ID)
	}
	a.UpdatedAt = t.now
	t.state.Allocations[a.ID] = *a
	return nil
}

func (t *memTx) ListAllocationsByOrder(_ context.Context, orderID int64, status string) ([]models.Allocation, error) {
	return t.filterAllocations(func(a models.Allocation) bool {
		return a.OrderID == orderID && (status == "" || a.Status == status)
	}), nil
}

func (t *memTx) ListHeldAllocationsByLot(_ context.Context, lotID int64) ([]models.Allocation, error) {
	return t.filterAllocations(func(a models.Allocation) bool {
		return a.LotID == lotID && a.Status == models.AllocationHeld
	}), nil
}

func (t *memTx) ListHeldAllocationsByProduct(_ context.Context, productID int64) ([]models.Allocation, error) {
	return t.filterAllocations(func(a models.Allocation) bool {
		return a.ProductID == productID && a.Status == models.AllocationHeld
	}), nil
}

func (t *memTx) filterAllocations(keep func(models.Allocation) bool) []models.Allocation {
	var out []models.Allocation
	for _, a := range t.state.Allocations {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memTx) AppendMovement(_ context.Context, m *models.Movement) error {
	m.ID = t.nextID("movements")
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now
	}
	t.state.Movements = append(t.state.Movements, *m)
	return nil
}

func (t *memTx) ListMovements(_ context.Context, f models.MovementFilter) ([]models.Movement, error) {
	var out []models.Movement
	for _, m := range t.state.Movements {
		if f.ProductID != 0 && m.ProductID != f.ProductID {
			continue
		}
		if f.LotID != 0 && m.LotID != f.LotID {
			continue
		}
		if f.OrderID != 0 && (m.OrderID == nil || *m.OrderID != f.OrderID) {
			continue
		}
		if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !m.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) CreateAlert(_ context.Context, a *models.Alert) error {
	a.ID = t.nextID("alerts")
	a.UpdatedAt = t.now
	t.state.Alerts[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAlert(_ context.Context, a *models.Alert) error {
	if _, ok := t.state.Alerts[a.ID]; !ok {
		return models.NewNotFoundError("alert", a.ID)
	}
	a.UpdatedAt = t.now
	t.state.Alerts[a.ID] = *a
	return nil
}

func (t *memTx) GetAlert(_ context.Context, id int64) (*models.Alert, error) {
	a, ok := t.state.Alerts[id]
	if !ok {
		return nil, models.NewNotFoundError("alert", id)
	}
	return &a, nil
}

func (t *memTx) GetActiveAlert(_ context.Context, productID int64) (*models.Alert, error) {
	for _, a := range t.state.Alerts {
		if a.ProductID == productID && a.Status == models.AlertStatusActive {
			return &a, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListAlerts(_ context.Context, status string) ([]models.Alert, error) {
	var out []models.Alert
	for _, a := range t.state.Alerts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) CreatePurchaseRequest(_ context.Context, pr *models.PurchaseRequest) error {
	pr.ID = t.nextID("purchase_requests")
	pr.CreatedAt = t.now
	pr.UpdatedAt = t.now
	t.state.PurchaseRequests[pr.ID] = *pr
	return nil
}

func (t *memTx) UpdatePurchaseRequest(_ context.Context, pr *models.PurchaseRequest) error {
	if _, ok := t.state.PurchaseRequests[pr.ID]; !ok {
		return models.NewNotFoundError("purchase request", pr.ID)
	}
	pr.UpdatedAt = t.now
	t.state.PurchaseRequests[pr.ID] = *pr
	return nil
}

func (t *memTx) GetPurchaseRequest(_ context.Context, id int64) (*models.PurchaseRequest, error) {
	pr, ok := t.state.PurchaseRequests[id]
	if !ok {
		return nil, models.NewNotFoundError("purchase request", id)
	}
	return &pr, nil
}

func (t *memTx) GetPurchaseRequestByAlert(_ context.Context, alertID int64) (*models.PurchaseRequest, error) {
	for _, pr := range t.state.PurchaseRequests {
		if pr.AlertID != nil && *pr.AlertID == alertID {
			return &pr, nil
		}
	}
	return nil, nil
}

func (t *memTx) ListPurchaseRequests(_ context.Context, status string) ([]models.PurchaseRequest, error) {
	var out []models.PurchaseRequest
	for _, pr := range t.state.PurchaseRequests {
		if status == "" || pr.Status == status {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) CreateSale(_ context.Context, sale *models.ImmediateSale) error {
	sale.ID = t.nextID("sales")
	sale.CreatedAt = t.now
	t.state.Sales[sale.ID] = *sale
	return nil
}

func (t *memTx) GetSale(_ context.Context, id int64) (*models.ImmediateSale, error) {
	sale, ok := t.state.Sales[id]
	if !ok {
		return nil, models.NewNotFoundError("sale", id)
	}
	return &sale, nil
}

func (t *memTx) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	_, ok := t.state.ProcessedEvents[eventID]
	return ok, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	if _, ok := t.state.ProcessedEvents[eventID]; !ok {
		t.state.ProcessedEvents[eventID] = eventType
	}
	return nil
}
