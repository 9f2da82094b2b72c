package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"
	"stock-service/internal/store/memory"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// recordingPublisher keeps every published event type in order
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	sales  []*models.SaleCompletedEvent
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) PublishMovementRecorded(_ context.Context, e *models.MovementRecordedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishAlertRaised(_ context.Context, e *models.AlertRaisedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishAlertResolved(_ context.Context, e *models.AlertResolvedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPurchaseRequested(_ context.Context, e *models.PurchaseRequestedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishSaleCompleted(_ context.Context, e *models.SaleCompletedEvent) error {
	p.mu.Lock()
	p.sales = append(p.sales, e)
	p.mu.Unlock()
	return p.record(e.EventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// mapCache is an in-memory SnapshotCache
type mapCache struct {
	mu        sync.Mutex
	snapshots map[int64]models.StockSnapshot
}

func (c *mapCache) PutSnapshot(_ context.Context, s models.StockSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[s.ProductID] = s
	return nil
}

func (c *mapCache) GetSnapshot(_ context.Context, id int64) (*models.StockSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snapshots[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

type fixture struct {
	t         *testing.T
	ctx       context.Context
	store     *memory.Store
	publisher *recordingPublisher
	cache     *mapCache
	exec      *Executor
	engine    *AllocationEngine
	orders    *OrderLifecycle
	sales     *ImmediateSaleProcessor
	alerts    *AlertMonitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore(memory.WithClock(func() time.Time { return day0 }))
	publisher := &recordingPublisher{}
	cache := &mapCache{snapshots: make(map[int64]models.StockSnapshot)}

	opts := DefaultOptions()
	opts.Clock = func() time.Time { return day0 }
	exec := NewExecutor(st, NewKeyedLocker(), publisher, cache, opts)
	engine := NewAllocationEngine(exec)

	return &fixture{
		t:         t,
		ctx:       context.Background(),
		store:     st,
		publisher: publisher,
		cache:     cache,
		exec:      exec,
		engine:    engine,
		orders:    NewOrderLifecycle(exec, engine),
		sales:     NewImmediateSaleProcessor(exec, engine),
		alerts:    NewAlertMonitor(exec, engine),
	}
}

func (f *fixture) product(buffer, threshold, optimal, price string) *models.Product {
	f.t.Helper()
	p, err := f.engine.RegisterProduct(f.ctx, RegisterProductCommand{
		Name:              "washed arabica",
		Unit:              "kg",
		UnitPrice:         dec(price),
		BufferQty:         dec(buffer),
		ReorderThreshold:  dec(threshold),
		OptimalReorderQty: dec(optimal),
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) lot(productID int64, qty string, day int) *models.Lot {
	f.t.Helper()
	lot, err := f.engine.ReceiveLot(f.ctx, ReceiveLotCommand{
		ProductID:  productID,
		Quantity:   dec(qty),
		Zone:       "A1",
		Quality:    models.QualityStandard,
		ReceivedOn: day0.AddDate(0, 0, day),
	})
	require.NoError(f.t, err)
	return lot
}

// scenarioProduct is physical 70 in two lots, buffer 15, threshold 40, optimal 50:
// available starts at 55
func (f *fixture) scenarioProduct() (*models.Product, *models.Lot, *models.Lot) {
	f.t.Helper()
	p := f.product("15", "40", "50", "10")
	l1 := f.lot(p.ID, "30", 1)
	l2 := f.lot(p.ID, "40", 5)
	return p, l1, l2
}

func (f *fixture) confirmedOrder(productID int64, qty string) *models.Order {
	f.t.Helper()
	order, err := f.orders.CreateOrder(f.ctx, CreateOrderCommand{
		ClientID: 7,
		Lines:    []OrderLineInput{{ProductID: productID, Quantity: dec(qty)}},
		Actor:    "intake",
	})
	require.NoError(f.t, err)
	order, err = f.orders.Confirm(f.ctx, order.ID, "intake")
	require.NoError(f.t, err)
	return order
}

func (f *fixture) reservedOrder(productID int64, qty string) *models.Order {
	f.t.Helper()
	order := f.confirmedOrder(productID, qty)
	res, err := f.orders.Reserve(f.ctx, order.ID, "planner")
	require.NoError(f.t, err)
	return res.Order
}

func (f *fixture) getProduct(id int64) *models.Product {
	f.t.Helper()
	p, err := f.engine.GetProduct(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) getLot(id int64) *models.Lot {
	f.t.Helper()
	var lot *models.Lot
	require.NoError(f.t, f.store.View(f.ctx, func(tx store.Tx) error {
		var err error
		lot, err = tx.GetLot(f.ctx, id)
		return err
	}))
	return lot
}

func (f *fixture) getOrder(id int64) *models.Order {
	f.t.Helper()
	details, err := f.orders.GetOrder(f.ctx, id)
	require.NoError(f.t, err)
	return details.Order
}

func (f *fixture) movements(filter models.MovementFilter) []models.Movement {
	f.t.Helper()
	ms, err := f.exec.Movements().List(f.ctx, filter)
	require.NoError(f.t, err)
	return ms
}

// requireBalanced checks the stock ledger of a product from the outside
func (f *fixture) requireBalanced(productID int64) {
	f.t.Helper()
	require.NoError(f.t, f.store.View(f.ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(f.ctx, productID)
		require.NoError(f.t, err)
		lots, err := tx.ListLotsByProduct(f.ctx, productID)
		require.NoError(f.t, err)
		held, err := tx.ListHeldAllocationsByProduct(f.ctx, productID)
		require.NoError(f.t, err)

		physical, lotReserved, heldSum := decimal.Zero, decimal.Zero, decimal.Zero
		for _, lot := range lots {
			require.True(f.t, lot.RemainingQty.GreaterThanOrEqual(lot.ReservedQty), "lot %d over-reserved", lot.ID)
			require.False(f.t, lot.ReservedQty.IsNegative())
			physical = physical.Add(lot.RemainingQty)
			lotReserved = lotReserved.Add(lot.ReservedQty)
		}
		for _, a := range held {
			heldSum = heldSum.Add(a.AllocatedQty)
		}
		require.True(f.t, physical.Equal(p.PhysicalQty), "physical %s vs lots %s", p.PhysicalQty, physical)
		require.True(f.t, lotReserved.Equal(p.ReservedQty), "reserved %s vs lots %s", p.ReservedQty, lotReserved)
		require.True(f.t, heldSum.Equal(p.ReservedQty), "reserved %s vs allocations %s", p.ReservedQty, heldSum)
		require.False(f.t, p.Available().IsNegative())
		return nil
	}))
}

func decEqual(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(expected).Equal(actual), "expected %s, got %s", expected, actual)
}
