package service

import (
	"sync"
	"testing"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveDrawsOldestLotsFirst(t *testing.T) {
	f := newFixture(t)
	p, l1, l2 := f.scenarioProduct()
	decEqual(t, "55", f.getProduct(p.ID).Available())

	order := f.confirmedOrder(p.ID, "50")
	res, err := f.orders.Reserve(f.ctx, order.ID, "planner")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusReserved, res.Order.Status)
	require.Len(t, res.Lines, 1)
	line := res.Lines[0]
	decEqual(t, "50", line.Allocated)
	decEqual(t, "0", line.Shortfall)
	assert.Equal(t, models.OrderStatusReserved, line.Status)
	require.Len(t, line.Allocations, 2)
	assert.Equal(t, l1.ID, line.Allocations[0].LotID)
	decEqual(t, "30", line.Allocations[0].AllocatedQty)
	assert.Equal(t, l2.ID, line.Allocations[1].LotID)
	decEqual(t, "20", line.Allocations[1].AllocatedQty)

	lot1 := f.getLot(l1.ID)
	assert.Equal(t, models.LotStateHeld, lot1.State)
	decEqual(t, "30", lot1.ReservedQty)
	decEqual(t, "20", f.getLot(l2.ID).ReservedQty)

	product := f.getProduct(p.ID)
	decEqual(t, "50", product.ReservedQty)
	decEqual(t, "5", product.Available())

	alerts, err := f.alerts.ListAlerts(f.ctx, models.AlertStatusActive)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	decEqual(t, "5", alerts[0].SnapshotAvailable)
	decEqual(t, "40", alerts[0].SnapshotThreshold)
	assert.True(t, alerts[0].PurchaseRequestGenerated)

	requests, err := f.alerts.ListPurchaseRequests(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	decEqual(t, "75", requests[0].Quantity)
	assert.Equal(t, models.PriorityUrgent, requests[0].Priority)
	assert.Equal(t, models.PurchaseRequestDraft, requests[0].Status)
	require.NotNil(t, requests[0].AlertID)
	assert.Equal(t, alerts[0].ID, *requests[0].AlertID)
	assert.Equal(t, "planner", requests[0].CreatedBy)

	reserves := f.movements(models.MovementFilter{OrderID: order.ID})
	require.Len(t, reserves, 2)
	for _, m := range reserves {
		assert.Equal(t, models.MovementReserve, m.Type)
		assert.Equal(t, "planner", m.Actor)
	}
	f.requireBalanced(p.ID)
}

func TestReserveShortfallIsAResult(t *testing.T) {
	f := newFixture(t)
	p, l1, l2 := f.scenarioProduct()

	order := f.confirmedOrder(p.ID, "90")
	res, err := f.orders.Reserve(f.ctx, order.ID, "planner")
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusAwaitingRestock, res.Order.Status)
	decEqual(t, "70", res.Lines[0].Allocated)
	decEqual(t, "20", res.Lines[0].Shortfall)
	assert.Equal(t, models.LotStateHeld, f.getLot(l1.ID).State)
	assert.Equal(t, models.LotStateHeld, f.getLot(l2.ID).State)

	product := f.getProduct(p.ID)
	decEqual(t, "70", product.ReservedQty)
	decEqual(t, "0", product.Available())
	f.requireBalanced(p.ID)
}

func TestReserveBreaksReceptionTiesByLotID(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "0", "0", "4")
	late := f.lot(p.ID, "10", 3)
	first := f.lot(p.ID, "10", 1)
	second := f.lot(p.ID, "10", 1)

	order := f.confirmedOrder(p.ID, "25")
	res, err := f.orders.Reserve(f.ctx, order.ID, "planner")
	require.NoError(t, err)

	allocations := res.Lines[0].Allocations
	require.Len(t, allocations, 3)
	assert.Equal(t, []int64{first.ID, second.ID, late.ID},
		[]int64{allocations[0].LotID, allocations[1].LotID, allocations[2].LotID})
	decEqual(t, "10", allocations[0].AllocatedQty)
	decEqual(t, "10", allocations[1].AllocatedQty)
	decEqual(t, "5", allocations[2].AllocatedQty)
	decEqual(t, "0", f.getLot(first.ID).Unreserved())
	decEqual(t, "5", f.getLot(late.ID).Unreserved())
}

func TestReserveThenReleaseRestoresReservations(t *testing.T) {
	f := newFixture(t)
	p, l1, l2 := f.scenarioProduct()
	before := f.getProduct(p.ID).ReservedQty
	lot1Before, lot2Before := f.getLot(l1.ID), f.getLot(l2.ID)

	order := f.reservedOrder(p.ID, "50")
	res, err := f.engine.Release(f.ctx, ReleaseCommand{OrderID: order.ID, Actor: "planner"})
	require.NoError(t, err)
	decEqual(t, "50", res.Released)
	assert.Equal(t, models.OrderStatusAwaitingRestock, res.Status)

	assert.True(t, before.Equal(f.getProduct(p.ID).ReservedQty))
	lot1After, lot2After := f.getLot(l1.ID), f.getLot(l2.ID)
	assert.True(t, lot1Before.ReservedQty.Equal(lot1After.ReservedQty))
	assert.True(t, lot2Before.ReservedQty.Equal(lot2After.ReservedQty))
	assert.Equal(t, lot1Before.State, lot1After.State)
	assert.Equal(t, lot2Before.State, lot2After.State)

	releases := 0
	for _, m := range f.movements(models.MovementFilter{OrderID: order.ID}) {
		if m.Type == models.MovementRelease {
			releases++
		}
	}
	assert.Equal(t, 2, releases)
	f.requireBalanced(p.ID)
}

func TestPartialReleaseTakesNewestAllocationFirst(t *testing.T) {
	f := newFixture(t)
	p, l1, l2 := f.scenarioProduct()
	order := f.reservedOrder(p.ID, "50")

	res, err := f.engine.Release(f.ctx, ReleaseCommand{OrderID: order.ID, Quantity: dec("25"), Reason: "client reduced"})
	require.NoError(t, err)
	decEqual(t, "25", res.Released)
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, l2.ID, res.Allocations[0].LotID)
	decEqual(t, "20", res.Allocations[0].AllocatedQty)
	assert.Equal(t, l1.ID, res.Allocations[1].LotID)
	decEqual(t, "5", res.Allocations[1].AllocatedQty)

	lot1 := f.getLot(l1.ID)
	decEqual(t, "25", lot1.ReservedQty)
	assert.Equal(t, models.LotStateInStock, lot1.State)
	decEqual(t, "0", f.getLot(l2.ID).ReservedQty)

	details, err := f.orders.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAwaitingRestock, details.Order.Status)
	decEqual(t, "25", details.Order.Lines[0].ReservedQty)
	held := 0
	for _, a := range details.Allocations {
		if a.Status == models.AllocationHeld {
			held++
			decEqual(t, "25", a.AllocatedQty)
		}
	}
	assert.Equal(t, 1, held)
	f.requireBalanced(p.ID)
}

func TestReleaseRestrictedToLot(t *testing.T) {
	f := newFixture(t)
	p, l1, l2 := f.scenarioProduct()
	order := f.reservedOrder(p.ID, "50")

	res, err := f.engine.Release(f.ctx, ReleaseCommand{OrderID: order.ID, LotID: l1.ID})
	require.NoError(t, err)
	decEqual(t, "30", res.Released)
	decEqual(t, "0", f.getLot(l1.ID).ReservedQty)
	decEqual(t, "20", f.getLot(l2.ID).ReservedQty)
	f.requireBalanced(p.ID)
}

func TestReleaseWithoutHeldStockIsRejected(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()
	order := f.confirmedOrder(p.ID, "10")

	_, err := f.engine.Release(f.ctx, ReleaseCommand{OrderID: order.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestDeliverConsumesHeldLots(t *testing.T) {
	f := newFixture(t)
	p, l1, l2 := f.scenarioProduct()
	order := f.reservedOrder(p.ID, "50")

	delivery, err := f.orders.Deliver(f.ctx, order.ID, "driver")
	require.NoError(t, err)

	consumption := delivery.Consumption
	decEqual(t, "50", consumption.Consumed)
	require.Len(t, consumption.PerLot, 2)
	assert.Equal(t, l1.ID, consumption.PerLot[0].LotID)
	assert.Equal(t, models.LotStateExhausted, consumption.PerLot[0].LotState)
	assert.Equal(t, l2.ID, consumption.PerLot[1].LotID)
	assert.Equal(t, models.LotStatePartial, consumption.PerLot[1].LotState)

	lot2 := f.getLot(l2.ID)
	decEqual(t, "20", lot2.RemainingQty)
	decEqual(t, "0", lot2.ReservedQty)
	assert.Equal(t, models.LotStateExhausted, f.getLot(l1.ID).State)

	var outs []decimal.Decimal
	for _, m := range f.movements(models.MovementFilter{OrderID: order.ID}) {
		if m.Type == models.MovementOut {
			outs = append(outs, m.Quantity)
			assert.Equal(t, "driver", m.Actor)
		}
	}
	require.Len(t, outs, 2)
	decEqual(t, "30", outs[0])
	decEqual(t, "20", outs[1])

	product := f.getProduct(p.ID)
	decEqual(t, "20", product.PhysicalQty)
	decEqual(t, "0", product.ReservedQty)

	delivered := delivery.Order
	assert.Equal(t, models.OrderStatusDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)
	decEqual(t, "50", delivered.ServedQty)
	decEqual(t, "0", delivered.ReservedQty)
	f.requireBalanced(p.ID)
}

func TestEngineReserveValidation(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()
	order := f.confirmedOrder(p.ID, "10")
	lineID := order.Lines[0].ID

	_, err := f.engine.Reserve(f.ctx, ReserveCommand{OrderID: order.ID, LineID: lineID, Quantity: decimal.Zero})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.engine.Reserve(f.ctx, ReserveCommand{OrderID: order.ID, LineID: lineID, Quantity: dec("11")})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.engine.Reserve(f.ctx, ReserveCommand{OrderID: 999, LineID: lineID, Quantity: dec("1")})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.engine.Reserve(f.ctx, ReserveCommand{OrderID: order.ID, LineID: 999, Quantity: dec("1")})
	var notFound *models.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "order line", notFound.Entity)
	assert.Equal(t, int64(999), notFound.ID)

	res, err := f.engine.Reserve(f.ctx, ReserveCommand{OrderID: order.ID, LineID: lineID, Quantity: dec("4")})
	require.NoError(t, err)
	decEqual(t, "4", res.Allocated)
	assert.Equal(t, models.OrderStatusAwaitingRestock, f.getOrder(order.ID).Status)

	res, err = f.engine.Reserve(f.ctx, ReserveCommand{OrderID: order.ID, LineID: lineID, Quantity: dec("6")})
	require.NoError(t, err)
	decEqual(t, "6", res.Allocated)
	assert.Equal(t, models.OrderStatusReserved, f.getOrder(order.ID).Status)
}

func TestEngineReserveRejectsPendingOrder(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()
	order, err := f.orders.CreateOrder(f.ctx, CreateOrderCommand{
		Lines: []OrderLineInput{{ProductID: p.ID, Quantity: dec("5")}},
	})
	require.NoError(t, err)

	_, err = f.engine.Reserve(f.ctx, ReserveCommand{OrderID: order.ID, LineID: order.Lines[0].ID, Quantity: dec("5")})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	decEqual(t, "0", f.getProduct(p.ID).ReservedQty)
}

func TestReceiveLotIsIdempotentPerEvent(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "0", "0", "5")
	cmd := ReceiveLotCommand{ProductID: p.ID, Quantity: dec("12.5"), Zone: "B2", EventID: "evt-1"}

	lot, err := f.engine.ReceiveLot(f.ctx, cmd)
	require.NoError(t, err)
	require.NotNil(t, lot)
	assert.NotEmpty(t, lot.Code)
	assert.Equal(t, models.LotStateInStock, lot.State)
	assert.Equal(t, models.QualityStandard, lot.Quality)

	again, err := f.engine.ReceiveLot(f.ctx, cmd)
	require.NoError(t, err)
	assert.Nil(t, again)

	product := f.getProduct(p.ID)
	decEqual(t, "12.5", product.PhysicalQty)
	require.NotNil(t, product.LastRestockedAt)

	ins := f.movements(models.MovementFilter{ProductID: p.ID})
	require.Len(t, ins, 1)
	assert.Equal(t, models.MovementIn, ins[0].Type)
	assert.Equal(t, "B2", ins[0].DestZone)
}

func TestReceiveLotValidation(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "0", "0", "5")
	expires := day0.Add(-time.Hour)

	for name, cmd := range map[string]ReceiveLotCommand{
		"zero quantity":   {ProductID: p.ID, Quantity: decimal.Zero},
		"unknown grade":   {ProductID: p.ID, Quantity: dec("1"), Quality: "GOLD"},
		"expires early":   {ProductID: p.ID, Quantity: dec("1"), ReceivedOn: day0, ExpiresOn: &expires},
		"missing product": {Quantity: dec("1")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.ReceiveLot(f.ctx, cmd)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	_, err := f.engine.ReceiveLot(f.ctx, ReceiveLotCommand{ProductID: 404, Quantity: dec("1")})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAdjustLot(t *testing.T) {
	f := newFixture(t)
	p, _, l2 := f.scenarioProduct()
	f.reservedOrder(p.ID, "50")

	_, err := f.engine.AdjustLot(f.ctx, AdjustLotCommand{LotID: l2.ID, Delta: dec("-25"), Reason: "spoiled"})
	assert.ErrorIs(t, err, models.ErrValidation)
	decEqual(t, "40", f.getLot(l2.ID).RemainingQty)

	_, err = f.engine.AdjustLot(f.ctx, AdjustLotCommand{LotID: l2.ID, Delta: dec("-5")})
	assert.ErrorIs(t, err, models.ErrValidation)

	lot, err := f.engine.AdjustLot(f.ctx, AdjustLotCommand{LotID: l2.ID, Delta: dec("-5"), Reason: "spoiled", Actor: "counter"})
	require.NoError(t, err)
	decEqual(t, "35", lot.RemainingQty)
	assert.Equal(t, models.LotStatePartial, lot.State)
	decEqual(t, "65", f.getProduct(p.ID).PhysicalQty)

	adjustments := f.movements(models.MovementFilter{LotID: l2.ID})
	last := adjustments[len(adjustments)-1]
	assert.Equal(t, models.MovementAdjust, last.Type)
	decEqual(t, "-5", last.Quantity)
	assert.Equal(t, "spoiled", last.Reason)
	assert.Equal(t, "counter", last.Actor)
	f.requireBalanced(p.ID)
}

func TestSetStockPolicyReevaluatesAlert(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()

	active, err := f.alerts.ListAlerts(f.ctx, models.AlertStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	threshold := dec("60")
	updated, err := f.engine.SetStockPolicy(f.ctx, SetStockPolicyCommand{ProductID: p.ID, ReorderThreshold: &threshold, Actor: "buyer"})
	require.NoError(t, err)
	decEqual(t, "60", updated.ReorderThreshold)

	active, err = f.alerts.ListAlerts(f.ctx, models.AlertStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	decEqual(t, "55", active[0].SnapshotAvailable)

	requests, err := f.alerts.ListPurchaseRequests(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	decEqual(t, "65", requests[0].Quantity)
	assert.Equal(t, models.PriorityNormal, requests[0].Priority)

	negative := dec("-1")
	_, err = f.engine.SetStockPolicy(f.ctx, SetStockPolicyCommand{ProductID: p.ID, BufferQty: &negative})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGetAvailabilityPrefersCache(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()

	snapshot, err := f.engine.GetAvailability(f.ctx, p.ID)
	require.NoError(t, err)
	decEqual(t, "55", snapshot.Available)

	f.cache.mu.Lock()
	delete(f.cache.snapshots, p.ID)
	f.cache.mu.Unlock()

	snapshot, err = f.engine.GetAvailability(f.ctx, p.ID)
	require.NoError(t, err)
	decEqual(t, "55", snapshot.Available)

	cached, err := f.cache.GetSnapshot(f.ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, cached)
	decEqual(t, "70", cached.PhysicalQty)
}

func TestListExpiringLots(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "0", "0", "5")
	soon, later := day0.AddDate(0, 0, 3), day0.AddDate(0, 0, 30)

	expiring, err := f.engine.ReceiveLot(f.ctx, ReceiveLotCommand{ProductID: p.ID, Quantity: dec("5"), ReceivedOn: day0, ExpiresOn: &soon})
	require.NoError(t, err)
	_, err = f.engine.ReceiveLot(f.ctx, ReceiveLotCommand{ProductID: p.ID, Quantity: dec("5"), ReceivedOn: day0, ExpiresOn: &later})
	require.NoError(t, err)

	lots, err := f.engine.ListExpiringLots(f.ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, expiring.ID, lots[0].ID)

	_, err = f.engine.ListExpiringLots(f.ctx, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStockSummary(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()
	f.reservedOrder(p.ID, "50")

	summary, err := f.engine.StockSummary(f.ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, summary.Lots, 2)
	assert.Len(t, summary.Allocations, 2)
	decEqual(t, "5", summary.Snapshot.Available)
}

func TestAuditRollsBackCorruptedLedger(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "0", "0", "5")

	// physical stock without any lot behind it
	require.NoError(t, f.store.RunInTx(f.ctx, func(tx store.Tx) error {
		current, err := tx.GetProduct(f.ctx, p.ID)
		require.NoError(t, err)
		current.PhysicalQty = dec("10")
		return tx.UpdateProduct(f.ctx, current)
	}))

	threshold := dec("3")
	_, err := f.engine.SetStockPolicy(f.ctx, SetStockPolicyCommand{ProductID: p.ID, ReorderThreshold: &threshold})
	require.ErrorIs(t, err, models.ErrInvariantViolation)
	decEqual(t, "0", f.getProduct(p.ID).ReorderThreshold)
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "0", "0", "5")
	f.lot(p.ID, "10", 1)

	var orders []*models.Order
	for i := 0; i < 8; i++ {
		orders = append(orders, f.confirmedOrder(p.ID, "3"))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		allocated = decimal.Zero
		reserved  int
	)
	for _, order := range orders {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			res, err := f.orders.Reserve(f.ctx, id, "planner")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			allocated = allocated.Add(res.Lines[0].Allocated)
			if res.Order.Status == models.OrderStatusReserved {
				reserved++
			}
		}(order.ID)
	}
	wg.Wait()

	decEqual(t, "10", allocated)
	assert.Equal(t, 3, reserved)
	product := f.getProduct(p.ID)
	decEqual(t, "10", product.ReservedQty)
	decEqual(t, "0", product.Available())
	f.requireBalanced(p.ID)
}
