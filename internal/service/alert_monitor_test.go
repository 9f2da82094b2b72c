package service

import (
	"testing"

	"stock-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaseRequestPriority(t *testing.T) {
	ratio := dec("0.25")
	tests := []struct {
		available string
		threshold string
		want      string
	}{
		{"0", "40", models.PriorityUrgent},
		{"5", "40", models.PriorityUrgent},
		{"10", "40", models.PriorityUrgent},
		{"10.01", "40", models.PriorityNormal},
		{"40", "40", models.PriorityNormal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, purchaseRequestPriority(dec(tt.available), dec(tt.threshold), ratio),
			"available %s threshold %s", tt.available, tt.threshold)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()
	f.reservedOrder(p.ID, "50")

	first, err := f.alerts.Evaluate(f.ctx, p.ID, "planner")
	require.NoError(t, err)
	require.NotNil(t, first)
	version := f.getProduct(p.ID).Version

	second, err := f.alerts.Evaluate(f.ctx, p.ID, "planner")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, version, f.getProduct(p.ID).Version)

	active, err := f.alerts.ListAlerts(f.ctx, models.AlertStatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	requests, err := f.alerts.ListPurchaseRequests(f.ctx, "")
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestAlertWithoutActorHasNoPurchaseRequest(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "10", "20", "1")

	alert, err := f.alerts.Evaluate(f.ctx, p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.False(t, alert.PurchaseRequestGenerated)
	decEqual(t, "0", alert.SnapshotAvailable)

	requests, err := f.alerts.ListPurchaseRequests(f.ctx, "")
	require.NoError(t, err)
	assert.Empty(t, requests)

	request, err := f.alerts.GeneratePurchaseRequest(f.ctx, alert.ID, "buyer")
	require.NoError(t, err)
	decEqual(t, "20", request.Quantity)
	assert.Equal(t, models.PriorityUrgent, request.Priority)

	again, err := f.alerts.GeneratePurchaseRequest(f.ctx, alert.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, request.ID, again.ID)

	_, err = f.alerts.GeneratePurchaseRequest(f.ctx, alert.ID, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAlertSnapshotUpdatesInPlaceAndResolves(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "40", "50", "1")
	f.lot(p.ID, "10", 1)
	f.lot(p.ID, "20", 2)

	alerts, err := f.alerts.ListAlerts(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusActive, alerts[0].Status)
	decEqual(t, "30", alerts[0].SnapshotAvailable)

	_, err = f.engine.ReceiveLot(f.ctx, ReceiveLotCommand{ProductID: p.ID, Quantity: dec("20"), Actor: "dock"})
	require.NoError(t, err)

	alerts, err = f.alerts.ListAlerts(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertStatusResolved, alerts[0].Status)
	assert.Equal(t, "dock", alerts[0].ResolvedBy)
	require.NotNil(t, alerts[0].ResolvedAt)
	assert.Equal(t, 1, f.publisher.count(models.EventTypeAlertRaised))
	assert.Equal(t, 1, f.publisher.count(models.EventTypeAlertResolved))
}

func TestManualResolveAndDismiss(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "10", "20", "1")
	alert, err := f.alerts.Evaluate(f.ctx, p.ID, "")
	require.NoError(t, err)

	dismissed, err := f.alerts.Dismiss(f.ctx, alert.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusDismissed, dismissed.Status)
	assert.Equal(t, "manager", dismissed.ResolvedBy)

	_, err = f.alerts.Resolve(f.ctx, alert.ID, "manager")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.alerts.GeneratePurchaseRequest(f.ctx, alert.ID, "manager")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	reopened, err := f.alerts.Evaluate(f.ctx, p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, reopened)
	assert.NotEqual(t, alert.ID, reopened.ID)

	resolved, err := f.alerts.Resolve(f.ctx, reopened.ID, "manager")
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
}

func TestCriticalProductsOrdering(t *testing.T) {
	f := newFixture(t)
	warning := f.product("0", "40", "0", "1")
	f.lot(warning.ID, "30", 1)
	critical := f.product("0", "40", "0", "1")
	f.lot(critical.ID, "5", 1)
	urgentSmall := f.product("0", "10", "0", "1")
	f.lot(urgentSmall.ID, "4", 1)
	urgentLarge := f.product("0", "40", "0", "1")
	f.lot(urgentLarge.ID, "20", 1)
	healthy := f.product("0", "10", "0", "1")
	f.lot(healthy.ID, "50", 1)

	list, err := f.alerts.CriticalProducts(f.ctx)
	require.NoError(t, err)
	require.Len(t, list, 4)

	ids := []int64{list[0].Product.ID, list[1].Product.ID, list[2].Product.ID, list[3].Product.ID}
	assert.Equal(t, []int64{critical.ID, urgentLarge.ID, urgentSmall.ID, warning.ID}, ids)
	assert.Equal(t, SeverityCritical, list[0].Severity)
	assert.Equal(t, SeverityUrgent, list[1].Severity)
	assert.Equal(t, SeverityUrgent, list[2].Severity)
	assert.Equal(t, SeverityWarning, list[3].Severity)
	decEqual(t, "35", list[0].Deficit)
}

func TestPurchaseRequestWorkflow(t *testing.T) {
	f := newFixture(t)
	p, _, _ := f.scenarioProduct()
	f.reservedOrder(p.ID, "50")

	requests, err := f.alerts.ListPurchaseRequests(f.ctx, models.PurchaseRequestDraft)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	id := requests[0].ID

	_, err = f.alerts.ApprovePurchaseRequest(f.ctx, id, "manager")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, _, err = f.alerts.ReceivePurchaseRequest(f.ctx, ReceivePurchaseRequestCommand{PurchaseRequestID: id})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	sent, err := f.alerts.SendPurchaseRequest(f.ctx, id, "buyer")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRequestSent, sent.Status)

	_, err = f.alerts.ApprovePurchaseRequest(f.ctx, id, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	approved, err := f.alerts.ApprovePurchaseRequest(f.ctx, id, "manager")
	require.NoError(t, err)
	assert.Equal(t, "manager", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAt)

	ordered, err := f.alerts.MarkPurchaseRequestOrdered(f.ctx, id, "buyer")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRequestOrdered, ordered.Status)

	received, lot, err := f.alerts.ReceivePurchaseRequest(f.ctx, ReceivePurchaseRequestCommand{
		PurchaseRequestID: id,
		Zone:              "C3",
		Quality:           models.QualityPremium,
		Actor:             "dock",
	})
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRequestReceived, received.Status)
	require.NotNil(t, received.ReceivedLotID)
	assert.Equal(t, lot.ID, *received.ReceivedLotID)
	decEqual(t, "75", lot.InitialQty)
	assert.Equal(t, "C3", lot.Zone)

	product := f.getProduct(p.ID)
	decEqual(t, "145", product.PhysicalQty)
	decEqual(t, "80", product.Available())

	active, err := f.alerts.ListAlerts(f.ctx, models.AlertStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.alerts.CancelPurchaseRequest(f.ctx, id, "buyer")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	f.requireBalanced(p.ID)
}

func TestCancelPurchaseRequest(t *testing.T) {
	f := newFixture(t)
	p := f.product("0", "10", "20", "1")
	alert, err := f.alerts.Evaluate(f.ctx, p.ID, "")
	require.NoError(t, err)
	request, err := f.alerts.GeneratePurchaseRequest(f.ctx, alert.ID, "buyer")
	require.NoError(t, err)

	cancelled, err := f.alerts.CancelPurchaseRequest(f.ctx, request.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRequestCancelled, cancelled.Status)

	_, err = f.alerts.SendPurchaseRequest(f.ctx, request.ID, "buyer")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = f.alerts.SendPurchaseRequest(f.ctx, 999, "buyer")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.True(t, decimal.NewFromInt(20).Equal(cancelled.Quantity))
}
