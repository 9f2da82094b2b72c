package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"
	"stock-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Alert severities reported by CriticalProducts
const (
	SeverityCritical = "CRITICAL"
	SeverityUrgent   = "URGENT"
	SeverityWarning  = "WARNING"
)

var severityRank = map[string]int{SeverityCritical: 0, SeverityUrgent: 1, SeverityWarning: 2}

var (
	criticalBand = decimal.RequireFromString("0.25")
	urgentBand   = decimal.RequireFromString("0.50")
	two          = decimal.NewFromInt(2)
)

// AlertMonitor keeps at most one ACTIVE alert per product and drives purchase requests
type AlertMonitor struct {
	exec   *Executor
	engine *AllocationEngine
	logger *zap.Logger
}

// NewAlertMonitor creates a new alert monitor
func NewAlertMonitor(exec *Executor, engine *AllocationEngine) *AlertMonitor {
	return &AlertMonitor{
		exec:   exec,
		engine: engine,
		logger: util.GetLogger(),
	}
}

// CriticalProduct is a product at or under its reorder threshold
type CriticalProduct struct {
	Product   models.Product  `json:"product"`
	Available decimal.Decimal `json:"available"`
	Threshold decimal.Decimal `json:"threshold"`
	Deficit   decimal.Decimal `json:"deficit"`
	Ratio     decimal.Decimal `json:"ratio"`
	Severity  string          `json:"severity"`
}

// ReceivePurchaseRequestCommand books the goods of an ORDERED purchase request.
// A zero Quantity receives the requested quantity.
type ReceivePurchaseRequestCommand struct {
	PurchaseRequestID int64           `json:"purchase_request_id"`
	Quantity          decimal.Decimal `json:"quantity"`
	Zone              string          `json:"zone"`
	Quality           string          `json:"quality"`
	ExpiresOn         *time.Time      `json:"expires_on"`
	Actor             string          `json:"-"`
}

func inAlert(p *models.Product) bool {
	return p.ReorderThreshold.IsPositive() && p.Available().LessThanOrEqual(p.ReorderThreshold)
}

// evaluateAlert applies the alert rule to a product inside the current unit of work
func evaluateAlert(u *unitOfWork, p *models.Product) error {
	active, err := u.tx.GetActiveAlert(u.ctx, p.ID)
	if err != nil {
		return fmt.Errorf("failed to load active alert: %w", err)
	}
	available := p.Available()

	switch {
	case inAlert(p) && active == nil:
		alert := &models.Alert{
			ProductID:         p.ID,
			SnapshotAvailable: available,
			SnapshotThreshold: p.ReorderThreshold,
			Status:            models.AlertStatusActive,
			RaisedAt:          u.now,
			UpdatedAt:         u.now,
		}
		if err := u.tx.CreateAlert(u.ctx, alert); err != nil {
			return fmt.Errorf("failed to create alert: %w", err)
		}
		util.AlertsRaisedTotal.Inc()
		event := &models.AlertRaisedEvent{
			BaseEvent: newBaseEvent(models.EventTypeAlertRaised, u.now),
			AlertID:   alert.ID,
			ProductID: p.ID,
			Available: available,
			Threshold: p.ReorderThreshold,
		}
		u.afterCommit(func(ctx context.Context, pub EventPublisher) error {
			return pub.PublishAlertRaised(ctx, event)
		})
		if u.actor != "" {
			if _, err := generatePurchaseRequest(u, alert, p); err != nil {
				return err
			}
		}

	case inAlert(p):
		if active.SnapshotAvailable.Equal(available) && active.SnapshotThreshold.Equal(p.ReorderThreshold) {
			return nil
		}
		active.SnapshotAvailable = available
		active.SnapshotThreshold = p.ReorderThreshold
		active.UpdatedAt = u.now
		if err := u.tx.UpdateAlert(u.ctx, active); err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}

	case active != nil:
		return closeAlert(u, active, models.AlertStatusResolved)
	}
	return nil
}

func closeAlert(u *unitOfWork, alert *models.Alert, status string) error {
	alert.Status = status
	closedAt := u.now
	alert.ResolvedAt = &closedAt
	alert.ResolvedBy = u.actor
	alert.UpdatedAt = u.now
	if err := u.tx.UpdateAlert(u.ctx, alert); err != nil {
		return fmt.Errorf("failed to close alert: %w", err)
	}

	util.AlertsClosedTotal.WithLabelValues(status).Inc()
	event := &models.AlertResolvedEvent{
		BaseEvent: newBaseEvent(models.EventTypeAlertResolved, u.now),
		AlertID:   alert.ID,
		ProductID: alert.ProductID,
		Status:    status,
		Actor:     u.actor,
	}
	u.afterCommit(func(ctx context.Context, pub EventPublisher) error {
		return pub.PublishAlertResolved(ctx, event)
	})
	return nil
}

// purchaseRequestPriority is URGENT when stock is gone or under the critical share of the threshold
func purchaseRequestPriority(available, threshold, criticalRatio decimal.Decimal) string {
	if !available.IsPositive() || available.LessThanOrEqual(threshold.Mul(criticalRatio)) {
		return models.PriorityUrgent
	}
	return models.PriorityNormal
}

// generatePurchaseRequest creates the single DRAFT request of an alert; later calls
// return the existing one
func generatePurchaseRequest(u *unitOfWork, alert *models.Alert, p *models.Product) (*models.PurchaseRequest, error) {
	if alert.PurchaseRequestGenerated {
		existing, err := u.tx.GetPurchaseRequestByAlert(u.ctx, alert.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	available := p.Available()
	quantity := p.ReorderThreshold.Mul(two).Sub(available)
	if p.OptimalReorderQty.GreaterThan(quantity) {
		quantity = p.OptimalReorderQty
	}

	alertID := alert.ID
	request := &models.PurchaseRequest{
		Number:            newNumber("PR"),
		ProductID:         p.ID,
		Quantity:          quantity,
		Priority:          purchaseRequestPriority(available, p.ReorderThreshold, u.exec.opts.CriticalRatio),
		Status:            models.PurchaseRequestDraft,
		AlertID:           &alertID,
		SnapshotAvailable: available,
		SnapshotThreshold: p.ReorderThreshold,
		CreatedBy:         u.actor,
	}
	if err := u.tx.CreatePurchaseRequest(u.ctx, request); err != nil {
		return nil, fmt.Errorf("failed to create purchase request: %w", err)
	}

	alert.PurchaseRequestGenerated = true
	alert.UpdatedAt = u.now
	if err := u.tx.UpdateAlert(u.ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to flag alert: %w", err)
	}

	util.PurchaseRequestsTotal.WithLabelValues(request.Priority).Inc()
	event := &models.PurchaseRequestedEvent{
		BaseEvent:         newBaseEvent(models.EventTypePurchaseRequested, u.now),
		PurchaseRequestID: request.ID,
		ProductID:         p.ID,
		Quantity:          request.Quantity,
		Priority:          request.Priority,
		AlertID:           request.AlertID,
	}
	u.afterCommit(func(ctx context.Context, pub EventPublisher) error {
		return pub.PublishPurchaseRequested(ctx, event)
	})
	return request, nil
}

// Evaluate re-applies the alert rule to a product and returns its ACTIVE alert, if any
func (m *AlertMonitor) Evaluate(ctx context.Context, productID int64, actor string) (*models.Alert, error) {
	err := m.exec.run(ctx, "AlertMonitor.Evaluate", actor, productKeys(productID), func(u *unitOfWork) error {
		if _, err := u.product(productID); err != nil {
			return err
		}
		u.touch(productID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var alert *models.Alert
	err = m.exec.view(ctx, func(tx store.Tx) error {
		var err error
		alert, err = tx.GetActiveAlert(ctx, productID)
		return err
	})
	return alert, err
}

func (m *AlertMonitor) loadAlert(ctx context.Context, id int64) (*models.Alert, error) {
	var alert *models.Alert
	err := m.exec.view(ctx, func(tx store.Tx) error {
		var err error
		alert, err = tx.GetAlert(ctx, id)
		return err
	})
	return alert, err
}

// GeneratePurchaseRequest creates the purchase request of an ACTIVE alert on demand
func (m *AlertMonitor) GeneratePurchaseRequest(ctx context.Context, alertID int64, actor string) (*models.PurchaseRequest, error) {
	if actor == "" {
		return nil, models.NewValidationError("actor", "is required to request a purchase")
	}
	alert, err := m.loadAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	var request *models.PurchaseRequest
	err = m.exec.run(ctx, "AlertMonitor.GeneratePurchaseRequest", actor, productKeys(alert.ProductID), func(u *unitOfWork) error {
		current, err := u.tx.GetAlert(u.ctx, alertID)
		if err != nil {
			return err
		}
		if current.Status != models.AlertStatusActive {
			return &models.TransitionError{Entity: "alert", ID: current.ID, From: current.Status, Action: "generate purchase request"}
		}
		p, err := u.product(current.ProductID)
		if err != nil {
			return err
		}
		request, err = generatePurchaseRequest(u, current, p)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Purchase request generated",
		zap.Int64("alert_id", alertID),
		zap.Int64("purchase_request_id", request.ID),
		zap.String("priority", request.Priority))
	return request, nil
}

// Resolve closes an ACTIVE alert by hand
func (m *AlertMonitor) Resolve(ctx context.Context, alertID int64, actor string) (*models.Alert, error) {
	return m.close(ctx, "AlertMonitor.Resolve", alertID, actor, models.AlertStatusResolved)
}

// Dismiss closes an ACTIVE alert without action
func (m *AlertMonitor) Dismiss(ctx context.Context, alertID int64, actor string) (*models.Alert, error) {
	return m.close(ctx, "AlertMonitor.Dismiss", alertID, actor, models.AlertStatusDismissed)
}

func (m *AlertMonitor) close(ctx context.Context, name string, alertID int64, actor, status string) (*models.Alert, error) {
	alert, err := m.loadAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	err = m.exec.run(ctx, name, actor, productKeys(alert.ProductID), func(u *unitOfWork) error {
		current, err := u.tx.GetAlert(u.ctx, alertID)
		if err != nil {
			return err
		}
		if current.Status != models.AlertStatusActive {
			return &models.TransitionError{Entity: "alert", ID: current.ID, From: current.Status, Action: "close"}
		}
		if err := closeAlert(u, current, status); err != nil {
			return err
		}
		alert = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Alert closed", zap.Int64("alert_id", alertID), zap.String("status", status))
	return alert, nil
}

// ListAlerts returns alerts newest first; an empty status lists all
func (m *AlertMonitor) ListAlerts(ctx context.Context, status string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := m.exec.view(ctx, func(tx store.Tx) error {
		var err error
		alerts, err = tx.ListAlerts(ctx, status)
		return err
	})
	return alerts, err
}

// ListPurchaseRequests returns purchase requests newest first; an empty status lists all
func (m *AlertMonitor) ListPurchaseRequests(ctx context.Context, status string) ([]models.PurchaseRequest, error) {
	var requests []models.PurchaseRequest
	err := m.exec.view(ctx, func(tx store.Tx) error {
		var err error
		requests, err = tx.ListPurchaseRequests(ctx, status)
		return err
	})
	return requests, err
}

// CriticalProducts lists products in alert, most severe and largest deficit first
func (m *AlertMonitor) CriticalProducts(ctx context.Context) ([]CriticalProduct, error) {
	products, err := m.engine.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	var critical []CriticalProduct
	for i := range products {
		p := &products[i]
		if !inAlert(p) {
			continue
		}
		available := p.Available()
		ratio := available.Div(p.ReorderThreshold)
		severity := SeverityWarning
		switch {
		case ratio.LessThanOrEqual(criticalBand):
			severity = SeverityCritical
		case ratio.LessThanOrEqual(urgentBand):
			severity = SeverityUrgent
		}
		critical = append(critical, CriticalProduct{
			Product:   *p,
			Available: available,
			Threshold: p.ReorderThreshold,
			Deficit:   p.ReorderThreshold.Sub(available),
			Ratio:     ratio,
			Severity:  severity,
		})
	}

	sort.SliceStable(critical, func(i, j int) bool {
		a, b := critical[i], critical[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] < severityRank[b.Severity]
		}
		if !a.Deficit.Equal(b.Deficit) {
			return a.Deficit.GreaterThan(b.Deficit)
		}
		return a.Product.ID < b.Product.ID
	})
	return critical, nil
}

// SendPurchaseRequest moves a DRAFT request to SENT
func (m *AlertMonitor) SendPurchaseRequest(ctx context.Context, id int64, actor string) (*models.PurchaseRequest, error) {
	return m.advance(ctx, id, actor, "send", models.PurchaseRequestSent, models.PurchaseRequestDraft)
}

// ApprovePurchaseRequest moves a SENT request to APPROVED and records the approver
func (m *AlertMonitor) ApprovePurchaseRequest(ctx context.Context, id int64, actor string) (*models.PurchaseRequest, error) {
	if actor == "" {
		return nil, models.NewValidationError("actor", "is required to approve")
	}
	return m.advance(ctx, id, actor, "approve", models.PurchaseRequestApproved, models.PurchaseRequestSent)
}

// MarkPurchaseRequestOrdered moves an APPROVED request to ORDERED
func (m *AlertMonitor) MarkPurchaseRequestOrdered(ctx context.Context, id int64, actor string) (*models.PurchaseRequest, error) {
	return m.advance(ctx, id, actor, "order", models.PurchaseRequestOrdered, models.PurchaseRequestApproved)
}

// CancelPurchaseRequest cancels a request that was not received yet
func (m *AlertMonitor) CancelPurchaseRequest(ctx context.Context, id int64, actor string) (*models.PurchaseRequest, error) {
	return m.advance(ctx, id, actor, "cancel", models.PurchaseRequestCancelled,
		models.PurchaseRequestDraft, models.PurchaseRequestSent, models.PurchaseRequestApproved, models.PurchaseRequestOrdered)
}

func (m *AlertMonitor) advance(ctx context.Context, id int64, actor, action, to string, from ...string) (*models.PurchaseRequest, error) {
	var request *models.PurchaseRequest
	err := m.exec.run(ctx, "AlertMonitor.PurchaseRequest."+action, actor, []string{fmt.Sprintf("purchase-request:%d", id)}, func(u *unitOfWork) error {
		current, err := u.tx.GetPurchaseRequest(u.ctx, id)
		if err != nil {
			return err
		}
		if !containsStatus(from, current.Status) {
			return &models.TransitionError{Entity: "purchase request", ID: current.ID, From: current.Status, Action: action}
		}
		current.Status = to
		if to == models.PurchaseRequestApproved {
			approvedAt := u.now
			current.ApprovedBy = u.actor
			current.ApprovedAt = &approvedAt
		}
		if err := u.tx.UpdatePurchaseRequest(u.ctx, current); err != nil {
			return fmt.Errorf("failed to update purchase request: %w", err)
		}
		request = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Purchase request updated", zap.Int64("purchase_request_id", id), zap.String("status", to))
	return request, nil
}

// ReceivePurchaseRequest books the ordered goods as a new lot and closes the request
func (m *AlertMonitor) ReceivePurchaseRequest(ctx context.Context, cmd ReceivePurchaseRequestCommand) (*models.PurchaseRequest, *models.Lot, error) {
	if cmd.Quantity.IsNegative() {
		return nil, nil, models.NewValidationError("quantity", "must not be negative")
	}
	var request *models.PurchaseRequest
	err := m.exec.view(ctx, func(tx store.Tx) error {
		var err error
		request, err = tx.GetPurchaseRequest(ctx, cmd.PurchaseRequestID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	var lot *models.Lot
	keys := append(productKeys(request.ProductID), fmt.Sprintf("purchase-request:%d", request.ID))
	err = m.exec.run(ctx, "AlertMonitor.PurchaseRequest.receive", cmd.Actor, keys, func(u *unitOfWork) error {
		current, err := u.tx.GetPurchaseRequest(u.ctx, cmd.PurchaseRequestID)
		if err != nil {
			return err
		}
		if current.Status != models.PurchaseRequestOrdered {
			return &models.TransitionError{Entity: "purchase request", ID: current.ID, From: current.Status, Action: "receive"}
		}
		quantity := cmd.Quantity
		if quantity.IsZero() {
			quantity = current.Quantity
		}
		receipt := ReceiveLotCommand{
			ProductID: current.ProductID,
			Quantity:  quantity,
			Zone:      cmd.Zone,
			Quality:   cmd.Quality,
			ExpiresOn: cmd.ExpiresOn,
		}
		if err := validateReceipt(receipt); err != nil {
			return err
		}
		created, err := m.engine.receiveLot(u, receipt)
		if err != nil {
			return err
		}
		current.Status = models.PurchaseRequestReceived
		current.ReceivedLotID = &created.ID
		if err := u.tx.UpdatePurchaseRequest(u.ctx, current); err != nil {
			return fmt.Errorf("failed to update purchase request: %w", err)
		}
		request, lot = current, created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("Purchase request received",
		zap.Int64("purchase_request_id", request.ID),
		zap.Int64("lot_id", lot.ID))
	return request, lot, nil
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
