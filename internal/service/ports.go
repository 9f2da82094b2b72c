package service

import (
	"context"
	"strings"
	"time"

	"stock-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventPublisher receives domain events after their transaction commits
type EventPublisher interface {
	PublishMovementRecorded(ctx context.Context, event *models.MovementRecordedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishAlertRaised(ctx context.Context, event *models.AlertRaisedEvent) error
	PublishAlertResolved(ctx context.Context, event *models.AlertResolvedEvent) error
	PublishPurchaseRequested(ctx context.Context, event *models.PurchaseRequestedEvent) error
	PublishSaleCompleted(ctx context.Context, event *models.SaleCompletedEvent) error
}

// SnapshotCache holds the display read model of product availability
type SnapshotCache interface {
	PutSnapshot(ctx context.Context, snapshot models.StockSnapshot) error
	// GetSnapshot returns nil, nil on a cache miss
	GetSnapshot(ctx context.Context, productID int64) (*models.StockSnapshot, error)
}

// Options tune the business rules and the concurrency discipline
type Options struct {
	// UrgencySurcharge multiplies the unit price of URGENT immediate sales
	UrgencySurcharge decimal.Decimal
	// CriticalRatio of the threshold under which purchase requests are URGENT
	CriticalRatio decimal.Decimal
	// ConflictRetries is how many times a transaction is replayed after a version conflict
	ConflictRetries int
	// LockWait bounds the wait for product locks; zero waits for the caller's context
	LockWait time.Duration
	Clock    func() time.Time
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		UrgencySurcharge: decimal.RequireFromString("1.20"),
		CriticalRatio:    decimal.RequireFromString("0.25"),
		ConflictRetries:  3,
		LockWait:         5 * time.Second,
		Clock:            func() time.Time { return time.Now().UTC() },
	}
}

type nopPublisher struct{}

func (nopPublisher) PublishMovementRecorded(context.Context, *models.MovementRecordedEvent) error {
	return nil
}
func (nopPublisher) PublishOrderStatusChanged(context.Context, *models.OrderStatusChangedEvent) error {
	return nil
}
func (nopPublisher) PublishAlertRaised(context.Context, *models.AlertRaisedEvent) error { return nil }
func (nopPublisher) PublishAlertResolved(context.Context, *models.AlertResolvedEvent) error {
	return nil
}
func (nopPublisher) PublishPurchaseRequested(context.Context, *models.PurchaseRequestedEvent) error {
	return nil
}
func (nopPublisher) PublishSaleCompleted(context.Context, *models.SaleCompletedEvent) error {
	return nil
}

func newBaseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}

// newNumber builds a human-readable document number such as ORD-1A2B3C4D
func newNumber(prefix string) string {
	id := uuid.New().String()
	return prefix + "-" + strings.ToUpper(id[:8])
}
