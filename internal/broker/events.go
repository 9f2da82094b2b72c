package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"stock-service/internal/models"
	"stock-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter publishes one keyed event
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events. Stock events are keyed by product
// so consumers see them in ledger order; order events are keyed by order.
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func productEventKey(productID int64) string { return fmt.Sprintf("product-%d", productID) }

func orderEventKey(orderID int64) string { return fmt.Sprintf("order-%d", orderID) }

// PublishMovementRecorded publishes MovementRecorded event
func (ep *EventPublisher) PublishMovementRecorded(ctx context.Context, event *models.MovementRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, productEventKey(event.Movement.ProductID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderEventKey(event.OrderID), event)
}

// PublishAlertRaised publishes AlertRaised event
func (ep *EventPublisher) PublishAlertRaised(ctx context.Context, event *models.AlertRaisedEvent) error {
	return ep.producer.PublishEvent(ctx, productEventKey(event.ProductID), event)
}

// PublishAlertResolved publishes AlertResolved event
func (ep *EventPublisher) PublishAlertResolved(ctx context.Context, event *models.AlertResolvedEvent) error {
	return ep.producer.PublishEvent(ctx, productEventKey(event.ProductID), event)
}

// PublishPurchaseRequested publishes PurchaseRequested event
func (ep *EventPublisher) PublishPurchaseRequested(ctx context.Context, event *models.PurchaseRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, productEventKey(event.ProductID), event)
}

// PublishSaleCompleted publishes SaleCompleted event
func (ep *EventPublisher) PublishSaleCompleted(ctx context.Context, event *models.SaleCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, productEventKey(event.ProductID), event)
}

// EventHandler routes intake events to registered callbacks
type EventHandler struct {
	onOrderSubmitted func(context.Context, *models.OrderSubmittedEvent) error
	onLotReceived    func(context.Context, *models.LotReceivedEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnOrderSubmitted registers a handler for OrderSubmitted events
func (eh *EventHandler) OnOrderSubmitted(handler func(context.Context, *models.OrderSubmittedEvent) error) {
	eh.onOrderSubmitted = handler
}

// OnLotReceived registers a handler for LotReceived events
func (eh *EventHandler) OnLotReceived(handler func(context.Context, *models.LotReceivedEvent) error) {
	eh.onLotReceived = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderSubmitted:
		if eh.onOrderSubmitted != nil {
			var event models.OrderSubmittedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderSubmitted event: %w", err)
			}
			return eh.onOrderSubmitted(ctx, &event)
		}

	case models.EventTypeLotReceived:
		if eh.onLotReceived != nil {
			var event models.LotReceivedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal LotReceived event: %w", err)
			}
			return eh.onLotReceived(ctx, &event)
		}

	default:
		eh.logger.Debug("Ignoring event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
