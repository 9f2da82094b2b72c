package worker

import (
	"context"
	"errors"
	"time"

	"stock-service/internal/archive"
	"stock-service/internal/broker"
	"stock-service/internal/models"
	"stock-service/internal/service"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

const intakeActor = "intake"

// IntakeHandlers turn intake events into service commands
type IntakeHandlers struct {
	orders *service.OrderLifecycle
	engine *service.AllocationEngine
	logger *zap.Logger
}

// NewIntakeHandlers creates the intake event callbacks
func NewIntakeHandlers(orders *service.OrderLifecycle, engine *service.AllocationEngine) *IntakeHandlers {
	return &IntakeHandlers{orders: orders, engine: engine, logger: util.GetLogger()}
}

// HandleOrderSubmitted creates a PENDING order. The event id doubles as the idempotency
// key when the producer sent none, so redelivery creates nothing new.
func (h *IntakeHandlers) HandleOrderSubmitted(ctx context.Context, event *models.OrderSubmittedEvent) error {
	cmd := service.CreateOrderCommand{
		ClientID:       event.ClientID,
		Priority:       event.Priority,
		DesiredDate:    event.DesiredDate,
		IdempotencyKey: event.IdempotencyKey,
		Actor:          event.Actor,
		Lines:          make([]service.OrderLineInput, 0, len(event.Lines)),
	}
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = event.EventID
	}
	if cmd.Actor == "" {
		cmd.Actor = intakeActor
	}
	for _, line := range event.Lines {
		cmd.Lines = append(cmd.Lines, service.OrderLineInput{ProductID: line.ProductID, Quantity: line.Quantity})
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		return h.drop(event.BaseEvent, err)
	}

	h.logger.Info("Order created from intake",
		zap.String("event_id", event.EventID),
		zap.Int64("order_id", order.ID),
		zap.String("number", order.Number))
	return nil
}

// HandleLotReceived books the lot; the event id makes the receipt idempotent
func (h *IntakeHandlers) HandleLotReceived(ctx context.Context, event *models.LotReceivedEvent) error {
	actor := event.Actor
	if actor == "" {
		actor = intakeActor
	}

	lot, err := h.engine.ReceiveLot(ctx, service.ReceiveLotCommand{
		ProductID:  event.ProductID,
		Quantity:   event.Quantity,
		Zone:       event.Zone,
		Quality:    event.Quality,
		ReceivedOn: event.ReceivedOn,
		ExpiresOn:  event.ExpiresOn,
		EventID:    event.EventID,
		Actor:      actor,
	})
	if err != nil {
		return h.drop(event.BaseEvent, err)
	}
	if lot == nil {
		h.logger.Debug("Duplicate lot receipt ignored", zap.String("event_id", event.EventID))
		return nil
	}

	h.logger.Info("Lot received from intake",
		zap.String("event_id", event.EventID),
		zap.Int64("lot_id", lot.ID),
		zap.Int64("product_id", lot.ProductID))
	return nil
}

// drop swallows events that can never succeed so they do not block the partition.
// Infrastructure failures are returned and left uncommitted.
func (h *IntakeHandlers) drop(event models.BaseEvent, err error) error {
	if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) {
		util.OrdersFailedTotal.WithLabelValues("intake_rejected").Inc()
		h.logger.Warn("Rejected intake event",
			zap.String("type", event.EventType),
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return nil
	}
	return err
}

// IntakeWorker consumes the intake topic
type IntakeWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewIntakeWorker creates a new intake worker
func NewIntakeWorker(consumer *broker.Consumer, handlers *IntakeHandlers) *IntakeWorker {
	eventHandler := broker.NewEventHandler()

	eventHandler.OnOrderSubmitted(handlers.HandleOrderSubmitted)
	eventHandler.OnLotReceived(handlers.HandleLotReceived)

	return &IntakeWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *IntakeWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting intake worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *IntakeWorker) Stop() error {
	w.logger.Info("Stopping intake worker")
	return w.consumer.Close()
}

// ArchiveWorker exports the movement ledger on a fixed interval
type ArchiveWorker struct {
	archiver *archive.MovementArchiver
	interval time.Duration
	logger   *zap.Logger
}

// NewArchiveWorker creates a new archive worker
func NewArchiveWorker(archiver *archive.MovementArchiver, interval time.Duration) *ArchiveWorker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &ArchiveWorker{archiver: archiver, interval: interval, logger: util.GetLogger()}
}

// Start exports once per interval until ctx is done
func (w *ArchiveWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting archive worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping archive worker")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.archiver.Export(ctx); err != nil {
				w.logger.Error("Movement export failed", zap.Error(err))
			}
		}
	}
}
