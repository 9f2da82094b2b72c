package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"
	"stock-service/internal/util"

	"go.uber.org/zap"
)

// Executor runs every stock mutation as one locked, audited, all-or-nothing unit of work
type Executor struct {
	store     store.Store
	locker    Locker
	publisher EventPublisher
	cache     SnapshotCache
	opts      Options
	ledger    *MovementLedger
	logger    *zap.Logger
}

// NewExecutor creates a new executor; publisher and cache may be nil
func NewExecutor(st store.Store, locker Locker, publisher EventPublisher, cache SnapshotCache, opts Options) *Executor {
	if locker == nil {
		locker = NewKeyedLocker()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	e := &Executor{
		store:     st,
		locker:    locker,
		publisher: publisher,
		cache:     cache,
		opts:      opts,
		logger:    util.GetLogger(),
	}
	e.ledger = &MovementLedger{exec: e}
	return e
}

// Movements returns the movement ledger bound to this executor
func (e *Executor) Movements() *MovementLedger { return e.ledger }

// view runs a read-only function against the store
func (e *Executor) view(ctx context.Context, fn func(tx store.Tx) error) error {
	return e.store.View(ctx, fn)
}

// run locks keys, then executes fn in a transaction, replaying it on version conflicts.
// Side effects queued on the unit of work are delivered only after commit.
func (e *Executor) run(ctx context.Context, name, actor string, keys []string, fn func(u *unitOfWork) error) error {
	ctx, span := util.StartSpan(ctx, name)
	defer span.End()

	lockCtx := ctx
	if e.opts.LockWait > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.opts.LockWait)
		defer cancel()
	}
	unlock, err := e.locker.Lock(lockCtx, keys)
	if err != nil {
		util.ConcurrencyConflictsTotal.Inc()
		e.logger.Warn("Failed to acquire product locks",
			zap.String("operation", name),
			zap.Strings("keys", keys),
			zap.Error(err))
		return fmt.Errorf("%w: %v", models.ErrConcurrencyConflict, err)
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		var u *unitOfWork
		err := e.store.RunInTx(ctx, func(tx store.Tx) error {
			u = newUnitOfWork(ctx, e, tx, actor)
			if err := fn(u); err != nil {
				return err
			}
			return u.finish()
		})
		if err == nil {
			u.deliver(ctx)
			return nil
		}

		switch {
		case errors.Is(err, models.ErrConcurrencyConflict):
			util.ConcurrencyConflictsTotal.Inc()
			if attempt < e.opts.ConflictRetries {
				e.logger.Info("Retrying after concurrent update",
					zap.String("operation", name),
					zap.Int("attempt", attempt+1))
				continue
			}
		case errors.Is(err, models.ErrInvariantViolation):
			util.InvariantViolationsTotal.Inc()
			e.logger.Error("Ledger audit failed, transaction rolled back",
				zap.String("operation", name),
				zap.Error(err))
		}
		return err
	}
}

// unitOfWork is the transactional context shared by the engine, lifecycle, sale
// processor and alert monitor during one operation
type unitOfWork struct {
	ctx   context.Context
	exec  *Executor
	tx    store.Tx
	now   time.Time
	actor string

	products  map[int64]*models.Product
	originals map[int64]models.Product
	touched   []int64
	isTouched map[int64]bool
	orders    map[int64]bool

	movements []models.Movement
	events    []func(ctx context.Context, p EventPublisher) error
}

func newUnitOfWork(ctx context.Context, e *Executor, tx store.Tx, actor string) *unitOfWork {
	return &unitOfWork{
		ctx:       ctx,
		exec:      e,
		tx:        tx,
		now:       e.opts.Clock(),
		actor:     actor,
		products:  make(map[int64]*models.Product),
		originals: make(map[int64]models.Product),
		isTouched: make(map[int64]bool),
		orders:    make(map[int64]bool),
	}
}

// product loads a product for update once per unit of work
func (u *unitOfWork) product(id int64) (*models.Product, error) {
	if p, ok := u.products[id]; ok {
		return p, nil
	}
	p, err := u.tx.GetProductForUpdate(u.ctx, id)
	if err != nil {
		return nil, err
	}
	u.products[id] = p
	u.originals[id] = *p
	return p, nil
}

// touch marks a product for alert evaluation and audit at commit
func (u *unitOfWork) touch(id int64) {
	if u.isTouched[id] {
		return
	}
	u.isTouched[id] = true
	u.touched = append(u.touched, id)
}

// touchOrder marks an order for the line-level audit at commit
func (u *unitOfWork) touchOrder(id int64) {
	u.orders[id] = true
}

func (u *unitOfWork) afterCommit(fn func(ctx context.Context, p EventPublisher) error) {
	u.events = append(u.events, fn)
}

func (u *unitOfWork) orderStatusChanged(order *models.Order, from string) {
	if from == order.Status {
		return
	}
	util.OrderTransitionsTotal.WithLabelValues(order.Status).Inc()
	event := &models.OrderStatusChangedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderStatusChanged, u.now),
		OrderID:     order.ID,
		From:        from,
		To:          order.Status,
		ReservedQty: order.ReservedQty,
		ServedQty:   order.ServedQty,
	}
	u.afterCommit(func(ctx context.Context, p EventPublisher) error {
		return p.PublishOrderStatusChanged(ctx, event)
	})
}

// finish evaluates alerts, writes dirty products and audits the ledger
func (u *unitOfWork) finish() error {
	for _, id := range u.touched {
		p, err := u.product(id)
		if err != nil {
			return err
		}
		if err := evaluateAlert(u, p); err != nil {
			return err
		}
	}

	for id, p := range u.products {
		if !productChanged(u.originals[id], *p) {
			continue
		}
		if err := u.tx.UpdateProduct(u.ctx, p); err != nil {
			return fmt.Errorf("failed to update product %d: %w", id, err)
		}
	}

	for _, id := range u.touched {
		if err := auditProduct(u, u.products[id]); err != nil {
			return err
		}
	}
	for id := range u.orders {
		if err := auditOrder(u, id); err != nil {
			return err
		}
	}
	return nil
}

// deliver publishes queued events and refreshes the snapshot cache; failures are logged only
func (u *unitOfWork) deliver(ctx context.Context) {
	e := u.exec
	for i := range u.movements {
		m := u.movements[i]
		util.MovementsRecordedTotal.WithLabelValues(m.Type).Inc()
		event := &models.MovementRecordedEvent{
			BaseEvent: newBaseEvent(models.EventTypeMovementRecorded, m.CreatedAt),
			Movement:  m,
		}
		if err := e.publisher.PublishMovementRecorded(ctx, event); err != nil {
			e.logger.Error("Failed to publish MovementRecorded event",
				zap.Int64("movement_id", m.ID),
				zap.Error(err))
		}
	}
	for _, publish := range u.events {
		if err := publish(ctx, e.publisher); err != nil {
			e.logger.Error("Failed to publish domain event", zap.Error(err))
		}
	}

	if e.cache == nil {
		return
	}
	for _, id := range u.touched {
		p := u.products[id]
		if err := e.cache.PutSnapshot(ctx, p.Snapshot(u.now)); err != nil {
			e.logger.Warn("Failed to refresh availability snapshot",
				zap.Int64("product_id", id),
				zap.Error(err))
		}
	}
}

func productChanged(a, b models.Product) bool {
	return !a.PhysicalQty.Equal(b.PhysicalQty) ||
		!a.ReservedQty.Equal(b.ReservedQty) ||
		!a.BufferQty.Equal(b.BufferQty) ||
		!a.ReorderThreshold.Equal(b.ReorderThreshold) ||
		!a.OptimalReorderQty.Equal(b.OptimalReorderQty) ||
		!a.UnitPrice.Equal(b.UnitPrice) ||
		a.Name != b.Name || a.Unit != b.Unit ||
		!sameTime(a.LastRestockedAt, b.LastRestockedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
