package service

import (
	"context"
	"fmt"

	"stock-service/internal/models"
	"stock-service/internal/store"
	"stock-service/internal/util"
)

// MovementLedger is the append-only audit trail of stock changes
type MovementLedger struct {
	exec *Executor
}

// append is the only write path for movements
func (l *MovementLedger) append(u *unitOfWork, m *models.Movement) error {
	if !m.Quantity.IsPositive() && m.Type != models.MovementAdjust {
		return &models.InvariantViolationError{
			ProductID: m.ProductID,
			Detail:    fmt.Sprintf("%s movement with non-positive quantity %s", m.Type, m.Quantity),
		}
	}
	if m.Actor == "" {
		m.Actor = u.actor
	}
	m.CreatedAt = u.now
	if err := u.tx.AppendMovement(u.ctx, m); err != nil {
		return fmt.Errorf("failed to append %s movement: %w", m.Type, err)
	}
	u.movements = append(u.movements, *m)
	return nil
}

// List returns movements matching the filter, oldest first
func (l *MovementLedger) List(ctx context.Context, filter models.MovementFilter) ([]models.Movement, error) {
	ctx, span := util.StartSpan(ctx, "MovementLedger.List")
	defer span.End()

	if filter.Limit < 0 {
		return nil, models.NewValidationError("limit", "must not be negative")
	}

	var movements []models.Movement
	err := l.exec.view(ctx, func(tx store.Tx) error {
		var err error
		movements, err = tx.ListMovements(ctx, filter)
		return err
	})
	return movements, err
}
