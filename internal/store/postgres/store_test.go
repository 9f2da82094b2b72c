package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore connects to STOCK_TEST_DATABASE_URL or skips
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("STOCK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database")
	}

	s, err := NewStore(url)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateOrderWithLines(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var orderID int64
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		p := &models.Product{Name: "pg-lettuce", PhysicalQty: decimal.NewFromInt(10)}
		if err := tx.CreateProduct(ctx, p); err != nil {
			return err
		}
		order := &models.Order{
			Number:         "ORD-PG-1",
			ClientID:       123,
			Status:         models.OrderStatusPending,
			Priority:       models.PriorityNormal,
			IdempotencyKey: "pg-key-" + time.Now().Format(time.RFC3339Nano),
			Lines:          []models.OrderLine{{ProductID: p.ID, RequestedQty: decimal.NewFromInt(4)}},
		}
		order.SyncTotals()
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		orderID = order.ID
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrder(ctx, orderID)
		require.NoError(t, err)
		require.Len(t, order.Lines, 1)
		assert.True(t, order.RequestedQty.Equal(decimal.NewFromInt(4)))
		return nil
	}))
}

func TestUpdateProductVersionCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &models.Product{Name: "pg-carrots"}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error { return tx.CreateProduct(ctx, p) }))

	stale := *p
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetProductForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		fresh.PhysicalQty = decimal.NewFromInt(3)
		return tx.UpdateProduct(ctx, fresh)
	}))

	err := s.RunInTx(ctx, func(tx store.Tx) error { return tx.UpdateProduct(ctx, &stale) })
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
}

func TestProcessedEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	eventID := "evt-" + time.Now().Format(time.RFC3339Nano)

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		done, err := tx.IsEventProcessed(ctx, eventID)
		require.NoError(t, err)
		assert.False(t, done)
		return tx.MarkEventProcessed(ctx, eventID, models.EventTypeLotReceived)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		done, err := tx.IsEventProcessed(ctx, eventID)
		require.NoError(t, err)
		assert.True(t, done)
		return nil
	}))
}
