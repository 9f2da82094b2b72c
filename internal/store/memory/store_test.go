package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
}

func TestRunInTxCommitsOnSuccess(t *testing.T) {
	s := NewStore(WithClock(fixedClock))
	ctx := context.Background()

	var productID int64
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		p := &models.Product{Name: "tomatoes", PhysicalQty: decimal.NewFromInt(10)}
		if err := tx.CreateProduct(ctx, p); err != nil {
			return err
		}
		productID = p.ID
		return nil
	})
	require.NoError(t, err)

	err = s.View(ctx, func(tx store.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, "tomatoes", p.Name)
		assert.Equal(t, int64(1), p.Version)
		assert.Equal(t, fixedClock(), p.CreatedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CreateProduct(ctx, &models.Product{Name: "pears"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	products := s.Export().Products
	assert.Empty(t, products)
}

func TestCommitHookFailureAbortsCommit(t *testing.T) {
	hookErr := errors.New("disk full")
	s := NewStore(WithCommitHook(func(Snapshot) error { return hookErr }))
	ctx := context.Background()

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.CreateProduct(ctx, &models.Product{Name: "figs"})
	})
	assert.ErrorIs(t, err, hookErr)
	assert.Empty(t, s.Export().Products)
}

func TestUpdateProductRejectsStaleVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	p := &models.Product{Name: "apples"}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error { return tx.CreateProduct(ctx, p) }))

	stale := *p
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		fresh, err := tx.GetProductForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		fresh.PhysicalQty = decimal.NewFromInt(5)
		return tx.UpdateProduct(ctx, fresh)
	}))

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		stale.PhysicalQty = decimal.NewFromInt(7)
		return tx.UpdateProduct(ctx, &stale)
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	got := s.Export().Products[p.ID]
	assert.True(t, got.PhysicalQty.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(2), got.Version)
}

func TestListLotsInStatesIsFIFO(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		for _, lot := range []*models.Lot{
			{Code: "L3", ProductID: 1, ReceivedOn: day(3), State: models.LotStateInStock},
			{Code: "L1", ProductID: 1, ReceivedOn: day(1), State: models.LotStatePartial},
			{Code: "L1b", ProductID: 1, ReceivedOn: day(1), State: models.LotStateInStock},
			{Code: "L2", ProductID: 1, ReceivedOn: day(2), State: models.LotStateExhausted},
			{Code: "other", ProductID: 2, ReceivedOn: day(1), State: models.LotStateInStock},
		} {
			if err := tx.CreateLot(ctx, lot); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		lots, err := tx.ListLotsInStates(ctx, 1, []string{models.LotStateInStock, models.LotStatePartial})
		require.NoError(t, err)
		codes := make([]string, 0, len(lots))
		for _, l := range lots {
			codes = append(codes, l.Code)
		}
		assert.Equal(t, []string{"L1", "L1b", "L3"}, codes)
		return nil
	}))
}

func TestOrderLinesAreIsolatedFromCaller(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	order := &models.Order{
		Status:         models.OrderStatusPending,
		IdempotencyKey: "k-1",
		Lines:          []models.OrderLine{{ProductID: 1, RequestedQty: decimal.NewFromInt(4)}},
	}
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error { return tx.CreateOrder(ctx, order) }))
	require.NotZero(t, order.Lines[0].ID)
	assert.Equal(t, order.ID, order.Lines[0].OrderID)

	order.Lines[0].ReservedQty = decimal.NewFromInt(4)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.GetOrderByIdempotencyKey(ctx, "k-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Lines[0].ReservedQty.IsZero())

		missing, err := tx.GetOrderByIdempotencyKey(ctx, "k-2")
		assert.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	}))
}

func TestGetMissingEntitiesReturnNotFound(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		_, err := tx.GetProduct(ctx, 42)
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = tx.GetLot(ctx, 42)
		assert.ErrorIs(t, err, models.ErrNotFound)
		_, err = tx.GetOrder(ctx, 42)
		assert.ErrorIs(t, err, models.ErrNotFound)
		return nil
	}))
}

func TestListMovementsFilters(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	orderID := int64(7)

	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		for _, m := range []*models.Movement{
			{Type: models.MovementIn, ProductID: 1, LotID: 1, Quantity: decimal.NewFromInt(10)},
			{Type: models.MovementReserve, ProductID: 1, LotID: 1, OrderID: &orderID, Quantity: decimal.NewFromInt(3)},
			{Type: models.MovementIn, ProductID: 2, LotID: 2, Quantity: decimal.NewFromInt(5)},
		} {
			if err := tx.AppendMovement(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		byProduct, err := tx.ListMovements(ctx, models.MovementFilter{ProductID: 1})
		require.NoError(t, err)
		assert.Len(t, byProduct, 2)

		byOrder, err := tx.ListMovements(ctx, models.MovementFilter{OrderID: orderID})
		require.NoError(t, err)
		require.Len(t, byOrder, 1)
		assert.Equal(t, models.MovementReserve, byOrder[0].Type)

		limited, err := tx.ListMovements(ctx, models.MovementFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
		return nil
	}))
}

func TestImportExportRoundTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.RunInTx(ctx, func(tx store.Tx) error {
		return tx.CreateProduct(ctx, &models.Product{Name: "melons"})
	}))

	restored := NewStore()
	restored.Import(s.Export())

	require.NoError(t, restored.RunInTx(ctx, func(tx store.Tx) error {
		p := &models.Product{Name: "kiwis"}
		require.NoError(t, tx.CreateProduct(ctx, p))
		assert.Equal(t, int64(2), p.ID)
		return nil
	}))
}
