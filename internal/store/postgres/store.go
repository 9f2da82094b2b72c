// Package postgres implements the stock store on PostgreSQL
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

var _ store.Store = (*Store)(nil)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate creates missing tables and indexes
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// RunInTx runs fn in a READ COMMITTED transaction; product rows are serialized
// through SELECT ... FOR UPDATE and the version column
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, nil, fn)
}

// View runs fn in a read-only transaction
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx *sqlx.Tx
}

func notFound(err error, entity string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewNotFoundError(entity, id)
	}
	return err
}

const productColumns = `id, name, unit, unit_price, physical_qty, reserved_qty, buffer_qty,
	reorder_threshold, optimal_reorder_qty, version, last_restocked_at, created_at`

// CreateProduct inserts a product at version 1
func (t *pgTx) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (name, unit, unit_price, physical_qty, reserved_qty, buffer_qty,
			reorder_threshold, optimal_reorder_qty, version, last_restocked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
		RETURNING id, version, created_at`

	return t.tx.QueryRowxContext(ctx, query,
		p.Name, p.Unit, p.UnitPrice, p.PhysicalQty, p.ReservedQty, p.BufferQty,
		p.ReorderThreshold, p.OptimalReorderQty, p.LastRestockedAt,
	).Scan(&p.ID, &p.Version, &p.CreatedAt)
}

// GetProduct retrieves a product by ID
func (t *pgTx) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	return &product, nil
}

// GetProductForUpdate retrieves a product holding its row lock (FOR UPDATE lock)
func (t *pgTx) GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	return &product, nil
}

// ListProducts retrieves all products
func (t *pgTx) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := t.tx.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// UpdateProduct writes the product when the stored version still matches
func (t *pgTx) UpdateProduct(ctx context.Context, p *models.Product) error {
	query := `
		UPDATE products SET name = $1, unit = $2, unit_price = $3, physical_qty = $4, reserved_qty = $5,
			buffer_qty = $6, reorder_threshold = $7, optimal_reorder_qty = $8, last_restocked_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11
		RETURNING version`

	err := t.tx.QueryRowxContext(ctx, query,
		p.Name, p.Unit, p.UnitPrice, p.PhysicalQty, p.ReservedQty,
		p.BufferQty, p.ReorderThreshold, p.OptimalReorderQty, p.LastRestockedAt,
		p.ID, p.Version,
	).Scan(&p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrConcurrencyConflict
	}
	return err
}

const lotColumns = `id, code, product_id, zone, initial_qty, remaining_qty, reserved_qty,
	quality, state, received_on, expires_on, created_at`

// CreateLot inserts a lot
func (t *pgTx) CreateLot(ctx context.Context, lot *models.Lot) error {
	query := `
		INSERT INTO lots (code, product_id, zone, initial_qty, remaining_qty, reserved_qty,
			quality, state, received_on, expires_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`

	return t.tx.QueryRowxContext(ctx, query,
		lot.Code, lot.ProductID, lot.Zone, lot.InitialQty, lot.RemainingQty, lot.ReservedQty,
		lot.Quality, lot.State, lot.ReceivedOn, lot.ExpiresOn,
	).Scan(&lot.ID, &lot.CreatedAt)
}

// GetLot retrieves a lot by ID
func (t *pgTx) GetLot(ctx context.Context, id int64) (*models.Lot, error) {
	var lot models.Lot
	err := t.tx.GetContext(ctx, &lot, "SELECT "+lotColumns+" FROM lots WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "lot", id)
	}
	return &lot, nil
}

// ListLotsByProduct retrieves all lots of a product, oldest reception first
func (t *pgTx) ListLotsByProduct(ctx context.Context, productID int64) ([]models.Lot, error) {
	var lots []models.Lot
	err := t.tx.SelectContext(ctx, &lots,
		"SELECT "+lotColumns+" FROM lots WHERE product_id = $1 ORDER BY received_on, id", productID)
	return lots, err
}

// ListLotsInStates retrieves the product lots in the given states, oldest reception first
func (t *pgTx) ListLotsInStates(ctx context.Context, productID int64, states []string) ([]models.Lot, error) {
	if len(states) == 0 {
		return []models.Lot{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+lotColumns+" FROM lots WHERE product_id = ? AND state IN (?) ORDER BY received_on, id",
		productID, states)
	if err != nil {
		return nil, err
	}
	query = t.tx.Rebind(query)

	var lots []models.Lot
	err = t.tx.SelectContext(ctx, &lots, query, args...)
	return lots, err
}

// ListExpiringLots retrieves non-exhausted lots expiring before the given time
func (t *pgTx) ListExpiringLots(ctx context.Context, before time.Time) ([]models.Lot, error) {
	var lots []models.Lot
	err := t.tx.SelectContext(ctx, &lots,
		"SELECT "+lotColumns+" FROM lots WHERE expires_on IS NOT NULL AND expires_on < $1 AND state <> $2 ORDER BY expires_on, id",
		before, models.LotStateExhausted)
	return lots, err
}

// UpdateLot writes the mutable lot quantities and state
func (t *pgTx) UpdateLot(ctx context.Context, lot *models.Lot) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE lots SET remaining_qty = $1, reserved_qty = $2, state = $3, zone = $4 WHERE id = $5",
		lot.RemainingQty, lot.ReservedQty, lot.State, lot.Zone, lot.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, "lot", lot.ID)
}

func mustAffect(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NewNotFoundError(entity, id)
	}
	return nil
}
