// Package sqlite persists the in-memory store to a single SQLite table as JSON blobs.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"stock-service/internal/store"
	"stock-service/internal/store/memory"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ store.Store = (*Store)(nil)

// Store snapshots the full state after every transaction, before the transaction
// becomes visible to readers
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the SQLite file at path and loads the last snapshot
func NewStore(path string, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = "stock.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	s := &Store{db: db, path: path}
	s.Store = memory.NewStore(append(opts, memory.WithCommitHook(s.persist))...)
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var buckets = []string{
	"products", "lots", "orders", "allocations", "movements",
	"alerts", "purchase_requests", "sales", "processed_events", "sequences",
}

func target(snapshot *memory.Snapshot, bucket string) interface{} {
	switch bucket {
	case "products":
		return &snapshot.Products
	case "lots":
		return &snapshot.Lots
	case "orders":
		return &snapshot.Orders
	case "allocations":
		return &snapshot.Allocations
	case "movements":
		return &snapshot.Movements
	case "alerts":
		return &snapshot.Alerts
	case "purchase_requests":
		return &snapshot.PurchaseRequests
	case "sales":
		return &snapshot.Sales
	case "processed_events":
		return &snapshot.ProcessedEvents
	case "sequences":
		return &snapshot.Sequences
	}
	return nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		dst := target(&snapshot, bucket)
		if dst == nil {
			continue
		}
		if err := json.Unmarshal(payload, dst); err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if found {
		s.Import(snapshot)
	}
	return nil
}

func (s *Store) persist(snapshot memory.Snapshot) (retErr error) {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range buckets {
		data, err := json.Marshal(target(&snapshot, bucket))
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err = tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database
func (s *Store) Close() error { return s.db.Close() }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
