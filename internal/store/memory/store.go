// Package memory provides an in-memory store used by tests, local runs and the
// SQLite snapshot store.
package memory

import (
	"context"
	"sync"
	"time"

	"stock-service/internal/models"
	"stock-service/internal/store"
)

var _ store.Store = (*Store)(nil)

// Snapshot is a point-in-time copy of the whole store state
type Snapshot struct {
	Products         map[int64]models.Product         `json:"products"`
	Lots             map[int64]models.Lot             `json:"lots"`
	Orders           map[int64]models.Order           `json:"orders"`
	Allocations      map[int64]models.Allocation      `json:"allocations"`
	Movements        []models.Movement                `json:"movements"`
	Alerts           map[int64]models.Alert           `json:"alerts"`
	PurchaseRequests map[int64]models.PurchaseRequest `json:"purchase_requests"`
	Sales            map[int64]models.ImmediateSale   `json:"sales"`
	ProcessedEvents  map[string]string                `json:"processed_events"`
	Sequences        map[string]int64                 `json:"sequences"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		Products:         make(map[int64]models.Product),
		Lots:             make(map[int64]models.Lot),
		Orders:           make(map[int64]models.Order),
		Allocations:      make(map[int64]models.Allocation),
		Alerts:           make(map[int64]models.Alert),
		PurchaseRequests: make(map[int64]models.PurchaseRequest),
		Sales:            make(map[int64]models.ImmediateSale),
		ProcessedEvents:  make(map[string]string),
		Sequences:        make(map[string]int64),
	}
}

func (s Snapshot) clone() Snapshot {
	c := Snapshot{
		Products:         make(map[int64]models.Product, len(s.Products)),
		Lots:             make(map[int64]models.Lot, len(s.Lots)),
		Orders:           make(map[int64]models.Order, len(s.Orders)),
		Allocations:      make(map[int64]models.Allocation, len(s.Allocations)),
		Movements:        make([]models.Movement, len(s.Movements)),
		Alerts:           make(map[int64]models.Alert, len(s.Alerts)),
		PurchaseRequests: make(map[int64]models.PurchaseRequest, len(s.PurchaseRequests)),
		Sales:            make(map[int64]models.ImmediateSale, len(s.Sales)),
		ProcessedEvents:  make(map[string]string, len(s.ProcessedEvents)),
		Sequences:        make(map[string]int64, len(s.Sequences)),
	}
	for k, v := range s.Products {
		c.Products[k] = v
	}
	for k, v := range s.Lots {
		c.Lots[k] = v
	}
	for k, v := range s.Orders {
		c.Orders[k] = cloneOrder(v)
	}
	for k, v := range s.Allocations {
		c.Allocations[k] = v
	}
	copy(c.Movements, s.Movements)
	for k, v := range s.Alerts {
		c.Alerts[k] = v
	}
	for k, v := range s.PurchaseRequests {
		c.PurchaseRequests[k] = v
	}
	for k, v := range s.Sales {
		c.Sales[k] = v
	}
	for k, v := range s.ProcessedEvents {
		c.ProcessedEvents[k] = v
	}
	for k, v := range s.Sequences {
		c.Sequences[k] = v
	}
	return c
}

func cloneOrder(o models.Order) models.Order {
	lines := make([]models.OrderLine, len(o.Lines))
	copy(lines, o.Lines)
	o.Lines = lines
	return o
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the clock used for created/updated stamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// WithCommitHook registers fn to run with the new state before it replaces the old one.
// A hook error aborts the commit.
func WithCommitHook(fn func(Snapshot) error) Option {
	return func(s *Store) { s.commitHook = fn }
}

// Store keeps all state in memory; transactions work on a copy that replaces the
// live state only when the transaction function succeeds
type Store struct {
	mu         sync.RWMutex
	state      Snapshot
	nowFn      func() time.Time
	commitHook func(Snapshot) error
}

// NewStore creates an empty in-memory store
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: newSnapshot(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTx executes fn within a transactional copy of the store state
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}

	if s.commitHook != nil {
		if err := s.commitHook(tx.state); err != nil {
			return err
		}
	}

	s.state = tx.state
	return nil
}

// View executes fn against a copy of the state; writes are discarded
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{state: snapshot, now: s.nowFn()})
}

// Export returns a copy of the current state
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Import replaces the current state
func (s *Store) Import(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := newSnapshot()
	merge(&base, snapshot)
	s.state = base.clone()
}

// Close is a no-op
func (s *Store) Close() error { return nil }

func merge(dst *Snapshot, src Snapshot) {
	for k, v := range src.Products {
		dst.Products[k] = v
	}
	for k, v := range src.Lots {
		dst.Lots[k] = v
	}
	for k, v := range src.Orders {
		dst.Orders[k] = v
	}
	for k, v := range src.Allocations {
		dst.Allocations[k] = v
	}
	dst.Movements = append(dst.Movements, src.Movements...)
	for k, v := range src.Alerts {
		dst.Alerts[k] = v
	}
	for k, v := range src.PurchaseRequests {
		dst.PurchaseRequests[k] = v
	}
	for k, v := range src.Sales {
		dst.Sales[k] = v
	}
	for k, v := range src.ProcessedEvents {
		dst.ProcessedEvents[k] = v
	}
	for k, v := range src.Sequences {
		dst.Sequences[k] = v
	}
}
