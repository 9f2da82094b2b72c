package store

import (
	"context"
	"time"

	"stock-service/internal/models"
)

// ProductRepository persists the per-product stock ledger
type ProductRepository interface {
	CreateProduct(ctx context.Context, product *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	// GetProductForUpdate reads the product holding a row lock until the transaction ends
	GetProductForUpdate(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	// UpdateProduct writes the product if its version is unchanged and bumps the version.
	// A stale version yields models.ErrConcurrencyConflict.
	UpdateProduct(ctx context.Context, product *models.Product) error
}

// LotRepository persists lots
type LotRepository interface {
	CreateLot(ctx context.Context, lot *models.Lot) error
	GetLot(ctx context.Context, id int64) (*models.Lot, error)
	ListLotsByProduct(ctx context.Context, productID int64) ([]models.Lot, error)
	// ListLotsInStates returns the product's lots in the given states, oldest reception first
	ListLotsInStates(ctx context.Context, productID int64, states []string) ([]models.Lot, error)
	ListExpiringLots(ctx context.Context, before time.Time) ([]models.Lot, error)
	UpdateLot(ctx context.Context, lot *models.Lot) error
}

// OrderRepository persists orders together with their lines
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	// GetOrderByIdempotencyKey returns nil, nil when no order carries the key
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order) error
}

// AllocationRepository persists lot allocations
type AllocationRepository interface {
	CreateAllocation(ctx context.Context, allocation *models.Allocation) error
	UpdateAllocation(ctx context.Context, allocation *models.Allocation) error
	// ListAllocationsByOrder returns allocations in creation order; an empty status matches all
	ListAllocationsByOrder(ctx context.Context, orderID int64, status string) ([]models.Allocation, error)
	ListHeldAllocationsByLot(ctx context.Context, lotID int64) ([]models.Allocation, error)
	ListHeldAllocationsByProduct(ctx context.Context, productID int64) ([]models.Allocation, error)
}

// MovementRepository is append-only
type MovementRepository interface {
	AppendMovement(ctx context.Context, movement *models.Movement) error
	ListMovements(ctx context.Context, filter models.MovementFilter) ([]models.Movement, error)
}

// AlertRepository persists stock alerts
type AlertRepository interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, id int64) (*models.Alert, error)
	// GetActiveAlert returns nil, nil when the product has no ACTIVE alert
	GetActiveAlert(ctx context.Context, productID int64) (*models.Alert, error)
	ListAlerts(ctx context.Context, status string) ([]models.Alert, error)
}

// PurchaseRequestRepository persists purchase requests
type PurchaseRequestRepository interface {
	CreatePurchaseRequest(ctx context.Context, request *models.PurchaseRequest) error
	UpdatePurchaseRequest(ctx context.Context, request *models.PurchaseRequest) error
	GetPurchaseRequest(ctx context.Context, id int64) (*models.PurchaseRequest, error)
	// GetPurchaseRequestByAlert returns nil, nil when the alert has none
	GetPurchaseRequestByAlert(ctx context.Context, alertID int64) (*models.PurchaseRequest, error)
	ListPurchaseRequests(ctx context.Context, status string) ([]models.PurchaseRequest, error)
}

// SaleRepository persists immediate sales
type SaleRepository interface {
	CreateSale(ctx context.Context, sale *models.ImmediateSale) error
	GetSale(ctx context.Context, id int64) (*models.ImmediateSale, error)
}

// ProcessedEventRepository deduplicates consumed broker events
type ProcessedEventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Tx is a unit of work: everything written through it commits or rolls back together
type Tx interface {
	ProductRepository
	LotRepository
	OrderRepository
	AllocationRepository
	MovementRepository
	AlertRepository
	PurchaseRequestRepository
	SaleRepository
	ProcessedEventRepository
}

// Store opens units of work
type Store interface {
	// RunInTx commits when fn returns nil and rolls back otherwise
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a read-only unit of work
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
