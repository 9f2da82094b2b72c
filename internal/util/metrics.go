package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_orders_created_total",
		Help: "Total number of planned orders created",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_order_transitions_total",
		Help: "Order status transitions by target status",
	}, []string{"status"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_orders_failed_total",
		Help: "Total number of rejected order operations",
	}, []string{"reason"})

	ReservedQuantityTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reserved_quantity_total",
		Help: "Quantity reserved against lots",
	})

	ShortfallQuantityTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_shortfall_quantity_total",
		Help: "Quantity requested but not reservable",
	})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_reserve_latency_seconds",
		Help:    "Latency of reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	MovementsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_recorded_total",
		Help: "Committed stock movements by type",
	}, []string{"type"})

	SalesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_immediate_sales_total",
		Help: "Immediate sales by mode",
	}, []string{"mode"})

	EncroachedQuantityTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_encroached_quantity_total",
		Help: "Quantity taken from existing reservations by urgent sales",
	})

	AlertsRaisedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_alerts_raised_total",
		Help: "Total number of stock alerts raised",
	})

	AlertsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_alerts_closed_total",
		Help: "Alerts leaving ACTIVE by final status",
	}, []string{"status"})

	PurchaseRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_purchase_requests_total",
		Help: "Purchase requests created by priority",
	}, []string{"priority"})

	ConcurrencyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_concurrency_conflicts_total",
		Help: "Transactions retried or rejected on a concurrent update",
	})

	InvariantViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_invariant_violations_total",
		Help: "Transactions rolled back by the ledger audit",
	})

	ArchivedMovementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_archived_movements_total",
		Help: "Movements exported to the archive bucket",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
