package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SalesFinalizedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sales_finalized_total",
		Help: "Total number of finalized settlements",
	}, []string{"kind"})

	SaleCommitFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_sale_commit_failures_total",
		Help: "Total number of sale commits rejected by the persistence gateway",
	})

	SaleCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pos_sale_commit_latency_seconds",
		Help:    "Latency of sale commits",
		Buckets: prometheus.DefBuckets,
	})

	TendersAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_tenders_added_total",
		Help: "Total number of accepted tenders",
	}, []string{"method"})

	TenderRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_tender_rejections_total",
		Help: "Total number of rejected tenders",
	}, []string{"reason"})

	CartRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_cart_rejections_total",
		Help: "Total number of rejected cart mutations",
	}, []string{"reason"})

	CreditIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pos_credit_issued_total",
		Help: "Sum of credit extended to customers by underpaid sales",
	})

	CreditPaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_credit_payments_total",
		Help: "Total number of credit payment attempts",
	}, []string{"result"})

	DepositTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_deposit_transitions_total",
		Help: "Total number of deposit lifecycle changes",
	}, []string{"status"})

	HeldOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_held_orders_total",
		Help: "Total number of held-order operations",
	}, []string{"op"})

	StockEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_stock_events_total",
		Help: "Total number of sale events applied to stock",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})
)
