// Package observability holds the pipeline's Prometheus metrics, exposed at
// /metrics when enabled in configuration.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ingestion Metrics ──────────────────────────────────────────────────────

// EventsConsumed counts inbound deliveries by disposition.
var EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "events_consumed_total",
	Help:      "Inbound deliveries by disposition (processed, skipped_category).",
}, []string{"disposition"})

// DuplicateDeliveries counts deliveries acknowledged as idempotent no-ops.
var DuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "duplicate_deliveries_total",
	Help:      "Deliveries whose payment reference was already processed.",
})

// ─── Disposition Metrics ────────────────────────────────────────────────────

// PaymentsConfirmed counts successfully applied payments.
var PaymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "payments_confirmed_total",
	Help:      "Payments applied to a ledger and confirmed downstream.",
})

// PaymentsFailed counts permanent business rejections by reason class.
var PaymentsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "payments_failed_total",
	Help:      "Permanent business rejections by reason class.",
}, []string{"reason"})

// ─── Retry Metrics ──────────────────────────────────────────────────────────

// TransientRetries counts redeliveries scheduled for transient failures.
var TransientRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "transient_retries_total",
	Help:      "Redeliveries scheduled after transient infrastructure errors.",
})

// DeadLettered counts messages parked after exhausting the retry budget.
var DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "dead_lettered_total",
	Help:      "Messages routed to the dead-letter store.",
})

// ─── Latency Metrics ────────────────────────────────────────────────────────

// ApplyDuration observes end-to-end processing time per delivery.
var ApplyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "edupay",
	Subsystem: "pipeline",
	Name:      "apply_duration_seconds",
	Help:      "End-to-end processing time per delivery.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
})
