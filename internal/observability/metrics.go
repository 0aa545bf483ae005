// Package observability holds Prometheus metrics and OpenTelemetry tracing helpers.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// SafetyDecisions counts safety interceptor outcomes.
	SafetyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeline_safety_decisions_total",
		Help: "Safety interceptor decisions by outcome",
	}, []string{"decision"})

	// ModerationDecisions counts moderation interceptor outcomes.
	ModerationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeline_moderation_decisions_total",
		Help: "Moderation interceptor decisions by outcome",
	}, []string{"decision"})

	// DeliveryAttempts counts carrier send attempts made by the delivery pipeline.
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeline_delivery_attempts_total",
		Help: "Carrier send attempts by outcome",
	}, []string{"outcome"})

	// OutboundJobs counts processed outbound jobs.
	OutboundJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeline_outbound_jobs_total",
		Help: "Outbound jobs processed by outcome",
	}, []string{"outcome"})

	// ReconcileResults counts messages examined by the reconciliation sweep.
	ReconcileResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeline_reconcile_results_total",
		Help: "Reconciliation results by kind",
	}, []string{"result"})

	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "safeline_redis_errors_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safeline_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})
)

const queryStartKey = "safeline:query_start"

// RegisterDatabaseMetrics installs GORM callbacks that observe query latency per operation and table.
func RegisterDatabaseMetrics(db *gorm.DB) error {
	before := func(tx *gorm.DB) {
		tx.InstanceSet(queryStartKey, time.Now())
	}
	after := func(operation string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			start, ok := v.(time.Time)
			if !ok {
				return
			}
			DatabaseQueryLatency.WithLabelValues(operation, tx.Statement.Table).Observe(time.Since(start).Seconds())
		}
	}

	cb := db.Callback()
	steps := []func() error{
		func() error {
			if err := cb.Create().Before("gorm:create").Register("metrics:before_create", before); err != nil {
				return err
			}
			return cb.Create().After("gorm:create").Register("metrics:after_create", after("create"))
		},
		func() error {
			if err := cb.Query().Before("gorm:query").Register("metrics:before_query", before); err != nil {
				return err
			}
			return cb.Query().After("gorm:query").Register("metrics:after_query", after("query"))
		},
		func() error {
			if err := cb.Update().Before("gorm:update").Register("metrics:before_update", before); err != nil {
				return err
			}
			return cb.Update().After("gorm:update").Register("metrics:after_update", after("update"))
		},
		func() error {
			if err := cb.Delete().Before("gorm:delete").Register("metrics:before_delete", before); err != nil {
				return err
			}
			return cb.Delete().After("gorm:delete").Register("metrics:after_delete", after("delete"))
		},
	}
	for _, register := range steps {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}
