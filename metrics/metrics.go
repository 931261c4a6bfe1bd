// Package metrics wraps a Prometheus registry with gauges/counters for
// the pool, rate controller, and bulk executor (spec §4.M), and exposes
// OpenTelemetry span helpers around checkout/batch/plan-node execution.
//
// This generalizes the teacher's plain Go stats structs (CacheStats in
// server/query_cache.go, ValidationStats in server/sql_validator.go,
// WorkerPoolStats in server/worker_pool.go, ConnectionStats in
// client/reconnect.go): every one of those is returned from a
// Stats()/GetStats() method on its owning type *and*, here, additionally
// mirrored into Prometheus — the snapshot-struct pattern itself is kept,
// not replaced.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Registry holds every gauge/counter this module reports. Constructors
// take *Registry explicitly rather than reaching for a package-global,
// per the "no singletons" design note (spec §9).
type Registry struct {
	reg *prometheus.Registry

	PoolInFlight        *prometheus.GaugeVec
	PoolClientsTotal    *prometheus.GaugeVec
	PoolClientsCooldown *prometheus.GaugeVec

	ControllerCurrent     *prometheus.GaugeVec
	ControllerFloor       *prometheus.GaugeVec
	ControllerHardCeiling *prometheus.GaugeVec
	ThrottleEventsTotal   *prometheus.CounterVec

	BulkSuccessTotal *prometheus.CounterVec
	BulkFailureTotal *prometheus.CounterVec
}

// New constructs a Registry and registers every collector on a fresh
// prometheus.Registry (never the global DefaultRegisterer, so multiple
// pools in one process don't collide).
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.PoolInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkmw_pool_inflight",
		Help: "Number of checked-out clients currently in flight, per pool key.",
	}, []string{"pool"})

	r.PoolClientsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkmw_pool_clients_total",
		Help: "Number of clients belonging to a pool.",
	}, []string{"pool"})

	r.PoolClientsCooldown = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkmw_pool_clients_cooldown",
		Help: "Number of clients currently in a throttle cooldown, per pool key.",
	}, []string{"pool"})

	r.ControllerCurrent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkmw_controller_current_parallelism",
		Help: "AdaptiveRateController's current permitted parallelism.",
	}, []string{"pool"})

	r.ControllerFloor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkmw_controller_floor",
		Help: "AdaptiveRateController's floor.",
	}, []string{"pool"})

	r.ControllerHardCeiling = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bulkmw_controller_hard_ceiling",
		Help: "AdaptiveRateController's hard ceiling.",
	}, []string{"pool"})

	r.ThrottleEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmw_throttle_events_total",
		Help: "Total number of Throttled responses observed, per pool key.",
	}, []string{"pool"})

	r.BulkSuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmw_bulk_success_total",
		Help: "Total number of successfully executed bulk records.",
	}, []string{"operation"})

	r.BulkFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulkmw_bulk_failure_total",
		Help: "Total number of failed bulk records.",
	}, []string{"operation"})

	r.reg.MustRegister(
		r.PoolInFlight, r.PoolClientsTotal, r.PoolClientsCooldown,
		r.ControllerCurrent, r.ControllerFloor, r.ControllerHardCeiling,
		r.ThrottleEventsTotal, r.BulkSuccessTotal, r.BulkFailureTotal,
	)

	return r
}

// Gatherer exposes the underlying registry for an HTTP /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Tracer is the module's OpenTelemetry tracer. Callers that don't inject
// a real trace.TracerProvider get otel's no-op tracer, so the core never
// forces an exporter dependency (spec §4.M).
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer("github.com/iperfex-team/dataverse-bulkmw")
}

// StartSpan is a thin convenience wrapper so call sites in pool/bulk/plan
// don't each re-derive a tracer.
func StartSpan(ctx context.Context, tp trace.TracerProvider, name string) (context.Context, trace.Span) {
	return Tracer(tp).Start(ctx, name)
}
