// Package metrics exposes guard and correlation counters to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics.
type Registry struct {
	// Rule guard
	RuleEvents         *prometheus.CounterVec
	Reconciliations    *prometheus.CounterVec
	RuleStoreErrors    *prometheus.CounterVec
	ExpiredRules       prometheus.Counter
	Inconsistencies    prometheus.Counter
	MirroredRules      prometheus.Gauge
	RuleChangesPending prometheus.Gauge

	// Event correlation
	CorrelatedEvents *prometheus.CounterVec
	DroppedEvents    *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	HostnameLookups  *prometheus.CounterVec

	// Registry and engine
	Programs       prometheus.Gauge
	ProgramSets    prometheus.Gauge
	TickDuration   prometheus.Histogram
	Persisted      *prometheus.CounterVec
	AuditLogErrors prometheus.Counter
	AuditPackets   *prometheus.CounterVec

	// Local API
	APIRequests *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates metrics registered on reg, for tests that need an
// isolated registry.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return newRegistry(reg)
}

func newRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.RuleEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_rule_events_total",
		Help: "Rule events by type and corrective action",
	}, []string{"type", "action"})

	r.Reconciliations = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_reconciliations_total",
		Help: "Rule reconciliation passes by kind and result",
	}, []string{"kind", "result"})

	r.RuleStoreErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_rule_store_errors_total",
		Help: "Failed rule store operations",
	}, []string{"op"})

	r.ExpiredRules = f.NewCounter(prometheus.CounterOpts{
		Name: "fwguard_expired_rules_total",
		Help: "Temporary rules removed by the cleanup sweep",
	})

	r.Inconsistencies = f.NewCounter(prometheus.CounterOpts{
		Name: "fwguard_inconsistencies_total",
		Help: "Internal inconsistencies logged at critical level",
	})

	r.MirroredRules = f.NewGauge(prometheus.GaugeOpts{
		Name: "fwguard_mirrored_rules",
		Help: "Rules currently mirrored in the registry",
	})

	r.RuleChangesPending = f.NewGauge(prometheus.GaugeOpts{
		Name: "fwguard_rule_changes_pending",
		Help: "Rule change notifications waiting for the next tick",
	})

	r.CorrelatedEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_correlated_events_total",
		Help: "Audit events attributed to programs, by resolution path",
	}, []string{"path"})

	r.DroppedEvents = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_dropped_events_total",
		Help: "Audit events that could not be attributed",
	}, []string{"reason"})

	r.QueueDepth = f.NewGauge(prometheus.GaugeOpts{
		Name: "fwguard_correlation_queue_depth",
		Help: "Ambiguous events deferred to the next tick",
	})

	r.HostnameLookups = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_hostname_lookups_total",
		Help: "Remote hostname lookups by source and result",
	}, []string{"source", "result"})

	r.Programs = f.NewGauge(prometheus.GaugeOpts{
		Name: "fwguard_programs",
		Help: "Programs in the registry",
	})

	r.ProgramSets = f.NewGauge(prometheus.GaugeOpts{
		Name: "fwguard_program_sets",
		Help: "Program sets in the registry",
	})

	r.TickDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwguard_tick_duration_seconds",
		Help:    "Time spent in one engine tick",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	r.Persisted = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_registry_saves_total",
		Help: "Registry persistence attempts by result",
	}, []string{"result"})

	r.AuditLogErrors = f.NewCounter(prometheus.CounterOpts{
		Name: "fwguard_audit_log_errors_total",
		Help: "Audit log read or decode failures",
	})

	r.AuditPackets = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_audit_packets_total",
		Help: "Logged packets seen by the audit watcher by outcome",
	}, []string{"outcome"})

	r.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "fwguard_api_requests_total",
		Help: "API requests by route and status class",
	}, []string{"route", "code"})

	return r
}

// RecordRuleEvent counts one rule event.
func (r *Registry) RecordRuleEvent(typ, action string) {
	r.RuleEvents.WithLabelValues(typ, action).Inc()
}

// RecordReconcile counts one reconciliation pass.
func (r *Registry) RecordReconcile(kind string, err error) {
	r.Reconciliations.WithLabelValues(kind, resultString(err)).Inc()
}

// RecordSave counts one persistence attempt.
func (r *Registry) RecordSave(err error) {
	r.Persisted.WithLabelValues(resultString(err)).Inc()
}

// RecordRequest counts one API request.
func (r *Registry) RecordRequest(route string, status int) {
	r.APIRequests.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}

func resultString(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
