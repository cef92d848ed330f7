// Package metrics records engine telemetry twice: as Prometheus series for
// scraping and as in-process aggregates behind GetMetrics.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type serviceTotals struct {
	calls   int64
	errors  int64
	latency time.Duration
}

type Metrics struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	cacheLookups *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	rateLimited  *prometheus.CounterVec
	edgeMessages *prometheus.CounterVec
	workflowRuns *prometheus.CounterVec
	scaleTarget  *prometheus.GaugeVec
	health       *prometheus.GaugeVec

	mu       sync.Mutex
	services map[string]*serviceTotals
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_calls_total",
			Help:      "Calls dispatched to services, by outcome.",
		}, []string{"service", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_call_duration_seconds",
			Help:      "Latency of service calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit, miss, stale).",
		}, []string{"result"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Calls rejected by the rate limiter.",
		}, []string{"service"}),
		edgeMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dataflow_messages_total",
			Help:      "Messages sent along data flow edges, by outcome.",
		}, []string{"edge", "outcome"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow executions, by outcome.",
		}, []string{"workflow", "outcome"}),
		scaleTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scale_target_instances",
			Help:      "Recommended instance count from load prediction.",
		}, []string{"service"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_health",
			Help:      "Service health score, 0 to 100.",
		}, []string{"service"}),
		services: make(map[string]*serviceTotals),
	}
	reg.MustRegister(
		m.calls, m.latency, m.cacheLookups, m.breakerState, m.rateLimited,
		m.edgeMessages, m.workflowRuns, m.scaleTarget, m.health,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterGauge adds a gauge computed at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveCall records one dispatched call.
func (m *Metrics) ObserveCall(serviceID string, latency time.Duration, ok bool) {
	m.calls.WithLabelValues(serviceID, outcome(ok)).Inc()
	m.latency.WithLabelValues(serviceID).Observe(latency.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	t, found := m.services[serviceID]
	if !found {
		t = &serviceTotals{}
		m.services[serviceID] = t
	}
	t.calls++
	t.latency += latency
	if !ok {
		t.errors++
	}
}

func (m *Metrics) ObserveCache(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRateLimited(serviceID string) {
	m.rateLimited.WithLabelValues(serviceID).Inc()
}

// SetBreakerState takes 0 closed, 1 half-open, 2 open.
func (m *Metrics) SetBreakerState(serviceID string, state float64) {
	m.breakerState.WithLabelValues(serviceID).Set(state)
}

func (m *Metrics) ObserveEdge(edgeID string, ok bool) {
	m.edgeMessages.WithLabelValues(edgeID, outcome(ok)).Inc()
}

func (m *Metrics) ObserveWorkflow(workflowID string, ok bool) {
	m.workflowRuns.WithLabelValues(workflowID, outcome(ok)).Inc()
}

func (m *Metrics) SetScaleTarget(serviceID string, n int) {
	m.scaleTarget.WithLabelValues(serviceID).Set(float64(n))
}

func (m *Metrics) SetHealth(serviceID string, health int) {
	m.health.WithLabelValues(serviceID).Set(float64(health))
}

type ServiceStats struct {
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Totals returns cumulative per-service statistics, sorted by id.
func (m *Metrics) Totals() (all ServiceStats, per map[string]ServiceStats, ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	per = make(map[string]ServiceStats, len(m.services))
	var latency time.Duration
	for id, t := range m.services {
		per[id] = stats(t.calls, t.errors, t.latency)
		all.Calls += t.calls
		all.Errors += t.errors
		latency += t.latency
		ids = append(ids, id)
	}
	sort.Strings(ids)
	all = stats(all.Calls, all.Errors, latency)
	return all, per, ids
}

func stats(calls, errors int64, latency time.Duration) ServiceStats {
	s := ServiceStats{Calls: calls, Errors: errors}
	if calls > 0 {
		s.ErrorRate = float64(errors) / float64(calls)
		s.AvgLatencyMs = float64(latency) / float64(calls) / float64(time.Millisecond)
	}
	return s
}
