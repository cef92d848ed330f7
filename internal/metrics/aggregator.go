package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/logging"
)

const DefaultKeepSnapshots = 60

// Snapshot is the engine-wide view returned by GetMetrics and kept by the
// aggregator.
type Snapshot struct {
	At                time.Time               `json:"at"`
	CacheHitRate      float64                 `json:"cache_hit_rate"`
	AvgLatencyMs      float64                 `json:"avg_latency_ms"`
	ErrorRate         float64                 `json:"error_rate"`
	ActiveConnections int                     `json:"active_connections"`
	Calls             int64                   `json:"calls"`
	Services          map[string]ServiceStats `json:"services,omitempty"`
}

// Sources supply values the metrics package does not own.
type Sources struct {
	CacheHitRate      func() float64
	ActiveConnections func() int
}

// Sink receives each aggregated snapshot.
type Sink interface {
	RecordSnapshot(ctx context.Context, s Snapshot) error
}

// Aggregator turns live counters into periodic snapshots.
type Aggregator struct {
	metrics *Metrics
	sources Sources
	keep    int
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	snapshots []Snapshot
	sink      Sink
}

func NewAggregator(m *Metrics, src Sources, keep int, logger *slog.Logger) *Aggregator {
	if keep <= 0 {
		keep = DefaultKeepSnapshots
	}
	return &Aggregator{
		metrics: m,
		sources: src,
		keep:    keep,
		logger:  logging.OrDiscard(logger).With("component", "aggregator"),
		now:     time.Now,
	}
}

func (a *Aggregator) SetSink(s Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = s
}

// Current builds a snapshot from cumulative counters without storing it.
func (a *Aggregator) Current() Snapshot {
	all, per, _ := a.metrics.Totals()
	s := Snapshot{
		At:           a.now(),
		AvgLatencyMs: all.AvgLatencyMs,
		ErrorRate:    all.ErrorRate,
		Calls:        all.Calls,
		Services:     per,
	}
	if a.sources.CacheHitRate != nil {
		s.CacheHitRate = a.sources.CacheHitRate()
	}
	if a.sources.ActiveConnections != nil {
		s.ActiveConnections = a.sources.ActiveConnections()
	}
	return s
}

// Aggregate stores a snapshot and forwards it to the sink.
func (a *Aggregator) Aggregate(ctx context.Context) Snapshot {
	s := a.Current()

	a.mu.Lock()
	a.snapshots = append(a.snapshots, s)
	if len(a.snapshots) > a.keep {
		a.snapshots = a.snapshots[len(a.snapshots)-a.keep:]
	}
	sink := a.sink
	a.mu.Unlock()

	if sink != nil {
		if err := sink.RecordSnapshot(ctx, s); err != nil {
			a.logger.Warn("record snapshot failed", "error", err)
		}
	}
	a.logger.Debug("aggregated", "calls", s.Calls, "error_rate", s.ErrorRate, "avg_latency_ms", s.AvgLatencyMs)
	return s
}

// Snapshots returns stored snapshots, oldest first.
func (a *Aggregator) Snapshots() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Snapshot(nil), a.snapshots...)
}
