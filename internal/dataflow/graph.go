package dataflow

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
)

// Services is the part of the service registry the graph needs.
type Services interface {
	Has(id string) bool
}

// DispatchOptions tune how a payload passes through the resilience stack.
type DispatchOptions struct {
	// CacheKey enables response caching when set.
	CacheKey string
	CacheTTL time.Duration
	// WaitForRate blocks for a rate-limit slot instead of failing fast.
	WaitForRate bool
	MaxWait     time.Duration
	Fallback    func(ctx context.Context, cause error) (map[string]any, error)
}

// Dispatcher delivers a payload to a service through breaker, rate limiter,
// cache, pool and transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, serviceID string, payload map[string]any, opts DispatchOptions) (map[string]any, error)
}

type SendOptions struct {
	DispatchOptions
	Timeout time.Duration
}

// Result of a Send. Filtered is true when a condition filter dropped the
// message; no delivery happened and Output is nil.
type Result struct {
	EdgeID    string         `json:"edge_id"`
	Delivered bool           `json:"delivered"`
	Filtered  bool           `json:"filtered"`
	Payload   map[string]any `json:"payload,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Latency   time.Duration  `json:"latency"`
}

type Graph struct {
	mu       sync.RWMutex
	edges    map[string]*edge
	services Services
	dispatch Dispatcher
	guard    *Guard
	logger   *slog.Logger
	now      func() time.Time
}

func NewGraph(services Services, dispatch Dispatcher, guard *Guard, logger *slog.Logger) *Graph {
	if guard == nil {
		guard = NewGuard()
	}
	return &Graph{
		edges:    make(map[string]*edge),
		services: services,
		dispatch: dispatch,
		guard:    guard,
		logger:   logging.OrDiscard(logger).With("component", "dataflow"),
		now:      time.Now,
	}
}

// CreateEdge registers an edge between two known services. Recreating an
// existing edge replaces its config and reactivates it; counters carry over.
func (g *Graph) CreateEdge(cfg EdgeConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	for _, id := range []string{cfg.Source, cfg.Target} {
		if g.services != nil && !g.services.Has(id) {
			return "", failover.Errorf(failover.KindServiceNotFound, "service %q not found", id)
		}
	}
	transform, err := compileTransform(cfg.Transform)
	if err != nil {
		return "", err
	}
	filters, err := compileFilters(cfg.Filters)
	if err != nil {
		return "", err
	}
	if cfg.Transform != nil {
		t := *cfg.Transform
		cfg.Transform = &t
	}
	cfg.Filters = append([]FilterSpec(nil), cfg.Filters...)

	id := EdgeID(cfg.Source, cfg.Target)
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[id]
	if !ok {
		e = &edge{createdAt: g.now()}
		g.edges[id] = e
	}
	e.cfg = cfg
	e.transform = transform
	e.filters = filters
	e.active = true
	g.logger.Info("edge created", "edge", id, "kind", cfg.Kind)
	return id, nil
}

// Deactivate stops an edge from carrying messages. Edges are never removed.
func (g *Graph) Deactivate(source, target string) error {
	return g.setActive(source, target, false)
}

func (g *Graph) Activate(source, target string) error {
	return g.setActive(source, target, true)
}

func (g *Graph) setActive(source, target string, active bool) error {
	id := EdgeID(source, target)
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[id]
	if !ok {
		return failover.Errorf(failover.KindNoActiveEdge, "no edge %s", id)
	}
	e.active = active
	return nil
}

func (g *Graph) Edge(source, target string) (Edge, error) {
	id := EdgeID(source, target)
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[id]
	if !ok {
		return Edge{}, failover.Errorf(failover.KindNoActiveEdge, "no edge %s", id)
	}
	return e.view(), nil
}

func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats sums counters across every edge.
func (g *Graph) Stats() (active, total int, c Counters) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.edges {
		total++
		if e.active {
			active++
		}
		c.Attempted += e.counters.Attempted
		c.Succeeded += e.counters.Succeeded
		c.Failed += e.counters.Failed
		c.Filtered += e.counters.Filtered
		if e.counters.LastMessageAt.After(c.LastMessageAt) {
			c.LastMessageAt = e.counters.LastMessageAt
		}
	}
	return active, total, c
}

// Send moves payload along the source->target edge: transform, then the
// filter chain, then delivery to target through the dispatcher.
func (g *Graph) Send(ctx context.Context, source, target string, payload map[string]any, opts SendOptions) (Result, error) {
	id := EdgeID(source, target)
	g.mu.RLock()
	e, ok := g.edges[id]
	var (
		active    bool
		kind      Kind
		transform transformFunc
		filters   []filterFunc
	)
	if ok {
		active, kind, transform, filters = e.active, e.cfg.Kind, e.transform, e.filters
	}
	g.mu.RUnlock()
	if !ok || !active {
		return Result{EdgeID: id}, failover.Errorf(failover.KindNoActiveEdge, "no active edge %s", id)
	}

	res := Result{EdgeID: id}
	start := g.now()
	if payload == nil {
		payload = map[string]any{}
	}

	out, pass, err := g.prepare(ctx, payload, Route{Source: source, Target: target, Kind: kind}, transform, filters)
	if err != nil {
		g.record(id, false, false)
		return res, err
	}
	if !pass {
		g.record(id, false, true)
		res.Filtered = true
		res.Latency = g.now().Sub(start)
		g.logger.Debug("message filtered", "edge", id)
		return res, nil
	}
	res.Payload = out

	if err := g.guard.Check(out); err != nil {
		g.record(id, false, false)
		return res, err
	}
	if g.dispatch == nil {
		g.record(id, false, false)
		return res, failover.Errorf(failover.KindInternal, "graph has no dispatcher")
	}

	output, err := g.guard.ExecuteWithTimeout(ctx, target, opts.Timeout, func(ctx context.Context) (map[string]any, error) {
		return g.dispatch.Dispatch(ctx, target, out, opts.DispatchOptions)
	})
	res.Latency = g.now().Sub(start)
	if err != nil {
		g.record(id, false, false)
		g.logger.Warn("send failed", "edge", id, "error", err)
		return res, err
	}
	g.record(id, true, false)
	res.Delivered = true
	res.Output = output
	return res, nil
}

func (g *Graph) prepare(ctx context.Context, payload map[string]any, route Route, transform transformFunc, filters []filterFunc) (map[string]any, bool, error) {
	out := payload
	if transform != nil {
		var err error
		if out, err = transform(ctx, out, route); err != nil {
			return nil, false, err
		}
	}
	for _, f := range filters {
		var (
			pass bool
			err  error
		)
		if out, pass, err = f(ctx, out); err != nil {
			return nil, false, err
		}
		if !pass {
			return nil, false, nil
		}
	}
	return out, true, nil
}

func (g *Graph) record(id string, success, filtered bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[id]
	if !ok {
		return
	}
	e.counters.LastMessageAt = g.now()
	if filtered {
		e.counters.Filtered++
		return
	}
	e.counters.Attempted++
	if success {
		e.counters.Succeeded++
	} else {
		e.counters.Failed++
	}
}
