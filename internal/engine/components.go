package engine

import (
	"fmt"
	"time"

	"github.com/opentalon/relay/internal/balancer"
	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/resilience"
	"github.com/opentalon/relay/internal/selector"
	"github.com/opentalon/relay/internal/service"
	"github.com/opentalon/relay/internal/workflow"
)

// Role is the closed set of parts an engine is built from.
type Role string

const (
	RoleSelector   Role = "selector"
	RoleResilience Role = "resilience"
	RoleDataflow   Role = "dataflow"
	RoleWorkflow   Role = "workflow"
	RoleBalancer   Role = "balancer"
	RoleRegistry   Role = "registry"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	}
	return 0
}

type ComponentHealth struct {
	Role   Role           `json:"role"`
	Status Status         `json:"status"`
	Detail string         `json:"detail,omitempty"`
	Stats  map[string]any `json:"stats,omitempty"`
}

// Component is implemented by one variant per Role.
type Component interface {
	Role() Role
	Health() ComponentHealth
}

type selectorComponent struct {
	capabilities *capability.Registry
	history      *selector.History
}

func (c selectorComponent) Role() Role { return RoleSelector }

func (c selectorComponent) Health() ComponentHealth {
	h := ComponentHealth{
		Role:   RoleSelector,
		Status: StatusHealthy,
		Stats: map[string]any{
			"capabilities": c.capabilities.Len(),
			"contexts":     c.history.Len(),
		},
	}
	if c.capabilities.Len() == 0 {
		h.Status = StatusDegraded
		h.Detail = "no capability registered"
	}
	return h
}

type resilienceComponent struct {
	breaker *resilience.CircuitBreaker
	cache   *resilience.TTLCache
	pool    *resilience.ConnectionPool
}

func (c resilienceComponent) Role() Role { return RoleResilience }

func (c resilienceComponent) Health() ComponentHealth {
	open := 0
	for _, b := range c.breaker.Snapshot() {
		if b.State != resilience.StateClosed.String() {
			open++
		}
	}
	h := ComponentHealth{
		Role:   RoleResilience,
		Status: StatusHealthy,
		Stats: map[string]any{
			"open_circuits":      open,
			"cache_hit_rate":     c.cache.Stats().HitRate,
			"active_connections": c.pool.Active(),
		},
	}
	if open > 0 {
		h.Status = StatusDegraded
		h.Detail = fmt.Sprintf("%d circuit(s) not closed", open)
	}
	return h
}

type registryComponent struct {
	services *service.Registry
}

func (c registryComponent) Role() Role { return RoleRegistry }

func (c registryComponent) Health() ComponentHealth {
	counts := map[service.Status]int{}
	list := c.services.List()
	for _, d := range list {
		counts[d.Status]++
	}
	h := ComponentHealth{
		Role:   RoleRegistry,
		Status: StatusHealthy,
		Stats: map[string]any{
			"services":    len(list),
			"active":      counts[service.StatusActive],
			"degraded":    counts[service.StatusDegraded],
			"unavailable": counts[service.StatusUnavailable],
		},
	}
	switch {
	case len(list) > 0 && counts[service.StatusUnavailable] == len(list):
		h.Status = StatusUnhealthy
		h.Detail = "every service is unavailable"
	case counts[service.StatusUnavailable]+counts[service.StatusDegraded] > 0:
		h.Status = StatusDegraded
		h.Detail = fmt.Sprintf("%d service(s) degraded or unavailable",
			counts[service.StatusUnavailable]+counts[service.StatusDegraded])
	}
	return h
}

type dataflowComponent struct {
	graph *dataflow.Graph
}

func (c dataflowComponent) Role() Role { return RoleDataflow }

func (c dataflowComponent) Health() ComponentHealth {
	active, total, counters := c.graph.Stats()
	h := ComponentHealth{
		Role:   RoleDataflow,
		Status: StatusHealthy,
		Stats: map[string]any{
			"active_edges": active,
			"edges":        total,
			"attempted":    counters.Attempted,
			"failed":       counters.Failed,
		},
	}
	if counters.Attempted > 0 && counters.Failed*2 > counters.Attempted {
		h.Status = StatusDegraded
		h.Detail = "more than half of edge deliveries failed"
	}
	return h
}

type workflowComponent struct {
	engine *workflow.Engine
}

func (c workflowComponent) Role() Role { return RoleWorkflow }

func (c workflowComponent) Health() ComponentHealth {
	var runs, ok int64
	list := c.engine.List()
	for _, w := range list {
		runs += w.Counters.Executions
		ok += w.Counters.Successful
	}
	return ComponentHealth{
		Role:   RoleWorkflow,
		Status: StatusHealthy,
		Stats: map[string]any{
			"workflows":  len(list),
			"executions": runs,
			"successful": ok,
		},
	}
}

type balancerComponent struct {
	predictor *balancer.Predictor
}

func (c balancerComponent) Role() Role { return RoleBalancer }

func (c balancerComponent) Health() ComponentHealth {
	h := ComponentHealth{Role: RoleBalancer, Status: StatusHealthy}
	var up []string
	for id, p := range c.predictor.Latest() {
		if p.ShouldScale && p.Direction == balancer.ScaleUp {
			up = append(up, id)
		}
	}
	h.Stats = map[string]any{"scale_up": len(up)}
	if len(up) > 0 {
		h.Status = StatusDegraded
		h.Detail = fmt.Sprintf("scale-up recommended for %v", up)
	}
	return h
}

// Components returns one variant per role, in a fixed order.
func (e *Engine) Components() []Component {
	return []Component{
		registryComponent{services: e.services},
		selectorComponent{capabilities: e.capabilities, history: e.selector.History()},
		resilienceComponent{breaker: e.breaker, cache: e.cache, pool: e.pool},
		dataflowComponent{graph: e.graph},
		workflowComponent{engine: e.workflows},
		balancerComponent{predictor: e.predictor},
	}
}

type HealthReport struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthCheck reports the worst status of any component.
func (e *Engine) HealthCheck() HealthReport {
	r := HealthReport{Status: StatusHealthy, CheckedAt: e.now()}
	for _, c := range e.Components() {
		h := c.Health()
		r.Components = append(r.Components, h)
		if h.Status.rank() > r.Status.rank() {
			r.Status = h.Status
		}
	}
	return r
}
