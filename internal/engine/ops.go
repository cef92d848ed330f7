package engine

import (
	"context"
	"errors"
	"time"

	"github.com/opentalon/relay/internal/balancer"
	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/config"
	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/resilience"
	"github.com/opentalon/relay/internal/scheduler"
	"github.com/opentalon/relay/internal/selector"
	"github.com/opentalon/relay/internal/service"
	"github.com/opentalon/relay/internal/workflow"
)

func (e *Engine) Select(task selector.Task) (selector.Selection, error) {
	return e.selector.Select(task)
}

// LearnFromExecution reports false when contextID is no longer retained.
func (e *Engine) LearnFromExecution(contextID string, outcome selector.Outcome) (bool, error) {
	return e.selector.LearnFromExecution(contextID, outcome)
}

// Invocation is the result of Invoke.
type Invocation struct {
	Selection    selector.Selection `json:"selection"`
	CapabilityID string             `json:"capability_id"`
	Attempted    []string           `json:"attempted"`
	Output       map[string]any     `json:"output"`
	Latency      time.Duration      `json:"latency"`
}

// Invoke selects a capability for task and dispatches payload to the service
// of the same id, walking the fallback chain on retryable failures. Every
// attempt that reaches a service is fed back with its own latency: the
// selected capability through its TaskContext, fallbacks straight into the
// capability registry.
func (e *Engine) Invoke(ctx context.Context, task selector.Task, payload map[string]any) (Invocation, error) {
	sel, err := e.selector.Select(task)
	if err != nil {
		return Invocation{}, err
	}
	out, err := e.failover.Execute(ctx, sel.CapabilityID, sel.Fallbacks, func(ctx context.Context, id string) (map[string]any, error) {
		start := e.now()
		res, err := e.Dispatch(ctx, id, payload, dataflow.DispatchOptions{})
		if err == nil || ctx.Err() == nil {
			e.learnAttempt(sel, id, err == nil, e.now().Sub(start))
		}
		return res, err
	})
	if err != nil {
		inv := Invocation{Selection: sel}
		var exhausted *failover.AllExhaustedError
		if errors.As(err, &exhausted) {
			inv.Attempted = exhausted.Attempted
		}
		return inv, err
	}
	return Invocation{
		Selection:    sel,
		CapabilityID: out.CapabilityID,
		Attempted:    out.Attempted,
		Output:       out.Output,
		Latency:      out.Latency,
	}, nil
}

func (e *Engine) learnAttempt(sel selector.Selection, id string, success bool, latency time.Duration) {
	if id == sel.CapabilityID {
		_, _ = e.selector.LearnFromExecution(sel.ContextID, selector.Outcome{Success: success, Latency: latency})
		return
	}
	if _, err := e.capabilities.RecordOutcome(id, latency, success); err != nil {
		e.logger.Debug("invoke: outcome not recorded", "capability", id, "error", err)
	}
}

func (e *Engine) RegisterCapability(id string, d capability.Descriptor) error {
	if d.ID == "" {
		d.ID = id
	}
	if id != "" && d.ID != id {
		return failover.Errorf(failover.KindValidation, "capability id %q does not match descriptor id %q", id, d.ID)
	}
	if err := e.capabilities.Register(d); err != nil {
		return failover.Wrap(failover.KindValidation, err, "registering capability")
	}
	return nil
}

func (e *Engine) Capabilities() []capability.Descriptor { return e.capabilities.List() }

// RegisterService adds or replaces a service and applies any per-service
// breaker and rate-limit policy from config.
func (e *Engine) RegisterService(id string, d service.Descriptor) error {
	if d.ID == "" {
		d.ID = id
	}
	if err := e.services.Register(id, d); err != nil {
		return err
	}
	if p, ok := e.cfg.Resilience.Services[id]; ok {
		e.breaker.Configure(id, resilience.BreakerConfig{
			Threshold: p.Threshold,
			Cooldown:  config.Duration(p.Cooldown),
		})
		e.limiter.Configure(id, resilience.RateLimitConfig{
			Limit:  p.Limit,
			Window: config.Duration(p.Window),
		})
	}
	e.metrics.SetHealth(id, service.MaxHealth)
	e.logger.Info("service registered", "service", id, "endpoint", d.PrimaryEndpoint(), "instances", len(d.Instances))
	return nil
}

func (e *Engine) Heartbeat(id string) error { return e.services.Heartbeat(id) }

func (e *Engine) Services() []service.Descriptor {
	out := e.services.List()
	for i := range out {
		out[i].Connections = e.pool.ActiveFor(out[i].ID)
	}
	return out
}

// GetServiceHealth reports status, health, last heartbeat and live pooled
// connections for one service.
func (e *Engine) GetServiceHealth(id string) (service.HealthReport, error) {
	_ = e.services.SetConnections(id, e.pool.ActiveFor(id))
	return e.services.Health(id)
}

func (e *Engine) CreateEdge(cfg dataflow.EdgeConfig) (string, error) {
	return e.graph.CreateEdge(cfg)
}

func (e *Engine) DeactivateEdge(source, target string) error {
	return e.graph.Deactivate(source, target)
}

func (e *Engine) ActivateEdge(source, target string) error {
	return e.graph.Activate(source, target)
}

func (e *Engine) Edges() []dataflow.Edge { return e.graph.Edges() }

// Send moves payload along the active source->target edge.
func (e *Engine) Send(ctx context.Context, source, target string, payload map[string]any, opts dataflow.SendOptions) (dataflow.Result, error) {
	res, err := e.graph.Send(ctx, source, target, payload, opts)
	if !res.Filtered && failover.KindOf(err) != failover.KindNoActiveEdge {
		e.metrics.ObserveEdge(dataflow.EdgeID(source, target), err == nil)
	}
	return res, err
}

func (e *Engine) CreateWorkflow(cfg workflow.Config) (string, error) {
	return e.workflows.CreateWorkflow(cfg)
}

func (e *Engine) Workflows() []workflow.Workflow { return e.workflows.List() }

func (e *Engine) Workflow(id string) (workflow.Workflow, error) { return e.workflows.Get(id) }

// ExecuteWorkflow runs the workflow. On failure the returned Run still holds
// the results of every step that ran.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string, payload map[string]any) (workflow.Run, error) {
	return e.workflows.Execute(ctx, id, payload)
}

// ProtectedCall runs op behind serviceID's circuit breaker.
func (e *Engine) ProtectedCall(ctx context.Context, serviceID string, op resilience.Op, fallback resilience.Fallback) (any, error) {
	return e.breaker.Call(ctx, serviceID, op, fallback)
}

// RateLimitedCall runs op once serviceID's sliding window admits it.
func (e *Engine) RateLimitedCall(ctx context.Context, serviceID string, op resilience.Op, opts resilience.CallOptions) (any, error) {
	ran := false
	out, err := e.limiter.Call(ctx, serviceID, func(ctx context.Context) (any, error) {
		ran = true
		return op(ctx)
	}, opts)
	if !ran && failover.IsRateLimitError(err) {
		e.metrics.ObserveRateLimited(serviceID)
	}
	return out, err
}

func (e *Engine) GetOrFetch(ctx context.Context, key string, fetch resilience.Fetcher, ttl time.Duration) (any, error) {
	return e.cache.GetOrFetch(ctx, key, fetch, ttl)
}

func (e *Engine) InvalidateCache(ctx context.Context, key string) error {
	return e.cache.Invalidate(ctx, key)
}

// Report is the full metrics view: the live snapshot plus what the
// background jobs have derived from it.
type Report struct {
	metrics.Snapshot
	Cache       resilience.CacheStats          `json:"cache"`
	Breakers    []resilience.BreakerSnapshot   `json:"breakers"`
	Trends      []selector.Trend               `json:"trends"`
	Predictions map[string]balancer.Prediction `json:"predictions"`
	History     []metrics.Snapshot             `json:"history,omitempty"`
	Dataflows   dataflow.Counters              `json:"dataflows"`
	Jobs        []scheduler.JobStatus          `json:"jobs"`
}

// GetMetrics returns live values; it does not store a snapshot.
func (e *Engine) GetMetrics() Report {
	_, _, c := e.graph.Stats()
	return Report{
		Snapshot:    e.aggregator.Current(),
		Cache:       e.cache.Stats(),
		Breakers:    e.breaker.Snapshot(),
		Trends:      e.selector.History().Trends(),
		Predictions: e.predictor.Latest(),
		History:     e.aggregator.Snapshots(),
		Dataflows:   c,
		Jobs:        e.scheduler.List(),
	}
}

// Predict records the current load of serviceID and returns the advisory
// scaling recommendation.
func (e *Engine) Predict(serviceID string) (balancer.Prediction, error) {
	desc, err := e.services.Get(serviceID)
	if err != nil {
		return balancer.Prediction{}, err
	}
	e.predictor.Observe(serviceID, e.serviceLoad(serviceID))
	n := len(desc.Instances)
	if n == 0 {
		n = 1
	}
	p := e.predictor.PredictLoad(serviceID, n)
	e.metrics.SetScaleTarget(serviceID, p.TargetInstanceCount)
	return p, nil
}
