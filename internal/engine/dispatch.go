package engine

import (
	"context"

	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/resilience"
	"github.com/opentalon/relay/internal/service"
)

const primaryInstance = "primary"

// client is what a pooled connection holds: the transport bound to one
// endpoint.
type client struct {
	endpoint string
	engine   *Engine
}

func (c *client) invoke(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return c.engine.router.Invoke(ctx, c.endpoint, payload)
}

func (e *Engine) dial(_ context.Context, serviceID string, opts resilience.ConnOptions) (any, error) {
	endpoint := opts["endpoint"]
	if endpoint == "" {
		return nil, failover.Errorf(failover.KindValidation, "service %q has no endpoint", serviceID)
	}
	return &client{endpoint: endpoint, engine: e}, nil
}

// Dispatch delivers payload to serviceID. The layers, outermost first, are
// cache, rate limiter, circuit breaker, connection pool and transport. A
// cache hit costs no rate-limit slot; a rate-limited call never counts
// against the breaker. Cache keys are scoped to serviceID. opts.Fallback
// answers any failure that gets through every layer and its output is never
// cached.
func (e *Engine) Dispatch(ctx context.Context, serviceID string, payload map[string]any, opts dataflow.DispatchOptions) (map[string]any, error) {
	desc, err := e.services.Get(serviceID)
	if err != nil {
		return nil, err
	}

	protected := func(ctx context.Context) (any, error) {
		return e.RateLimitedCall(ctx, serviceID, func(ctx context.Context) (any, error) {
			return e.breaker.Call(ctx, serviceID, func(ctx context.Context) (any, error) {
				return e.invoke(ctx, desc, payload)
			}, nil)
		}, resilience.CallOptions{Wait: opts.WaitForRate, MaxWait: opts.MaxWait})
	}

	var out any
	if opts.CacheKey != "" {
		out, err = e.cache.GetOrFetch(ctx, serviceCacheKey(serviceID, opts.CacheKey), protected, opts.CacheTTL)
	} else {
		out, err = protected(ctx)
	}
	if err != nil {
		if opts.Fallback == nil {
			return nil, err
		}
		e.logger.Debug("dispatch fallback", "service", serviceID, "kind", failover.KindOf(err), "error", err)
		return opts.Fallback(ctx, err)
	}
	return asPayload(out)
}

func serviceCacheKey(serviceID, key string) string {
	return serviceID + ":" + key
}

// invoke picks an instance, checks out a connection for its endpoint and
// sends the payload. Only this layer touches service health and per-instance
// history, so refused calls never count as failures of the service.
func (e *Engine) invoke(ctx context.Context, desc service.Descriptor, payload map[string]any) (any, error) {
	instanceID, endpoint, err := e.route(desc)
	if err != nil {
		return nil, err
	}

	start := e.now()
	out, err := e.pool.With(ctx, desc.ID, resilience.ConnOptions{"endpoint": endpoint}, func(c *resilience.Conn) (any, error) {
		cl, ok := c.Client.(*client)
		if !ok {
			return nil, failover.Errorf(failover.KindInternal, "unexpected pooled client %T", c.Client)
		}
		return cl.invoke(ctx, payload)
	})
	latency := e.now().Sub(start)

	ok := err == nil
	e.balancer.Record(desc.ID, instanceID, latency, ok)
	e.metrics.ObserveCall(desc.ID, latency, ok)
	if ctx.Err() == nil || ok {
		_ = e.services.RecordOutcome(desc.ID, ok)
	}
	if h, herr := e.services.Health(desc.ID); herr == nil {
		e.metrics.SetHealth(desc.ID, h.Health)
	}
	if err != nil {
		e.logger.Debug("dispatch failed", "service", desc.ID, "instance", instanceID, "error", err)
		if failover.KindOf(err) == failover.KindInternal {
			return nil, failover.Wrap(failover.KindTransient, err, "calling %s", desc.ID)
		}
		return nil, err
	}
	return out, nil
}

// route chooses the endpoint for one call. Services without instances use
// their primary endpoint.
func (e *Engine) route(desc service.Descriptor) (instanceID, endpoint string, err error) {
	if len(desc.Instances) == 0 {
		endpoint = desc.PrimaryEndpoint()
		if endpoint == "" {
			return "", "", failover.Errorf(failover.KindValidation, "service %q has no endpoint", desc.ID)
		}
		return primaryInstance, endpoint, nil
	}
	capacity := float64(e.pool.Max())
	for _, inst := range desc.Instances {
		active := e.pool.ActiveWith(desc.ID, resilience.ConnOptions{"endpoint": inst.Endpoint})
		e.balancer.ReportLoad(desc.ID, inst.ID, float64(active)/capacity)
	}
	cand, err := e.balancer.SelectInstance(desc.ID, desc.Instances)
	if err != nil {
		return "", "", err
	}
	return cand.Instance.ID, cand.Instance.Endpoint, nil
}

// asPayload accepts the shapes a dispatch result can take after a cache
// round trip.
func asPayload(v any) (map[string]any, error) {
	switch out := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return out, nil
	}
	return nil, failover.Errorf(failover.KindInternal, "unexpected dispatch result %T", v)
}

// serviceLoad is the fraction of capacity a service is using: the busier of
// its rate window and its connection pool.
func (e *Engine) serviceLoad(serviceID string) float64 {
	limit := e.rateLimitFor(serviceID)
	load := 0.0
	if limit > 0 {
		load = float64(e.limiter.Usage(serviceID)) / float64(limit)
	}
	if capacity := e.pool.Max(); capacity > 0 {
		if p := float64(e.pool.ActiveFor(serviceID)) / float64(capacity); p > load {
			load = p
		}
	}
	if load > 1 {
		load = 1
	}
	return load
}

func (e *Engine) rateLimitFor(serviceID string) int {
	if p, ok := e.cfg.Resilience.Services[serviceID]; ok && p.Limit > 0 {
		return p.Limit
	}
	return e.cfg.Resilience.RateLimit.Limit
}
