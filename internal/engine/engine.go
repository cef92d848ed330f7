// Package engine assembles the registries, resilience primitives, data flow
// graph, workflow engine and background jobs into one explicitly owned
// instance. Nothing here is global; every Engine is independent.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opentalon/relay/internal/balancer"
	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/config"
	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/history"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/resilience"
	"github.com/opentalon/relay/internal/scheduler"
	"github.com/opentalon/relay/internal/selector"
	"github.com/opentalon/relay/internal/service"
	"github.com/opentalon/relay/internal/transport"
	"github.com/opentalon/relay/internal/workflow"
)

const redisDialTimeout = 5 * time.Second

type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	capabilities *capability.Registry
	selector     *selector.Selector
	services     *service.Registry

	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
	cache   *resilience.TTLCache
	pool    *resilience.ConnectionPool

	local  *transport.Local
	router *transport.Router
	prober transport.Prober

	graph     *dataflow.Graph
	workflows *workflow.Engine
	failover  *failover.Controller

	balancer  *balancer.Balancer
	predictor *balancer.Predictor

	metrics    *metrics.Metrics
	aggregator *metrics.Aggregator
	scheduler  *scheduler.Scheduler

	history *history.DB
	sink    *history.Sink
	redis   *redis.Client

	probeInterval time.Duration
	now           func() time.Time
}

// New validates cfg and builds an engine from it. Background jobs are
// registered but not running until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrDiscard(logger)
	r := cfg.Resilience

	e := &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "engine"),
		capabilities: capability.NewRegistry(),
		services:     service.NewRegistry(),
		breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Threshold: r.Breaker.Threshold,
			Cooldown:  config.Duration(r.Breaker.Cooldown),
		}, logger),
		limiter: resilience.NewRateLimiter(resilience.RateLimitConfig{
			Limit:  r.RateLimit.Limit,
			Window: config.Duration(r.RateLimit.Window),
		}, logger),
		local: transport.NewLocal(),
		balancer: balancer.New(balancer.Config{
			LoadThreshold: cfg.Balancer.LoadThreshold,
			HalfLife:      config.Duration(cfg.Balancer.HalfLife),
		}),
		predictor: balancer.NewPredictor(balancer.PredictorConfig{
			Threshold: cfg.Scheduler.ScaleThreshold,
			Window:    cfg.Scheduler.SampleWindow,
		}),
		metrics:       metrics.New(),
		scheduler:     scheduler.New(logger),
		probeInterval: config.Duration(cfg.Scheduler.ProbeInterval),
		now:           time.Now,
	}

	e.selector = selector.New(e.capabilities,
		selector.NewHistory(config.Duration(cfg.Context.Window), cfg.Context.MaxSize), logger)
	e.router = transport.NewDefaultRouter(e.local)
	e.prober = transport.Probers{
		Local: e.local,
		HTTP:  transport.NewHTTPProber(nil),
		GRPC:  transport.NewGRPC(),
	}
	e.failover = failover.NewController(e.breaker)

	store, err := e.cacheStore()
	if err != nil {
		return nil, err
	}
	e.cache = resilience.NewTTLCache(store, resilience.CacheConfig{
		DefaultTTL: config.Duration(r.Cache.TTL),
		StaleFor:   config.Duration(r.Cache.StaleFor),
	}, logger)
	e.pool = resilience.NewConnectionPool(e.dial, resilience.PoolConfig{
		MaxConnections: r.Pool.MaxConnections,
		PollInterval:   config.Duration(r.Pool.PollInterval),
	}, logger)

	guard := &dataflow.Guard{
		MaxPayloadBytes: r.Guard.MaxPayloadBytes,
		Timeout:         config.Duration(r.Guard.Timeout),
	}
	e.graph = dataflow.NewGraph(e.services, e, guard, logger)
	e.workflows = workflow.NewEngine(e, e.selector, logger)

	e.aggregator = metrics.NewAggregator(e.metrics, metrics.Sources{
		CacheHitRate:      func() float64 { return e.cache.Stats().HitRate },
		ActiveConnections: e.pool.Active,
	}, cfg.Scheduler.KeepSnapshots, logger)
	e.instrument()

	if cfg.History.Driver != "" {
		db, err := history.Open(cfg.History.Driver, cfg.History.Target())
		if err != nil {
			e.closeBackends()
			return nil, fmt.Errorf("opening history: %w", err)
		}
		e.history = db
		e.sink = history.NewSink(db)
		e.aggregator.SetSink(e.sink)
	}
	e.workflows.SetRecorder(runRecorder{e})

	if err := e.load(cfg); err != nil {
		e.closeBackends()
		return nil, err
	}
	if err := e.addJobs(); err != nil {
		e.closeBackends()
		return nil, err
	}
	return e, nil
}

func (e *Engine) cacheStore() (resilience.Store, error) {
	rc := e.cfg.Resilience.Cache
	if rc.Backend != "redis" {
		return resilience.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	client, err := resilience.DialRedis(ctx, rc.Redis.Addr, rc.Redis.Password, rc.Redis.DB)
	if err != nil {
		return nil, failover.Wrap(failover.KindTransient, err, "connecting cache backend")
	}
	e.redis = client
	return resilience.NewRedisStore(client, rc.Redis.Prefix), nil
}

// instrument forwards primitive events into metrics.
func (e *Engine) instrument() {
	e.cache.OnLookup(e.metrics.ObserveCache)
	e.breaker.OnStateChange(func(serviceID string, _, to resilience.State) {
		e.metrics.SetBreakerState(serviceID, breakerGauge(to))
	})
	e.metrics.RegisterGauge("pool_active_connections", "Checked-out pooled connections.", func() float64 {
		return float64(e.pool.Active())
	})
	e.metrics.RegisterGauge("context_history_size", "Task contexts retained for learning.", func() float64 {
		return float64(e.selector.History().Len())
	})
}

func breakerGauge(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	}
	return 0
}

// load registers everything declared in cfg.
func (e *Engine) load(cfg *config.Config) error {
	for _, d := range cfg.Capabilities {
		if err := e.RegisterCapability(d.ID, d); err != nil {
			return err
		}
	}
	for _, d := range cfg.Services {
		if err := e.RegisterService(d.ID, d); err != nil {
			return err
		}
	}
	for _, ec := range cfg.Dataflows {
		if _, err := e.CreateEdge(ec); err != nil {
			return err
		}
	}
	for _, wc := range cfg.Workflows {
		if _, err := e.CreateWorkflow(wc); err != nil {
			return err
		}
	}
	e.logger.Info("engine loaded",
		"capabilities", len(cfg.Capabilities),
		"services", len(cfg.Services),
		"dataflows", len(cfg.Dataflows),
		"workflows", len(cfg.Workflows),
	)
	return nil
}

// Handle registers an in-process handler reachable at local://name.
func (e *Engine) Handle(name string, h transport.Handler) {
	e.local.Register(name, h)
}

// Start runs the background jobs.
func (e *Engine) Start() {
	e.scheduler.Start()
	e.logger.Info("engine started", "jobs", len(e.scheduler.List()))
}

// Stop halts background jobs and releases connections, the cache backend and
// the history database.
func (e *Engine) Stop() error {
	e.scheduler.Stop()
	return e.closeBackends()
}

func (e *Engine) closeBackends() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	e.pool.Close()
	keep(e.router.Close())
	if c, ok := e.prober.(transport.Probers); ok && c.GRPC != nil {
		if g, ok := c.GRPC.(interface{ Close() error }); ok {
			keep(g.Close())
		}
	}
	if e.redis != nil {
		keep(e.redis.Close())
	}
	if e.history != nil {
		keep(e.history.Close())
	}
	return first
}

func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// History returns the run/snapshot sink, or nil when history is disabled.
func (e *Engine) History() *history.Sink { return e.sink }
