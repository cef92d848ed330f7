package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/service"
	"github.com/opentalon/relay/internal/workflow"
)

type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Capabilities []capability.Descriptor `yaml:"capabilities"`
	Services     []service.Descriptor    `yaml:"services"`
	Dataflows    []dataflow.EdgeConfig   `yaml:"dataflows"`
	Workflows    []workflow.Config       `yaml:"workflows"`
	Resilience   ResilienceConfig        `yaml:"resilience"`
	Context      ContextConfig           `yaml:"context"`
	Balancer     BalancerConfig          `yaml:"balancer"`
	Scheduler    SchedulerConfig         `yaml:"scheduler"`
	History      HistoryConfig           `yaml:"history"`
	Logging      LoggingConfig           `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type ResilienceConfig struct {
	Breaker   BreakerConfig            `yaml:"breaker"`
	RateLimit RateLimitConfig          `yaml:"rate_limit"`
	Cache     CacheConfig              `yaml:"cache"`
	Pool      PoolConfig               `yaml:"pool"`
	Guard     GuardConfig              `yaml:"guard"`
	Services  map[string]ServicePolicy `yaml:"services"`
}

type BreakerConfig struct {
	Threshold int    `yaml:"threshold"`
	Cooldown  string `yaml:"cooldown"`
}

type RateLimitConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

// ServicePolicy overrides the global breaker and rate limit for one service.
// Zero fields inherit the global value.
type ServicePolicy struct {
	Threshold int    `yaml:"threshold"`
	Cooldown  string `yaml:"cooldown"`
	Limit     int    `yaml:"limit"`
	Window    string `yaml:"window"`
}

type CacheConfig struct {
	Backend  string      `yaml:"backend"` // "memory" or "redis"
	TTL      string      `yaml:"ttl"`
	StaleFor string      `yaml:"stale_for"`
	Redis    RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PoolConfig struct {
	MaxConnections int    `yaml:"max_connections"`
	PollInterval   string `yaml:"poll_interval"`
}

type GuardConfig struct {
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
	Timeout         string `yaml:"timeout"`
}

type ContextConfig struct {
	Window  string `yaml:"window"`
	MaxSize int    `yaml:"max_size"`
}

type BalancerConfig struct {
	LoadThreshold float64 `yaml:"load_threshold"`
	HalfLife      string  `yaml:"half_life"`
}

type SchedulerConfig struct {
	AggregationInterval string  `yaml:"aggregation_interval"`
	PredictionInterval  string  `yaml:"prediction_interval"`
	ProbeInterval       string  `yaml:"probe_interval"`
	EvictionInterval    string  `yaml:"eviction_interval"`
	ScaleThreshold      float64 `yaml:"scale_threshold"`
	SampleWindow        int     `yaml:"sample_window"`
	KeepSnapshots       int     `yaml:"keep_snapshots"`
}

// HistoryConfig selects the append-only run/snapshot log. An empty driver
// disables it.
type HistoryConfig struct {
	Driver  string `yaml:"driver"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// Target is the driver-specific open argument: the data dir for sqlite, the
// DSN for postgres.
func (h HistoryConfig) Target() string {
	if h.Driver == "postgres" {
		return h.DSN
	}
	return h.DataDir
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, expands ${ENV} references and fills defaults. It does
// not validate; call Validate before building an engine.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Server.Addr = expandEnv(cfg.Server.Addr)
	for i := range cfg.Services {
		s := &cfg.Services[i]
		for j := range s.Endpoints {
			s.Endpoints[j] = expandEnv(s.Endpoints[j])
		}
		for j := range s.Instances {
			s.Instances[j].Endpoint = expandEnv(s.Instances[j].Endpoint)
		}
	}
	cfg.Resilience.Cache.Redis.Addr = expandEnv(cfg.Resilience.Cache.Redis.Addr)
	cfg.Resilience.Cache.Redis.Password = expandEnv(cfg.Resilience.Cache.Redis.Password)
	cfg.History.DSN = expandEnv(cfg.History.DSN)
	cfg.History.DataDir = expandEnv(cfg.History.DataDir)

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills every unset field. Safe to call more than once.
func (c *Config) ApplyDefaults() {
	setString(&c.Server.Addr, ":8080")
	setString(&c.Server.ShutdownTimeout, "10s")

	r := &c.Resilience
	setInt(&r.Breaker.Threshold, 5)
	setString(&r.Breaker.Cooldown, "30s")
	setInt(&r.RateLimit.Limit, 100)
	setString(&r.RateLimit.Window, "1m")
	setString(&r.Cache.Backend, "memory")
	setString(&r.Cache.TTL, "5m")
	setString(&r.Cache.StaleFor, "1h")
	setInt(&r.Pool.MaxConnections, 10)
	setString(&r.Pool.PollInterval, "10ms")
	setInt(&r.Guard.MaxPayloadBytes, dataflow.DefaultMaxPayloadBytes)
	setString(&r.Guard.Timeout, "30s")

	setString(&c.Context.Window, "1h")
	setInt(&c.Context.MaxSize, 1000)

	setFloat(&c.Balancer.LoadThreshold, 0.8)
	setString(&c.Balancer.HalfLife, "10m")

	s := &c.Scheduler
	setString(&s.AggregationInterval, "30s")
	setString(&s.PredictionInterval, "1m")
	setString(&s.ProbeInterval, "30s")
	setString(&s.EvictionInterval, "5m")
	setFloat(&s.ScaleThreshold, 0.75)
	setInt(&s.SampleWindow, 10)
	setInt(&s.KeepSnapshots, 60)

	if c.History.Driver == "sqlite" && c.History.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.History.DataDir = home + "/.relay"
		}
	}

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
}

// Validate reports the first invalid field as a ValidationError.
func (c *Config) Validate() error {
	durations := []struct {
		field, value string
	}{
		{"server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"resilience.breaker.cooldown", c.Resilience.Breaker.Cooldown},
		{"resilience.rate_limit.window", c.Resilience.RateLimit.Window},
		{"resilience.cache.ttl", c.Resilience.Cache.TTL},
		{"resilience.cache.stale_for", c.Resilience.Cache.StaleFor},
		{"resilience.pool.poll_interval", c.Resilience.Pool.PollInterval},
		{"resilience.guard.timeout", c.Resilience.Guard.Timeout},
		{"context.window", c.Context.Window},
		{"balancer.half_life", c.Balancer.HalfLife},
		{"scheduler.aggregation_interval", c.Scheduler.AggregationInterval},
		{"scheduler.prediction_interval", c.Scheduler.PredictionInterval},
		{"scheduler.probe_interval", c.Scheduler.ProbeInterval},
		{"scheduler.eviction_interval", c.Scheduler.EvictionInterval},
	}
	for id, p := range c.Resilience.Services {
		durations = append(durations,
			struct{ field, value string }{"resilience.services." + id + ".cooldown", p.Cooldown},
			struct{ field, value string }{"resilience.services." + id + ".window", p.Window},
		)
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			return invalid(d.field, "invalid duration %q", d.value)
		}
	}

	if c.Resilience.Breaker.Threshold < 1 {
		return invalid("resilience.breaker.threshold", "must be at least 1")
	}
	if c.Resilience.RateLimit.Limit < 1 {
		return invalid("resilience.rate_limit.limit", "must be at least 1")
	}
	if c.Resilience.Pool.MaxConnections < 1 {
		return invalid("resilience.pool.max_connections", "must be at least 1")
	}
	switch c.Resilience.Cache.Backend {
	case "memory":
	case "redis":
		if c.Resilience.Cache.Redis.Addr == "" {
			return invalid("resilience.cache.redis.addr", "required for the redis backend")
		}
	default:
		return invalid("resilience.cache.backend", "unknown backend %q", c.Resilience.Cache.Backend)
	}
	if t := c.Balancer.LoadThreshold; t <= 0 || t > 1 {
		return invalid("balancer.load_threshold", "must be in (0, 1]")
	}
	if t := c.Scheduler.ScaleThreshold; t <= 0 || t > 1 {
		return invalid("scheduler.scale_threshold", "must be in (0, 1]")
	}

	switch c.History.Driver {
	case "":
	case "sqlite":
		if c.History.DataDir == "" {
			return invalid("history.data_dir", "required for sqlite")
		}
	case "postgres":
		if c.History.DSN == "" {
			return invalid("history.dsn", "required for postgres")
		}
	default:
		return invalid("history.driver", "unknown driver %q", c.History.Driver)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level", "%v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return invalid("logging.format", "unknown format %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.ID == "" {
			return invalid(fmt.Sprintf("services[%d].id", i), "required")
		}
		if seen[s.ID] {
			return invalid(fmt.Sprintf("services[%d].id", i), "duplicate service %q", s.ID)
		}
		seen[s.ID] = true
		if s.PrimaryEndpoint() == "" {
			return invalid(fmt.Sprintf("services[%d].endpoints", i), "service %q has no endpoint", s.ID)
		}
	}
	for i, d := range c.Capabilities {
		if err := d.Validate(); err != nil {
			return failover.Wrap(failover.KindValidation, err, "capabilities[%d]", i)
		}
	}
	for i, e := range c.Dataflows {
		if !seen[e.Source] || !seen[e.Target] {
			return invalid(fmt.Sprintf("dataflows[%d]", i), "edge %s references an unconfigured service", dataflow.EdgeID(e.Source, e.Target))
		}
	}
	for i, w := range c.Workflows {
		if w.Name == "" {
			return invalid(fmt.Sprintf("workflows[%d].name", i), "required")
		}
		if len(w.Steps) == 0 {
			return invalid(fmt.Sprintf("workflows[%d].steps", i), "workflow %q has no steps", w.Name)
		}
	}
	return nil
}

// Duration parses a validated duration string. Invalid or empty input yields
// zero, which every consumer treats as "use the default".
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func invalid(field, format string, args ...any) error {
	return failover.Errorf(failover.KindValidation, "config %s: %s", field, fmt.Sprintf(format, args...))
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

func setFloat(p *float64, def float64) {
	if *p == 0 {
		*p = def
	}
}
