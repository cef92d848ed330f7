package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/workflow"
)

const testYAML = `
server:
  addr: "127.0.0.1:9090"

capabilities:
  - id: fast-model
    strengths: [speed, conversation]
    avg_latency_ms: 300
    cost_per_unit: 0.001
    reliability: 0.95
  - id: deep-model
    strengths: [reasoning, analysis, accuracy]
    specializations: [reasoning]
    avg_latency_ms: 2500
    cost_per_unit: 0.03

services:
  - id: ingest
    name: Ingest
    endpoints: ["local://ingest"]
  - id: analytics
    name: Analytics
    endpoints: ["${RELAY_TEST_ANALYTICS_URL}"]
    instances:
      - id: analytics-1
        endpoint: "${RELAY_TEST_ANALYTICS_URL}/1"

dataflows:
  - source: ingest
    target: analytics
    kind: intelligence
    transform:
      type: enrich
      values:
        origin: ingest
    filters:
      - type: include
        fields: [user, text]

workflows:
  - id: wf-analyze
    name: analyze
    steps:
      - name: forward
        type: edge
        source: ingest
        target: analytics
        cache_ttl: 1m

resilience:
  breaker:
    threshold: 3
    cooldown: 15s
  rate_limit:
    limit: 50
    window: 10s
  cache:
    backend: redis
    ttl: 2m
    redis:
      addr: "${RELAY_TEST_REDIS}"
      db: 2
  services:
    analytics:
      threshold: 1
      limit: 5
      window: 1s

scheduler:
  aggregation_interval: 10s
  scale_threshold: 0.6

history:
  driver: postgres
  dsn: "${RELAY_TEST_DSN}"

logging:
  level: debug
  format: json
`

func TestParse(t *testing.T) {
	t.Setenv("RELAY_TEST_ANALYTICS_URL", "http://analytics:8000")
	t.Setenv("RELAY_TEST_REDIS", "redis:6379")
	t.Setenv("RELAY_TEST_DSN", "postgres://relay@db/relay")

	cfg, err := Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
	if len(cfg.Capabilities) != 2 || cfg.Capabilities[1].ID != "deep-model" {
		t.Fatalf("capabilities = %+v", cfg.Capabilities)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(cfg.Services))
	}
	an := cfg.Services[1]
	if an.Endpoints[0] != "http://analytics:8000" {
		t.Errorf("endpoint not expanded: %q", an.Endpoints[0])
	}
	if an.Instances[0].Endpoint != "http://analytics:8000/1" {
		t.Errorf("instance endpoint not expanded: %q", an.Instances[0].Endpoint)
	}

	if len(cfg.Dataflows) != 1 {
		t.Fatalf("expected 1 dataflow, got %d", len(cfg.Dataflows))
	}
	edge := cfg.Dataflows[0]
	if edge.Kind != dataflow.KindIntelligence {
		t.Errorf("edge kind = %q", edge.Kind)
	}
	if edge.Transform == nil || edge.Transform.Type != dataflow.TransformEnrich {
		t.Errorf("edge transform = %+v", edge.Transform)
	}
	if len(edge.Filters) != 1 || edge.Filters[0].Type != dataflow.FilterInclude {
		t.Errorf("edge filters = %+v", edge.Filters)
	}

	if len(cfg.Workflows) != 1 || cfg.Workflows[0].Steps[0].Type != workflow.StepEdge {
		t.Fatalf("workflows = %+v", cfg.Workflows)
	}
	if cfg.Workflows[0].Steps[0].CacheTTL != "1m" {
		t.Errorf("cache_ttl = %q", cfg.Workflows[0].Steps[0].CacheTTL)
	}

	r := cfg.Resilience
	if r.Breaker.Threshold != 3 || Duration(r.Breaker.Cooldown) != 15*time.Second {
		t.Errorf("breaker = %+v", r.Breaker)
	}
	if r.RateLimit.Limit != 50 || Duration(r.RateLimit.Window) != 10*time.Second {
		t.Errorf("rate_limit = %+v", r.RateLimit)
	}
	if r.Cache.Backend != "redis" || r.Cache.Redis.Addr != "redis:6379" || r.Cache.Redis.DB != 2 {
		t.Errorf("cache = %+v", r.Cache)
	}
	if p := r.Services["analytics"]; p.Threshold != 1 || p.Limit != 5 || p.Window != "1s" {
		t.Errorf("analytics policy = %+v", p)
	}

	if cfg.Scheduler.AggregationInterval != "10s" || cfg.Scheduler.ScaleThreshold != 0.6 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.History.Target() != "postgres://relay@db/relay" {
		t.Errorf("history target = %q", cfg.History.Target())
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty config should validate after defaults: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server.addr", cfg.Server.Addr, ":8080"},
		{"breaker.threshold", cfg.Resilience.Breaker.Threshold, 5},
		{"breaker.cooldown", cfg.Resilience.Breaker.Cooldown, "30s"},
		{"rate_limit.limit", cfg.Resilience.RateLimit.Limit, 100},
		{"rate_limit.window", cfg.Resilience.RateLimit.Window, "1m"},
		{"cache.backend", cfg.Resilience.Cache.Backend, "memory"},
		{"cache.ttl", cfg.Resilience.Cache.TTL, "5m"},
		{"pool.max_connections", cfg.Resilience.Pool.MaxConnections, 10},
		{"guard.max_payload_bytes", cfg.Resilience.Guard.MaxPayloadBytes, dataflow.DefaultMaxPayloadBytes},
		{"balancer.load_threshold", cfg.Balancer.LoadThreshold, 0.8},
		{"scheduler.prediction_interval", cfg.Scheduler.PredictionInterval, "1m"},
		{"scheduler.sample_window", cfg.Scheduler.SampleWindow, 10},
		{"history.driver", cfg.History.Driver, ""},
		{"logging.level", cfg.Logging.Level, "info"},
		{"logging.format", cfg.Logging.Format, "text"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestSQLiteDataDirDefault(t *testing.T) {
	cfg, err := Parse([]byte("history:\n  driver: sqlite\n"))
	if err != nil {
		t.Fatal(err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if cfg.History.DataDir != home+"/.relay" {
		t.Errorf("data_dir = %q, want %q", cfg.History.DataDir, home+"/.relay")
	}
	if cfg.History.Target() != cfg.History.DataDir {
		t.Errorf("sqlite target should be the data dir, got %q", cfg.History.Target())
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_HOST", "example.com")
	t.Setenv("RELAY_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${RELAY_TEST_HOST}", "example.com"},
		{"http://${RELAY_TEST_HOST}:80/x", "http://example.com:80/x"},
		{"${RELAY_TEST_EMPTY}", ""},
		{"${RELAY_TEST_MISSING}", "${RELAY_TEST_MISSING}"},
		{"${RELAY_TEST_HOST}/${RELAY_TEST_HOST}", "example.com/example.com"},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad duration", "resilience:\n  breaker:\n    cooldown: soon\n", "resilience.breaker.cooldown"},
		{"negative threshold", "resilience:\n  breaker:\n    threshold: -1\n", "resilience.breaker.threshold"},
		{"unknown cache backend", "resilience:\n  cache:\n    backend: disk\n", "resilience.cache.backend"},
		{"redis without addr", "resilience:\n  cache:\n    backend: redis\n", "resilience.cache.redis.addr"},
		{"postgres without dsn", "history:\n  driver: postgres\n", "history.dsn"},
		{"unknown driver", "history:\n  driver: mysql\n", "history.driver"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"load threshold", "balancer:\n  load_threshold: 1.5\n", "balancer.load_threshold"},
		{"bad override window", "resilience:\n  services:\n    a:\n      window: often\n", "resilience.services.a.window"},
		{"service without id", "services:\n  - endpoints: [local://x]\n", "services[0].id"},
		{"duplicate service", "services:\n  - id: a\n    endpoints: [local://a]\n  - id: a\n    endpoints: [local://b]\n", "services[1].id"},
		{"service without endpoint", "services:\n  - id: a\n", "services[0].endpoints"},
		{"edge to unknown service", "services:\n  - id: a\n    endpoints: [local://a]\ndataflows:\n  - source: a\n    target: b\n", "dataflows[0]"},
		{"workflow without steps", "workflows:\n  - name: empty\n", "workflows[0].steps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if failover.KindOf(err) != failover.KindValidation {
				t.Errorf("kind = %s, want ValidationError", failover.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestValidateCapability(t *testing.T) {
	cfg, err := Parse([]byte("capabilities:\n  - id: x\n    reliability: 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	err = cfg.Validate()
	if failover.KindOf(err) != failover.KindValidation {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":7070\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("server.addr = %q", cfg.Server.Addr)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("{{invalid yaml"))
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestDuration(t *testing.T) {
	if Duration("1m30s") != 90*time.Second {
		t.Error("expected 90s")
	}
	if Duration("") != 0 || Duration("nope") != 0 {
		t.Error("invalid input should yield zero")
	}
}
