package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalon/relay/internal/config"
	"github.com/opentalon/relay/internal/dataflow"
	"github.com/opentalon/relay/internal/engine"
	"github.com/opentalon/relay/internal/failover"
)

const testYAML = `
services:
  - id: a
    endpoints: ["local://a"]
  - id: b
    endpoints: ["local://b"]
dataflows:
  - source: a
    target: b
resilience:
  services:
    b:
      limit: 1
      window: 1m
`

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
	Kind    failover.Kind   `json:"kind"`
}

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	cfg, err := config.Parse([]byte(testYAML))
	require.NoError(t, err)
	e, err := engine.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	e.Handle("b", func(_ context.Context, payload map[string]any) (map[string]any, error) {
		return map[string]any{"echo": payload["msg"]}, nil
	})
	return New(e, nil), e
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodGet, "/api/integration/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var report engine.HealthReport
	require.NoError(t, json.Unmarshal(env.Result, &report))
	assert.Len(t, report.Components, 6)
}

func TestUnknownAction(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodGet, "/api/integration/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, env.Error, "nope")

	// send-data exists but only as POST.
	rec, _ = do(t, s, http.MethodGet, "/api/integration/send-data", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendData(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodPost, "/api/integration/send-data",
		`{"source":"a","target":"b","payload":{"msg":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		Delivered bool           `json:"delivered"`
		Output    map[string]any `json:"output"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &res))
	assert.True(t, res.Delivered)
	assert.Equal(t, "hi", res.Output["echo"])
}

func TestSendDataRateLimited(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"source":"a","target":"b"}`
	rec, _ := do(t, s, http.MethodPost, "/api/integration/send-data", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, s, http.MethodPost, "/api/integration/send-data", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, failover.KindRateLimitExceeded, env.Kind)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSendDataErrors(t *testing.T) {
	s, _ := newTestServer(t)
	tests := []struct {
		name   string
		body   string
		status int
		kind   failover.Kind
	}{
		{"malformed", `{"source":`, http.StatusBadRequest, failover.KindValidation},
		{"missing target", `{"source":"a"}`, http.StatusBadRequest, failover.KindValidation},
		{"bad duration", `{"source":"a","target":"b","timeout":"soon"}`, http.StatusBadRequest, failover.KindValidation},
		{"no edge", `{"source":"b","target":"a"}`, http.StatusNotFound, failover.KindNoActiveEdge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, s, http.MethodPost, "/api/integration/send-data", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, env.Kind)
			assert.False(t, env.Success)
		})
	}
}

func TestDataflowToggle(t *testing.T) {
	s, _ := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/api/integration/deactivate-dataflow", `{"source":"a","target":"b"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, s, http.MethodPost, "/api/integration/send-data", `{"source":"a","target":"b"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, failover.KindNoActiveEdge, env.Kind)

	rec, _ = do(t, s, http.MethodPost, "/api/integration/activate-dataflow", `{"source":"a","target":"b"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, s, http.MethodPost, "/api/integration/send-data", `{"source":"a","target":"b"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterServiceAndHeartbeat(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodPost, "/api/integration/register-service",
		`{"id":"c","endpoints":["local://c"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Result), `"service_id":"c"`)

	rec, env = do(t, s, http.MethodPost, "/api/integration/heartbeat", `{"service_id":"c"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Result), `"status":"active"`)

	rec, env = do(t, s, http.MethodPost, "/api/integration/heartbeat", `{"service_id":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, failover.KindServiceNotFound, env.Kind)

	rec, _ = do(t, s, http.MethodGet, "/api/integration/services?id=c", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterServiceValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodPost, "/api/integration/register-service", `{"endpoints":["local://x"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, failover.KindValidation, env.Kind)
}

func TestSelectAndLearn(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodPost, "/api/integration/select", `{"type":"code"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, failover.KindCapabilityNotFound, env.Kind)

	rec, _ = do(t, s, http.MethodPost, "/api/integration/register-capability",
		`{"id":"b","strengths":["coding"],"reliability":0.9,"avg_latency_ms":200}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = do(t, s, http.MethodPost, "/api/integration/select", `{"type":"code"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sel struct {
		ContextID    string `json:"context_id"`
		CapabilityID string `json:"capability_id"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &sel))
	assert.Equal(t, "b", sel.CapabilityID)

	rec, env = do(t, s, http.MethodPost, "/api/integration/learn",
		`{"context_id":"`+sel.ContextID+`","success":true,"latency_ms":120}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":true}`, string(env.Result))

	rec, env = do(t, s, http.MethodPost, "/api/integration/learn", `{"context_id":"gone","success":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":false}`, string(env.Result))
}

func TestWorkflowLifecycle(t *testing.T) {
	s, e := newTestServer(t)
	e.Handle("a", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("a is down")
	})
	_, err := e.CreateEdge(dataflow.EdgeConfig{Source: "b", Target: "a"})
	require.NoError(t, err)

	rec, env := do(t, s, http.MethodPost, "/api/integration/create-workflow", `{
		"name": "relay",
		"steps": [
			{"name": "first", "type": "edge", "source": "a", "target": "b"},
			{"name": "second", "type": "edge", "source": "b", "target": "a"}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct {
		WorkflowID string `json:"workflow_id"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &created))
	require.NotEmpty(t, created.WorkflowID)

	rec, env = do(t, s, http.MethodPost, "/api/integration/execute-workflow",
		`{"workflow_id":"`+created.WorkflowID+`","payload":{"msg":"x"}}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var run struct {
		Success bool `json:"success"`
		Steps   []struct {
			Name    string `json:"name"`
			Success bool   `json:"success"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &run))
	assert.False(t, run.Success)
	require.Len(t, run.Steps, 2)
	assert.True(t, run.Steps[0].Success)
	assert.False(t, run.Steps[1].Success)

	rec, env = do(t, s, http.MethodPost, "/api/integration/execute-workflow", `{"workflow_id":"wf_missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, failover.KindWorkflowNotFound, env.Kind)

	rec, _ = do(t, s, http.MethodGet, "/api/integration/workflows?id="+created.WorkflowID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobsAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	rec, env := do(t, s, http.MethodGet, "/api/integration/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Result), engine.JobAggregate)

	rec, env = do(t, s, http.MethodPost, "/api/integration/run-job", `{"name":"`+engine.JobAggregate+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(env.Result), `"runs":1`)

	rec, _ = do(t, s, http.MethodPost, "/api/integration/run-job", `{"name":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = do(t, s, http.MethodPost, "/api/integration/run-job", `{"name":"`+engine.JobAggregate+`","op":"resume"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, failover.KindValidation, env.Kind)

	rec, env = do(t, s, http.MethodGet, "/api/integration/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Result), `"breakers"`)

	rec, _ = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{failover.Errorf(failover.KindServiceNotFound, "x"), http.StatusNotFound},
		{failover.Errorf(failover.KindCircuitOpen, "x"), http.StatusServiceUnavailable},
		{failover.Errorf(failover.KindTransient, "x"), http.StatusBadGateway},
		{failover.Errorf(failover.KindInternal, "x"), http.StatusInternalServerError},
		{&failover.AllExhaustedError{Last: failover.Errorf(failover.KindRateLimitExceeded, "x")}, http.StatusTooManyRequests},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
