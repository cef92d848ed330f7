package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalon/relay/internal/config"
)

const testConfig = `
capabilities:
  - id: coder
    strengths: [coding, reasoning]
    specializations: [code]
    reliability: 0.95
    avg_latency_ms: 800
    cost_per_unit: 0.01
  - id: chat
    strengths: [speed]
    reliability: 0.9
    avg_latency_ms: 100
    cost_per_unit: 0.001
services:
  - id: coder
    endpoints: ["local://coder"]
  - id: chat
    endpoints: ["local://chat"]
dataflows:
  - source: chat
    target: coder
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("RELAY_CONFIG", "")
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Relay dev"), out)

	out, err = run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "relay version dev\n", out)
}

func TestValidate(t *testing.T) {
	out, err := run(t, "validate", "--config", writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Contains(t, out, "config ok")
	assert.Contains(t, out, "services:     2")
	assert.Contains(t, out, "dataflows:    1")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"validate", "--config", filepath.Join(t.TempDir(), "nope.yaml")}},
		{"bad level", []string{"validate", "--log-level", "loud"}},
		{"unknown edge service", []string{"validate", "--config", writeConfig(t, "dataflows:\n  - source: x\n    target: y\n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestSelect(t *testing.T) {
	out, err := run(t, "select", "--config", writeConfig(t, testConfig), "--type", "code", "--priority", "high")
	require.NoError(t, err)

	var sel struct {
		CapabilityID string `json:"capability_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sel), out)
	assert.Equal(t, "coder", sel.CapabilityID)
}

func TestSelectWithoutCapabilities(t *testing.T) {
	_, err := run(t, "select", "write a poem")
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Logging.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/api/integration/health", addr))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}
