package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opentalon/relay/internal/actor"
	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/version"
)

const maxResponseBytes = 4 << 20

// HTTP posts the payload as JSON and decodes a JSON object response.
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{client: client}
}

func (h *HTTP) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, failover.Wrap(failover.KindValidation, err, "encode payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, failover.Wrap(failover.KindValidation, err, "build request for %s", endpoint)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if a := actor.Actor(ctx); a != "" {
		req.Header.Set(actor.Header, a)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failover.Wrap(failover.KindTransient, err, "post %s", endpoint)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failover.Wrap(failover.KindTransient, err, "read response from %s", endpoint)
	}
	if err := statusError(endpoint, resp, data); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, failover.Wrap(failover.KindTransient, err, "decode response from %s", endpoint)
	}
	return out, nil
}

func statusError(endpoint string, resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code < 300 {
		return nil
	}
	msg := fmt.Sprintf("%s returned %d: %s", endpoint, code, bytes.TrimSpace(truncate(body, 256)))
	switch {
	case code == http.StatusTooManyRequests:
		e := &failover.Error{Kind: failover.KindRateLimitExceeded, Message: msg}
		if d, err := time.ParseDuration(resp.Header.Get("Retry-After") + "s"); err == nil {
			e.RetryAfter = d
		}
		return e
	case code == http.StatusNotFound:
		return failover.Errorf(failover.KindServiceNotFound, "%s", msg)
	case code >= 500, code == http.StatusRequestTimeout:
		return failover.Errorf(failover.KindTransient, "%s", msg)
	default:
		return failover.Errorf(failover.KindValidation, "%s", msg)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// HTTPProber checks health with a GET; any 2xx is healthy.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProber{client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := p.client.Do(req)
	if err != nil {
		return failover.Wrap(failover.KindTransient, err, "probe %s", endpoint)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return failover.Errorf(failover.KindTransient, "probe %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}
