package dataflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opentalon/relay/internal/failover"
)

const (
	DefaultMaxPayloadBytes = 1 << 20 // 1MB
	DefaultTimeout         = 30 * time.Second
)

// Guard bounds what a single send may carry and how long it may take.
type Guard struct {
	MaxPayloadBytes int
	Timeout         time.Duration
}

func NewGuard() *Guard {
	return &Guard{
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		Timeout:         DefaultTimeout,
	}
}

// Check rejects payloads that do not encode or exceed the size limit.
func (g *Guard) Check(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return failover.Wrap(failover.KindValidation, err, "payload is not JSON-encodable")
	}
	if g.MaxPayloadBytes > 0 && len(data) > g.MaxPayloadBytes {
		return failover.Errorf(failover.KindValidation, "payload of %d bytes exceeds limit of %d", len(data), g.MaxPayloadBytes)
	}
	return nil
}

// ExecuteWithTimeout runs fn and gives up once timeout (or the guard's
// default when zero) elapses.
func (g *Guard) ExecuteWithTimeout(ctx context.Context, target string, timeout time.Duration, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	if timeout <= 0 {
		timeout = g.Timeout
	}
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: failover.Errorf(failover.KindInternal, "send to %q panicked: %v", target, r)}
			}
		}()
		out, err := fn(callCtx)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && callCtx.Err() != nil {
			return nil, timeoutError(target, timeout)
		}
		return r.out, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(target, timeout)
	}
}

func timeoutError(target string, timeout time.Duration) error {
	return failover.Errorf(failover.KindTransient, "send to %q timed out after %s", target, timeout)
}
