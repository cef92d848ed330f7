package failover

import (
	"context"
	"time"
)

// ExecFunc performs the opaque unit of work on one capability.
type ExecFunc func(ctx context.Context, capabilityID string) (map[string]any, error)

// Availability reports whether a candidate may be tried right now.
// The circuit breaker set satisfies it.
type Availability interface {
	Available(id string, now time.Time) bool
}

type Outcome struct {
	CapabilityID string
	Output       map[string]any
	Attempted    []string
	Latency      time.Duration
}

// Controller walks a primary capability and its fallback chain until one
// succeeds or a non-retryable error stops the walk.
type Controller struct {
	gate Availability
	now  func() time.Time
}

func NewController(gate Availability) *Controller {
	return &Controller{gate: gate, now: time.Now}
}

func (c *Controller) Execute(
	ctx context.Context,
	primary string,
	fallbacks []string,
	fn ExecFunc,
) (*Outcome, error) {
	candidates := append([]string{primary}, fallbacks...)
	attempted := make([]string, 0, len(candidates))
	var lastErr error

	for _, id := range candidates {
		if id == "" || containsRef(attempted, id) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.gate != nil && !c.gate.Available(id, c.now()) {
			attempted = append(attempted, id)
			lastErr = Errorf(KindCircuitOpen, "capability %q is cooling down", id)
			continue
		}
		attempted = append(attempted, id)

		start := c.now()
		out, err := fn(ctx, id)
		if err == nil {
			return &Outcome{
				CapabilityID: id,
				Output:       out,
				Attempted:    attempted,
				Latency:      c.now().Sub(start),
			}, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, &AllExhaustedError{Attempted: attempted, Last: lastErr}
}

func containsRef(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}
