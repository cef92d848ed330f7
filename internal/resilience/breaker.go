package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
)

// Op is an opaque protected operation.
type Op func(ctx context.Context) (any, error)

// Fallback runs instead of (or after) a failed Op. cause is the error that
// triggered it.
type Fallback func(ctx context.Context, cause error) (any, error)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

type breakerRecord struct {
	state       State
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	trial       bool // a HALF_OPEN trial is in flight
}

// BreakerSnapshot is a read-only view of one service's breaker.
type BreakerSnapshot struct {
	ServiceID   string    `json:"service_id"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	Threshold   int       `json:"threshold"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// CircuitBreaker keeps one CLOSED/OPEN/HALF_OPEN record per service.
type CircuitBreaker struct {
	mu       sync.Mutex
	records  map[string]*breakerRecord
	config   BreakerConfig
	now      func() time.Time
	logger   *slog.Logger
	onChange func(serviceID string, from, to State)
}

func NewCircuitBreaker(cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitBreaker{
		records: make(map[string]*breakerRecord),
		config:  cfg,
		now:     time.Now,
		logger:  logging.OrDiscard(logger).With("component", "breaker"),
	}
}

// OnStateChange registers a hook invoked (outside the lock) on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(serviceID string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Configure overrides threshold and cooldown for one service.
func (cb *CircuitBreaker) Configure(serviceID string, cfg BreakerConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r := cb.recordLocked(serviceID)
	if cfg.Threshold > 0 {
		r.threshold = cfg.Threshold
	}
	if cfg.Cooldown > 0 {
		r.cooldown = cfg.Cooldown
	}
}

func (cb *CircuitBreaker) recordLocked(serviceID string) *breakerRecord {
	r, ok := cb.records[serviceID]
	if !ok {
		r = &breakerRecord{
			state:     StateClosed,
			threshold: cb.config.Threshold,
			cooldown:  cb.config.Cooldown,
		}
		cb.records[serviceID] = r
	}
	return r
}

// Call runs op unless the breaker for serviceID is open. When the call is
// refused or op fails, fallback (if any) supplies the result.
func (cb *CircuitBreaker) Call(ctx context.Context, serviceID string, op Op, fallback Fallback) (any, error) {
	trial, err := cb.admit(serviceID)
	if err != nil {
		cb.logger.Warn("call refused", "service", serviceID, "retry_after", failover.RetryAfter(err))
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}

	result, opErr := cb.run(ctx, serviceID, trial, op)
	if opErr != nil && fallback != nil {
		return fallback(ctx, opErr)
	}
	return result, opErr
}

func (cb *CircuitBreaker) run(ctx context.Context, serviceID string, trial bool, op Op) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = failover.Errorf(failover.KindInternal, "operation on %q panicked: %v", serviceID, p)
		}
		cb.record(serviceID, trial, err)
	}()
	return op(ctx)
}

func (cb *CircuitBreaker) admit(serviceID string) (trial bool, err error) {
	cb.mu.Lock()
	r := cb.recordLocked(serviceID)
	now := cb.now()
	var from State
	changed := false

	switch r.state {
	case StateOpen:
		elapsed := now.Sub(r.lastFailure)
		if elapsed < r.cooldown {
			cb.mu.Unlock()
			return false, &failover.Error{
				Kind:       failover.KindCircuitOpen,
				Message:    fmt.Sprintf("circuit open for %q", serviceID),
				RetryAfter: r.cooldown - elapsed,
			}
		}
		from, changed = r.state, true
		r.state = StateHalfOpen
		r.trial = true
		trial = true
	case StateHalfOpen:
		if r.trial {
			cb.mu.Unlock()
			return false, &failover.Error{
				Kind:       failover.KindCircuitOpen,
				Message:    fmt.Sprintf("circuit half-open for %q, trial in flight", serviceID),
				RetryAfter: r.cooldown,
			}
		}
		r.trial = true
		trial = true
	}
	hook := cb.onChange
	cb.mu.Unlock()

	if changed {
		cb.logger.Info("circuit half-open", "service", serviceID)
		if hook != nil {
			hook(serviceID, from, StateHalfOpen)
		}
	}
	return trial, nil
}

func (cb *CircuitBreaker) record(serviceID string, trial bool, err error) {
	cb.mu.Lock()
	r := cb.recordLocked(serviceID)
	from := r.state
	now := cb.now()

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Caller went away; the outcome says nothing about the service.
		if trial {
			r.trial = false
		}
	case err == nil:
		r.failures = 0
		if trial {
			r.trial = false
			r.state = StateClosed
		}
	default:
		r.failures++
		r.lastFailure = now
		if trial {
			r.trial = false
			r.state = StateOpen
		} else if r.state == StateClosed && r.failures >= r.threshold {
			r.state = StateOpen
		}
	}
	to := r.state
	failures := r.failures
	hook := cb.onChange
	cb.mu.Unlock()

	if from != to {
		cb.logger.Info("circuit transition", "service", serviceID, "from", from.String(), "to", to.String(), "failures", failures)
		if hook != nil {
			hook(serviceID, from, to)
		}
	}
}

// State reports the current state without triggering a transition.
func (cb *CircuitBreaker) State(serviceID string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if r, ok := cb.records[serviceID]; ok {
		return r.state
	}
	return StateClosed
}

// Available reports whether a call to id would be admitted at now.
func (cb *CircuitBreaker) Available(id string, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r, ok := cb.records[id]
	if !ok {
		return true
	}
	switch r.state {
	case StateOpen:
		return now.Sub(r.lastFailure) >= r.cooldown
	case StateHalfOpen:
		return !r.trial
	}
	return true
}

func (cb *CircuitBreaker) Reset(serviceID string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.records, serviceID)
}

func (cb *CircuitBreaker) Snapshot() []BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]BreakerSnapshot, 0, len(cb.records))
	for id, r := range cb.records {
		out = append(out, BreakerSnapshot{
			ServiceID:   id,
			State:       r.state.String(),
			Failures:    r.failures,
			Threshold:   r.threshold,
			LastFailure: r.lastFailure,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}
