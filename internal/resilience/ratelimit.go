package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opentalon/relay/internal/failover"
	"github.com/opentalon/relay/internal/logging"
)

type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Limit: 100, Window: time.Minute}
}

// rateWindow holds admitted call timestamps, oldest first.
type rateWindow struct {
	stamps []time.Time
	limit  int
	window time.Duration
}

// prune drops timestamps that are no longer newer than now-window.
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// RateLimiter is a per-service sliding-window limiter.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	config  RateLimitConfig
	now     func() time.Time
	logger  *slog.Logger
}

func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	def := DefaultRateLimitConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		config:  cfg,
		now:     time.Now,
		logger:  logging.OrDiscard(logger).With("component", "ratelimit"),
	}
}

// Configure overrides the limit and window for one service.
func (rl *RateLimiter) Configure(serviceID string, cfg RateLimitConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windowLocked(serviceID)
	if cfg.Limit > 0 {
		w.limit = cfg.Limit
	}
	if cfg.Window > 0 {
		w.window = cfg.Window
	}
}

func (rl *RateLimiter) windowLocked(serviceID string) *rateWindow {
	w, ok := rl.windows[serviceID]
	if !ok {
		w = &rateWindow{limit: rl.config.Limit, window: rl.config.Window}
		rl.windows[serviceID] = w
	}
	return w
}

// Admit records a call for serviceID if the trailing window has room.
// When it does not, wait is the time until the oldest timestamp leaves the window.
func (rl *RateLimiter) Admit(serviceID string) (ok bool, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.windowLocked(serviceID)
	w.prune(now)
	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return true, 0
	}
	return false, w.stamps[0].Add(w.window).Sub(now)
}

// Usage returns how many calls are currently counted in the window.
func (rl *RateLimiter) Usage(serviceID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, ok := rl.windows[serviceID]
	if !ok {
		return 0
	}
	w.prune(rl.now())
	return len(w.stamps)
}

type CallOptions struct {
	// Wait makes the call block (honoring ctx) until admitted instead of
	// failing with RateLimitExceeded.
	Wait bool
	// MaxWait bounds the total blocking time when Wait is set. Zero means
	// only ctx bounds it.
	MaxWait time.Duration
}

// Call admits and runs op, or returns RateLimitExceeded with a retry hint.
func (rl *RateLimiter) Call(ctx context.Context, serviceID string, op Op, opts CallOptions) (any, error) {
	var deadline time.Time
	if opts.MaxWait > 0 {
		deadline = rl.now().Add(opts.MaxWait)
	}

	for {
		ok, wait := rl.Admit(serviceID)
		if ok {
			return op(ctx)
		}
		if !opts.Wait || (!deadline.IsZero() && rl.now().Add(wait).After(deadline)) {
			rl.logger.Warn("rate limited", "service", serviceID, "retry_after", wait)
			return nil, &failover.Error{
				Kind:       failover.KindRateLimitExceeded,
				Message:    fmt.Sprintf("rate limit exceeded for %q", serviceID),
				RetryAfter: wait,
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
