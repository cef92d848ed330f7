package failover

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeGate map[string]bool

func (g fakeGate) Available(id string, _ time.Time) bool {
	blocked, ok := g[id]
	return !ok || !blocked
}

func TestExecuteSuccess(t *testing.T) {
	ctrl := NewController(nil)

	out, err := ctrl.Execute(context.Background(), "fast", nil, func(_ context.Context, id string) (map[string]any, error) {
		return map[string]any{"from": id}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.CapabilityID != "fast" || out.Output["from"] != "fast" {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestExecuteFallbackOnTransient(t *testing.T) {
	ctrl := NewController(nil)

	calls := 0
	out, err := ctrl.Execute(context.Background(), "a", []string{"b"}, func(_ context.Context, id string) (map[string]any, error) {
		calls++
		if id == "a" {
			return nil, Errorf(KindTransient, "connection reset")
		}
		return map[string]any{"ok": true}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.CapabilityID != "b" {
		t.Errorf("expected fallback to b, got %s", out.CapabilityID)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if len(out.Attempted) != 2 {
		t.Errorf("attempted = %v", out.Attempted)
	}
}

func TestExecuteNonRetryableStops(t *testing.T) {
	ctrl := NewController(nil)

	calls := 0
	_, err := ctrl.Execute(context.Background(), "a", []string{"b"}, func(_ context.Context, id string) (map[string]any, error) {
		calls++
		return nil, Errorf(KindValidation, "bad payload")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %s, want %s", KindOf(err), KindValidation)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestExecuteAllExhausted(t *testing.T) {
	ctrl := NewController(nil)

	_, err := ctrl.Execute(context.Background(), "a", []string{"b", "a"}, func(_ context.Context, id string) (map[string]any, error) {
		return nil, Errorf(KindTransient, "down")
	})
	var ae *AllExhaustedError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AllExhaustedError, got %T", err)
	}
	if len(ae.Attempted) != 2 {
		t.Errorf("duplicates should be skipped, attempted = %v", ae.Attempted)
	}
}

func TestExecuteSkipsCoolingDown(t *testing.T) {
	ctrl := NewController(fakeGate{"a": true})

	var seen []string
	out, err := ctrl.Execute(context.Background(), "a", []string{"b"}, func(_ context.Context, id string) (map[string]any, error) {
		seen = append(seen, id)
		return map[string]any{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.CapabilityID != "b" || len(seen) != 1 || seen[0] != "b" {
		t.Errorf("expected only b to run, seen = %v", seen)
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", Errorf(KindNoActiveEdge, "a->b"))
	if KindOf(wrapped) != KindNoActiveEdge {
		t.Errorf("KindOf(wrapped) = %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("plain error should be internal")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTransient, true},
		{KindRateLimitExceeded, true},
		{KindCircuitOpen, true},
		{KindValidation, false},
		{KindServiceNotFound, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(Errorf(tt.kind, "x")); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
	if IsRetryable(errors.New("connection refused")) {
		t.Error("plain error should not be retryable")
	}
}

func TestRetryAfter(t *testing.T) {
	err := &Error{Kind: KindRateLimitExceeded, Message: "slow down", RetryAfter: 250 * time.Millisecond}
	if got := RetryAfter(fmt.Errorf("ctx: %w", err)); got != 250*time.Millisecond {
		t.Errorf("RetryAfter = %v", got)
	}
	want := "RateLimitExceeded: slow down"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
