package actor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithActor(t *testing.T) {
	ctx := context.Background()
	if got := Actor(ctx); got != "" {
		t.Errorf("empty ctx: got %q", got)
	}
	if WithActor(ctx, "") != ctx {
		t.Error("empty id should not wrap ctx")
	}
	if got := Actor(WithActor(ctx, "billing:worker-1")); got != "billing:worker-1" {
		t.Errorf("got %q", got)
	}
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"absent", "", ""},
		{"plain", "ops", "ops"},
		{"trimmed", "  ops  ", "ops"},
		{"control chars", "op\ts\x7f", "ops"},
		{"capped", strings.Repeat("a", 200), strings.Repeat("a", maxLen)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set(Header, tt.header)
			}
			if got := FromRequest(r); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
