// Package actor carries the identity of whoever triggered a call, from the
// HTTP API through to outbound service requests.
package actor

import (
	"context"
	"net/http"
	"strings"
)

// Header names the caller on inbound API requests and is forwarded on
// outbound HTTP calls to services.
const Header = "X-Relay-Actor"

const maxLen = 128

type contextKey struct{}

// WithActor returns ctx carrying actorID. An empty id leaves ctx unchanged.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, actorID)
}

// Actor returns the actor ID from ctx, or "".
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}

// FromRequest reads the actor header. Control characters are dropped and
// the result is capped so it is safe to log and forward.
func FromRequest(r *http.Request) string {
	v := strings.Map(func(c rune) rune {
		if c < 0x20 || c == 0x7f {
			return -1
		}
		return c
	}, strings.TrimSpace(r.Header.Get(Header)))
	if len(v) > maxLen {
		v = v[:maxLen]
	}
	return v
}
