// Package transport delivers payloads to service endpoints. The endpoint
// scheme picks the invoker: local://, http(s)://, ws(s):// or grpc://.
package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/opentalon/relay/internal/failover"
)

type Scheme string

const (
	SchemeLocal     Scheme = "local"
	SchemeHTTP      Scheme = "http"
	SchemeWebSocket Scheme = "ws"
	SchemeGRPC      Scheme = "grpc"
)

// DetectScheme classifies an endpoint by prefix. Unknown or bare names are
// treated as local handlers.
func DetectScheme(endpoint string) Scheme {
	lower := strings.ToLower(endpoint)

	switch {
	case strings.HasPrefix(lower, "grpc://"):
		return SchemeGRPC
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return SchemeHTTP
	case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
		return SchemeWebSocket
	default:
		return SchemeLocal
	}
}

// ParseEndpoint returns the scheme and the address the invoker dials.
//
//	local:  handler name with "local://" stripped
//	grpc:   host:port with "grpc://" stripped
//	http:   full URL
//	ws:     full URL
func ParseEndpoint(endpoint string) (Scheme, string) {
	scheme := DetectScheme(endpoint)
	switch scheme {
	case SchemeGRPC:
		return scheme, endpoint[len("grpc://"):]
	case SchemeLocal:
		if strings.HasPrefix(strings.ToLower(endpoint), "local://") {
			return scheme, endpoint[len("local://"):]
		}
		return scheme, endpoint
	default:
		return scheme, endpoint
	}
}

// Invoker sends one payload to an endpoint and returns the response payload.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error)

func (f InvokerFunc) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	return f(ctx, endpoint, payload)
}

// Router dispatches to the invoker registered for the endpoint's scheme.
type Router struct {
	mu       sync.RWMutex
	invokers map[Scheme]Invoker
}

func NewRouter() *Router {
	return &Router{invokers: make(map[Scheme]Invoker)}
}

// NewDefaultRouter wires every built-in invoker. local is the handler set
// used for in-process services.
func NewDefaultRouter(local *Local) *Router {
	r := NewRouter()
	r.Handle(SchemeLocal, local)
	r.Handle(SchemeHTTP, NewHTTP(nil))
	r.Handle(SchemeWebSocket, NewWebSocket())
	r.Handle(SchemeGRPC, NewGRPC())
	return r
}

func (r *Router) Handle(s Scheme, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[s] = inv
}

func (r *Router) Invoke(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	if endpoint == "" {
		return nil, failover.Errorf(failover.KindValidation, "endpoint is required")
	}
	scheme := DetectScheme(endpoint)
	r.mu.RLock()
	inv, ok := r.invokers[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, failover.Errorf(failover.KindValidation, "no invoker for %s endpoint %q", scheme, endpoint)
	}
	return inv.Invoke(ctx, endpoint, payload)
}

// Close releases connections held by invokers that keep them.
func (r *Router) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first error
	for _, inv := range r.invokers {
		if c, ok := inv.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
