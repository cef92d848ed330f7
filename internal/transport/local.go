package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opentalon/relay/internal/failover"
)

// Handler is an in-process service endpoint.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Local routes local:// endpoints to registered handlers.
type Local struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewLocal() *Local {
	return &Local{handlers: make(map[string]Handler)}
}

func (l *Local) Register(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

func (l *Local) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.handlers))
	for n := range l.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Local) Invoke(ctx context.Context, endpoint string, payload map[string]any) (out map[string]any, err error) {
	_, name := ParseEndpoint(endpoint)
	l.mu.RLock()
	h, ok := l.handlers[name]
	l.mu.RUnlock()
	if !ok {
		return nil, failover.Errorf(failover.KindServiceNotFound, "no local handler %q", name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, failover.Errorf(failover.KindInternal, "local handler %q panicked: %v", name, r)
		}
	}()
	out, err = h(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("local %s: %w", name, err)
	}
	return out, nil
}
