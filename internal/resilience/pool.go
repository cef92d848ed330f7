package resilience

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/relay/internal/logging"
)

// ConnOptions distinguish pools for the same service (e.g. endpoint, mode).
type ConnOptions map[string]string

func (o ConnOptions) key(serviceID string) string {
	if len(o) == 0 {
		return serviceID
	}
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(serviceID)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(o[k])
	}
	return b.String()
}

// Dialer opens the underlying client for a new pooled connection.
type Dialer func(ctx context.Context, serviceID string, opts ConnOptions) (any, error)

// Conn is a checked-out handle. Return it with Release or Discard.
type Conn struct {
	ID        string
	ServiceID string
	Client    any
	CreatedAt time.Time

	poolKey    string
	checkedOut bool
}

type PoolConfig struct {
	MaxConnections int
	PollInterval   time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConnections: 10, PollInterval: 10 * time.Millisecond}
}

type servicePool struct {
	idle   []*Conn
	active int // checked out plus dialing
	max    int
}

// ConnectionPool bounds the number of live connections per (service, options).
type ConnectionPool struct {
	mu     sync.Mutex
	pools  map[string]*servicePool
	dial   Dialer
	config PoolConfig
	logger *slog.Logger
}

func NewConnectionPool(dial Dialer, cfg PoolConfig, logger *slog.Logger) *ConnectionPool {
	def := DefaultPoolConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if dial == nil {
		dial = func(context.Context, string, ConnOptions) (any, error) { return struct{}{}, nil }
	}
	return &ConnectionPool{
		pools:  make(map[string]*servicePool),
		dial:   dial,
		config: cfg,
		logger: logging.OrDiscard(logger).With("component", "pool"),
	}
}

func (p *ConnectionPool) poolLocked(key string) *servicePool {
	sp, ok := p.pools[key]
	if !ok {
		sp = &servicePool{max: p.config.MaxConnections}
		p.pools[key] = sp
	}
	return sp
}

// Acquire returns an idle connection, dials a new one while under the limit,
// or polls until a slot frees up or ctx is done.
func (p *ConnectionPool) Acquire(ctx context.Context, serviceID string, opts ConnOptions) (*Conn, error) {
	key := opts.key(serviceID)
	for {
		p.mu.Lock()
		sp := p.poolLocked(key)
		if n := len(sp.idle); n > 0 {
			c := sp.idle[n-1]
			sp.idle = sp.idle[:n-1]
			sp.active++
			c.checkedOut = true
			p.mu.Unlock()
			return c, nil
		}
		if sp.active < sp.max {
			sp.active++
			p.mu.Unlock()
			return p.open(ctx, key, serviceID, opts)
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire connection for %q: %w", serviceID, ctx.Err())
		case <-time.After(p.config.PollInterval):
		}
	}
}

func (p *ConnectionPool) open(ctx context.Context, key, serviceID string, opts ConnOptions) (c *Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dial %q panicked: %v", serviceID, r)
		}
		if err != nil {
			p.mu.Lock()
			p.poolLocked(key).active--
			p.mu.Unlock()
		}
	}()

	client, err := p.dial(ctx, serviceID, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", serviceID, err)
	}
	p.logger.Debug("opened connection", "service", serviceID)
	return &Conn{
		ID:         uuid.NewString(),
		ServiceID:  serviceID,
		Client:     client,
		CreatedAt:  time.Now(),
		poolKey:    key,
		checkedOut: true,
	}, nil
}

// Release returns c to the idle list.
func (p *ConnectionPool) Release(c *Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c == nil || !c.checkedOut {
		return fmt.Errorf("connection not checked out")
	}
	sp := p.poolLocked(c.poolKey)
	c.checkedOut = false
	sp.active--
	sp.idle = append(sp.idle, c)
	return nil
}

// Discard drops c instead of returning it, closing its client.
func (p *ConnectionPool) Discard(c *Conn) error {
	p.mu.Lock()
	if c == nil || !c.checkedOut {
		p.mu.Unlock()
		return fmt.Errorf("connection not checked out")
	}
	c.checkedOut = false
	p.poolLocked(c.poolKey).active--
	p.mu.Unlock()
	closeClient(c.Client)
	return nil
}

// With runs fn on a checked-out connection and always gives it back. The
// connection is discarded when fn fails or panics.
func (p *ConnectionPool) With(ctx context.Context, serviceID string, opts ConnOptions, fn func(*Conn) (any, error)) (result any, err error) {
	c, err := p.Acquire(ctx, serviceID, opts)
	if err != nil {
		return nil, err
	}
	healthy := false
	defer func() {
		if healthy {
			_ = p.Release(c)
		} else {
			_ = p.Discard(c)
		}
	}()
	result, err = fn(c)
	healthy = err == nil
	return result, err
}

// Active returns checked-out connections across all pools.
func (p *ConnectionPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sp := range p.pools {
		n += sp.active
	}
	return n
}

// ActiveFor returns checked-out connections for serviceID across its option sets.
func (p *ConnectionPool) ActiveFor(serviceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, sp := range p.pools {
		if key == serviceID || strings.HasPrefix(key, serviceID+"|") {
			n += sp.active
		}
	}
	return n
}

// ActiveWith returns checked-out connections for one (service, options) pool.
func (p *ConnectionPool) ActiveWith(serviceID string, opts ConnOptions) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp, ok := p.pools[opts.key(serviceID)]; ok {
		return sp.active
	}
	return 0
}

// Max is the per-pool connection limit.
func (p *ConnectionPool) Max() int { return p.config.MaxConnections }

// Close closes every idle connection.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	var idle []*Conn
	for _, sp := range p.pools {
		idle = append(idle, sp.idle...)
		sp.idle = nil
	}
	p.mu.Unlock()
	for _, c := range idle {
		closeClient(c.Client)
	}
}

func closeClient(client any) {
	if cl, ok := client.(io.Closer); ok {
		_ = cl.Close()
	}
}
