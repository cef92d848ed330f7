package resilience

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opentalon/relay/internal/logging"
)

// Entry is a cached value with the time it was stored and its ttl.
type Entry struct {
	Value    any           `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Store is the backing map of a TTLCache. retain is how long the entry must
// stay readable (ttl plus the stale grace period).
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, retain time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Fetcher produces the value for a cache miss.
type Fetcher func(ctx context.Context) (any, error)

type CacheConfig struct {
	DefaultTTL time.Duration
	// StaleFor is how long past its ttl an entry is kept for degraded reads.
	StaleFor time.Duration
	// FetchTimeout bounds a shared fetch, which outlives any single caller.
	FetchTimeout time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{DefaultTTL: 5 * time.Minute, StaleFor: time.Hour, FetchTimeout: 30 * time.Second}
}

type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Stale   int64   `json:"stale"`
	HitRate float64 `json:"hit_rate"`
}

// TTLCache serves fresh entries, fetches on miss, and falls back to a stale
// entry when the fetch fails.
type TTLCache struct {
	store  Store
	group  singleflight.Group
	config CacheConfig
	now    func() time.Time
	logger *slog.Logger
	lookup atomic.Pointer[func(result string)]

	hits   atomic.Int64
	misses atomic.Int64
	stale  atomic.Int64
}

func NewTTLCache(store Store, cfg CacheConfig, logger *slog.Logger) *TTLCache {
	def := DefaultCacheConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.StaleFor < 0 {
		cfg.StaleFor = 0
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &TTLCache{
		store:  store,
		config: cfg,
		now:    time.Now,
		logger: logging.OrDiscard(logger).With("component", "cache"),
	}
}

// OnLookup registers fn to be told "hit", "miss" or "stale" for every read.
func (c *TTLCache) OnLookup(fn func(result string)) {
	c.lookup.Store(&fn)
}

func (c *TTLCache) observe(result string) {
	if fn := c.lookup.Load(); fn != nil && *fn != nil {
		(*fn)(result)
	}
}

// GetOrFetch returns the live entry for key or refreshes it with fetch.
// A non-positive ttl uses the configured default. Concurrent misses on one
// key share a single fetch that is not cancelled with any one caller; each
// caller stops waiting when its own ctx is done.
func (c *TTLCache) GetOrFetch(ctx context.Context, key string, fetch Fetcher, ttl time.Duration) (any, error) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	entry, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		found = false
	}
	if found && entry.Fresh(c.now()) {
		c.hits.Add(1)
		c.observe("hit")
		return entry.Value, nil
	}
	c.misses.Add(1)
	c.observe("miss")

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FetchTimeout)
		defer cancel()
		val, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		e := Entry{Value: val, StoredAt: c.now(), TTL: ttl}
		if err := c.store.Set(fctx, key, e, ttl+c.config.StaleFor); err != nil {
			c.logger.Warn("cache write failed", "key", key, "error", err)
		}
		return val, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	v, fetchErr := res.Val, res.Err
	if fetchErr == nil {
		return v, nil
	}

	if found {
		c.stale.Add(1)
		c.observe("stale")
		c.logger.Warn("serving stale entry", "key", key, "age", c.now().Sub(entry.StoredAt), "error", fetchErr)
		return entry.Value, nil
	}
	return nil, fetchErr
}

func (c *TTLCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

func (c *TTLCache) Stats() CacheStats {
	s := CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stale:  c.stale.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Prune removes expired entries when the store supports it.
func (c *TTLCache) Prune() int {
	if p, ok := c.store.(interface{ Prune(time.Time) int }); ok {
		return p.Prune(c.now())
	}
	return 0
}

type memoryItem struct {
	entry    Entry
	expireAt time.Time
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[key]
	if !ok || !s.now().Before(it.expireAt) {
		return Entry{}, false, nil
	}
	return it.entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry, retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{entry: e, expireAt: e.StoredAt.Add(retain)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, it := range s.items {
		if !now.Before(it.expireAt) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
