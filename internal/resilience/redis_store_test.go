package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	stored := time.Now().Truncate(time.Millisecond)
	err := store.Set(ctx, "k", Entry{Value: map[string]any{"n": 1.0}, StoredAt: stored, TTL: time.Minute}, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(defaultRedisPrefix + "k") {
		t.Fatal("expected prefixed key in redis")
	}
	if ttl := mr.TTL(defaultRedisPrefix + "k"); ttl != 2*time.Minute {
		t.Errorf("redis ttl = %v, want 2m", ttl)
	}

	e, found, err := store.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	m, ok := e.Value.(map[string]any)
	if !ok || m["n"] != 1.0 {
		t.Errorf("value = %#v", e.Value)
	}
	if !e.StoredAt.Equal(stored) || e.TTL != time.Minute {
		t.Errorf("entry metadata = %+v", e)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("expected miss after delete")
	}
}

func TestTTLCacheWithRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	c := NewTTLCache(store, CacheConfig{DefaultTTL: time.Minute}, nil)
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (any, error) {
		calls++
		return "value", nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrFetch(ctx, "shared", fetch, 0)
		if err != nil {
			t.Fatal(err)
		}
		if v != "value" {
			t.Errorf("v = %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
}

func TestRedisStoreUnavailableIsMiss(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	c := NewTTLCache(store, CacheConfig{DefaultTTL: time.Minute}, nil)
	v, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (any, error) { return "fresh", nil }, 0)
	if err != nil {
		t.Fatalf("store outage should not fail the read: %v", err)
	}
	if v != "fresh" {
		t.Errorf("v = %v", v)
	}
}
