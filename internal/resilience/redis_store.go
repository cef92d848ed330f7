package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "relay:cache:"

// RedisStore shares cache entries between engine processes. Values round-trip
// through JSON, so cached structs come back as generic maps.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

type redisEntry struct {
	Value    json.RawMessage `json:"v"`
	StoredAt int64           `json:"at"`
	TTL      int64           `json:"ttl"`
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var re redisEntry
	if err := json.Unmarshal(data, &re); err != nil {
		return Entry{}, false, fmt.Errorf("redis decode %s: %w", key, err)
	}
	var v any
	if len(re.Value) > 0 {
		if err := json.Unmarshal(re.Value, &v); err != nil {
			return Entry{}, false, fmt.Errorf("redis decode value %s: %w", key, err)
		}
	}
	return Entry{
		Value:    v,
		StoredAt: time.Unix(0, re.StoredAt),
		TTL:      time.Duration(re.TTL),
	}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e Entry, retain time.Duration) error {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return fmt.Errorf("redis encode value %s: %w", key, err)
	}
	data, err := json.Marshal(redisEntry{Value: raw, StoredAt: e.StoredAt.UnixNano(), TTL: int64(e.TTL)})
	if err != nil {
		return fmt.Errorf("redis encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, s.prefix+key, data, retain).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
