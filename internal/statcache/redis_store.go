package statcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jc1122/portfolio-management-sub002/pkg/redis"
)

// RedisStore persists factor cache blobs in Redis. The TTL doubles as
// the max-age bound, so entries expire server side as well.
type RedisStore struct {
	cache *redis.Cache
	ttl   time.Duration
}

// NewRedisStore wraps a redis cache helper. A zero ttl stores entries
// without expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		cache: redis.NewCache(client, "simulator:factor"),
		ttl:   ttl,
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string, dest interface{}) (bool, time.Time, error) {
	var env envelope
	found, err := s.cache.Get(ctx, key, &env)
	if err != nil || !found {
		return false, time.Time{}, err
	}
	if err := json.Unmarshal(env.Payload, dest); err != nil {
		return false, time.Time{}, err
	}
	return true, env.CreatedAt, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, key, envelope{CreatedAt: time.Now().UTC(), Payload: payload}, s.ttl)
}
