package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/zeebo/xxh3"
)

// Cache stores rendered first pages of timelines.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CacheKey is <actorID>/timeline/<kind>.
func CacheKey(actorID, kind string) string {
	return actorID + "/timeline/" + kind
}

// MemoryCache keeps pages in process.
type MemoryCache struct {
	c *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, found := m.c.Get(key)
	if !found {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// MemcacheCache keeps pages in memcached. Keys are hashed since actor ids may
// exceed the memcached key limits.
type MemcacheCache struct {
	mc *memcache.Client
}

func NewMemcache(addr string) *memcache.Client {
	return memcache.New(addr)
}

func NewMemcacheCache(mc *memcache.Client) *MemcacheCache {
	return &MemcacheCache{mc: mc}
}

func memcacheKey(key string) string {
	return fmt.Sprintf("tusker:timeline:%016x", xxh3.HashString(key))
}

func (m *MemcacheCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, err := m.mc.Get(memcacheKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Value, true, nil
}

func (m *MemcacheCache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return m.mc.Set(&memcache.Item{
		Key:        memcacheKey(key),
		Value:      value,
		Expiration: int32(ttl / time.Second),
	})
}

func (m *MemcacheCache) Delete(_ context.Context, key string) error {
	err := m.mc.Delete(memcacheKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// RedisCache keeps pages in redis.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}
