package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache shares blocked-date lookups between sessions. Implementations must be
// safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]time.Time, bool, error)
	Set(ctx context.Context, key string, days []time.Time, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func cacheKey(resourceID string, from, to time.Time) string {
	return fmt.Sprintf("availability:blocked:%s:%s:%s",
		resourceID, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
}

type memoryEntry struct {
	days    []time.Time
	expires time.Time
}

// MemoryCache is the single-instance fallback when no Redis is configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return append([]time.Time(nil), e.days...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, days []time.Time, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{days: append([]time.Time(nil), days...), expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// RedisCache stores each window as a JSON array of YYYY-MM-DD strings.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var stored []string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false, fmt.Errorf("decode cached dates: %w", err)
	}
	days := make([]time.Time, 0, len(stored))
	for _, s := range stored {
		d, err := domain.ParseDay(s)
		if err != nil {
			return nil, false, err
		}
		days = append(days, d)
	}
	return days, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, days []time.Time, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	raw, err := json.Marshal(domain.FormatDays(days))
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.rdb.Del(ctx, key).Err()
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
