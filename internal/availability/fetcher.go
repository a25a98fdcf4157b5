package availability

import (
	"context"
	"time"

	"github.com/diagnosis/tripdesk/internal/domain"
	"github.com/diagnosis/tripdesk/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Source returns the periods a resource cannot be booked between from and
// to. A single blocked day is a period whose Start equals its End.
type Source interface {
	BlockedPeriods(ctx context.Context, resourceID string, from, to time.Time) ([]domain.DateRange, error)
}

// Fetcher is shared by all sessions. Concurrent requests for the same window
// collapse into one upstream call, and results may be cached across sessions.
type Fetcher struct {
	source Source
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
}

// NewFetcher accepts a nil cache, in which case every miss goes upstream.
func NewFetcher(source Source, cache Cache, ttl time.Duration) *Fetcher {
	return &Fetcher{source: source, cache: cache, ttl: ttl}
}

func (f *Fetcher) Fetch(ctx context.Context, resourceID string, from, to time.Time) ([]time.Time, error) {
	from, to = domain.Day(from), domain.Day(to)
	key := cacheKey(resourceID, from, to)

	if f.cache != nil {
		days, ok, err := f.cache.Get(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "Blocked dates cache read failed", "key", key, "error", err)
		} else if ok {
			return days, nil
		}
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		periods, err := f.source.BlockedPeriods(ctx, resourceID, from, to)
		if err != nil {
			return nil, err
		}
		days := ExpandPeriods(periods)
		if f.cache != nil && f.ttl > 0 {
			if err := f.cache.Set(ctx, key, days, f.ttl); err != nil {
				logger.WarnContext(ctx, "Blocked dates cache write failed", "key", key, "error", err)
			}
		}
		return days, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]time.Time), nil
}

// Forget drops the cached window so the next Fetch goes upstream.
func (f *Fetcher) Forget(ctx context.Context, resourceID string, from, to time.Time) {
	if f.cache == nil {
		return
	}
	key := cacheKey(resourceID, domain.Day(from), domain.Day(to))
	if err := f.cache.Delete(ctx, key); err != nil {
		logger.WarnContext(ctx, "Blocked dates cache delete failed", "key", key, "error", err)
	}
}
