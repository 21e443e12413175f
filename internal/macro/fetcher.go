package macro

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"crystal-ball/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

// Fetcher pulls the current macro/technical feature vector from the upstream
// economic data collector. Owned by an external collaborator.
type Fetcher interface {
	Fetch(ctx context.Context) (domain.FeatureVector, error)
}

const cacheKey = "macro:feature_vector"

// CachedFetcher wraps an upstream Fetcher with a redis-backed TTL cache.
// A fresh cached vector is served without hitting upstream. When upstream
// fails, the last cached vector is served with Stale set rather than
// propagating the failure.
type CachedFetcher struct {
	tracer   trace.Tracer
	upstream Fetcher
	rdb      *redis.Client
	ttl      time.Duration
	now      func() time.Time
}

func NewCachedFetcher(tracer trace.Tracer, upstream Fetcher, rdb *redis.Client, ttl time.Duration) *CachedFetcher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachedFetcher{
		tracer:   tracer,
		upstream: upstream,
		rdb:      rdb,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (f *CachedFetcher) Fetch(ctx context.Context) (domain.FeatureVector, error) {
	ctx, span := f.tracer.Start(ctx, "macro.fetch")
	defer span.End()

	cached, ok := f.readCache(ctx)
	if ok && f.now().UTC().Sub(cached.FetchedAt) <= f.ttl {
		return cached, nil
	}

	fresh, err := f.upstream.Fetch(ctx)
	if err == nil {
		fresh.FetchedAt = f.now().UTC()
		fresh.Stale = false
		f.writeCache(ctx, fresh)
		return fresh, nil
	}

	if ok {
		log.Printf("macro fetch failed, serving stale vector from %s: %v", cached.FetchedAt.Format(time.RFC3339), err)
		cached.Stale = true
		return cached, nil
	}
	return domain.FeatureVector{}, fmt.Errorf("%w: %v", domain.ErrDataFetch, err)
}

func (f *CachedFetcher) readCache(ctx context.Context) (domain.FeatureVector, bool) {
	if f.rdb == nil {
		return domain.FeatureVector{}, false
	}
	raw, err := f.rdb.Get(ctx, cacheKey).Bytes()
	if err != nil {
		return domain.FeatureVector{}, false
	}
	var fv domain.FeatureVector
	if err := json.Unmarshal(raw, &fv); err != nil || fv.Len() == 0 {
		return domain.FeatureVector{}, false
	}
	return fv, true
}

func (f *CachedFetcher) writeCache(ctx context.Context, fv domain.FeatureVector) {
	if f.rdb == nil {
		return
	}
	raw, err := json.Marshal(fv)
	if err != nil {
		return
	}
	// No expiry: an expired-but-present vector is the stale fallback.
	if err := f.rdb.Set(ctx, cacheKey, raw, 0).Err(); err != nil {
		log.Printf("macro cache write failed: %v", err)
	}
}
