package similarity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/viraltrace/viraltrace/internal/metrics"
)

// Cache stores pairwise similarity scores. Implementations must tolerate
// misses and failures: a broken cache degrades to recomputation, never to a
// failed build.
type Cache interface {
	Get(ctx context.Context, key string) (float64, bool, error)
	Set(ctx context.Context, key string, score float64, ttl time.Duration) error
}

// RedisCache backs Cache with a shared Redis instance so repeated traces over
// the same corpus do not re-pay the scorer on every session.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a RedisCache with the given key prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "viraltrace:sim:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get: %w", err)
	}
	score, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis cache corrupt value for %s: %w", key, err)
	}
	return score, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, score float64, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, strconv.FormatFloat(score, 'f', -1, 64), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CachedScorer wraps a Scorer with a pairwise cache keyed by the ordered
// post-id pair, so (a,b) and (b,a) share one entry.
type CachedScorer struct {
	inner   Scorer
	cache   Cache
	ttl     time.Duration
	metrics *metrics.Registry
}

// NewCachedScorer wraps inner with cache. TTL bounds staleness of cached
// scores; post text is immutable so long TTLs are safe.
func NewCachedScorer(inner Scorer, cache Cache, ttl time.Duration) *CachedScorer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedScorer{inner: inner, cache: cache, ttl: ttl}
}

// WithMetrics attaches the Prometheus registry so hits and misses are counted.
func (c *CachedScorer) WithMetrics(m *metrics.Registry) *CachedScorer {
	c.metrics = m
	return c
}

// PairKey returns the canonical cache key for a post-id pair.
func PairKey(aID, bID string) string {
	if bID < aID {
		aID, bID = bID, aID
	}
	return aID + "|" + bID
}

func (c *CachedScorer) Score(ctx context.Context, aID, aText, bID, bText string) (float64, error) {
	key := PairKey(aID, bID)
	if score, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		if c.metrics != nil {
			c.metrics.SimilarityCacheHits.Inc()
		}
		return score, nil
	} else if err != nil {
		log.Warn().Err(err).Str("pair", key).Msg("similarity cache read failed, recomputing")
	}
	if c.metrics != nil {
		c.metrics.SimilarityCacheMisses.Inc()
	}

	score, err := c.inner.Score(ctx, aID, aText, bID, bText)
	if err != nil {
		return 0, err
	}
	if err := c.cache.Set(ctx, key, score, c.ttl); err != nil {
		log.Warn().Err(err).Str("pair", key).Msg("similarity cache write failed")
	}
	return score, nil
}
