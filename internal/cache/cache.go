package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/signalfuse/signalfuse/internal/config"
	"github.com/signalfuse/signalfuse/internal/metrics"
	"github.com/signalfuse/signalfuse/internal/signal"
)

// redisOpTimeout bounds every shared-tier call so a slow Redis cannot stall
// a generation cycle.
const redisOpTimeout = 500 * time.Millisecond

// MarketState is the input to the adaptive TTL policy.
type MarketState struct {
	Open          bool
	VolatilityPct float64 // rolling sigma as percent
}

// SignalCache is the two-tier cache for source signals and consensus.
type SignalCache struct {
	cfg    config.CacheConfig
	local  *localCache
	shared *redis.Client // nil when the shared tier is disabled
	log    zerolog.Logger
}

// New creates the cache. Pass a nil client to run with the local tier only.
func New(cfg config.CacheConfig, shared *redis.Client, log zerolog.Logger) *SignalCache {
	return &SignalCache{
		cfg:    cfg,
		local:  newLocalCache(cfg.LocalMaxEntries),
		shared: shared,
		log:    log.With().Str("component", "signal_cache").Logger(),
	}
}

// TTL applies the adaptive policy for the given market state.
func (c *SignalCache) TTL(state MarketState) time.Duration {
	switch {
	case !state.Open:
		return time.Duration(c.cfg.TTLMarketClosed) * time.Second
	case state.VolatilityPct > c.cfg.HighVolThreshold:
		return time.Duration(c.cfg.TTLHighVol) * time.Second
	case state.VolatilityPct < c.cfg.LowVolThreshold:
		return time.Duration(c.cfg.TTLLowVol) * time.Second
	default:
		return time.Duration(c.cfg.TTLNormal) * time.Second
	}
}

// SourceKey builds the per-source cache key. The timestamp is rounded to the
// TTL bucket so entries produced close together collide on purpose.
func SourceKey(sourceID, symbol string, ttl time.Duration, now time.Time) string {
	bucket := now.UTC().Truncate(ttl).Unix()
	return fmt.Sprintf("src:%s:%s:%d", sourceID, symbol, bucket)
}

// ConsensusKey quantizes the contributing signals so near-identical inputs
// hit: confidences floor to the nearest 5 and the tuple is sorted by source.
func ConsensusKey(symbol string, inputs map[string]signal.SourceSignal) string {
	parts := make([]string, 0, len(inputs))
	for id, ss := range inputs {
		rounded := int(math.Floor(ss.Confidence/5) * 5)
		parts = append(parts, fmt.Sprintf("%s=%s@%d", id, ss.Direction, rounded))
	}
	sort.Strings(parts)
	return fmt.Sprintf("consensus:%s:%s", symbol, strings.Join(parts, ","))
}

// GetSourceSignal looks a source signal up in both tiers.
func (c *SignalCache) GetSourceSignal(ctx context.Context, key string) (signal.SourceSignal, bool) {
	var ss signal.SourceSignal
	if c.lookup(ctx, key, &ss) {
		return ss, true
	}
	return signal.SourceSignal{}, false
}

// PutSourceSignal stores a source signal in both tiers.
func (c *SignalCache) PutSourceSignal(ctx context.Context, key string, ss signal.SourceSignal, ttl time.Duration) {
	c.store(ctx, key, ss, ttl)
}

// GetConsensus looks a consensus up in both tiers.
func (c *SignalCache) GetConsensus(ctx context.Context, key string) (signal.Consensus, bool) {
	var cons signal.Consensus
	if c.lookup(ctx, key, &cons) {
		return cons, true
	}
	return signal.Consensus{}, false
}

// PutConsensus stores a consensus in both tiers.
func (c *SignalCache) PutConsensus(ctx context.Context, key string, cons signal.Consensus, ttl time.Duration) {
	c.store(ctx, key, cons, ttl)
}

// lookup tries local first, then shared. A corrupt entry is deleted and
// treated as a miss; the caller never sees an error.
func (c *SignalCache) lookup(ctx context.Context, key string, out interface{}) bool {
	now := time.Now()
	if data, ok := c.local.get(key, now); ok {
		if err := json.Unmarshal(data, out); err == nil {
			metrics.CacheHits.WithLabelValues("local").Inc()
			return true
		}
		// Corrupt local entry; drop and fall through to the shared tier.
		c.local.delete(key)
		metrics.CacheCorruptions.Inc()
	}
	metrics.CacheMisses.WithLabelValues("local").Inc()

	if c.shared == nil {
		return false
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	data, err := c.shared.Get(opCtx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Str("key", key).Msg("Shared cache get error - treating as miss")
		}
		metrics.CacheMisses.WithLabelValues("shared").Inc()
		return false
	}

	if err := json.Unmarshal(data, out); err != nil {
		// Corrupt shared entry: delete and recover as a miss.
		metrics.CacheCorruptions.Inc()
		c.log.Warn().Err(err).Str("key", key).Msg("Corrupt shared cache entry dropped")
		delCtx, delCancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer delCancel()
		if derr := c.shared.Del(delCtx, key).Err(); derr != nil {
			c.log.Debug().Err(derr).Str("key", key).Msg("Failed to delete corrupt cache entry")
		}
		metrics.CacheMisses.WithLabelValues("shared").Inc()
		return false
	}

	metrics.CacheHits.WithLabelValues("shared").Inc()
	// Promote to the local tier with the remaining TTL.
	if ttl, err := c.shared.TTL(opCtx, key).Result(); err == nil && ttl > 0 {
		c.local.set(key, data, ttl, now)
	}
	return true
}

func (c *SignalCache) store(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to marshal cache entry")
		return
	}

	c.local.set(key, data, ttl, time.Now())

	if c.shared == nil {
		return
	}

	// Shared write is async; a cache write failure never blocks the cycle.
	go func() {
		opCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.shared.Set(opCtx, key, data, ttl).Err(); err != nil {
			c.log.Debug().Err(err).Str("key", key).Msg("Failed to write shared cache entry")
		}
	}()
}

// Trim evicts local entries down to the configured bound. Returns evictions.
func (c *SignalCache) Trim() int {
	return c.local.trim(c.cfg.LocalMaxEntries)
}

// LocalLen reports the local tier occupancy.
func (c *SignalCache) LocalLen() int {
	return c.local.len()
}
