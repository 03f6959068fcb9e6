// Package cache is a read-through cache with tag and pattern invalidation.
// The cache is never a source of truth: when the backend misbehaves every
// operation quietly turns into a miss or a no-op.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pharmatrack.org/internal/obs"
	"pharmatrack.org/internal/stream"
)

const (
	tagIndexPrefix = "cache:tags:"
	defaultTTL     = 5 * time.Minute
)

// Key joins parts with ':' into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

type Cache struct {
	backend   Backend
	ttl       time.Duration
	log       *zap.Logger
	available atomic.Bool
	hits      atomic.Int64
	misses    atomic.Int64
}

type Option func(*Cache)

func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a cache over backend. A nil backend yields a cache that is
// permanently unavailable. Call Start before serving traffic.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{backend: backend, ttl: defaultTTL, log: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start probes the backend once; failure leaves the cache degraded.
func (c *Cache) Start(ctx context.Context) {
	if c.backend == nil {
		c.log.Info("cache disabled: no backend configured")
		return
	}
	if err := c.Ping(ctx); err != nil {
		c.log.Warn("cache unavailable at startup, serving from store", zap.Error(err))
	}
}

// Ping checks the backend and restores availability when it answers.
func (c *Cache) Ping(ctx context.Context) error {
	if c.backend == nil {
		return errDisabled
	}
	if err := c.backend.Ping(ctx); err != nil {
		c.markDown("ping", err)
		return err
	}
	if !c.available.Swap(true) {
		c.log.Info("cache available")
	}
	return nil
}

// Monitor pings the backend every interval until ctx ends.
func (c *Cache) Monitor(ctx context.Context, interval time.Duration) {
	if c.backend == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Ping(ctx)
		}
	}
}

func (c *Cache) Close() error {
	c.available.Store(false)
	if c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

// Available reports whether the cache currently serves traffic.
func (c *Cache) Available() bool {
	return c != nil && c.available.Load()
}

func (c *Cache) markDown(op string, err error) {
	if c.available.Swap(false) {
		c.log.Warn("cache degraded, falling back to store", zap.String("op", op), zap.Error(err))
	}
}

// SetOption adjusts a single write.
type SetOption func(*setOptions)

type setOptions struct {
	ttl  time.Duration
	tags []string
}

// TTL overrides the default expiry of one entry.
func TTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// Tags attaches invalidation tags to one entry.
func Tags(tags ...string) SetOption {
	return func(o *setOptions) { o.tags = append(o.tags, tags...) }
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool) {
	if !c.Available() {
		return nil, false
	}
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.markDown("get", err)
		return nil, false
	}
	return raw, ok
}

// Get decodes the entry under key into dst and reports whether it was found.
func (c *Cache) Get(ctx context.Context, key string, dst any) bool {
	raw, ok := c.get(ctx, key)
	if ok {
		if err := json.Unmarshal(raw, dst); err != nil {
			c.log.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
			ok = false
		}
	}
	c.count(ok)
	return ok
}

// Set stores v under key. Tags are frozen at write time in the tag index.
func (c *Cache) Set(ctx context.Context, key string, v any, opts ...SetOption) {
	if !c.Available() {
		return
	}
	o := setOptions{ttl: c.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("cache value not encodable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, key, raw, o.ttl); err != nil {
		c.markDown("set", err)
		return
	}
	if len(o.tags) == 0 {
		return
	}
	tags, _ := json.Marshal(o.tags)
	if err := c.backend.Set(ctx, tagIndexPrefix+key, tags, o.ttl); err != nil {
		c.markDown("set", err)
	}
}

// Delete removes keys and their tag index entries.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.Available() || len(keys) == 0 {
		return
	}
	all := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		all = append(all, k, tagIndexPrefix+k)
	}
	if err := c.backend.Del(ctx, all...); err != nil {
		c.markDown("del", err)
	}
}

// GetOrSet returns the cached value for key or computes it with factory.
// factory runs at most once per call; its errors are returned and nothing
// is stored. A nil cache calls factory directly.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, factory func(ctx context.Context) (T, error), opts ...SetOption) (T, error) {
	if c == nil {
		return factory(ctx)
	}
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}
	v, err := factory(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(ctx, key, v, opts...)
	return v, nil
}

// InvalidateByTags removes every entry whose tag snapshot intersects tags.
// It returns the number of entries removed.
func (c *Cache) InvalidateByTags(ctx context.Context, tags ...string) int {
	if !c.Available() || len(tags) == 0 {
		return 0
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		wanted[t] = struct{}{}
	}
	indexKeys, err := c.backend.Keys(ctx, tagIndexPrefix+"*")
	if err != nil {
		c.markDown("keys", err)
		return 0
	}
	seen := make(map[string]struct{}, len(indexKeys))
	var victims []string
	for _, idx := range indexKeys {
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		raw, ok, err := c.backend.Get(ctx, idx)
		if err != nil {
			c.markDown("get", err)
			return 0
		}
		if !ok {
			continue
		}
		var entryTags []string
		if err := json.Unmarshal(raw, &entryTags); err != nil {
			continue
		}
		for _, t := range entryTags {
			if _, hit := wanted[t]; hit {
				victims = append(victims, strings.TrimPrefix(idx, tagIndexPrefix), idx)
				break
			}
		}
	}
	if len(victims) == 0 {
		return 0
	}
	if err := c.backend.Del(ctx, victims...); err != nil {
		c.markDown("del", err)
		return 0
	}
	return len(victims) / 2
}

// InvalidatePattern removes every entry whose key matches the glob pattern.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	if !c.Available() {
		return 0
	}
	keys, err := c.backend.Keys(ctx, pattern)
	if err != nil {
		c.markDown("keys", err)
		return 0
	}
	seen := make(map[string]struct{}, len(keys))
	var victims []string
	n := 0
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		victims = append(victims, k)
		if !strings.HasPrefix(k, tagIndexPrefix) {
			victims = append(victims, tagIndexPrefix+k)
			n++
		}
	}
	if len(victims) == 0 {
		return 0
	}
	if err := c.backend.Del(ctx, victims...); err != nil {
		c.markDown("del", err)
		return 0
	}
	return n
}

// Consume applies change events until events is closed: every entry keyed
// under the entity type or tagged with it is dropped.
func (c *Cache) Consume(ctx context.Context, events <-chan stream.ChangeEvent) {
	for evt := range events {
		if evt.EntityType == "" {
			continue
		}
		n := c.InvalidatePattern(ctx, evt.EntityType+":*")
		n += c.InvalidateByTags(ctx, evt.EntityType)
		if n > 0 {
			obs.CacheInvalidations.WithLabelValues(evt.EntityType).Add(float64(n))
		}
		c.log.Debug("cache invalidated",
			zap.String("entity_type", evt.EntityType),
			zap.String("entity_id", evt.EntityID),
			zap.Int("keys", n))
	}
}

func (c *Cache) count(hit bool) {
	if hit {
		c.hits.Add(1)
		obs.CacheHits.Inc()
		return
	}
	c.misses.Add(1)
	obs.CacheMisses.Inc()
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Available bool    `json:"available"`
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Available: c.Available()}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *Cache) ResetStats() {
	if c == nil {
		return
	}
	c.hits.Store(0)
	c.misses.Store(0)
}
