/*
Package rediscache puts a Redis read-through cache in front of any
analytics.Store.

PURPOSE:
  Dashboards re-request the same closed windows many times. Complete
  snapshots never change, so they are safe to serve from Redis without
  touching the database. Incomplete snapshots are never cached.

KEYS:
  analytics:snapshot:{tenant}:{window_type}:{start_unix}:{end_unix}

FAILURE MODE:
  Redis is best-effort. Any Redis error is logged and the call falls through
  to the wrapped store, so an outage degrades latency, not correctness.

SEE ALSO:
  - analytics/store.go: SnapshotStore contract
  - cmd/server/main.go: wiring when redis.addr is configured
*/
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/economy-analytics/analytics"
)

const keyPrefix = "analytics:snapshot"

// Options configures the Redis client.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewClient connects to Redis, retrying the first ping a few times.
func NewClient(ctx context.Context, opts Options, log logrus.FieldLogger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	log = log.WithField("addr", opts.Addr)
	for i := 0; i < 5; i++ {
		err := rdb.Ping(ctx).Err()
		if err == nil {
			log.Info("[Redis] connected")
			return rdb
		}
		log.WithError(err).WithField("retry", i+1).Warn("[Redis] not ready, retrying")
		select {
		case <-ctx.Done():
			return rdb
		case <-time.After(time.Second):
		}
	}
	log.Warn("[Redis] unreachable, snapshot cache will fall through to the database")
	return rdb
}

// Cache wraps a Store and caches complete snapshots in Redis.
type Cache struct {
	analytics.Store

	rdb *redis.Client
	ttl time.Duration
	log logrus.FieldLogger
}

// New wraps store. A zero ttl keeps entries until evicted.
func New(store analytics.Store, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Cache {
	return &Cache{Store: store, rdb: rdb, ttl: ttl, log: log.WithField("component", "snapshot_cache")}
}

// Key returns the Redis key of a snapshot. Bounds are kept to the
// nanosecond so sub-second windows never share an entry.
func Key(k analytics.SnapshotKey) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", keyPrefix, k.TenantKey, k.WindowType, k.WindowStart.UnixNano(), k.WindowEnd.UnixNano())
}

// Ping checks the wrapped store, so health reflects the database rather
// than the cache.
func (c *Cache) Ping(ctx context.Context) error {
	if p, ok := c.Store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// FindSnapshot serves complete snapshots from Redis, filling it on a miss.
func (c *Cache) FindSnapshot(ctx context.Context, key analytics.SnapshotKey) (*analytics.Snapshot, error) {
	raw, err := c.rdb.Get(ctx, Key(key)).Bytes()
	switch {
	case err == nil:
		var snap analytics.Snapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			return &snap, nil
		}
		c.log.WithField("key", Key(key)).Warn("dropping undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).Debug("cache read failed")
	}

	snap, err := c.Store.FindSnapshot(ctx, key)
	if err != nil || snap == nil {
		return snap, err
	}
	c.put(ctx, *snap)
	return snap, nil
}

// SaveSnapshot writes through and caches the stored row once it is complete.
func (c *Cache) SaveSnapshot(ctx context.Context, snap analytics.Snapshot) (analytics.Snapshot, error) {
	saved, err := c.Store.SaveSnapshot(ctx, snap)
	if err != nil {
		return saved, err
	}
	c.put(ctx, saved)
	return saved, nil
}

func (c *Cache) put(ctx context.Context, snap analytics.Snapshot) {
	if !snap.Complete {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, Key(snap.Key()), raw, c.ttl).Err(); err != nil {
		c.log.WithError(err).Debug("cache write failed")
	}
}
