package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hackgods/scheduling-rule-engine/internal/logger"
	"github.com/hackgods/scheduling-rule-engine/internal/metrics"
)

const (
	tierMemory      = "memory"
	tierDistributed = "distributed"
	tierDurable     = "durable"

	redisKeyPrefix = "policy:snapshot:"
)

type CacheOptions struct {
	Size            int
	TTL             time.Duration
	SyncStaleAfter  time.Duration
	WarmConcurrency int
	Now             func() time.Time
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.Size <= 0 {
		o.Size = 256
	}
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.SyncStaleAfter <= 0 {
		o.SyncStaleAfter = time.Hour
	}
	if o.WarmConcurrency <= 0 {
		o.WarmConcurrency = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type cacheEntry struct {
	CachedAt time.Time `json:"cached_at"`
	Snapshot *Snapshot `json:"snapshot"`
}

type cacheCounters struct {
	memoryHits      atomic.Int64
	distributedHits atomic.Int64
	durableHits     atomic.Int64
	misses          atomic.Int64
	evictions       atomic.Int64
}

// CacheStats is a point-in-time view of the cache counters. Hit rates are
// percentages of all Get calls.
type CacheStats struct {
	Requests           int64   `json:"requests"`
	MemoryHits         int64   `json:"memory_hits"`
	DistributedHits    int64   `json:"distributed_hits"`
	DurableHits        int64   `json:"durable_hits"`
	Misses             int64   `json:"misses"`
	Evictions          int64   `json:"evictions"`
	MemoryHitRate      float64 `json:"memory_hit_rate"`
	DistributedHitRate float64 `json:"distributed_hit_rate"`
	DurableHitRate     float64 `json:"durable_hit_rate"`
	OverallHitRate     float64 `json:"overall_hit_rate"`
}

// WarmReport lists the outcome of a Warm call per clinic.
type WarmReport struct {
	Loaded  []string          `json:"loaded"`
	Missing []string          `json:"missing"`
	Failed  map[string]string `json:"failed"`
}

// Cache is a read-through cache of policy snapshots: a bounded in-process
// LRU, then Redis, then the rule store.
type Cache struct {
	local   *lru.Cache[string, cacheEntry]
	rdb     *redis.Client
	repo    SnapshotReader
	opts    CacheOptions
	group   singleflight.Group
	stats   cacheCounters
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewCache builds the cache. rdb may be nil, which disables the distributed tier.
func NewCache(repo SnapshotReader, rdb *redis.Client, opts CacheOptions, log *logger.Logger, m *metrics.Metrics) (*Cache, error) {
	if log == nil {
		log = logger.Nop()
	}
	c := &Cache{
		rdb:     rdb,
		repo:    repo,
		opts:    opts.withDefaults(),
		log:     log,
		metrics: m,
	}
	local, err := lru.New[string, cacheEntry](c.opts.Size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.local = local
	return c, nil
}

func cacheKey(clinicID string, version int) string {
	if version <= 0 {
		return clinicID + "|active"
	}
	return clinicID + "|v" + strconv.Itoa(version)
}

func redisKey(clinicID string, version int) string {
	if version <= 0 {
		return redisKeyPrefix + clinicID + ":active"
	}
	return redisKeyPrefix + clinicID + ":v" + strconv.Itoa(version)
}

// freshnessProbe memoizes durable lookups made while validating entries so a
// fall-through from memory to Redis does not query the store twice.
type freshnessProbe struct {
	syncChecked bool
	syncOK      bool
	hashChecked bool
	hash        string
	hashErr     error
}

// Get returns the clinic's snapshot; version <= 0 means the active one. The
// bool is false when no snapshot exists. Only storage failures are errors.
func (c *Cache) Get(ctx context.Context, clinicID string, version int, checkFreshness bool) (*Snapshot, bool, error) {
	key := cacheKey(clinicID, version)
	probe := &freshnessProbe{}

	if entry, ok := c.local.Get(key); ok {
		if !checkFreshness || c.isFresh(ctx, clinicID, version, entry, probe) {
			c.stats.memoryHits.Add(1)
			c.metrics.ObserveCacheLookup(tierMemory, "hit")
			return entry.Snapshot, true, nil
		}
		if c.local.Remove(key) {
			c.evicted(tierMemory, "stale")
		}
	}
	c.metrics.ObserveCacheLookup(tierMemory, "miss")

	if entry, ok := c.getDistributed(ctx, clinicID, version); ok {
		if !checkFreshness || c.isFresh(ctx, clinicID, version, entry, probe) {
			c.stats.distributedHits.Add(1)
			c.metrics.ObserveCacheLookup(tierDistributed, "hit")
			c.addLocal(key, entry)
			return entry.Snapshot, true, nil
		}
		c.deleteDistributed(ctx, redisKey(clinicID, version))
		c.evicted(tierDistributed, "stale")
	}
	if c.rdb != nil {
		c.metrics.ObserveCacheLookup(tierDistributed, "miss")
	}

	snap, err := c.loadDurable(ctx, clinicID, version)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			c.stats.misses.Add(1)
			c.metrics.ObserveCacheLookup(tierDurable, "miss")
			return nil, false, nil
		}
		return nil, false, err
	}
	c.stats.durableHits.Add(1)
	c.metrics.ObserveCacheLookup(tierDurable, "hit")
	c.store(ctx, clinicID, version, snap)
	return snap, true, nil
}

// Set stores a snapshot under its version key and, if active, the active key.
func (c *Cache) Set(ctx context.Context, clinicID string, snap *Snapshot) {
	if snap == nil {
		return
	}
	if snap.Version > 0 {
		c.store(ctx, clinicID, snap.Version, snap)
	}
	if snap.Status == StatusActive {
		c.store(ctx, clinicID, 0, snap)
	}
}

// Invalidate drops one version (version > 0) or every key of the clinic.
func (c *Cache) Invalidate(ctx context.Context, clinicID string, version int) error {
	if version > 0 {
		if c.local.Remove(cacheKey(clinicID, version)) {
			c.evicted(tierMemory, "invalidated")
		}
		if c.rdb != nil {
			if err := c.rdb.Del(ctx, redisKey(clinicID, version)).Err(); err != nil {
				return fmt.Errorf("invalidate distributed key: %w", err)
			}
		}
		return nil
	}

	prefix := clinicID + "|"
	for _, key := range c.local.Keys() {
		if strings.HasPrefix(key, prefix) && c.local.Remove(key) {
			c.evicted(tierMemory, "invalidated")
		}
	}

	if c.rdb == nil {
		return nil
	}
	var cursor uint64
	pattern := redisKeyPrefix + clinicID + ":*"
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan distributed keys: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete distributed keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Warm loads the active snapshot of each clinic from the store into both
// tiers. Per-clinic failures are logged and reported, never fatal.
func (c *Cache) Warm(ctx context.Context, clinicIDs []string) WarmReport {
	report := WarmReport{Failed: map[string]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.WarmConcurrency)
	for _, id := range clinicIDs {
		clinicID := id
		g.Go(func() error {
			snap, err := c.loadDurable(gctx, clinicID, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSnapshotNotFound):
				report.Missing = append(report.Missing, clinicID)
			case err != nil:
				report.Failed[clinicID] = err.Error()
				c.log.Warn("policy cache warm failed", "clinic_id", clinicID, "error", err)
			default:
				c.store(gctx, clinicID, 0, snap)
				c.store(gctx, clinicID, snap.Version, snap)
				report.Loaded = append(report.Loaded, clinicID)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info("policy cache warmed",
		"loaded", len(report.Loaded),
		"missing", len(report.Missing),
		"failed", len(report.Failed),
	)
	return report
}

func (c *Cache) Stats() CacheStats {
	s := CacheStats{
		MemoryHits:      c.stats.memoryHits.Load(),
		DistributedHits: c.stats.distributedHits.Load(),
		DurableHits:     c.stats.durableHits.Load(),
		Misses:          c.stats.misses.Load(),
		Evictions:       c.stats.evictions.Load(),
	}
	s.Requests = s.MemoryHits + s.DistributedHits + s.DurableHits + s.Misses
	if s.Requests > 0 {
		total := float64(s.Requests)
		s.MemoryHitRate = float64(s.MemoryHits) / total * 100
		s.DistributedHitRate = float64(s.DistributedHits) / total * 100
		s.DurableHitRate = float64(s.DurableHits) / total * 100
		s.OverallHitRate = float64(s.MemoryHits+s.DistributedHits+s.DurableHits) / total * 100
	}
	return s
}

func (c *Cache) ResetStats() {
	c.stats.memoryHits.Store(0)
	c.stats.distributedHits.Store(0)
	c.stats.durableHits.Store(0)
	c.stats.misses.Store(0)
	c.stats.evictions.Store(0)
}

// isFresh applies the staleness rules: age past TTL, an unhealthy or lagging
// upstream sync, or (for the active key) a hash that no longer matches the
// store. Errors while probing are logged and do not mark the entry stale.
func (c *Cache) isFresh(ctx context.Context, clinicID string, version int, entry cacheEntry, probe *freshnessProbe) bool {
	now := c.opts.Now()
	if entry.Snapshot == nil || now.Sub(entry.CachedAt) > c.opts.TTL {
		return false
	}

	if !probe.syncChecked {
		probe.syncChecked = true
		probe.syncOK = true
		statuses, err := c.repo.SyncStatuses(ctx, clinicID)
		if err != nil {
			c.log.Warn("sync status check failed", "clinic_id", clinicID, "error", err)
		}
		for _, s := range statuses {
			if s.Status != SyncSuccess || now.Sub(s.LastSyncedAt) > c.opts.SyncStaleAfter {
				c.log.Debug("cached policy stale due to upstream sync",
					"clinic_id", clinicID, "source", s.Source, "status", s.Status, "last_synced_at", s.LastSyncedAt)
				probe.syncOK = false
				break
			}
		}
	}
	if !probe.syncOK {
		return false
	}

	if version > 0 {
		// Versioned snapshots are immutable; only the active pointer can move.
		return true
	}
	if !probe.hashChecked {
		probe.hashChecked = true
		probe.hash, probe.hashErr = c.repo.ActiveHash(ctx, clinicID)
	}
	if errors.Is(probe.hashErr, ErrSnapshotNotFound) {
		return false
	}
	if probe.hashErr != nil {
		c.log.Warn("active hash check failed", "clinic_id", clinicID, "error", probe.hashErr)
		return true
	}
	return probe.hash == entry.Snapshot.SHA256
}

func (c *Cache) loadDurable(ctx context.Context, clinicID string, version int) (*Snapshot, error) {
	v, err, _ := c.group.Do(cacheKey(clinicID, version), func() (interface{}, error) {
		if version > 0 {
			return c.repo.SnapshotByVersion(ctx, clinicID, version)
		}
		return c.repo.ActiveSnapshot(ctx, clinicID)
	})
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load snapshot from store: %w", err)
	}
	return v.(*Snapshot), nil
}

func (c *Cache) addLocal(key string, entry cacheEntry) {
	if c.local.Add(key, entry) {
		c.evicted(tierMemory, "capacity")
	}
}

// evicted counts one dropped entry.
func (c *Cache) evicted(tier, reason string) {
	c.stats.evictions.Add(1)
	c.metrics.ObserveCacheEviction(tier, reason)
}

func (c *Cache) store(ctx context.Context, clinicID string, version int, snap *Snapshot) {
	entry := cacheEntry{CachedAt: c.opts.Now(), Snapshot: snap}
	c.addLocal(cacheKey(clinicID, version), entry)

	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("encode cached policy failed", "clinic_id", clinicID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, redisKey(clinicID, version), data, c.opts.TTL).Err(); err != nil {
		c.log.Warn("distributed policy cache write failed", "clinic_id", clinicID, "error", err)
	}
}

func (c *Cache) getDistributed(ctx context.Context, clinicID string, version int) (cacheEntry, bool) {
	if c.rdb == nil {
		return cacheEntry{}, false
	}
	data, err := c.rdb.Get(ctx, redisKey(clinicID, version)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("distributed policy cache read failed", "clinic_id", clinicID, "error", err)
		}
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.log.Warn("decode cached policy failed", "clinic_id", clinicID, "error", err)
		c.deleteDistributed(ctx, redisKey(clinicID, version))
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) deleteDistributed(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("distributed policy cache delete failed", "key", key, "error", err)
	}
}
