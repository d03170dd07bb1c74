// Package cache implements the two-tier content-addressed store: a bounded
// in-memory LRU hot tier backed by a sharded-directory disk cold tier, keyed
// by (content-hash, mode, model).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Key is the cache key: a compact hex-encoded fold of the content hash,
// content prefix, mode, and model.
type Key string

// Entry is one cached value with its bookkeeping fields.
type Entry struct {
	Key            Key
	Value          []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	SizeBytes      int64
	Metadata       map[string]string
}

// Stats reports cumulative cache-tier counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Errors    int64
	HotItems  int
	ColdBytes int64
}

// ComputeKey folds content[:1000], sha256(content), mode, and model into a
// single compact key, matching the formula:
//
//	H(content[:1000] || H(content) || mode || model)
//
// where the inner H is SHA-256 and the outer H is a 64-bit xxhash fold for
// a short, filesystem-friendly key.
func ComputeKey(content []byte, mode, model string) Key {
	sum := sha256.Sum256(content)
	prefix := content
	if len(prefix) > 1000 {
		prefix = prefix[:1000]
	}
	h := xxhash.New()
	h.Write(prefix)
	h.Write(sum[:])
	h.Write([]byte(mode))
	h.Write([]byte(model))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Cache is the two-tier store. Readers and writers are serialized per key
// via per-key mutexes so distinct keys proceed independently.
type Cache struct {
	ttl      time.Duration
	hotCap   int
	hot      *lru.Cache[Key, *Entry]
	disk     *diskStore
	keyLocks *keyLockTable

	mu    sync.Mutex
	stats Stats
}

// Options configures a new Cache.
type Options struct {
	HotCapacity int
	TTL         time.Duration
	Dir         string
}

// New constructs a Cache with the given hot capacity, TTL, and disk root.
func New(opts Options) (*Cache, error) {
	if opts.HotCapacity <= 0 {
		opts.HotCapacity = 256
	}
	c := &Cache{ttl: opts.TTL, hotCap: opts.HotCapacity, keyLocks: newKeyLockTable()}
	onEvict := func(_ Key, _ *Entry) {
		c.mu.Lock()
		c.stats.Evictions++
		c.mu.Unlock()
	}
	hot, err := lru.NewWithEvict[Key, *Entry](opts.HotCapacity, onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: construct hot tier: %w", err)
	}
	c.hot = hot
	if opts.Dir != "" {
		c.disk = newDiskStore(opts.Dir)
	}
	return c, nil
}

// Get returns the value for k, promoting a cold hit into the hot tier. A
// miss (including an expired entry, which is also evicted) returns
// (nil, false).
func (c *Cache) Get(k Key) ([]byte, bool) {
	unlock := c.keyLocks.lock(k)
	defer unlock()

	if e, ok := c.hot.Get(k); ok {
		if c.expired(e) {
			c.hot.Remove(k)
			if c.disk != nil {
				_ = c.disk.remove(k)
			}
			c.recordMiss()
			return nil, false
		}
		e.AccessCount++
		e.LastAccessedAt = time.Now()
		c.recordHit()
		return e.Value, true
	}

	if c.disk != nil {
		e, err := c.disk.load(k)
		if err != nil {
			c.recordMiss()
			return nil, false
		}
		if c.expired(e) {
			_ = c.disk.remove(k)
			c.recordMiss()
			return nil, false
		}
		e.AccessCount++
		e.LastAccessedAt = time.Now()
		c.hot.Add(k, e)
		c.recordHit()
		return e.Value, true
	}

	c.recordMiss()
	return nil, false
}

// Put stores value under k in both tiers.
func (c *Cache) Put(k Key, value []byte, metadata map[string]string) error {
	unlock := c.keyLocks.lock(k)
	defer unlock()

	now := time.Now()
	e := &Entry{
		Key:            k,
		Value:          value,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		SizeBytes:      int64(len(value)),
		Metadata:       metadata,
	}
	c.hot.Add(k, e)
	if c.disk != nil {
		if err := c.disk.store(e); err != nil {
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			return fmt.Errorf("cache: disk store: %w", err)
		}
	}
	return nil
}

// Invalidate removes k from both tiers.
func (c *Cache) Invalidate(k Key) {
	unlock := c.keyLocks.lock(k)
	defer unlock()
	c.hot.Remove(k)
	if c.disk != nil {
		_ = c.disk.remove(k)
	}
}

// PurgeExpired scans the disk tier and removes every entry older than TTL.
// Hot-tier expiry is checked lazily on Get.
func (c *Cache) PurgeExpired() int {
	if c.disk == nil || c.ttl <= 0 {
		return 0
	}
	removed := c.disk.purgeOlderThan(c.ttl)
	return removed
}

// Stats returns a snapshot of cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.HotItems = c.hot.Len()
	if c.disk != nil {
		s.ColdBytes = c.disk.totalBytes()
	}
	return s
}

func (c *Cache) expired(e *Entry) bool {
	if c.ttl <= 0 {
		return false
	}
	return time.Since(e.CreatedAt) > c.ttl
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// WarmFromDisk walks the disk shards and populates the hot tier with the
// most recently created entries, bounded by hot capacity, for a fast start
// after process restart.
func (c *Cache) WarmFromDisk() error {
	if c.disk == nil {
		return nil
	}
	entries, err := c.disk.recent(c.hotCap)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if c.expired(e) {
			continue
		}
		c.hot.Add(e.Key, e)
	}
	return nil
}

// keyLockTable serializes access per key without a single global mutex.
type keyLockTable struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func newKeyLockTable() *keyLockTable {
	return &keyLockTable{locks: make(map[Key]*sync.Mutex)}
}

func (t *keyLockTable) lock(k Key) func() {
	t.mu.Lock()
	l, ok := t.locks[k]
	if !ok {
		l = &sync.Mutex{}
		t.locks[k] = l
	}
	t.mu.Unlock()
	l.Lock()
	return l.Unlock
}
