package symcache

import (
	"container/list"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/crashsym/crashsym/pkg/fetcher"
	"github.com/crashsym/crashsym/pkg/symbolic"
)

// FetchFunc retrieves raw symbol file bytes for a module. The cache
// calls it at most once per in-flight population of a key.
type FetchFunc func(ctx context.Context, key symbolic.ModuleKey) ([]byte, error)

type Config struct {
	Dir          string        `yaml:"dir"`
	MaxSizeBytes flagext.Bytes `yaml:"max_size_bytes"`
	NegativeTTL  time.Duration `yaml:"negative_ttl"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Dir, "cache.dir", "./data/symbols", "Directory for cached symbol files.")
	_ = cfg.MaxSizeBytes.Set("10GB")
	f.Var(&cfg.MaxSizeBytes, "cache.max-size-bytes", "Byte quota for cached symbol files on disk.")
	f.DurationVar(&cfg.NegativeTTL, "cache.negative-ttl", time.Hour, "How long a confirmed-missing module is remembered before the next fetch attempt.")
}

func (cfg *Config) Validate() error {
	if cfg.Dir == "" {
		return fmt.Errorf("cache directory must be configured")
	}
	if cfg.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache byte quota must be positive")
	}
	return nil
}

// entry is either positive (a symbol table, possibly not yet re-parsed
// from disk after a restart) or negative (the module is confirmed
// absent until expiresAt).
type entry struct {
	key        symbolic.ModuleKey
	table      *symbolic.Table // nil for negative and for rehydrated-not-yet-loaded entries
	size       int64
	lastAccess time.Time
	elem       *list.Element

	negative  bool
	expiresAt time.Time
}

// Cache is a disk-backed, byte-quota-bounded store of parsed symbol
// tables. Population is single-flight per module; eviction is strict
// LRU over the on-disk byte sizes. Tables already handed to readers
// stay valid after eviction: they are immutable and reclaimed by the
// garbage collector once the last reader drops them.
type Cache struct {
	cfg     Config
	logger  log.Logger
	metrics *metrics
	fetch   FetchFunc

	group singleflight.Group

	mu         sync.Mutex
	entries    map[symbolic.ModuleKey]*entry
	lru        *list.List // front is most recently used
	totalBytes int64
	indexDirty bool
}

func New(logger log.Logger, cfg Config, fetch FetchFunc, reg prometheus.Registerer) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(reg),
		fetch:   fetch,
		entries: make(map[symbolic.ModuleKey]*entry),
		lru:     list.New(),
	}

	if err := c.loadIndex(); err != nil {
		// A missing or unreadable index just means a cold start.
		level.Warn(logger).Log("msg", "cache index not loaded, starting cold", "err", err)
	}
	return c, nil
}

// GetOrPopulate returns the symbol table for key, fetching and parsing
// it when missing. Concurrent callers for the same key share a single
// fetch and parse; a caller whose context expires while waiting gets
// its context error, but the population continues and its outcome is
// published to the cache for later requests.
//
// A module confirmed absent returns fetcher.ModuleNotFoundError, from
// the negative entry while it is fresh and from the origins otherwise.
// Transport and parse failures are returned but never cached.
func (c *Cache) GetOrPopulate(ctx context.Context, key symbolic.ModuleKey) (*symbolic.Table, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		switch {
		case e.negative:
			if time.Now().Before(e.expiresAt) {
				c.mu.Unlock()
				c.metrics.ops.WithLabelValues("get", "negative_hit").Inc()
				return nil, fetcher.ModuleNotFoundError{Key: key}
			}
			// Expired: drop and repopulate.
			c.removeLocked(e)
		case e.table != nil:
			c.touchLocked(e)
			c.mu.Unlock()
			c.metrics.ops.WithLabelValues("get", "hit").Inc()
			return e.table, nil
		}
		// Positive entry rehydrated from disk, table not parsed yet:
		// fall through to the single-flight path.
	}
	c.mu.Unlock()
	c.metrics.ops.WithLabelValues("get", "miss").Inc()

	// The populate must not die with this caller's deadline: late and
	// future requesters for the same module benefit from its result.
	pctx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		return c.populate(pctx, key)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.sharedPopulations.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*symbolic.Table), nil
	case <-ctx.Done():
		c.metrics.ops.WithLabelValues("get", "deadline").Inc()
		return nil, ctx.Err()
	}
}

func (c *Cache) populate(ctx context.Context, key symbolic.ModuleKey) (*symbolic.Table, error) {
	// Another flight may have completed between our miss and this call.
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.negative && time.Now().Before(e.expiresAt) {
			c.mu.Unlock()
			return nil, fetcher.ModuleNotFoundError{Key: key}
		}
		if !e.negative && e.table != nil {
			c.touchLocked(e)
			c.mu.Unlock()
			return e.table, nil
		}
	}
	c.mu.Unlock()

	if table, ok := c.loadFromDisk(key); ok {
		return table, nil
	}

	data, err := c.fetch(ctx, key)
	if err != nil {
		if fetcher.IsModuleNotFound(err) {
			c.insertNegative(key)
			c.metrics.ops.WithLabelValues("populate", "not_found").Inc()
			return nil, err
		}
		c.metrics.ops.WithLabelValues("populate", "fetch_error").Inc()
		return nil, err
	}

	table, err := symbolic.ParseSym(data)
	if err != nil {
		// The file may be re-uploaded corrected, so the failure is not
		// cached negatively.
		c.metrics.ops.WithLabelValues("populate", "parse_error").Inc()
		return nil, fmt.Errorf("parse symbols for %s: %w", key, err)
	}

	if err := c.writeFile(key, data); err != nil {
		level.Warn(c.logger).Log("msg", "failed to persist symbol file", "module", key, "err", err)
	}

	c.insertPositive(key, table, int64(len(data)))
	c.metrics.ops.WithLabelValues("populate", "success").Inc()
	return table, nil
}

// loadFromDisk serves a warm-restart entry: the index knows the module
// but the table has not been parsed since startup. Unreadable or
// corrupt files are dropped so the caller falls through to a fetch.
func (c *Cache) loadFromDisk(key symbolic.ModuleKey) (*symbolic.Table, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.negative {
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()

	data, err := os.ReadFile(c.filePath(key))
	if err == nil {
		var table *symbolic.Table
		if table, err = symbolic.ParseSym(data); err == nil {
			c.mu.Lock()
			// Entry may have been evicted while parsing; re-insertion
			// keeps accounting right either way.
			if cur, ok := c.entries[key]; ok && !cur.negative {
				cur.table = table
				c.touchLocked(cur)
				c.mu.Unlock()
			} else {
				c.mu.Unlock()
				c.insertPositive(key, table, int64(len(data)))
			}
			c.metrics.ops.WithLabelValues("rehydrate", "success").Inc()
			return table, true
		}
	}

	level.Warn(c.logger).Log("msg", "dropping unusable cached symbol file", "module", key, "err", err)
	c.metrics.ops.WithLabelValues("rehydrate", "error").Inc()
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && !cur.negative {
		c.removeLocked(cur)
	}
	c.mu.Unlock()
	_ = os.Remove(c.filePath(key))
	return nil, false
}

func (c *Cache) insertPositive(key symbolic.ModuleKey, table *symbolic.Table, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	e := &entry{
		key:        key,
		table:      table,
		size:       size,
		lastAccess: time.Now(),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.totalBytes += size
	c.indexDirty = true
	c.metrics.sizeBytes.Set(float64(c.totalBytes))
	c.metrics.entryCount.Set(float64(c.lru.Len()))

	c.evictLocked()
}

func (c *Cache) insertNegative(key symbolic.ModuleKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.entries[key] = &entry{
		key:       key,
		negative:  true,
		expiresAt: time.Now().Add(c.cfg.NegativeTTL),
	}
}

// evictLocked removes least-recently-used entries until the total is
// within quota. An entry whose file cannot be unlinked is skipped and
// retried on the next pass.
func (c *Cache) evictLocked() {
	elem := c.lru.Back()
	for c.totalBytes > int64(c.cfg.MaxSizeBytes) && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry)

		if err := os.Remove(c.filePath(e.key)); err != nil && !os.IsNotExist(err) {
			level.Warn(c.logger).Log("msg", "could not free cached symbol file", "module", e.key, "err", err)
			elem = prev
			continue
		}

		c.removeLocked(e)
		c.metrics.evictions.Inc()
		level.Debug(c.logger).Log("msg", "evicted symbol file", "module", e.key,
			"size", humanize.Bytes(uint64(e.size)), "total", humanize.Bytes(uint64(c.totalBytes)))
		elem = prev
	}
}

func (c *Cache) touchLocked(e *entry) {
	e.lastAccess = time.Now()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.indexDirty = true
}

func (c *Cache) removeLocked(e *entry) {
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
		c.totalBytes -= e.size
	}
	delete(c.entries, e.key)
	c.indexDirty = true
	c.metrics.sizeBytes.Set(float64(c.totalBytes))
	c.metrics.entryCount.Set(float64(c.lru.Len()))
}

// TotalBytes returns the current on-disk byte accounting.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func (c *Cache) filePath(key symbolic.ModuleKey) string {
	return filepath.Join(c.cfg.Dir, key.DebugFile+"-"+key.DebugID+".sym")
}

func (c *Cache) writeFile(key symbolic.ModuleKey, data []byte) error {
	path := c.filePath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Close flushes the index so a restart can rehydrate warm.
func (c *Cache) Close() error {
	return c.FlushIndex()
}
