package symcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/crashsym/crashsym/pkg/symbolic"
)

const indexFileName = "index.json"

type indexEntry struct {
	DebugFile  string `json:"debug_file"`
	DebugID    string `json:"debug_id"`
	SizeBytes  int64  `json:"size_bytes"`
	LastAccess int64  `json:"last_access_unix"`
}

type indexFile struct {
	Entries []indexEntry `json:"entries"`
}

// loadIndex rehydrates the accounting from a previous run. Tables are
// parsed lazily on first access; entries whose file is gone, or whose
// recorded size no longer matches, are dropped. A missing index means
// a cold start.
func (c *Cache) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(c.cfg.Dir, indexFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("decode cache index: %w", err)
	}

	sort.Slice(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].LastAccess < idx.Entries[j].LastAccess
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ie := range idx.Entries {
		key := symbolic.ModuleKey{DebugFile: ie.DebugFile, DebugID: ie.DebugID}
		fi, err := os.Stat(c.filePath(key))
		if err != nil || fi.Size() != ie.SizeBytes {
			continue
		}
		e := &entry{
			key:        key,
			size:       ie.SizeBytes,
			lastAccess: time.Unix(ie.LastAccess, 0),
		}
		// Ascending order of last access, so the most recent ends up
		// at the front.
		e.elem = c.lru.PushFront(e)
		c.entries[key] = e
		c.totalBytes += e.size
	}
	c.metrics.sizeBytes.Set(float64(c.totalBytes))
	c.metrics.entryCount.Set(float64(c.lru.Len()))
	c.evictLocked()
	return nil
}

// FlushIndex writes the accounting to disk when it changed since the
// last flush.
func (c *Cache) FlushIndex() error {
	c.mu.Lock()
	if !c.indexDirty {
		c.mu.Unlock()
		return nil
	}
	idx := indexFile{Entries: make([]indexEntry, 0, c.lru.Len())}
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		idx.Entries = append(idx.Entries, indexEntry{
			DebugFile:  e.key.DebugFile,
			DebugID:    e.key.DebugID,
			SizeBytes:  e.size,
			LastAccess: e.lastAccess.Unix(),
		})
	}
	c.indexDirty = false
	c.mu.Unlock()

	if err := c.writeIndex(idx); err != nil {
		// Re-mark dirty so the next flush retries.
		c.mu.Lock()
		c.indexDirty = true
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Cache) writeIndex(idx indexFile) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	path := filepath.Join(c.cfg.Dir, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
