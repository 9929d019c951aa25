package identity

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/store"
)

// Cache maps foreign ids to canonical customer ids. Entries never expire: a
// foreign id that resolved once is trusted forever. Every Put is persisted
// through the KV backend before it returns.
type Cache struct {
	kv      store.KV
	log     *zap.Logger
	mu      sync.RWMutex
	entries map[string]string
}

// OpenCache loads the persisted entries from kv.
func OpenCache(ctx context.Context, kv store.KV, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	entries, err := kv.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity cache: %w", err)
	}
	if entries == nil {
		entries = map[string]string{}
	}
	log.Debug("identity cache loaded", zap.Int("entries", len(entries)))
	return &Cache{kv: kv, log: log, entries: entries}, nil
}

// Get returns the canonical id cached for externalID.
func (c *Cache) Get(externalID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[externalID]
	return id, ok && id != ""
}

// Put records a mapping in memory and persists it with a load-merge-save.
// The in-memory entry is kept even if persisting fails.
func (c *Cache) Put(ctx context.Context, externalID, canonicalID string) error {
	c.mu.Lock()
	c.entries[externalID] = canonicalID
	c.mu.Unlock()

	if err := c.kv.Merge(ctx, map[string]string{externalID: canonicalID}); err != nil {
		return fmt.Errorf("failed to persist identity cache entry %s: %w", externalID, err)
	}
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the cache.
func (c *Cache) Entries() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.kv.Close()
}
