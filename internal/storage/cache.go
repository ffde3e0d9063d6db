package storage

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedStore puts an in-process cache in front of GetMany. Conversations are
// immutable once written, so entries never need invalidation.
type CachedStore struct {
	*Store
	cache *ristretto.Cache
}

// NewCachedStore wraps s with a cache holding up to size conversations.
func NewCachedStore(s *Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(size) * 10,
		MaxCost:     int64(size),
		BufferItems: 64,
		// Each entry costs 1, so MaxCost counts conversations.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating record cache: %w", err)
	}
	return &CachedStore{Store: s, cache: c}, nil
}

// GetMany serves cached conversations and loads the rest from SQLite.
func (c *CachedStore) GetMany(ctx context.Context, ids []int64) (map[int64]Conversation, error) {
	out := make(map[int64]Conversation, len(ids))
	var missing []int64
	for _, id := range ids {
		if v, ok := c.cache.Get(id); ok {
			out[id] = v.(Conversation)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := c.Store.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, conv := range loaded {
		out[id] = conv
		c.cache.Set(id, conv, 1)
	}
	return out, nil
}

// Close releases the cache and the underlying database.
func (c *CachedStore) Close() error {
	c.cache.Close()
	return c.Store.Close()
}
