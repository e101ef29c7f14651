// ABOUTME: Generic persisted collection of one entity type
// ABOUTME: Mirrors every mutation to its backing store key so restarts lose nothing

package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mjwellness/mjsync/internal/store"
)

// Collection holds all local entities of one type. Reads come from memory;
// every mutation rewrites the collection's store key before returning, so the
// in-memory view and the persisted view never drift.
type Collection[T Entity] struct {
	mu     sync.RWMutex
	key    string
	items  []T
	st     *store.Store
	logger *slog.Logger
}

// NewCollection creates an empty collection backed by the given store key.
// Call Load before first use.
func NewCollection[T Entity](st *store.Store, key string, logger *slog.Logger) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection[T]{
		key:    key,
		st:     st,
		logger: logger.With("component", "collection", "key", key),
	}
}

// Load reads the persisted collection. A missing key means a fresh install
// and loads as empty.
func (c *Collection[T]) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var items []T
	if err := c.st.GetJSON(ctx, c.key, &items); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.items = nil
			return nil
		}
		return fmt.Errorf("loading collection %s: %w", c.key, err)
	}
	c.items = items
	c.logger.Debug("collection loaded", "count", len(items))
	return nil
}

// Key returns the store key this collection persists under.
func (c *Collection[T]) Key() string {
	return c.key
}

// List returns the entities in insertion order. The returned slice is a
// copy but the elements are shared; mutate entities only through Upsert.
func (c *Collection[T]) List() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Get returns the entity whose canonical ID or retained client ID matches.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if i := c.indexLocked(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Upsert inserts item or replaces the existing entity that shares its ID or
// client ID, then persists the collection.
func (c *Collection[T]) Upsert(ctx context.Context, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := c.indexLocked(item.EntityID()); i >= 0 {
		c.items[i] = item
	} else if j := c.indexLocked(item.ClientRef()); j >= 0 {
		c.items[j] = item
	} else {
		c.items = append(c.items, item)
	}
	return c.persistLocked(ctx)
}

// Adopt replaces the entity stored under localID with its server-confirmed
// form. The local ID is retained as the client reference so later lookups
// and queued mutations that still carry it keep resolving.
func (c *Collection[T]) Adopt(ctx context.Context, localID string, item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item.ClientRef() == "" {
		item.SetClientRef(localID)
	}
	item.SetSynced(true)

	if i := c.indexLocked(localID); i >= 0 {
		c.items[i] = item
	} else {
		c.items = append(c.items, item)
	}
	c.logger.Debug("adopted server identity", "local_id", localID, "server_id", item.EntityID())
	return c.persistLocked(ctx)
}

// Remove deletes the entity with the given ID or client ID. Removing an
// absent entity is not an error.
func (c *Collection[T]) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(id)
	if i < 0 {
		return nil
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return c.persistLocked(ctx)
}

// ReplaceAll swaps the entire collection for items and persists it. Used by
// the reconciler after a merge.
func (c *Collection[T]) ReplaceAll(ctx context.Context, items []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = items
	return c.persistLocked(ctx)
}

// Unsynced returns the entities still waiting on server confirmation.
func (c *Collection[T]) Unsynced() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []T
	for _, item := range c.items {
		if !item.IsSynced() {
			out = append(out, item)
		}
	}
	return out
}

// Len returns the number of entities in the collection.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Collection[T]) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, item := range c.items {
		if item.EntityID() == id || item.ClientRef() == id {
			return i
		}
	}
	return -1
}

func (c *Collection[T]) persistLocked(ctx context.Context) error {
	if err := c.st.PutJSON(ctx, c.key, c.items); err != nil {
		return fmt.Errorf("persisting collection %s: %w", c.key, err)
	}
	return nil
}
