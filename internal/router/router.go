package router

import (
	"context"
	"fmt"
	"hash/fnv"
)

// MapStore persists the owner → shard assignment. PutIfAbsent must be
// atomic: when two transactions touch a fresh owner concurrently, both
// callers receive the same winning shard id.
type MapStore interface {
	Get(ctx context.Context, owner string) (int, bool, error)
	PutIfAbsent(ctx context.Context, owner string, shardID int) (int, error)
}

// Router assigns owners to shards. The first transaction touching an owner
// hashes it over the fixed shard set and persists the result; every query
// after that returns the stored value. Reassignment would strand or duplicate
// funds, so the stored mapping is never recomputed, even if the configured
// shard count were to change.
type Router struct {
	shardCount int
	store      MapStore
}

// New creates a router over a fixed shard set.
func New(shardCount int, store MapStore) (*Router, error) {
	if shardCount <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shardCount)
	}
	if store == nil {
		store = NewMemoryMapStore()
	}
	return &Router{shardCount: shardCount, store: store}, nil
}

// ShardCount returns the size of the fixed shard set.
func (r *Router) ShardCount() int { return r.shardCount }

// ShardOf resolves the shard owning an account, assigning one on first touch.
func (r *Router) ShardOf(ctx context.Context, owner string) (int, error) {
	if id, ok, err := r.store.Get(ctx, owner); err != nil {
		return 0, fmt.Errorf("shard map lookup for %q: %w", owner, err)
	} else if ok {
		return id, nil
	}

	h := fnv.New32a()
	h.Write([]byte(owner))
	candidate := int(h.Sum32() % uint32(r.shardCount))

	id, err := r.store.PutIfAbsent(ctx, owner, candidate)
	if err != nil {
		return 0, fmt.Errorf("shard map assign for %q: %w", owner, err)
	}
	return id, nil
}
