package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

type memoryMapStore struct {
	mu      sync.RWMutex
	assigns map[string]int
}

// NewMemoryMapStore creates an in-process shard map, used in development and
// tests.
func NewMemoryMapStore() MapStore {
	return &memoryMapStore{assigns: make(map[string]int)}
}

func (m *memoryMapStore) Get(_ context.Context, owner string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.assigns[owner]
	return id, ok, nil
}

func (m *memoryMapStore) PutIfAbsent(_ context.Context, owner string, shardID int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.assigns[owner]; ok {
		return id, nil
	}
	m.assigns[owner] = shardID
	return shardID, nil
}

const redisMapPrefix = "shardmap:v1:"

type redisMapStore struct {
	client *redis.Client
}

// NewRedisMapStore persists the shard map in Redis so assignments survive
// restarts. SetNX keeps first-touch assignment atomic across processes.
func NewRedisMapStore(client *redis.Client) MapStore {
	return &redisMapStore{client: client}
}

func (r *redisMapStore) Get(ctx context.Context, owner string) (int, bool, error) {
	val, err := r.client.Get(ctx, redisMapPrefix+owner).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt shard map entry for %q: %w", owner, err)
	}
	return id, true, nil
}

func (r *redisMapStore) PutIfAbsent(ctx context.Context, owner string, shardID int) (int, error) {
	key := redisMapPrefix + owner
	set, err := r.client.SetNX(ctx, key, strconv.Itoa(shardID), 0).Result()
	if err != nil {
		return 0, err
	}
	if set {
		return shardID, nil
	}
	id, _, err := r.Get(ctx, owner)
	if err != nil {
		return 0, err
	}
	return id, nil
}
