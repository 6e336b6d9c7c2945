package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard deduplicates redelivered events by idempotency key. Mark is called
// only after the handler's side effect committed, so a crash in between
// causes a safe reprocessing rather than a lost event.
type Guard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// MemoryGuard keeps the processed-key set in process memory. Good enough for
// a single replica; scaled deployments swap in RedisGuard so all replicas
// share dedup state.
type MemoryGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{keys: map[string]struct{}{}}
}

func (g *MemoryGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok, nil
}

func (g *MemoryGuard) Mark(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[key] = struct{}{}
	return nil
}

// RedisGuard shares the processed-key set across replicas. Keys expire after
// TTL; the bus redelivery window is far shorter than any sane TTL.
type RedisGuard struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func NewRedisGuard(client *redis.Client, consumerName string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{Client: client, Prefix: "dedup:" + consumerName + ":", TTL: ttl}
}

func (g *RedisGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.Client.Exists(ctx, g.Prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGuard) Mark(ctx context.Context, key string) error {
	return g.Client.Set(ctx, g.Prefix+key, 1, g.TTL).Err()
}
