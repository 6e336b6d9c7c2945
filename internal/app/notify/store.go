package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps staged notifications as JSON values under
// notify:<user_id>:<key>. SET NX makes re-staging under the same key a no-op.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, TTL: 7 * 24 * time.Hour}
}

func (s *RedisStore) Stage(ctx context.Context, key string, notification Notification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	redisKey := fmt.Sprintf("notify:%s:%s", notification.UserID, key)
	if err := s.Client.SetNX(ctx, redisKey, data, s.TTL).Err(); err != nil {
		return fmt.Errorf("stage notification: %w", err)
	}
	return nil
}

// MemoryStore backs tests and single-node runs.
type MemoryStore struct {
	mu     sync.Mutex
	staged map[string]Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{staged: map[string]Notification{}}
}

func (s *MemoryStore) Stage(_ context.Context, key string, notification Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mapKey := notification.UserID + ":" + key
	if _, ok := s.staged[mapKey]; !ok {
		s.staged[mapKey] = notification
	}
	return nil
}

// Staged returns the staged notifications for a user, in no particular order.
func (s *MemoryStore) Staged(userID string) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notification
	for _, n := range s.staged {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
