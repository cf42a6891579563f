package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"codeclash/internal/model"
)

// BattleCache is the optional middle tier of the state store: key-value
// battle state snapshots with a TTL. A nil implementation is tolerated
// everywhere; the store degrades to memory-and-durable semantics.
type BattleCache interface {
	Set(ctx context.Context, roomID string, state *model.BattleState) error
	Get(ctx context.Context, roomID string) (*model.BattleState, error)
	Delete(ctx context.Context, roomID string) error
}

type battleCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBattleCache creates a new battle state cache
func NewBattleCache(client *redis.Client, ttl time.Duration) BattleCache {
	return &battleCache{client: client, ttl: ttl}
}

func (c *battleCache) key(roomID string) string {
	return fmt.Sprintf("battle:%s", roomID)
}

func (c *battleCache) Set(ctx context.Context, roomID string, state *model.BattleState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(roomID), data, c.ttl).Err()
}

func (c *battleCache) Get(ctx context.Context, roomID string) (*model.BattleState, error) {
	data, err := c.client.Get(ctx, c.key(roomID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state model.BattleState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *battleCache) Delete(ctx context.Context, roomID string) error {
	return c.client.Del(ctx, c.key(roomID)).Err()
}
