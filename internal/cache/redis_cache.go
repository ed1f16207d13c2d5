package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"clubops/backend/internal/domain"
)

const boardKey = "clubops:live_board"

type RedisBoardCache struct {
	client *redis.Client
}

func NewRedisBoardCache(addr string, password string, db int) *RedisBoardCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBoardCache{client: client}
}

func (c *RedisBoardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBoardCache) Close() error {
	return c.client.Close()
}

func (c *RedisBoardCache) Get(ctx context.Context) (*domain.LiveBoard, bool, error) {
	val, err := c.client.Get(ctx, boardKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var board domain.LiveBoard
	if err := json.Unmarshal([]byte(val), &board); err != nil {
		return nil, false, err
	}
	return &board, true, nil
}

func (c *RedisBoardCache) Set(ctx context.Context, board *domain.LiveBoard, ttl time.Duration) error {
	if board == nil {
		return nil
	}
	payload, err := json.Marshal(board)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, boardKey, payload, ttl).Err()
}

func (c *RedisBoardCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, boardKey).Err()
}
