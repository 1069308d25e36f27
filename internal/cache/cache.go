package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/satbid/auctionhouse/internal/models"

	"github.com/redis/go-redis/v9"
)

// RoomCache is a Redis-backed cache for auction room configuration. It is
// injected into the engine and invalidated synchronously on every room
// mutation, so a stale entry can only ever be as old as the TTL.
type RoomCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRoomCache creates a new room cache and verifies the connection
func NewRoomCache(addr, password string, db int, ttl time.Duration) (*RoomCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &RoomCache{client: rdb, ttl: ttl}, nil
}

func roomKey(roomID string) string {
	return "auction_room:" + roomID
}

// GetRoom returns the cached room, or nil on a miss
func (c *RoomCache) GetRoom(ctx context.Context, roomID string) (*models.AuctionRoom, error) {
	data, err := c.client.Get(ctx, roomKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached room: %w", err)
	}
	room := &models.AuctionRoom{}
	if err := json.Unmarshal(data, room); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached room: %w", err)
	}
	return room, nil
}

// SetRoom stores a room in the cache
func (c *RoomCache) SetRoom(ctx context.Context, room *models.AuctionRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}
	if err := c.client.Set(ctx, roomKey(room.ID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache room: %w", err)
	}
	return nil
}

// Invalidate drops a room from the cache, called on every room mutation
func (c *RoomCache) Invalidate(ctx context.Context, roomID string) error {
	if err := c.client.Del(ctx, roomKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cached room: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *RoomCache) Close() error {
	return c.client.Close()
}
