// Package snapshot retains evicted rooms' document state for a bounded
// window, so a room recreated shortly after reclaim resumes where its last
// session left off. This is live-editing state only; durable page storage is
// owned elsewhere.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps room snapshots in Redis with a retention TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "roomsnap:", ttl: ttl}
}

func (s *RedisStore) key(roomID string) string {
	return s.prefix + roomID
}

// Save retains a room's final snapshot for the retention window.
func (s *RedisStore) Save(ctx context.Context, roomID string, snap []byte) error {
	if err := s.client.Set(ctx, s.key(roomID), snap, s.ttl).Err(); err != nil {
		return fmt.Errorf("save room snapshot: %w", err)
	}
	return nil
}

// Load returns the retained snapshot for a room, or nil when none is held.
func (s *RedisStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load room snapshot: %w", err)
	}
	return data, nil
}

// Delete drops a retained snapshot.
func (s *RedisStore) Delete(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.key(roomID)).Err(); err != nil {
		return fmt.Errorf("delete room snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
