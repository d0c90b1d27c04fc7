package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTicketInvalid covers unknown, expired, and already-redeemed tickets.
var ErrTicketInvalid = errors.New("ticket invalid or expired")

// TicketStore holds short-lived single-use upgrade tickets in Redis. A ticket
// maps back to the bearer token it was issued against; redeeming it consumes
// it atomically so a replayed ticket fails.
type TicketStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewTicketStore(redisURL string, ttl time.Duration) (*TicketStore, error) {
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

	return NewTicketStoreWithClient(client, ttl), nil
}

// NewTicketStoreWithClient creates a store from an existing Redis client.
func NewTicketStoreWithClient(client *redis.Client, ttl time.Duration) *TicketStore {
	return &TicketStore{client: client, prefix: "ticket:", ttl: ttl}
}

func (s *TicketStore) key(ticket string) string {
	return s.prefix + ticket
}

func (s *TicketStore) TTL() time.Duration {
	return s.ttl
}

// Issue stores the caller's bearer token under a fresh ticket id.
func (s *TicketStore) Issue(ctx context.Context, bearer string) (string, error) {
	ticket := uuid.NewString()
	if err := s.client.Set(ctx, s.key(ticket), bearer, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return ticket, nil
}

// Redeem consumes a ticket and returns the bearer token it was issued
// against. A ticket can be redeemed at most once.
func (s *TicketStore) Redeem(ctx context.Context, ticket string) (string, error) {
	bearer, err := s.client.GetDel(ctx, s.key(ticket)).Result()
	if err == redis.Nil {
		return "", ErrTicketInvalid
	}
	if err != nil {
		return "", fmt.Errorf("redeem ticket: %w", err)
	}
	return bearer, nil
}

func (s *TicketStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *TicketStore) Close() error {
	return s.client.Close()
}
