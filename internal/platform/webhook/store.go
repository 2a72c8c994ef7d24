package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processedKeyPrefix    = "webhook:processed:"
	subscriptionKeyPrefix = "subscription:"
	defaultProcessedTTL   = 24 * time.Hour
)

// Subscription is the stored view of a customer's billing subscription.
type Subscription struct {
	SubscriptionID   string    `json:"subscription_id"`
	CustomerID       string    `json:"customer_id"`
	Status           string    `json:"status"`
	PriceID          string    `json:"price_id,omitempty"`
	CurrentPeriodEnd time.Time `json:"current_period_end,omitempty"`
	EventID          string    `json:"event_id"`
	EventCreated     int64     `json:"event_created"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RedisStore keeps idempotency markers and subscription state in redis.
type RedisStore struct {
	client       *redis.Client
	processedTTL time.Duration
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, processedTTL: defaultProcessedTTL}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Claim marks eventID as processed. It returns false when the event was
// already claimed.
func (s *RedisStore) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, processedKeyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), s.processedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return ok, nil
}

// Release drops the marker so the sender's retry is processed again.
func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, processedKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// Subscription returns the stored subscription for customerID, or nil.
func (s *RedisStore) Subscription(ctx context.Context, customerID string) (*Subscription, error) {
	raw, err := s.client.Get(ctx, subscriptionKeyPrefix+customerID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &sub, nil
}

func (s *RedisStore) SaveSubscription(ctx context.Context, sub *Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if err := s.client.Set(ctx, subscriptionKeyPrefix+sub.CustomerID, raw, 0).Err(); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}
