package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lineinspect/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// Addr returns host:port for the configured redis, with defaults applied.
func Addr(cfg config.RedisConfig) string {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// NewRedisClient creates the redis client from app config and pings it.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     Addr(cfg.Redis),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", Addr(cfg.Redis), err)
	}
	return &Client{inner: client}, nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// Get fetches the key as string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if c == nil || c.inner == nil {
		return "", errNotInitialized
	}
	return c.inner.Get(ctx, key).Result()
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// Publish sends payload on channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription; callers close the returned PubSub.
func (c *Client) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	return c.inner.Subscribe(ctx, channel), nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	return c.inner.Ping(ctx).Err()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// StatusCache keeps collaborator status answers for a short time so polling
// browsers do not hit the AI service on every request. A nil cache is a
// valid no-op.
type StatusCache struct {
	client *Client
	ttl    time.Duration
}

func NewStatusCache(client *Client, ttl time.Duration) *StatusCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &StatusCache{client: client, ttl: ttl}
}

func statusKey(sessionID int64) string {
	return fmt.Sprintf("lineinspect:status:%d", sessionID)
}

// LoadStatus returns a cached status document.
func (s *StatusCache) LoadStatus(ctx context.Context, sessionID int64) (map[string]any, bool) {
	if s == nil {
		return nil, false
	}
	raw, err := s.client.Get(ctx, statusKey(sessionID))
	if err != nil {
		return nil, false
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, false
	}
	return status, true
}

// StoreStatus caches a status document for the configured TTL.
func (s *StatusCache) StoreStatus(ctx context.Context, sessionID int64, status map[string]any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, statusKey(sessionID), data, s.ttl)
}

// InvalidateStatus drops the cached status of a session.
func (s *StatusCache) InvalidateStatus(ctx context.Context, sessionID int64) error {
	if s == nil {
		return nil
	}
	err := s.client.Del(ctx, statusKey(sessionID))
	if errors.Is(err, ErrCacheMiss) {
		return nil
	}
	return err
}
