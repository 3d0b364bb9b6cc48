package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/SkynetNext/pbufpool/internal/config"
	"github.com/redis/go-redis/v9"
)

// OwnerExit announces that an external owner process is gone. An empty Pool
// applies to every pool.
type OwnerExit struct {
	Pool   string `json:"pool,omitempty"`
	Owner  int32  `json:"owner"`
	Reason string `json:"reason,omitempty"`
}

// Client is a Redis client wrapper
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &Client{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// OwnerExitChannel is the pub/sub channel owner exits are announced on
func (c *Client) OwnerExitChannel() string {
	return c.key("owner:exit")
}

// OwnershipKey is the hash holding the ownership snapshot of a pool
func (c *Client) OwnershipKey(pool string) string {
	return c.key("owners:" + pool)
}

// PublishOwnerExit announces an owner exit
func (c *Client) PublishOwnerExit(ctx context.Context, ev OwnerExit) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode owner exit: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.OwnerExitChannel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish owner exit: %w", err)
	}
	return nil
}

// DecodeOwnerExit parses an owner exit message
func DecodeOwnerExit(payload string) (OwnerExit, error) {
	var ev OwnerExit
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return OwnerExit{}, fmt.Errorf("failed to parse owner exit: %w", err)
	}
	if ev.Owner <= 0 {
		return OwnerExit{}, fmt.Errorf("owner exit carries invalid owner %d", ev.Owner)
	}
	return ev, nil
}

// WatchOwnerExits delivers owner exit announcements to callback until ctx
// is done. Malformed messages are passed to onError and skipped.
func (c *Client) WatchOwnerExits(ctx context.Context, callback func(context.Context, OwnerExit), onError func(error)) error {
	pubsub := c.rdb.Subscribe(ctx, c.OwnerExitChannel())
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.OwnerExitChannel(), err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", c.OwnerExitChannel())
			}
			ev, err := DecodeOwnerExit(msg.Payload)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			callback(ctx, ev)
		}
	}
}

// SaveOwnership replaces the ownership snapshot of a pool. The snapshot
// expires after ttl unless refreshed.
func (c *Client) SaveOwnership(ctx context.Context, pool string, owners map[int32]int, ttl time.Duration) error {
	key := c.OwnershipKey(pool)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(owners) == 0 {
			return nil
		}
		fields := make(map[string]interface{}, len(owners))
		for owner, n := range owners {
			fields[strconv.FormatInt(int64(owner), 10)] = n
		}
		pipe.HSet(ctx, key, fields)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save ownership of %s: %w", pool, err)
	}
	return nil
}

// LoadOwnership reads the ownership snapshot of a pool
func (c *Client) LoadOwnership(ctx context.Context, pool string) (map[int32]int, error) {
	data, err := c.rdb.HGetAll(ctx, c.OwnershipKey(pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load ownership of %s: %w", pool, err)
	}

	owners := make(map[int32]int, len(data))
	for ownerStr, countStr := range data {
		owner, err := strconv.ParseInt(ownerStr, 10, 32)
		if err != nil {
			continue // Skip invalid key
		}
		n, err := strconv.Atoi(countStr)
		if err != nil {
			continue
		}
		owners[int32(owner)] = n
	}
	return owners, nil
}
