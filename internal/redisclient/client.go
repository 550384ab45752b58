package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-sync/internal/models"

	"github.com/go-redis/redis/v8"
)

// acquireLockScript takes a free lock or extends one already held by ARGV[1]
const acquireLockScript = `
local holder = redis.call("GET", KEYS[1])
if holder == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if holder == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`

// releaseLockScript deletes the lock only if the caller still owns it
const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type Client struct {
	rdb           *redis.Client
	acquireScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client and verifies connectivity
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		acquireScript: redis.NewScript(acquireLockScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func idempotencyKey(orderID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", orderID, key)
}

func deferredKey(orderID string) string {
	return fmt.Sprintf("deferred:%s", orderID)
}

// Seen reports whether key was already applied for the order
func (c *Client) Seen(ctx context.Context, orderID, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, idempotencyKey(orderID, key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return n > 0, nil
}

// Remember records key as applied for ttl
func (c *Client) Remember(ctx context.Context, orderID, key string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, idempotencyKey(orderID, key), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

// PutDeferred buffers an event awaiting tracking; the latest event wins
func (c *Client) PutDeferred(ctx context.Context, ev models.StatusEvent, ttl time.Duration) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal deferred event: %w", err)
	}
	if err := c.rdb.Set(ctx, deferredKey(ev.OrderID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to buffer deferred event: %w", err)
	}
	return nil
}

// GetDeferred returns the buffered event for the order, if any
func (c *Client) GetDeferred(ctx context.Context, orderID string) (*models.StatusEvent, error) {
	data, err := c.rdb.Get(ctx, deferredKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deferred event: %w", err)
	}
	var ev models.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deferred event: %w", err)
	}
	return &ev, nil
}

// ClearDeferred drops the buffered event for the order
func (c *Client) ClearDeferred(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, deferredKey(orderID)).Err()
}

// AcquireLock takes the lock for owner, or extends it when owner already holds it
func (c *Client) AcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	n, err := c.acquireScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock releases the lock if owner still holds it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	return c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, owner).Err()
}
