package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"stock-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/unlock.lua
var unlockScript string

//go:embed scripts/put_snapshot.lua
var putSnapshotScript string

const (
	lockPrefix     = "lock:"
	snapshotPrefix = "snapshot:product:"
)

// Options tune locking and caching
type Options struct {
	// LockTTL bounds how long a crashed holder can keep a product locked
	LockTTL time.Duration
	// RetryInterval is the pause between SET NX attempts
	RetryInterval time.Duration
	// SnapshotTTL expires cached availability; zero keeps it until overwritten
	SnapshotTTL time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		LockTTL:       30 * time.Second,
		RetryInterval: 25 * time.Millisecond,
		SnapshotTTL:   10 * time.Minute,
	}
}

// Client provides product locks and the availability snapshot cache on Redis
type Client struct {
	rdb            *redis.Client
	opts           Options
	unlockScript   *redis.Script
	snapshotScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int, opts Options) (*Client, error) {
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

	return newClient(rdb, opts), nil
}

func newClient(rdb *redis.Client, opts Options) *Client {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultOptions().LockTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultOptions().RetryInterval
	}
	return &Client{
		rdb:            rdb,
		opts:           opts,
		unlockScript:   redis.NewScript(unlockScript),
		snapshotScript: redis.NewScript(putSnapshotScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection, used by the readiness probe
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Lock acquires every key in order with SET NX and a per-call token.
// It retries until ctx is done and releases what it holds on failure.
func (c *Client) Lock(ctx context.Context, keys []string) (func(), error) {
	token := uuid.New().String()
	acquired := make([]string, 0, len(keys))

	release := func() {
		// the caller's context may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for i := len(acquired) - 1; i >= 0; i-- {
			_ = c.unlockScript.Run(ctx, c.rdb, []string{acquired[i]}, token).Err()
		}
	}

	for _, key := range keys {
		lockKey := lockPrefix + key
		if err := c.acquire(ctx, lockKey, token); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, lockKey)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (c *Client) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(c.opts.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := c.rdb.SetNX(ctx, key, token, c.opts.LockTTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PutSnapshot stores the snapshot unless a newer product version is cached
func (c *Client) PutSnapshot(ctx context.Context, snapshot models.StockSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := snapshotKey(snapshot.ProductID)
	ttl := int64(c.opts.SnapshotTTL / time.Second)
	if err := c.snapshotScript.Run(ctx, c.rdb, []string{key}, snapshot.Version, payload, ttl).Err(); err != nil {
		return fmt.Errorf("put snapshot script failed: %w", err)
	}
	return nil
}

// GetSnapshot returns nil, nil when the product is not cached
func (c *Client) GetSnapshot(ctx context.Context, productID int64) (*models.StockSnapshot, error) {
	payload, err := c.rdb.HGet(ctx, snapshotKey(productID), "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snapshot models.StockSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

func snapshotKey(productID int64) string {
	return fmt.Sprintf("%s%d", snapshotPrefix, productID)
}
