package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sparlo/usage/internal/module/billing/quota"
)

const statusKeyPrefix = "usage:status:"

// StatusCache implements quota.StatusCache on Redis.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ quota.StatusCache = (*StatusCache)(nil)

// NewStatusCache creates a new status cache. A non-positive ttl defaults to 30s.
func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &StatusCache{client: client, ttl: ttl}
}

func statusKey(accountID uuid.UUID) string {
	return statusKeyPrefix + accountID.String()
}

// Get returns the cached status, or nil on a miss.
func (c *StatusCache) Get(ctx context.Context, accountID uuid.UUID) (*quota.UsageStatus, error) {
	data, err := c.client.Get(ctx, statusKey(accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get usage status: %w", err)
	}

	var status quota.UsageStatus
	if err := json.Unmarshal(data, &status); err != nil {
		// A corrupt entry is a miss; the next Set overwrites it.
		return nil, nil
	}
	return &status, nil
}

// Set stores the status for the shorter of ttl and the cache TTL.
func (c *StatusCache) Set(ctx context.Context, status *quota.UsageStatus, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal usage status: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(status.AccountID), data, c.expiry(ttl)).Err(); err != nil {
		return fmt.Errorf("set usage status: %w", err)
	}
	return nil
}

func (c *StatusCache) expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.ttl {
		return c.ttl
	}
	return ttl
}

// Invalidate drops the cached status.
func (c *StatusCache) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	if err := c.client.Del(ctx, statusKey(accountID)).Err(); err != nil {
		return fmt.Errorf("invalidate usage status: %w", err)
	}
	return nil
}
