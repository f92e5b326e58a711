package redisbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is the TTL applied on each refresh.
const DefaultLeaseTTL = 30 * time.Minute

// LeaseRefresher extends authorization-context leases stored under
// LeaseKey(contextKey).
type LeaseRefresher struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaseRefresher creates a refresher. A non-positive ttl uses DefaultLeaseTTL.
func NewLeaseRefresher(client *redis.Client, ttl time.Duration) *LeaseRefresher {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &LeaseRefresher{client: client, ttl: ttl}
}

// Refresh extends the lease. It reports false when the lease no longer exists.
func (l *LeaseRefresher) Refresh(ctx context.Context, contextKey string) (bool, error) {
	ok, err := l.client.Expire(ctx, LeaseKey(contextKey), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis refresh lease %s: %w", contextKey, err)
	}
	return ok, nil
}

// Grant stores a lease value under contextKey with the refresher's TTL.
func (l *LeaseRefresher) Grant(ctx context.Context, contextKey string, value any) error {
	if err := l.client.Set(ctx, LeaseKey(contextKey), value, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis grant lease %s: %w", contextKey, err)
	}
	return nil
}
