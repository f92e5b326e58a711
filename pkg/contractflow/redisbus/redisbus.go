// Package redisbus carries task progress and authorization-context leases
// over Redis.
//
// ProgressPublisher is a non-blocking contractflow.ProgressSink: updates are
// queued in memory and published by a background goroutine. LeaseRefresher
// implements recovery.LeaseRefresher by extending a key's TTL.
package redisbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	progressChannelPrefix = "contractflow:progress:"
	progressKeyPrefix     = "contractflow:task:progress:"
	leaseKeyPrefix        = "contractflow:authctx:"
)

// ProgressChannel returns the pub/sub channel for a session.
func ProgressChannel(sessionID string) string { return progressChannelPrefix + sessionID }

// ProgressKey returns the key holding a task's latest progress.
func ProgressKey(taskID string) string { return progressKeyPrefix + taskID }

// LeaseKey returns the key of an authorization-context lease.
func LeaseKey(contextKey string) string { return leaseKeyPrefix + contextKey }

// Connect parses a redis:// URL, connects, and pings.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 2 * time.Second
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}
