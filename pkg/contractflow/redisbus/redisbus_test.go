package redisbus_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/randalmurphal/contractflow/pkg/contractflow/recovery"
	"github.com/randalmurphal/contractflow/pkg/contractflow/redisbus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// urlEnv names the Redis used by integration tests. They are skipped without it.
const urlEnv = "CONTRACTFLOW_REDIS_URL"

var _ recovery.LeaseRefresher = (*redisbus.LeaseRefresher)(nil)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv(urlEnv)
	if url == "" {
		t.Skipf("%s not set", urlEnv)
	}
	client, err := redisbus.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// unreachableClient points at a port nothing listens on.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "contractflow:progress:s-1", redisbus.ProgressChannel("s-1"))
	assert.Equal(t, "contractflow:task:progress:t-1", redisbus.ProgressKey("t-1"))
	assert.Equal(t, "contractflow:authctx:k-1", redisbus.LeaseKey("k-1"))
}

// TestProgressPublisher_NeverBlocks tests that a dead Redis does not stall callers.
func TestProgressPublisher_NeverBlocks(t *testing.T) {
	pub := redisbus.NewProgressPublisher(unreachableClient(t),
		redisbus.WithLogger(quietLogger()),
		redisbus.WithBuffer(4),
	)

	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := pub.ScheduleUpdate("s-1", "t-1", "extract_terms", 40, "Extracting"); err != nil {
			assert.ErrorIs(t, err, redisbus.ErrQueueFull)
		}
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pub.Close(ctx))

	err := pub.ScheduleUpdate("s-1", "t-1", "assess_risks", 68, "")
	assert.ErrorIs(t, err, redisbus.ErrPublisherClosed)
	require.NoError(t, pub.Close(ctx), "close is idempotent")
}

// TestProgressPublisher_EmitterFailuresAreSwallowed tests the publisher behind a ProgressEmitter.
func TestProgressPublisher_EmitterFailuresAreSwallowed(t *testing.T) {
	pub := redisbus.NewProgressPublisher(unreachableClient(t), redisbus.WithLogger(quietLogger()))
	defer pub.Close(context.Background())

	em := contractflow.NewProgressEmitter("s-1", "t-1",
		contractflow.WithSink(pub),
		contractflow.WithEmitterLogger(quietLogger()),
	)
	assert.NoError(t, em.Emit(context.Background(), "validate_input", 5, "Validating"))
}

// TestLeaseRefresher_Unreachable tests that refresh errors are reported, not panicked.
func TestLeaseRefresher_Unreachable(t *testing.T) {
	l := redisbus.NewLeaseRefresher(unreachableClient(t), 0)
	ok, err := l.Refresh(context.Background(), "k-1")
	assert.Error(t, err)
	assert.False(t, ok)
}

// TestProgressPublisher_Redis tests publishing against a live Redis.
func TestProgressPublisher_Redis(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	session := "s-" + uuid.NewString()
	task := "t-" + uuid.NewString()

	sub := client.Subscribe(ctx, redisbus.ProgressChannel(session))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := redisbus.NewProgressPublisher(client, redisbus.WithLogger(quietLogger()))
	require.NoError(t, pub.ScheduleUpdate(session, task, "extract_terms", 40, "Extracting terms"))

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"step":"extract_terms"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress message received")
	}

	require.NoError(t, pub.Close(ctx))
	latest, err := redisbus.LatestProgress(ctx, client, task)
	require.NoError(t, err)
	assert.Equal(t, 40, latest.Percent)
	assert.Equal(t, session, latest.SessionID)

	_, err = redisbus.LatestProgress(ctx, client, "t-missing-"+uuid.NewString())
	assert.ErrorIs(t, err, redisbus.ErrNoProgress)
}

// TestLeaseRefresher_Redis tests lease refresh against a live Redis.
func TestLeaseRefresher_Redis(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	key := "k-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, redisbus.LeaseKey(key)) })

	l := redisbus.NewLeaseRefresher(client, time.Minute)

	ok, err := l.Refresh(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "missing lease")

	require.NoError(t, l.Grant(ctx, key, "session-token"))
	require.NoError(t, client.Expire(ctx, redisbus.LeaseKey(key), 5*time.Second).Err())

	ok, err = l.Refresh(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := client.TTL(ctx, redisbus.LeaseKey(key)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 30*time.Second)
}
