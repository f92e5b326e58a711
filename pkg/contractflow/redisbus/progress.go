package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow"
	"github.com/redis/go-redis/v9"
)

const (
	defaultBuffer      = 256
	defaultProgressTTL = 24 * time.Hour
	publishTimeout     = 2 * time.Second
)

var (
	// ErrQueueFull indicates the publisher's buffer is full and the update was dropped.
	ErrQueueFull = errors.New("progress queue full")

	// ErrPublisherClosed indicates ScheduleUpdate was called after Close.
	ErrPublisherClosed = errors.New("progress publisher closed")

	// ErrNoProgress indicates no progress is stored for a task.
	ErrNoProgress = errors.New("no progress recorded")
)

// ProgressPublisher publishes progress updates to Redis pub/sub and stores
// the latest update per task.
type ProgressPublisher struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
	now    func() time.Time

	queue chan contractflow.ProgressUpdate
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ contractflow.ProgressSink = (*ProgressPublisher)(nil)

// PublisherOption configures a ProgressPublisher.
type PublisherOption func(*ProgressPublisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *ProgressPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBuffer sets how many updates may wait for delivery.
func WithBuffer(n int) PublisherOption {
	return func(p *ProgressPublisher) {
		if n > 0 {
			p.queue = make(chan contractflow.ProgressUpdate, n)
		}
	}
}

// WithProgressTTL sets how long the latest update is kept.
func WithProgressTTL(ttl time.Duration) PublisherOption {
	return func(p *ProgressPublisher) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewProgressPublisher starts a publisher. Close it to flush pending updates.
func NewProgressPublisher(client *redis.Client, opts ...PublisherOption) *ProgressPublisher {
	p := &ProgressPublisher{
		client: client,
		logger: slog.Default(),
		ttl:    defaultProgressTTL,
		now:    time.Now,
		queue:  make(chan contractflow.ProgressUpdate, defaultBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.loop()
	return p
}

// ScheduleUpdate implements contractflow.ProgressSink. It never blocks.
func (p *ProgressPublisher) ScheduleUpdate(sessionID, taskID, step string, percent int, description string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}

	u := contractflow.ProgressUpdate{
		SessionID:   sessionID,
		TaskID:      taskID,
		Step:        step,
		Percent:     percent,
		Description: description,
		At:          p.now().UTC(),
	}
	select {
	case p.queue <- u:
		return nil
	default:
		return fmt.Errorf("%w: task %s step %s", ErrQueueFull, taskID, step)
	}
}

func (p *ProgressPublisher) loop() {
	defer close(p.done)
	for u := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.publish(ctx, u); err != nil {
			p.logger.Warn("progress publish failed",
				"task_id", u.TaskID,
				"step", u.Step,
				"error", err.Error(),
			)
		}
		cancel()
	}
}

func (p *ProgressPublisher) publish(ctx context.Context, u contractflow.ProgressUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, ProgressKey(u.TaskID), payload, p.ttl)
	if u.SessionID != "" {
		pipe.Publish(ctx, ProgressChannel(u.SessionID), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish progress for %s: %w", u.TaskID, err)
	}
	return nil
}

// Close stops accepting updates and waits for queued ones to be published
// or for ctx to end.
func (p *ProgressPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LatestProgress returns the last update stored for a task.
func LatestProgress(ctx context.Context, client *redis.Client, taskID string) (contractflow.ProgressUpdate, error) {
	data, err := client.Get(ctx, ProgressKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return contractflow.ProgressUpdate{}, ErrNoProgress
		}
		return contractflow.ProgressUpdate{}, fmt.Errorf("redis get progress for %s: %w", taskID, err)
	}
	var u contractflow.ProgressUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return contractflow.ProgressUpdate{}, fmt.Errorf("decode progress: %w", err)
	}
	return u, nil
}
