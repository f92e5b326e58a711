package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/randalmurphal/contractflow/pkg/contractflow/observability"
)

// Delay floors applied for specific error kinds after jitter.
const (
	RateLimitFloor          = 60 * time.Second
	DatabaseConnectionFloor = 5 * time.Second
	NetworkTimeoutFloor     = 10 * time.Second
)

// jitterFraction is the half-width of the uniform jitter band.
const jitterFraction = 0.1

// Stats are the advisory counters kept per operation name.
type Stats struct {
	TotalAttempts  int64
	TotalSuccesses int64
	TotalFailures  int64
}

// SuccessRate returns successes over attempts, or 0 before any attempt.
func (s Stats) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalAttempts)
}

// Manager decides whether and when to retry, and keeps per-operation counters.
// A Manager is safe for concurrent use. Construct one per worker or per
// process and pass it to whatever needs it.
type Manager struct {
	mu       sync.Mutex
	stats    map[string]*Stats
	policies map[Category]Policy

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	random  func() float64
	sleep   func(ctx context.Context, d time.Duration) error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics observability.MetricsRecorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithPolicy overrides the policy used for a category.
func WithPolicy(c Category, p Policy) ManagerOption {
	return func(m *Manager) {
		m.policies[c] = p
	}
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) ManagerOption {
	return func(m *Manager) {
		m.random = fn
	}
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) ManagerOption {
	return func(m *Manager) {
		m.sleep = fn
	}
}

// NewManager creates a retry manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		stats:    make(map[string]*Stats),
		policies: make(map[Category]Policy),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		random:   rand.Float64,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the policy for a category, honouring overrides.
func (m *Manager) Policy(c Category) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[c]; ok {
		return p
	}
	return DefaultPolicy(c)
}

// ShouldRetry reports whether attempt (1-indexed, just failed) may be followed by another.
func (m *Manager) ShouldRetry(err error, attempt int, p Policy) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsRetryable(err)
}

// CalculateDelay returns the wait before the attempt following attempt.
// err may be nil; when set it can raise the delay for rate limits,
// database connection loss, and network timeouts.
func (m *Manager) CalculateDelay(attempt int, p Policy, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch p.Strategy {
	case StrategyImmediate:
		delay = 0
	case StrategyFixed:
		delay = float64(p.InitialDelay)
	case StrategyLinear:
		factor := p.BackoffFactor
		if factor == 0 {
			factor = 1
		}
		delay = float64(p.InitialDelay) * float64(attempt) * factor
	default:
		base := p.ExponentialBase
		if base == 0 {
			base = 2
		}
		delay = float64(p.InitialDelay) * math.Pow(base, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter && delay > 0 {
		delay += delay * jitterFraction * (m.random()*2 - 1)
	}

	if err != nil {
		delay = adjustForError(delay, err)
	}

	return toDuration(delay)
}

// maxDelay bounds every computed delay. An uncapped exponential curve
// exceeds time.Duration's range after a few dozen attempts.
const maxDelay = time.Duration(math.MaxInt64)

func toDuration(delay float64) time.Duration {
	switch {
	case math.IsNaN(delay) || delay <= 0:
		return 0
	case delay >= float64(maxDelay):
		return maxDelay
	}
	return time.Duration(delay)
}

func adjustForError(delay float64, err error) float64 {
	if isRateLimit(err) {
		floor := RateLimitFloor
		if hint, ok := RetryAfterHint(err); ok {
			floor = hint
		}
		delay = math.Max(delay, float64(floor))
	}
	if isDatabaseConnection(err) {
		delay = math.Max(delay, float64(DatabaseConnectionFloor))
	}
	if isNetworkTimeout(err) {
		delay = math.Max(delay, float64(NetworkTimeoutFloor))
	}
	return delay
}

// Run executes fn under policy p, recording stats under operation.
func (m *Manager) Run(ctx context.Context, operation string, p Policy, fn func(context.Context) error) error {
	_, err := Do(ctx, m, operation, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes fn until it succeeds, fails with a non-retryable error, or
// exhausts p.MaxAttempts. The last error is returned unchanged. If ctx is
// cancelled while waiting, the context error is joined with the last error.
func Do[T any](ctx context.Context, m *Manager, operation string, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, errors.Join(err, lastErr)
			}
			return zero, err
		}

		result, err := fn(ctx)
		m.record(ctx, operation, attempt, err)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !m.ShouldRetry(err, attempt, p) {
			observability.LogRetryGiveUp(m.logger, operation, attempt, attempt < maxAttempts, err)
			return zero, err
		}

		delay := m.CalculateDelay(attempt, p, err)
		observability.LogRetry(m.logger, operation, attempt, delay, err)
		if sleepErr := m.sleep(ctx, delay); sleepErr != nil {
			return zero, errors.Join(sleepErr, lastErr)
		}
	}
	return zero, lastErr
}

func (m *Manager) record(ctx context.Context, operation string, attempt int, err error) {
	m.mu.Lock()
	s, ok := m.stats[operation]
	if !ok {
		s = &Stats{}
		m.stats[operation] = s
	}
	s.TotalAttempts++
	if err == nil {
		s.TotalSuccesses++
	} else {
		s.TotalFailures++
	}
	m.mu.Unlock()

	m.metrics.RecordRetryAttempt(ctx, operation, attempt, err)
}

// Stats returns a copy of the counters for operation.
func (m *Manager) Stats(operation string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stats[operation]; ok {
		return *s
	}
	return Stats{}
}

// AllStats returns a copy of every operation's counters.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.stats))
	for op, s := range m.stats {
		out[op] = *s
	}
	return out
}

// ResetStats clears all counters.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = make(map[string]*Stats)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
