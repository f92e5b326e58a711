package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/randalmurphal/contractflow/pkg/contractflow/retry"
)

// ServerConfig configures an asynq server for contract analyses.
type ServerConfig struct {
	// Concurrency is the number of tasks processed at once. Default: 4.
	Concurrency int
	// Queues maps queue names to priority. Default: DefaultQueue only.
	Queues map[string]int
	// ShutdownTimeout bounds how long running tasks get to finish on shutdown.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	// Retries computes the delay between task-level retries under
	// RetryPolicy. Nil uses asynq's default schedule.
	Retries     *retry.Manager
	RetryPolicy retry.Policy
}

// NewServer creates an asynq server. Start it with Run or Start and a mux
// from NewServeMux.
func NewServer(redis asynq.RedisConnOpt, cfg ServerConfig) *asynq.Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = map[string]int{DefaultQueue: 1}
	}

	acfg := asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          cfg.Queues,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          slogAdapter{logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.Warn("task attempt failed",
				"asynq_id", id,
				"type", t.Type(),
				"final", IsSkipRetry(err),
				"error", err.Error(),
			)
		}),
	}
	if cfg.Retries != nil {
		m, p := cfg.Retries, cfg.RetryPolicy
		acfg.RetryDelayFunc = func(n int, err error, _ *asynq.Task) time.Duration {
			return m.CalculateDelay(n+1, p, err)
		}
	}
	return asynq.NewServer(redis, acfg)
}

// NewServeMux routes TypeAnalyzeContract to h.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeAnalyzeContract, h)
	return mux
}

// slogAdapter implements asynq.Logger on slog.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }

func (a slogAdapter) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
