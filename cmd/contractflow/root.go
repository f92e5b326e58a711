package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/lmittmann/tint"
	"github.com/randalmurphal/contractflow/pkg/contractflow/config"
	"github.com/randalmurphal/contractflow/pkg/contractflow/registry"
	"github.com/randalmurphal/contractflow/pkg/contractflow/store"
	"github.com/randalmurphal/contractflow/pkg/contractflow/worker"
	"github.com/spf13/cobra"
)

// cli holds what every subcommand needs once flags are parsed.
type cli struct {
	configPath string
	logLevel   string

	settings config.Settings
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "contractflow",
		Short:         "Operate contract-analysis tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("CONTRACTFLOW_CONFIG"), "settings file (yaml or json)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCmd(c),
		newTasksCmd(c),
		newResumeCmd(c),
		newEnqueueCmd(c),
	)
	return root
}

func (c *cli) init(stderr io.Writer) error {
	s, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if c.logLevel != "" {
		s.Log.Level = c.logLevel
	}
	c.settings = s
	c.logger = newLogger(stderr, s.Log)
	slog.SetDefault(c.logger)
	return nil
}

func newLogger(w io.Writer, s config.LogSettings) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.Level)); err != nil {
		level = slog.LevelInfo
	}
	switch strings.ToLower(s.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	case "text":
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	default:
		return slog.New(tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen}))
	}
}

// openRegistry opens the configured persistence. Call the returned func to close it.
func (c *cli) openRegistry(ctx context.Context) (*registry.Registry, registry.Persistence, func(), error) {
	p, closer, err := store.Open(ctx, c.settings.Storage)
	if err != nil {
		return nil, nil, nil, err
	}
	reg := registry.New(p, registry.WithLogger(c.logger))
	return reg, p, func() {
		if err := closer.Close(); err != nil {
			c.logger.Warn("close storage", "error", err.Error())
		}
	}, nil
}

func (c *cli) redisOpt() (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(c.settings.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opt, nil
}

func (c *cli) newClient(reg *registry.Registry) (*worker.Client, error) {
	opt, err := c.redisOpt()
	if err != nil {
		return nil, err
	}
	return worker.NewClient(opt, reg,
		worker.WithClientLogger(c.logger),
		worker.WithQueue(c.settings.Worker.Queue),
		worker.WithMaxRetry(c.settings.Worker.MaxRetry),
		worker.WithTaskTimeout(c.settings.Worker.TaskTimeout),
	), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
