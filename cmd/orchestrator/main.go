// Package main is the entry point for the orchestrator process: the
// fleet-wide RPC target, hosted on the well-known
// agent id "_orchestrator", that creates, spawns, lists, and deletes
// agent configurations. Every console's `/agent new|list|delete`
// command talks to whichever process runs this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/orchestrator"
)

type flags struct {
	configPath  string
	busURL      string
	agentBinary string
	logLevel    string
}

func main() {
	f := &flags{}

	root := &cobra.Command{
		Use:   "agentfleet-orchestrator",
		Short: "Run the agentfleet orchestrator service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator(f)
		},
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "directory to search for config.yaml")
	root.PersistentFlags().StringVar(&f.busURL, "bus-url", "", "Redis bus URL (empty runs against an isolated in-memory bus that other processes cannot reach)")
	root.PersistentFlags().StringVar(&f.agentBinary, "agent-binary", "agentfleet-agent", "path to the agent binary used for local spawn")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runOrchestrator(f *flags) error {
	cfg, err := config.LoadWithPath(f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f.busURL != "" {
		cfg.Bus.RedisURL = f.busURL
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Bus.RedisURL == "" {
		log.Warn("no bus.redisUrl configured; orchestrator will run against an isolated in-memory bus and won't be reachable by other processes")
	}

	var b bus.Bus
	if cfg.Bus.RedisURL != "" {
		b, err = bus.NewRedisBus(ctx, cfg.Bus.RedisURL, log)
		if err != nil {
			return fmt.Errorf("connect to bus: %w", err)
		}
	} else {
		b = bus.NewMemoryBus(log)
	}
	defer b.Close()

	svc, err := orchestrator.New(cfg, log, b, f.agentBinary)
	if err != nil {
		return fmt.Errorf("build orchestrator service: %w", err)
	}

	log.Info("orchestrator service starting", zap.String("agent_id", orchestrator.AgentID))
	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator service stopped with error: %w", err)
	}
	log.Info("orchestrator service stopped")
	return nil
}
