// Package main is the entry point for the agent process: one long-lived
// process per (project, name) pair. It loads configuration, wires an
// internal/agent.Agent, and runs it until a shutdown signal, mapping a
// duplicate-identity bootstrap failure to exit code 11 and every other
// failure to exit code 1.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/agent"
	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/metrics"
)

const (
	exitOK        = 0
	exitDuplicate = 11
	exitOther     = 1
)

type flags struct {
	configPath  string
	busURL      string
	standalone  bool
	workDir     string
	project     string
	name        string
	logLevel    string
	apiKey      string
	metricsAddr string
}

func main() {
	os.Exit(run())
}

func run() int {
	f := &flags{}

	root := &cobra.Command{
		Use:   "agentfleet-agent",
		Short: "Run one agentfleet agent process",
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "directory to search for config.yaml")
	root.PersistentFlags().StringVar(&f.busURL, "bus-url", "", "Redis bus URL (empty runs standalone, no bus)")
	root.PersistentFlags().BoolVar(&f.standalone, "standalone", false, "skip every bus-touching bootstrap step")
	root.PersistentFlags().StringVar(&f.workDir, "workdir", "", "working directory override (defaults to cwd)")
	root.PersistentFlags().StringVar(&f.project, "project", "", "project override for agent identity derivation")
	root.PersistentFlags().StringVar(&f.name, "name", "", "name override for agent identity derivation")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.apiKey, "anthropic-api-key", "", "Anthropic API key override (defaults to $ANTHROPIC_API_KEY, else the echo provider)")
	root.PersistentFlags().StringVar(&f.metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on (empty disables it)")

	var exitCode int
	root.RunE = func(cmd *cobra.Command, args []string) error {
		exitCode = runAgent(cmd.Context(), f)
		if exitCode != exitOK {
			return fmt.Errorf("agent exited with code %d", exitCode)
		}
		return nil
	}
	root.SilenceErrors = true
	root.SilenceUsage = true

	if err := root.Execute(); err != nil {
		if exitCode == exitOK {
			fmt.Fprintln(os.Stderr, err)
			exitCode = exitOther
		}
		return exitCode
	}
	return exitOK
}

func runAgent(ctx context.Context, f *flags) int {
	cfg, err := config.LoadWithPath(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitOther
	}
	if f.busURL != "" {
		cfg.Bus.RedisURL = f.busURL
	}
	if f.standalone {
		cfg.Agent.Standalone = true
		cfg.Bus.RedisURL = ""
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
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitOther
	}
	defer log.Sync() //nolint:errcheck
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg, log, agent.Options{
		ProjectOverride: f.project,
		NameOverride:    f.name,
		WorkDir:         f.workDir,
		APIKey:          f.apiKey,
	})
	if err != nil {
		if apierr.CodeOf(err) == apierr.CodeIdentityLocked {
			log.Error("another agent instance already holds this identity", zap.Error(err))
			return exitDuplicate
		}
		log.Error("agent bootstrap failed", zap.Error(err))
		return exitOther
	}

	log.Info("agent bootstrapped", zap.String("agent_id", a.ID().String()))

	if f.metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, f.metricsAddr, a.Metrics(), log); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := a.Run(ctx); err != nil {
		if apierr.CodeOf(err) == apierr.CodeIdentityLocked {
			log.Error("duplicate agent detected at startup", zap.Error(err))
			return exitDuplicate
		}
		log.Error("agent run failed", zap.Error(err))
		return exitOther
	}

	return exitOK
}
