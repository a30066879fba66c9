// Package main is the entry point for the console process: an operator
// REPL that discovers agents through the registry, attaches to one
// (acquiring exclusive-writer ownership, optionally via takeover),
// streams its tail events to stdout, and dispatches the command
// vocabulary. It is deliberately a thin presentation layer over
// internal/session.Console: no line editor, panes, or completer; just
// a scanner loop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentfleet/agentfleet/internal/bus"
	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/gateway"
	"github.com/agentfleet/agentfleet/internal/heartbeat"
	"github.com/agentfleet/agentfleet/internal/registry"
	"github.com/agentfleet/agentfleet/internal/session"
	"github.com/agentfleet/agentfleet/internal/tail"
)

type flags struct {
	configPath   string
	busURL       string
	panesOff     bool
	takeover     bool
	graceSeconds int
	logLevel     string
	gatewayAddr  string
}

func main() {
	f := &flags{}

	root := &cobra.Command{
		Use:   "agentfleet-console",
		Short: "Attach an interactive console to a running agentfleet agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), f)
		},
	}

	root.PersistentFlags().StringVar(&f.configPath, "config", "", "directory to search for config.yaml")
	root.PersistentFlags().StringVar(&f.busURL, "bus-url", "", "Redis bus URL (empty runs standalone, no bus)")
	root.PersistentFlags().BoolVar(&f.panesOff, "panes-off", true, "disable the panes UI (always off: presentation layer is out of scope here)")
	root.PersistentFlags().BoolVar(&f.takeover, "takeover", false, "acquire ownership via graceful takeover if another console already holds it")
	root.PersistentFlags().IntVar(&f.graceSeconds, "grace", 10, "grace window in seconds for a takeover acquisition")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.gatewayAddr, "gateway-addr", "", "address to host the websocket gateway for remote consoles (empty disables it)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runConsole(ctx context.Context, f *flags) error {
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

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	reg := registry.New(b, log, cfg.Bus.Namespace, cfg.Heartbeat.StaleAfter)
	sessionID := "console-" + uuid.NewString()

	term := newTerminal(os.Stdout)
	console := session.NewConsole(b, log, cfg.Bus.Namespace, sessionID, reg, cfg.Ownership.TTL, cfg.Bus.RequestTimeout, term.onTailEvent)

	monitor := heartbeat.NewMonitor(b, log, cfg.Bus.Namespace, cfg.Heartbeat.Period, time.Duration(float64(cfg.Heartbeat.StaleAfter)*1.5))
	monitor.OnDisconnect(func(disc []heartbeat.DisconnectedAgent) {
		for _, d := range disc {
			term.printf("! %s appears disconnected (%s)\n", d.AgentID, d.Reason)
		}
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	if f.gatewayAddr != "" {
		gw := gateway.NewServer(b, log, cfg.Bus.Namespace, reg, cfg.Ownership.TTL, cfg.Bus.RequestTimeout)
		srv := &http.Server{Addr: f.gatewayAddr, Handler: gw.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("gateway server stopped", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		term.printf("gateway listening on %s (/ws)\n", f.gatewayAddr)
	}

	term.printf("agentfleet console (%s) — type /ps to list agents, /attach <id> to attach\n", sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inputCh := make(chan string)
	go func() {
		defer close(inputCh)
		for scanner.Scan() {
			inputCh <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			term.printf("\nshutting down\n")
			return detachAll(context.Background(), console)
		case line, ok := <-inputCh:
			if !ok {
				return detachAll(context.Background(), console)
			}
			dispatchLine(ctx, console, term, f, line)
		}
	}
}

func dispatchLine(ctx context.Context, console *session.Console, term *terminal, f *flags, line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	// /clearhistory is destructive: echo the target id and require the
	// operator to re-enter it exactly before sending the confirmed RPC.
	if trimmed == "/clearhistory" || strings.HasPrefix(trimmed, "/clearhistory ") {
		agentID, _, attached := console.Who()
		if !attached {
			term.printf("not attached; use /attach <id> first\n")
			return
		}
		arg := strings.TrimSpace(strings.TrimPrefix(trimmed, "/clearhistory"))
		if arg != agentID {
			term.printf("this permanently clears history and summaries for %s\n", agentID)
			term.printf("confirm by re-entering the agent id: /clearhistory %s\n", agentID)
			return
		}
		if _, err := console.Dispatch(ctx, "/clearhistory confirm"); err != nil {
			term.printf("error: %v\n", err)
			return
		}
		term.printf("history cleared for %s\n", agentID)
		return
	}

	if strings.HasPrefix(trimmed, "/attach ") {
		target := strings.TrimSpace(strings.TrimPrefix(trimmed, "/attach"))
		opts := session.AttachOptions{Takeover: f.takeover, GraceTimeout: time.Duration(f.graceSeconds) * time.Second}
		if err := console.Attach(ctx, target, opts); err != nil {
			term.printf("attach failed: %v\n", err)
			return
		}
		term.printf("attached to %s\n", target)
		return
	}

	result, err := console.Dispatch(ctx, trimmed)
	if err != nil {
		term.printf("error: %v\n", err)
		return
	}
	if result.Text != "" {
		term.printf("%s\n", result.Text)
	}
	if result.Data != nil {
		term.printf("%+v\n", result.Data)
	}
	if trimmed == "/quit" {
		os.Exit(0)
	}
}

func detachAll(ctx context.Context, console *session.Console) error {
	return console.DetachAll(ctx)
}

// terminal is the presentation layer's single responsibility here:
// serializing writes to stdout from the input loop and the tail
// callback, which can fire from a different goroutine.
type terminal struct {
	mu  chan struct{}
	out *os.File
}

func newTerminal(out *os.File) *terminal {
	t := &terminal{mu: make(chan struct{}, 1), out: out}
	t.mu <- struct{}{}
	return t
}

func (t *terminal) printf(format string, args ...any) {
	<-t.mu
	fmt.Fprintf(t.out, format, args...)
	t.mu <- struct{}{}
}

// onTailEvent renders a tail record as a single line, writing token
// chunks without a trailing newline so a streamed response reads
// continuously.
func (t *terminal) onTailEvent(agentID string, rec tail.Record) {
	switch rec.Payload.Type {
	case tail.PayloadToken:
		text, _ := rec.Payload.Data["text"].(string)
		<-t.mu
		fmt.Fprint(t.out, text)
		t.mu <- struct{}{}
	case tail.PayloadTaskStart:
		t.printf("\n[%s] task started\n", agentID)
	case tail.PayloadTaskEnd:
		t.printf("\n[%s] task ended\n", agentID)
	case tail.PayloadToolStart:
		t.printf("\n[%s] tool call: %v\n", agentID, rec.Payload.Data["tool"])
	case tail.PayloadToolResult:
		t.printf("[%s] tool result: %v\n", agentID, rec.Payload.Data["result"])
	case tail.PayloadToolEnd:
		// no-op: tool.start/tool.result already reported the call
	case tail.PayloadWarn:
		t.printf("\n[%s] warn: %v\n", agentID, rec.Payload.Data["message"])
	case tail.PayloadError:
		t.printf("\n[%s] error: %v\n", agentID, rec.Payload.Data["message"])
	default:
		t.printf("\n[%s] %s: %v\n", agentID, rec.Payload.Type, rec.Payload.Data)
	}
}
