// ABOUTME: Entry point for the delivery daemon
// ABOUTME: Connects to the relay server and bridges push events into the runtime

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmailbox/mailbox/internal/daemon"
)

func main() {
	configPath := flag.String("config", "mailboxd.toml", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	rt := daemon.NewHTTPRuntime(cfg.Runtime.URL)
	d := daemon.New(daemon.Options{
		ServerURL:         cfg.Server.URL,
		APIKey:            cfg.Server.APIKey,
		TrustedAgents:     cfg.Deliver.TrustedAgents,
		ReplyTimeout:      time.Duration(cfg.Deliver.ReplyTimeout),
		HeartbeatInterval: time.Duration(cfg.Deliver.HeartbeatInterval),
	}, rt)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting delivery daemon", "server", cfg.Server.URL, "runtime", cfg.Runtime.URL)
	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}
