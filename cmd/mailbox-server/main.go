// ABOUTME: Entry point for the mailbox relay server
// ABOUTME: Subcommands: serve, init, health

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/agentmailbox/mailbox/internal/api"
	"github.com/agentmailbox/mailbox/internal/broker"
	"github.com/agentmailbox/mailbox/internal/client"
	"github.com/agentmailbox/mailbox/internal/config"
	"github.com/agentmailbox/mailbox/internal/directory"
	"github.com/agentmailbox/mailbox/internal/encryption"
	"github.com/agentmailbox/mailbox/internal/hub"
	"github.com/agentmailbox/mailbox/internal/session"
	"github.com/agentmailbox/mailbox/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "init":
		err = cmdInit(os.Args[2:])
	case "health":
		err = cmdHealth(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("mailbox-server - relay server for agent-to-agent messaging")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  mailbox-server serve  [-config path]   start the server")
	fmt.Println("  mailbox-server init   [-config path]   write a starter config with a fresh key")
	fmt.Println("  mailbox-server health [-url url]       check a running server")
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "mailbox.yaml", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Logging)
	logger := slog.Default()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	cipher, err := encryption.NewFromBase64(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("loading encryption key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var h *hub.Hub
	if cfg.Push.Enabled {
		h = hub.New(cfg.Push.PingInterval.Std(), cfg.Push.PingTimeout.Std())
		go h.Run(ctx)
	}

	dir := directory.NewService(st)
	var pusher broker.Pusher
	var sessPusher session.Pusher
	if h != nil {
		pusher = h
		sessPusher = h
	}
	brk := broker.NewService(st, pusher, cfg.Broker.CodeTTL.Std(), cfg.Broker.MaxPending)
	sess := session.NewService(st, cipher, sessPusher)

	if cfg.Broker.SweepInterval.Std() > 0 {
		go brk.RunSweeper(ctx, cfg.Broker.SweepInterval.Std())
	}

	srv := api.NewServer(st, dir, brk, sess, h)
	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

const configTemplate = `server:
  listen_addr: ":8480"

database:
  path: data/mailbox.db

encryption:
  # 32 bytes, base64. Losing this key makes stored messages unreadable.
  key: %s

broker:
  code_ttl: 1h
  max_pending: 3
  sweep_interval: 10m

push:
  enabled: true
  ping_interval: 30s
  ping_timeout: 90s

logging:
  level: info
  format: text
`

func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "mailbox.yaml", "path to write")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", *configPath)
	}

	key, err := encryption.GenerateKey()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(configTemplate, key)
	if err := os.WriteFile(*configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.Green("wrote %s", *configPath)
	fmt.Println("Review the config, then start the server with:")
	fmt.Printf("  mailbox-server serve -config %s\n", *configPath)
	return nil
}

func cmdHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8480", "server base URL")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.New(*url, "").Health(ctx); err != nil {
		return err
	}
	color.Green("ok: %s", *url)
	return nil
}
