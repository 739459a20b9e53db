package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vaan0524/qqbridge/internal/bridge"
	"github.com/vaan0524/qqbridge/internal/channel/qq"
	"github.com/vaan0524/qqbridge/pkg/channel"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("qqbridge %s (%s)\n", version, commit)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("QQBRIDGE_CONFIG_PATH")
	}

	cfg, err := bridge.Load(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	chanCfg, err := cfg.Channel()
	if err != nil {
		slog.Error("invalid channel config", "error", err)
		os.Exit(1)
	}

	ch := qq.New(chanCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
		ch.Stop()
	}()

	// Surface lifecycle events in the log until a real assistant layer is
	// attached.
	events, done := ch.Events().Subscribe()
	defer ch.Events().Unsubscribe(done)
	go func() {
		for e := range events {
			if e.Err != nil {
				slog.Error("qq channel event", "type", e.Type, "error", e.Err)
			} else {
				slog.Info("qq channel event", "type", e.Type)
			}
		}
	}()

	slog.Info("qqbridge starting", "version", version, "name", cfg.Name)

	// Placeholder handler: acknowledge what arrived. The assistant layer
	// replaces this with its own handler.
	handler := func(ctx context.Context, msg channel.Message) error {
		slog.Info("message", "from", msg.SenderID, "content", msg.Content)
		return ch.Send(ctx, channel.Response{
			Target:  msg.Target,
			Content: "received: " + msg.Content,
			ReplyTo: msg.ID,
		})
	}

	if err := ch.Start(ctx, handler); err != nil {
		slog.Error("channel error", "error", err)
		os.Exit(1)
	}

	slog.Info("qqbridge stopped")
}
