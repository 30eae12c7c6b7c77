package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relay-labs/relay/internal/channel/matrix"
	"github.com/relay-labs/relay/internal/daemon"
	"github.com/relay-labs/relay/internal/llm"

	_ "modernc.org/sqlite"
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
		fmt.Printf("relayd %s (%s)\n", version, commit)
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
		cp = os.Getenv("RELAY_CONFIG_PATH")
	}
	cfg, err := daemon.LoadConfig(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}
	if cfg.OwnerID == "" {
		slog.Error("no owner configured; set owner_id or RELAY_OWNER")
		os.Exit(1)
	}

	daemon.Version = version
	slog.Info("relayd starting", "version", version, "data_dir", cfg.DataDir)

	ch := matrix.New(matrix.Config{
		Homeserver: cfg.Matrix.Homeserver,
		UserID:     cfg.Matrix.UserID,
		Password:   cfg.Matrix.Password,
		ServerName: cfg.Matrix.ServerName,
		DataDir:    cfg.DataDir,
	})
	completer := llm.NewAnthropic(cfg.AI.APIKey)

	d, err := daemon.New(cfg, ch, completer)
	if err != nil {
		// A data directory that exists but cannot be loaded must stop
		// the process: running on an empty registry would re-trigger
		// approval flows for already-approved senders.
		slog.Error("failed to start daemon", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		slog.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
