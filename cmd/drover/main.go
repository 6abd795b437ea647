package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mtzanidakis/drover/internal/config"
	"github.com/mtzanidakis/drover/internal/container"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("drover %s\n", version)
		return
	case "master":
		err = runMaster()
	case "agent":
		err = runAgent()
	case "snapshot":
		err = runSnapshot(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "build-image":
		err = runBuildImage()
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: drover <command>

Commands:
  master       Run the orchestrator, its bus, dashboard and local agents
  agent        Run one slave agent against a running master
  snapshot     Archive task state, the message queue and the database (-f out.tar.zst)
  restore      Restore a snapshot archive (-f in.tar.zst [-overwrite])
  build-image  Build the agent container image from Dockerfile.agent
  version      Print version
`)
}

// setupLogging installs the default slog handler from the log config.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func runBuildImage() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	docker, err := container.NewDockerClient()
	if err != nil {
		return err
	}
	defer docker.Close()

	return container.BuildAgentImage(context.Background(), docker, cfg.Executor.Image)
}
