package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/config"
	"github.com/hexasan/godfs/internal/kv"
	"github.com/hexasan/godfs/internal/namenode"
	"github.com/hexasan/godfs/internal/retry"
	"github.com/hexasan/godfs/internal/rpcutil"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	var cfg config.NameNodeConfig
	config.MustLoad(*configPath, &cfg)

	if !common.IsValidEndpoint(cfg.Endpoint) {
		panic(fmt.Sprintln("invalid namenode endpoint", cfg.Endpoint))
	}

	setupLogger(cfg.LogFile)

	ctx := context.Background()

	var store kv.Store
	switch cfg.Metadata.Backend {
	case "", "memory":
		store = kv.NewMemory()
	case "postgres":
		pg, err := kv.NewPostgres(ctx, cfg.Metadata.PostgresDSN)
		if err != nil {
			slog.Error("cannot connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
	default:
		slog.Error("unknown metadata backend", "backend", cfg.Metadata.Backend)
		os.Exit(1)
	}

	meta, err := namenode.NewMetadata(ctx, store)
	if err != nil {
		slog.Error("cannot initialize metadata service", "error", err)
		os.Exit(1)
	}

	registry := namenode.NewRegistry(cfg.HeartbeatTimeout)
	planner := namenode.NewPlanner(registry, meta, cfg.ReplicationFactor, retry.Policy{
		Attempts:   cfg.HealBackoff.Attempts,
		Base:       cfg.HealBackoff.Base,
		Cap:        cfg.HealBackoff.Cap,
		Multiplier: cfg.HealBackoff.Multiplier,
	}, cfg.RPCTimeout)
	registry.SetOnDead(planner.OnNodeDead)

	server := namenode.NewServer(registry, meta, planner, cfg.ReplicationFactor, cfg.OrphanGrace)

	port := strings.Split(cfg.Endpoint, ":")[1]
	rpcServer, err := rpcutil.NewServer("NameNode", server, ":"+port)
	if err != nil {
		slog.Error("listen error", "error", err)
		os.Exit(1)
	}

	planner.Run(2)
	stopReaper := registry.StartReaper(cfg.ReaperInterval)
	defer stopReaper()

	slog.Info("namenode listening", "endpoint", cfg.Endpoint,
		"replicationFactor", cfg.ReplicationFactor, "backend", cfg.Metadata.Backend)
	rpcServer.Serve()
}

// Log as JSON to a file when configured, stderr otherwise.
func setupLogger(logFilePath string) {
	var logHandler slog.Handler
	programLevel := new(slog.LevelVar)

	if logFilePath != "" {
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			panic(fmt.Sprintln("failed to open log file", err))
		}
		logHandler = slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: programLevel})
	} else {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel})
	}

	slog.SetDefault(slog.New(logHandler))
	programLevel.Set(slog.LevelDebug)
}
