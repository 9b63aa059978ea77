package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/config"
	"github.com/hexasan/godfs/internal/datanode"
	"github.com/hexasan/godfs/internal/rpcutil"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	var cfg config.DataNodeConfig
	config.MustLoad(*configPath, &cfg)

	if !common.IsValidEndpoint(cfg.NameNodeEndpoint) {
		panic(fmt.Sprintln("invalid namenode endpoint", cfg.NameNodeEndpoint))
	}
	if !common.IsValidEndpoint(cfg.Endpoint) {
		panic(fmt.Sprintln("invalid datanode endpoint", cfg.Endpoint))
	}

	setupLogger(cfg.LogFile)

	port := strings.Split(cfg.Endpoint, ":")[1]
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "datanode_" + port
	}

	store, err := datanode.NewStore(dataDir)
	if err != nil {
		slog.Error("cannot initialize block store", "dataDir", dataDir, "error", err)
		os.Exit(1)
	}

	server := datanode.NewServer(store, cfg)

	rpcServer, err := rpcutil.NewServer("DataNode", server, ":"+port)
	if err != nil {
		slog.Error("listen error", "error", err)
		os.Exit(1)
	}

	// Registers with the namenode and sends the first block report too.
	server.Run()

	slog.Info("datanode listening", "endpoint", cfg.Endpoint,
		"nameNodeEndpoint", cfg.NameNodeEndpoint, "dataDir", dataDir)
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
