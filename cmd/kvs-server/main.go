package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gops/agent"

	"git.canoozie.net/riddling/segkv/pkg/config"
	"git.canoozie.net/riddling/segkv/pkg/kvs"
	"git.canoozie.net/riddling/segkv/pkg/model"
	"git.canoozie.net/riddling/segkv/pkg/server"
)

var (
	configPath = flag.String("config", "", "YAML config file (optional)")
	addr       = flag.String("addr", "", "Listen address, overrides server.addr")
	dataDir    = flag.String("dir", "", "Data directory, overrides store.dir")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Store.Dir = *dataDir
	}

	logger := model.NewDefaultLogger(cfg.LogLevel())
	model.SetDefaultLogger(logger)
	logger.Info("Starting KVS server")

	if cfg.Debug.Gops {
		if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
			logger.Warn("gops: %v", err)
		}
	}

	store, err := kvs.Open(cfg.KVSConfig(logger))
	if err != nil {
		log.Fatalf("Failed to open store in %s: %v", cfg.Store.Dir, err)
	}

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		store.Close()
		log.Fatalf("Failed to listen: %v", err)
	}

	srv := server.NewServer(store, logger)

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("Shutting down KVS server")
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil {
		logger.Error("Failed to serve: %v", err)
	}

	if err := store.Close(); err != nil {
		logger.Error("Failed to close store: %v", err)
		os.Exit(1)
	}
}
