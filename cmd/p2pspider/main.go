package main

import (
	"context"
	"encoding/hex"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/p2pspider/p2pspider/internal/api"
	"github.com/p2pspider/p2pspider/internal/config"
	"github.com/p2pspider/p2pspider/internal/dht"
	"github.com/p2pspider/p2pspider/internal/orchestrator"
	"github.com/p2pspider/p2pspider/internal/store"
	"github.com/p2pspider/p2pspider/internal/watcher"
	"github.com/p2pspider/p2pspider/internal/wire"
	"github.com/p2pspider/p2pspider/internal/ws"
)

func main() {
	log.Println("Starting p2pspider...")

	workDir, _ := os.Getwd()
	configPath := filepath.Join(workDir, "p2pspider.config")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Warning: failed to open log file %q: %v", cfg.LogFile, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, f))
			log.Printf("Logging to %s", cfg.LogFile)
		}
	}

	log.Printf("Configuration loaded:")
	log.Printf("  DHT bind address: %s", cfg.DHTBindAddr)
	log.Printf("  DHT bootstraps: %v", cfg.DHTBootstraps)
	log.Printf("  Output directory: %s", cfg.OutputDir)
	log.Printf("  Worker pool size: %d", cfg.WorkerPoolSize)
	log.Printf("  API port: %d", cfg.APIPort)
	if cfg.DatabaseURL != "" {
		log.Printf("  Postgres persistence: enabled")
	}

	var localID []byte
	if cfg.DHTLocalIDHex != "" {
		id, err := hex.DecodeString(cfg.DHTLocalIDHex)
		if err != nil || len(id) != dht.IDLength {
			log.Fatalf("Invalid dht_local_id %q: must be %d hex-encoded bytes", cfg.DHTLocalIDHex, dht.IDLength)
		}
		localID = id
	}

	engine, err := dht.New(dht.EngineConfig{
		LocalID:          localID,
		MaxFriendsPerSec: cfg.DHTMaxFriendsSec,
		Secret:           cfg.DHTSecret,
		Bootstraps:       cfg.DHTBootstraps,
		BindAddr:         cfg.DHTBindAddr,
	})
	if err != nil {
		log.Fatalf("Failed to start DHT engine: %v", err)
	}

	fileStore, err := store.NewFileStore(cfg.OutputDir)
	if err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	var postgresStore *store.PostgresStore
	if cfg.DatabaseURL != "" {
		postgresStore, err = store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Printf("Warning: failed to connect to postgres, continuing without it: %v", err)
		} else {
			defer postgresStore.Close()
		}
	}
	sink := store.NewSink(fileStore, postgresStore)

	hub := ws.NewHub()
	go hub.Run()
	feed := ws.NewFeed(hub)

	orch := orchestrator.New(orchestrator.FetcherFunc(wire.Fetch), cfg.WorkerPoolSize, sink, feed)

	fsWatcher, err := watcher.New(cfg.OutputDir, orch)
	if err != nil {
		log.Printf("Warning: failed to create output directory watcher: %v (continuing without it)", err)
	} else if err := fsWatcher.Start(); err != nil {
		log.Printf("Warning: failed to start output directory watcher: %v (continuing without it)", err)
	} else {
		defer fsWatcher.Stop()
	}

	apiServer := api.NewServer(cfg.APIPort, engine, orch, sink, hub)
	apiServer.Start()
	log.Printf("API server listening on :%d", cfg.APIPort)

	engine.Start()
	log.Printf("DHT engine listening on %s", cfg.DHTBindAddr)

	go orch.Run(engine.Announces())
	log.Printf("Orchestrator running with %d workers", cfg.WorkerPoolSize)

	log.Println("p2pspider is running")
	log.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping p2pspider...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Printf("Error closing DHT engine: %v", err)
	}

	log.Println("p2pspider stopped")
}
