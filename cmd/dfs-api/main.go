package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/timskillet/replicated-filestore/internal/api"
	"github.com/timskillet/replicated-filestore/internal/badgerstore"
	"github.com/timskillet/replicated-filestore/internal/config"
	"github.com/timskillet/replicated-filestore/internal/dynamodb"
	"github.com/timskillet/replicated-filestore/internal/events"
	"github.com/timskillet/replicated-filestore/internal/liveness"
	"github.com/timskillet/replicated-filestore/internal/logging"
	"github.com/timskillet/replicated-filestore/internal/namespace"
	"github.com/timskillet/replicated-filestore/internal/placement"
	"github.com/timskillet/replicated-filestore/internal/sqlite"
	"github.com/timskillet/replicated-filestore/internal/transport"
)

func openStore(ctx context.Context, cfg *config.Config) (namespace.Store, error) {
	switch cfg.MetadataBackend {
	case config.BackendSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.BackendBadger:
		return badgerstore.Open(cfg.BadgerDir)
	case config.BackendDynamoDB:
		return dynamodb.NewClient(ctx, cfg.AWSRegion, cfg.DynamoDBEndpoint, dynamodb.Tables{
			Files:       cfg.FileTable,
			Directories: cfg.DirectoryTable,
			Chunks:      cfg.ChunkMetadataTable,
		})
	case config.BackendMemory:
		return namespace.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown metadata backend %q", cfg.MetadataBackend)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, "dfs-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("namenode stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s metadata store: %w", cfg.MetadataBackend, err)
	}
	defer store.Close()

	ns, err := namespace.New(ctx, store, log)
	if err != nil {
		return err
	}

	monitor := liveness.NewMonitor(liveness.Options{
		Timeout:       cfg.NodeHeartbeatTimeout,
		SweepInterval: cfg.SweepInterval,
		Logger:        log,
	})
	hub := events.NewHub(log)
	agents := transport.New(&http.Client{Timeout: cfg.RequestTimeout}, log)
	engine := placement.NewEngine(ns, monitor, agents, hub, placement.Options{
		Workers:           cfg.RepairWorkers,
		MaxAttempts:       cfg.RepairMaxAttempts,
		Backoff:           cfg.RepairBackoff,
		ReconcileInterval: cfg.ReconcileInterval,
		OrphanGrace:       cfg.OrphanGrace,
		Logger:            log,
	})
	monitor.AddListener(hub)
	monitor.AddListener(engine)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewServer(cfg, ns, monitor, engine, hub, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.APIAddr).
			Str("backend", cfg.MetadataBackend).
			Int("replication_factor", cfg.ReplicationFactor).
			Int64("chunk_size", cfg.ChunkSize).
			Dur("heartbeat_timeout", cfg.NodeHeartbeatTimeout).
			Msg("starting namenode")
		errc <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed")
		}
	}
	cancel()
	wg.Wait()
	return serveErr
}
