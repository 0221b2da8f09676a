package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/timskillet/replicated-filestore/internal/config"
	"github.com/timskillet/replicated-filestore/internal/logging"
	"github.com/timskillet/replicated-filestore/internal/node"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat, "dfs-node")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver, err := node.NewResolver(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid node discovery")
	}
	resolveCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	addr, err := node.ResolveAddress(resolveCtx, resolver, cfg)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve node address")
	}

	agent, err := node.NewServer(cfg, addr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize datanode")
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.NodeAPIPort),
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("node_id", addr.NodeID).
		Str("advertise", addr.BaseURL()).
		Str("data_dir", cfg.NodeDataDir).
		Str("namenode", cfg.NameNodeURL).
		Msg("starting datanode")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	<-done
}
