// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command perpengine wires the engine's components together and serves
// Prometheus metrics. It does not expose a trader-facing RPC: per spec §1
// and §6, callers into the Engine are a host process's own authenticated
// entrypoints, not a wire protocol this core defines.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/log"

	perpconfig "github.com/luxfi/perpcore/config"
	"github.com/luxfi/perpcore/engine"
	"github.com/luxfi/perpcore/metrics"
	"github.com/luxfi/perpcore/oracle"
	"github.com/luxfi/perpcore/storage"
	"github.com/luxfi/perpcore/vault"
)

func main() {
	var (
		dataDir = flag.String("data-dir", ".", "Directory holding perpengine.yaml")
	)
	flag.Parse()

	cfg, err := perpconfig.LoadConfig(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewTestLogger(parseLevel(cfg.LogLevel))

	self, err := cfg.ParseSelf()
	if err != nil {
		logger.Error("invalid self_address", "error", err)
		os.Exit(1)
	}
	admin, err := cfg.ParseAdmin()
	if err != nil {
		logger.Error("invalid admin_address", "error", err)
		os.Exit(1)
	}
	executors, err := cfg.ParseExecutors()
	if err != nil {
		logger.Error("invalid executors", "error", err)
		os.Exit(1)
	}
	assets, err := cfg.ToAssetInfos()
	if err != nil {
		logger.Error("invalid assets", "error", err)
		os.Exit(1)
	}

	store := storage.New(self, storage.WithLogger(logger))
	if err := store.SetTolerance(self, cfg.Tolerance); err != nil {
		logger.Error("set tolerance", "error", err)
		os.Exit(1)
	}
	for _, a := range assets {
		if err := store.ListAsset(self, a.AssetIndex, a.BucketSize, a.AssetType); err != nil {
			logger.Error("list asset", "index", a.AssetIndex, "error", err)
			os.Exit(1)
		}
	}

	vaultAdapter := vault.NewInMemory()
	oracleAdapter := oracle.NewECDSAAdapter(executors...)
	collector := metrics.New()

	eng := engine.New(self, admin, store, vaultAdapter, oracleAdapter,
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
		engine.WithExecutors(executors...),
	)
	// The host process calls Engine methods directly (spec §6); this
	// binary's job ends at wiring + serving metrics, so eng is held only
	// to keep it alive for the lifetime of the process.
	runtimeHold(eng)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// runtimeHold keeps eng reachable for the life of the process; a real
// deployment wires a host-specific entrypoint (gRPC, in-process call,
// message queue consumer) that holds this same reference.
func runtimeHold(eng *engine.Engine) {
	_ = eng
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
