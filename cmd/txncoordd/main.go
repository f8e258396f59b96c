// Package main implements txncoordd, the distributed transaction
// coordinator and recovery manager for the three-shard "trans" table: one
// central shard holding every row, plus an even-partition and an
// odd-partition shard holding a subset each.
//
// The coordinator brokers reads, writes, and replication across the shards
// using only the shards' own storage for coordination: there is no external
// lock service, message broker, or coordination cluster.
//
// Architecture:
//
//	┌───────────────────────────────────────────────┐
//	│                 coordinator.Service             │
//	├───────────────────────────────────────────────┤
//	│  shardconn.Factory  ── one *sql.DB pool/shard  │
//	│  liveness.Monitor   ── cached up/down per shard │
//	│  lockmgr.Manager    ── distributed_lock rows    │
//	│  recovery.LogStore/Engine ── replay pending log │
//	│  writer.Pipeline    ── write + replicate        │
//	│  reader.Pipeline    ── point/scan reads          │
//	│  metrics.Registry   ── /healthz, /metrics        │
//	└───────────────────────────────────────────────┘
//
// Configuration:
//   - -config / TXNCOORD_CONFIG: path to the YAML topology document
//     (default "config.yaml")
//   - -metrics-addr: overrides the configured metrics_addr
//
// Example usage:
//
//	txncoordd -config /etc/txncoord/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/coordinator"
	"github.com/dreamware/txncoord/internal/shardconn"
)

func main() {
	os.Exit(run())
}

// run builds and serves the coordinator until a termination signal
// arrives, returning the process exit code.
func run() int {
	configPath := flag.String("config", getenv("TXNCOORD_CONFIG", "config.yaml"), "path to the YAML topology config")
	metricsAddr := flag.String("metrics-addr", "", "override the configured metrics_addr, e.g. :9090")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "txncoordd: logger init failed: %v\n", err)
		return 5
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config load failed", zap.Error(err))
		return 1
	}
	if *metricsAddr != "" {
		cfg.Policy.MetricsAddr = *metricsAddr
	}

	factory, err := shardconn.NewMySQLFactory(cfg.Shards)
	if err != nil {
		logger.Error("shard factory init failed", zap.Error(err))
		return 2
	}

	svc, err := coordinator.New(cfg, factory, logger)
	if err != nil {
		logger.Error("coordinator init failed", zap.Error(err))
		return 5
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Serve(ctx); err != nil {
		logger.Error("coordinator serve failed", zap.Error(err))
		return 5
	}
	logger.Info("txncoordd started", zap.String("session_id", svc.SessionID), zap.Int("shards", len(cfg.Shards)))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("txncoordd shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return 5
	}
	logger.Info("txncoordd stopped")
	return 0
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
