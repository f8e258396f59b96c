package coordinator

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/liveness"
	"github.com/dreamware/txncoord/internal/lockmgr"
	"github.com/dreamware/txncoord/internal/metrics"
	"github.com/dreamware/txncoord/internal/reader"
	"github.com/dreamware/txncoord/internal/recovery"
	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/topology"
	"github.com/dreamware/txncoord/internal/writer"
)

// Service is the top-level wiring type: it owns every component
// described in the package doc and drives their background loops.
type Service struct {
	SessionID string

	Factory  shardconn.Factory
	Topology *topology.Topology
	Liveness *liveness.Monitor
	Locks    *lockmgr.Manager
	LogStore *recovery.LogStore
	Engine   *recovery.Engine
	Writer   *writer.Pipeline
	Reader   *reader.Pipeline
	Metrics  *metrics.Registry

	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	httpSrv *http.Server
}

// New builds every component from cfg but starts nothing. factory is the
// shard connection factory to use; production callers pass a
// *shardconn.MySQLFactory built from cfg.Shards, tests pass a
// *fakeshard.Factory.
func New(cfg *config.Config, factory shardconn.Factory, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	topo, err := topology.New(cfg)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	reg := metrics.New()

	mon := liveness.New(factory, cfg.Policy.LockTimeout(), cfg.Policy.LivenessCacheTTL(), logger)
	for _, shard := range factory.ShardIDs() {
		reg.ShardUp.WithLabelValues(strconv.Itoa(shard)).Set(1)
	}
	mon.SetOnDown(func(shard int) {
		reg.ShardUp.WithLabelValues(strconv.Itoa(shard)).Set(0)
	})
	mon.SetOnRecovered(func(shard int) {
		reg.ShardUp.WithLabelValues(strconv.Itoa(shard)).Set(1)
	})

	lockBackend := &lockmgr.SQLBackend{Factory: factory, Isolation: cfg.Policy.IsolationDefault}
	locks := lockmgr.New(lockBackend, sessionID, cfg.Policy.LockTimeout(), logger)
	locks.SetOnOutcome(func(outcome string) {
		reg.LocksAcquired.WithLabelValues(outcome).Inc()
	})

	recBackend := &recovery.SQLBackend{
		Factory:        factory,
		Isolation:      cfg.Policy.IsolationDefault,
		CentralShardID: factory.CentralShardID(),
	}
	logStore := recovery.NewLogStore(recBackend, factory.ShardIDs(), logger)
	engine := &recovery.Engine{
		Factory:    factory,
		Backend:    recBackend,
		Shards:     factory.ShardIDs(),
		Central:    factory.CentralShardID(),
		Isolation:  cfg.Policy.IsolationDefault,
		MaxRetries: cfg.Policy.MaxRecoveryRetries,
		MutexTTL:   cfg.Policy.MutexTTL(),
		SessionID:  sessionID,
		Logger:     logger,
	}
	engine.SetOnCheckpointAdvance(func(shard int, value int64) {
		reg.CheckpointMark.WithLabelValues(strconv.Itoa(shard)).Set(float64(value))
	})

	wpipe := &writer.Pipeline{
		Factory:  factory,
		Locks:    locks,
		Liveness: mon,
		LogStore: logStore,
		Engine:   engine,
		Topology: topo,
		Policy:   cfg.Policy,
		Logger:   logger,
		OnWriteDuration: func(seconds float64) {
			reg.WriteDuration.Observe(seconds)
		},
	}
	rpipe := &reader.Pipeline{
		Factory:  factory,
		Liveness: mon,
		Topology: topo,
		Policy:   cfg.Policy,
		Logger:   logger,
	}

	return &Service{
		SessionID: sessionID,
		Factory:   factory,
		Topology:  topo,
		Liveness:  mon,
		Locks:     locks,
		LogStore:  logStore,
		Engine:    engine,
		Writer:    wpipe,
		Reader:    rpipe,
		Metrics:   reg,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Serve starts the liveness monitor's background probe loop and a
// ticker-driven drain loop. If cfg.Policy.MetricsAddr is non-empty, it also
// starts an HTTP server exposing /healthz and /metrics. Serve returns once
// both background loops have started; it does not block.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.Liveness.Run(ctx, s.cfg.Policy.LivenessInterval())
	}()
	go func() {
		defer s.wg.Done()
		s.runDrainLoop(ctx)
	}()

	if s.cfg.Policy.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealthz)
		mux.Handle("/metrics", s.Metrics.Handler())

		srv := &http.Server{
			Addr:              s.cfg.Policy.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.mu.Lock()
		s.httpSrv = srv
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("metrics server listening", zap.String("addr", s.cfg.Policy.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	return nil
}

// runDrainLoop calls the recovery engine's Drain once per
// drain_interval_seconds until ctx is cancelled, logging the outcome of
// every non-trivial pass.
func (s *Service) runDrainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Policy.DrainInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result, err := s.Engine.Drain(ctx)
			if err != nil {
				s.logger.Debug("drain cycle skipped", zap.Error(err))
				continue
			}
			if result.Total > 0 {
				s.logger.Info("drain cycle completed",
					zap.Int("total", result.Total),
					zap.Int("recovered", result.Recovered),
					zap.Int("failed", result.Failed),
					zap.Int("skipped", result.Skipped),
					zap.Int("checkpoints_advanced", result.CheckpointsAdvanced))
				s.Metrics.RecoveryEntries.WithLabelValues("completed").Add(float64(result.Recovered))
				s.Metrics.RecoveryEntries.WithLabelValues("failed").Add(float64(result.Failed))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.Liveness.Status(r.Context(), false)
	anyUp := false
	for _, up := range status {
		if up {
			anyUp = true
			break
		}
	}
	if !anyUp {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Shutdown stops both background loops, releases every lock this session
// holds across all shards, closes the metrics HTTP server if one is
// running, and closes the shard connection pools.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	srv := s.httpSrv
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	s.wg.Wait()

	if err := s.Locks.ReleaseAll(ctx, s.Topology.AllShardIDs()); err != nil {
		s.logger.Warn("release_all encountered errors", zap.Error(err))
	}
	return s.Factory.Close()
}
