package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/shardconn"
)

// Snapshot is a shard's cached liveness state at the time it was last
// checked.
type Snapshot struct {
	Alive     bool
	CheckedAt time.Time
}

// Monitor keeps a cached up/down view of every shard in a factory's
// topology, refreshing it on a background interval or on demand. It never
// blocks writers or readers on a live probe unless the cache is stale.
type Monitor struct {
	factory shardconn.Factory
	shards  []int
	timeout time.Duration
	ttl     time.Duration
	logger  *zap.Logger

	onDown      func(shard int)
	onRecovered func(shard int)

	mu       sync.RWMutex
	snapshot map[int]Snapshot
}

// New builds a Monitor over factory's known shards. timeout bounds each
// probe; ttl is the cache freshness window, used as given (New applies no
// default of its own).
func New(factory shardconn.Factory, timeout, ttl time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := factory.ShardIDs()
	snap := make(map[int]Snapshot, len(shards))
	for _, s := range shards {
		// Shards start assumed alive; the first probe corrects this.
		snap[s] = Snapshot{Alive: true}
	}
	return &Monitor{
		factory:  factory,
		shards:   shards,
		timeout:  timeout,
		ttl:      ttl,
		logger:   logger,
		snapshot: snap,
	}
}

// SetOnDown registers a hook invoked (off the probing goroutine) the first
// time a shard transitions from alive to down.
func (m *Monitor) SetOnDown(fn func(shard int)) { m.onDown = fn }

// SetOnRecovered registers a hook invoked the first time a shard
// transitions from down back to alive. This is advisory only: it does not
// itself trigger recovery drain.
func (m *Monitor) SetOnRecovered(fn func(shard int)) { m.onRecovered = fn }

// Ping opens a session to shard and runs a trivial query, returning whether
// it succeeded within the monitor's configured timeout.
func (m *Monitor) Ping(ctx context.Context, shard int) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sess, err := m.factory.Open(ctx, shard, config.ReadCommitted)
	if err != nil {
		return false
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, `SELECT 1`)
	if err != nil {
		sess.Rollback()
		return false
	}
	rows.Close()
	sess.Rollback()
	return true
}

// Status returns the cached liveness snapshot for every known shard,
// refreshing first if the cache is older than ttl or force is set.
//
// Behavior:
//   - A fresh cache is served as-is; no shard round-trips
//   - A stale or forced refresh pings every shard sequentially, so the
//     worst case is shard count times the probe timeout
//   - The returned map is a copy; callers may mutate it freely
//
// Thread-safety:
//   - Safe for concurrent calls; concurrent refreshes ping redundantly but
//     never corrupt the snapshot
func (m *Monitor) Status(ctx context.Context, force bool) map[int]bool {
	if force || m.stale() {
		m.refresh(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]bool, len(m.snapshot))
	for shard, snap := range m.snapshot {
		out[shard] = snap.Alive
	}
	return out
}

func (m *Monitor) stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, snap := range m.snapshot {
		if time.Since(snap.CheckedAt) > m.ttl {
			return true
		}
	}
	return false
}

// refresh pings every shard and updates the cache, firing transition hooks
// for any shard whose alive/down state changed.
func (m *Monitor) refresh(ctx context.Context) {
	for _, shard := range m.shards {
		alive := m.Ping(ctx, shard)
		m.recordTransition(shard, alive)
	}
}

func (m *Monitor) recordTransition(shard int, alive bool) {
	m.mu.Lock()
	prev, existed := m.snapshot[shard]
	m.snapshot[shard] = Snapshot{Alive: alive, CheckedAt: time.Now()}
	m.mu.Unlock()

	wasAlive := !existed || prev.Alive
	if wasAlive && !alive {
		m.logger.Warn("shard marked down", zap.Int("shard", shard))
		if m.onDown != nil {
			go m.onDown(shard)
		}
	} else if !wasAlive && alive {
		m.logger.Info("shard recovered", zap.Int("shard", shard))
		if m.onRecovered != nil {
			go m.onRecovered(shard)
		}
	}
}

// Run starts the background probe loop, re-pinging every shard every
// interval until ctx is cancelled. Intended to run in its own goroutine.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.refresh(ctx)
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopping")
			return
		}
	}
}

// IsAlive reports the cached liveness of a single shard without forcing a
// refresh.
func (m *Monitor) IsAlive(shard int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot[shard].Alive
}
