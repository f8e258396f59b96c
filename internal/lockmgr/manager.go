package lockmgr

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/txncoord/internal/txnerr"
)

const (
	conflictBackoff = 100 * time.Millisecond
	heldBackoff     = 200 * time.Millisecond
)

// Manager is the distributed lock manager: it drives Backend through
// the per-shard acquire algorithm and tracks, per process, which resources
// this session currently holds on which shards.
type Manager struct {
	backend      Backend
	sessionID    string
	staleTimeout time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	active map[string]map[int]struct{}

	onOutcome func(outcome string)
}

// SetOnOutcome registers a hook invoked with the string form of every
// per-shard acquire outcome (granted, reentrant, stale_takeover, conflict,
// held_by_other), letting a caller like coordinator.Service feed a metrics
// counter without this package importing one.
func (m *Manager) SetOnOutcome(fn func(outcome string)) { m.onOutcome = fn }

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case Reentrant:
		return "reentrant"
	case StaleTakeover:
		return "stale_takeover"
	case HeldByOther:
		return "held_by_other"
	default:
		return "conflict"
	}
}

// New builds a Manager for the given Backend and session identity.
// staleTimeout is the age at which another holder's lock row is considered
// abandoned and eligible for takeover.
func New(backend Backend, sessionID string, staleTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:      backend,
		sessionID:    sessionID,
		staleTimeout: staleTimeout,
		logger:       logger,
		active:       make(map[string]map[int]struct{}),
	}
}

func lockName(resource string) string { return "lock_" + resource }

// Acquire attempts to obtain resource on shard within timeout, looping
// through Conflict/StaleTakeover/HeldByOther outcomes until one grants it.
//
// Behavior:
//   - Re-entrant: a second Acquire by the same session succeeds immediately
//   - A stale row (older than the manager's stale timeout) is deleted and
//     the acquisition retried in the same call
//   - A row held by a live competitor is retried every 200ms until timeout
//   - Connection errors fail fast rather than burning the timeout on a
//     shard that cannot answer
//
// Thread-safety:
//   - Safe for concurrent calls; the active-lock set is mutex-guarded
//   - Cross-process races on the same row are resolved by the shard's own
//     transaction, not by this process
//
// Parameters:
//   - resource: logical resource name; the stored row key is "lock_" + resource
//   - shard: the shard whose distributed_lock table arbitrates this resource
//   - timeout: total budget for the acquisition loop; 0 means one attempt
//
// Returns:
//   - (true, nil) once the lock row belongs to this session
//   - (false, nil) if the timeout elapsed without obtaining it
//   - (false, err) on a connection failure
func (m *Manager) Acquire(ctx context.Context, resource string, shard int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	name := lockName(resource)

	for {
		outcome, err := m.backend.TryAcquire(ctx, shard, name, m.sessionID, m.staleTimeout)
		if err != nil {
			// Connection errors fail fast rather than retrying blindly.
			return false, txnerr.New(txnerr.KindShardUnreachable, "lockmgr.acquire", shard, err)
		}
		if m.onOutcome != nil {
			m.onOutcome(outcome.String())
		}

		switch outcome {
		case Granted, Reentrant:
			m.markHeld(resource, shard)
			return true, nil
		case StaleTakeover:
			m.logger.Info("stale lock taken over", zap.String("resource", resource), zap.Int("shard", shard))
			// The row was deleted in this call; fall through to retry the
			// acquire on the next loop iteration without sleeping.
		case HeldByOther:
			if time.Now().After(deadline) {
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(heldBackoff):
			}
		case Conflict:
			if time.Now().After(deadline) {
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(conflictBackoff):
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
	}
}

// Release deletes resource's lock row for this session on shard and
// updates the active-lock set.
func (m *Manager) Release(ctx context.Context, resource string, shard int) (bool, error) {
	released, err := m.backend.Release(ctx, shard, lockName(resource), m.sessionID)
	if err != nil {
		return false, txnerr.New(txnerr.KindShardUnreachable, "lockmgr.release", shard, err)
	}
	m.markReleased(resource, shard)
	return released, nil
}

// AcquireMulti attempts resource on every shard in shards, succeeding if at
// least one shard grants it (fault-tolerant multi-shard acquire). On
// success, it copies the lock row into any shard that did not grant it but
// is reachable, so a later ReleaseMulti finds a row to remove everywhere.
//
// Behavior:
//   - Shards are attempted in the given order; a per-shard failure is
//     logged and skipped, never fatal on its own
//   - The multi-shard lock is considered held as soon as any one shard
//     grants it; availability wins over all-or-nothing atomicity
//   - Shards that failed but answer again before release receive a copy of
//     the lock row (self-healing sync)
//
// Returns:
//   - (true, nil) if at least one shard granted the lock
//   - (false, err) carrying lock_unavailable if no shard granted it
func (m *Manager) AcquireMulti(ctx context.Context, resource string, shards []int, timeout time.Duration) (bool, error) {
	var granted []int
	var failed []int

	for _, shard := range shards {
		ok, err := m.Acquire(ctx, resource, shard, timeout)
		if err != nil {
			m.logger.Warn("lock acquire attempt failed", zap.String("resource", resource), zap.Int("shard", shard), zap.Error(err))
			failed = append(failed, shard)
			continue
		}
		if ok {
			granted = append(granted, shard)
		} else {
			failed = append(failed, shard)
		}
	}

	if len(granted) == 0 {
		return false, txnerr.New(txnerr.KindLockUnavailable, "lockmgr.acquire_multi", 0, nil)
	}

	m.syncRecoveredShards(ctx, resource, failed)
	return true, nil
}

// syncRecoveredShards is the self-healing sync step: any shard that failed
// acquisition earlier but answers now gets the lock row copied from this
// session so the multi-shard lock is consistent before release.
func (m *Manager) syncRecoveredShards(ctx context.Context, resource string, failed []int) {
	if len(failed) == 0 {
		return
	}
	now := time.Now()
	for _, shard := range failed {
		if err := m.backend.CopyLockRow(ctx, shard, lockName(resource), m.sessionID, now); err != nil {
			m.logger.Debug("self-healing sync skipped shard still unreachable", zap.Int("shard", shard), zap.Error(err))
			continue
		}
		m.markHeld(resource, shard)
		m.logger.Info("self-healing sync recovered shard", zap.String("resource", resource), zap.Int("shard", shard))
	}
}

// ReleaseMulti attempts Release on every nominated shard, not only the ones
// recorded as held, to clean up rows created by the self-healing sync step.
// It tolerates per-shard failures and reports how many releases succeeded.
func (m *Manager) ReleaseMulti(ctx context.Context, resource string, shards []int) int {
	count := 0
	for _, shard := range shards {
		ok, err := m.Release(ctx, resource, shard)
		if err != nil {
			m.logger.Warn("lock release attempt failed", zap.String("resource", resource), zap.Int("shard", shard), zap.Error(err))
			continue
		}
		if ok {
			count++
		}
	}
	return count
}

// ReleaseAll deletes every lock row held by this session across shards,
// used on shutdown and process-exit cleanup.
func (m *Manager) ReleaseAll(ctx context.Context, shards []int) error {
	var firstErr error
	for _, shard := range shards {
		if _, err := m.backend.ReleaseAllByHolder(ctx, shard, m.sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Lock()
	m.active = make(map[string]map[int]struct{})
	m.mu.Unlock()
	return firstErr
}

// HeldShards returns the shards on which this session currently believes it
// holds resource's lock.
func (m *Manager) HeldShards(resource string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.active[resource]
	out := make([]int, 0, len(set))
	for shard := range set {
		out = append(out, shard)
	}
	return out
}

func (m *Manager) markHeld(resource string, shard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.active[resource]
	if !ok {
		set = make(map[int]struct{})
		m.active[resource] = set
	}
	set[shard] = struct{}{}
}

func (m *Manager) markReleased(resource string, shard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.active[resource]
	if !ok {
		return
	}
	delete(set, shard)
	if len(set) == 0 {
		delete(m.active, resource)
	}
}
