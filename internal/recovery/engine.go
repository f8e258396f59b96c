package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// Engine is the checkpoint and replay engine: a process-exclusive
// scanner that advances each shard's watermark by re-executing its pending
// recovery entries in order.
type Engine struct {
	Factory    shardconn.Factory
	Backend    Backend
	Shards     []int
	Central    int
	Isolation  config.Isolation
	MaxRetries int
	MutexTTL   time.Duration
	SessionID  string
	Logger     *zap.Logger

	onCheckpointAdvance func(shard int, value int64)
}

// SetOnCheckpointAdvance registers a hook invoked every time Drain persists
// a new watermark for a shard, letting a caller like coordinator.Service
// feed a metrics gauge without this package importing one.
func (e *Engine) SetOnCheckpointAdvance(fn func(shard int, value int64)) {
	e.onCheckpointAdvance = fn
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Drain runs one pass of the replay engine: quick-skip if nothing is
// pending, take the global mutex, replay every shard's pending backlog in
// log_id order, advance each shard's consecutive high-water mark, and
// release the mutex.
//
// Behavior:
//   - Returns an empty DrainResult without touching the mutex when the
//     central shard has no PENDING rows
//   - At most one process drains at a time; losers of the mutex race get an
//     error carrying checkpoint_mutex_held and simply skip this cycle
//   - A shard's checkpoint only advances over an unbroken run of successes
//     starting at checkpoint+1; entries past a failure stay PENDING and are
//     retried next cycle
//   - An entry that fails its MaxRetries-th replay is marked FAILED and
//     never re-executed
//   - Rows sharing a transaction_hash with an already-replayed entry are
//     marked COMPLETED as duplicates without re-execution
//
// Thread-safety:
//   - Safe to call from multiple goroutines and processes; exclusion is
//     enforced by the node_id=0 mutex row, not in-process state
//
// Returns:
//   - A DrainResult tallying entries seen, recovered, failed, and skipped,
//     plus how many shard checkpoints advanced
//   - An error only for faults that prevented the pass from running at all
//     (central unreachable, mutex held); per-entry faults are tallied
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	pending, err := e.Backend.CountPending(ctx, e.Central)
	if err != nil {
		return DrainResult{}, err
	}
	if pending == 0 {
		return DrainResult{}, nil
	}

	acquired, err := e.Backend.TryAcquireMutex(ctx, e.SessionID, e.MutexTTL)
	if err != nil {
		return DrainResult{}, err
	}
	if !acquired {
		return DrainResult{}, txnerr.New(txnerr.KindCheckpointMutexHeld, "recovery.drain", 0, nil)
	}
	defer e.Backend.ReleaseMutex(ctx, e.SessionID)

	result := DrainResult{}
	seen := make(map[string]bool)

	for _, shard := range e.Shards {
		checkpoint, err := e.Backend.GetCheckpoint(ctx, shard)
		if err != nil {
			e.logger().Warn("drain: checkpoint read failed", zap.Int("shard", shard), zap.Error(err))
			continue
		}
		rows, err := e.Backend.FetchPendingSince(ctx, shard, checkpoint)
		if err != nil {
			e.logger().Warn("drain: pending fetch failed", zap.Int("shard", shard), zap.Error(err))
			continue
		}

		highWater := checkpoint
		consecutive := true

		for _, row := range rows {
			result.Total++

			if seen[row.TransactionHash] {
				e.markDuplicate(ctx, shard, row)
				result.Skipped++
				if consecutive && row.LogID == highWater+1 {
					highWater = row.LogID
				} else {
					consecutive = false
				}
				continue
			}
			seen[row.TransactionHash] = true

			if e.replay(ctx, row) {
				result.Recovered++
				if consecutive && row.LogID == highWater+1 {
					highWater = row.LogID
					e.Backend.MarkStatus(ctx, shard, row.LogID, StatusCompleted, row.RetryCount, "")
				} else {
					// Past a gap: left PENDING so the next cycle replays it again.
					consecutive = false
				}
				continue
			}

			consecutive = false
			retries := row.RetryCount + 1
			if retries >= e.MaxRetries {
				e.Backend.MarkStatus(ctx, shard, row.LogID, StatusFailed, retries, "recovery_exhausted")
				result.Failed++
			} else {
				e.Backend.MarkStatus(ctx, shard, row.LogID, StatusPending, retries, "replay attempt failed")
			}
		}

		if highWater > checkpoint {
			if err := e.Backend.SetCheckpoint(ctx, shard, highWater); err != nil {
				e.logger().Warn("drain: checkpoint advance failed", zap.Int("shard", shard), zap.Error(err))
				continue
			}
			result.CheckpointsAdvanced++
			if e.onCheckpointAdvance != nil {
				e.onCheckpointAdvance(shard, highWater)
			}
		}
	}

	return result, nil
}

// markDuplicate marks row COMPLETED because an earlier row in this drain
// already carried the same transaction hash (whichever copy, primary or
// cross-backup, sits on the shard scanned first); it is never re-executed.
func (e *Engine) markDuplicate(ctx context.Context, shard int, row Entry) {
	if err := e.Backend.MarkStatus(ctx, shard, row.LogID, StatusCompleted, row.RetryCount, "duplicate - skipped"); err != nil {
		e.logger().Warn("drain: duplicate mark failed", zap.Int("shard", shard), zap.Int64("log_id", row.LogID), zap.Error(err))
	}
}

// replay re-executes one recovery entry's statement against its target
// shard in a fresh session. A unique-key violation on re-execution proves
// the statement already landed, so it is treated as success rather than
// failure.
func (e *Engine) replay(ctx context.Context, row Entry) bool {
	sess, err := e.Factory.Open(ctx, row.TargetShard, e.Isolation)
	if err != nil {
		return false
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, row.SQLStatement)
	if err != nil {
		sess.Rollback()
		return txnerr.IsDuplicateKey(err)
	}
	if err := sess.Commit(); err != nil {
		return txnerr.IsDuplicateKey(err)
	}
	return true
}
