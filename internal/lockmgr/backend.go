package lockmgr

import (
	"context"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// Outcome is the result of one attempt to acquire a lock row on a single
// shard.
type Outcome int

const (
	// Conflict means another session won a race to insert the row between
	// this call's read and write; the caller should retry shortly.
	Conflict Outcome = iota
	// Granted means the lock row was freshly inserted for this holder.
	Granted
	// Reentrant means the row already belonged to this holder.
	Reentrant
	// StaleTakeover means an existing row belonging to another holder was
	// deleted because it was older than the stale timeout; the caller must
	// retry to actually acquire it.
	StaleTakeover
	// HeldByOther means the row belongs to another holder and is not
	// stale; the caller should back off and retry.
	HeldByOther
)

// Backend performs the single-shard lock table operations. One atomic call
// corresponds to one begin/select-for-update/branch/commit cycle against a
// real shard.
type Backend interface {
	// TryAcquire attempts to obtain lockName for holder on shard, per the
	// per-shard acquire algorithm.
	TryAcquire(ctx context.Context, shard int, lockName, holder string, staleAfter time.Duration) (Outcome, error)

	// Release deletes the lock row for lockName if it is held by holder.
	// Returns whether a row was deleted.
	Release(ctx context.Context, shard int, lockName, holder string) (bool, error)

	// ReleaseAllByHolder deletes every lock row on shard held by holder,
	// returning the number of rows removed.
	ReleaseAllByHolder(ctx context.Context, shard int, holder string) (int, error)

	// CopyLockRow inserts (or overwrites) a lock row on shard as part of
	// the DLM's self-healing sync step, so a shard that rejoined after a
	// multi-shard acquire ends up consistent with the shards that
	// succeeded.
	CopyLockRow(ctx context.Context, shard int, lockName, holder string, lockTime time.Time) error
}

// SQLBackend is the production Backend, executing literal SQL against the
// distributed_lock table through a shardconn.Factory.
type SQLBackend struct {
	Factory   shardconn.Factory
	Isolation config.Isolation
}

func (b *SQLBackend) session(ctx context.Context, shard int) (shardconn.Session, error) {
	return b.Factory.Open(ctx, shard, b.Isolation)
}

func (b *SQLBackend) TryAcquire(ctx context.Context, shard int, lockName, holder string, staleAfter time.Duration) (Outcome, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return Conflict, err
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, `SELECT holder_id, lock_time FROM distributed_lock WHERE lock_name = ? FOR UPDATE`, lockName)
	if err != nil {
		sess.Rollback()
		return Conflict, err
	}
	var existingHolder string
	var lockTime time.Time
	found := false
	if rows.Next() {
		if err := rows.Scan(&existingHolder, &lockTime); err != nil {
			rows.Close()
			sess.Rollback()
			return Conflict, txnerr.New(txnerr.KindShardUnreachable, "lockmgr.scan", shard, err)
		}
		found = true
	}
	rows.Close()

	if !found {
		_, err := sess.Execute(ctx, `INSERT INTO distributed_lock (lock_name, holder_id, lock_time) VALUES (?, ?, NOW())`, lockName, holder)
		if err != nil {
			sess.Rollback()
			if isUniqueViolation(err) {
				return Conflict, nil
			}
			return Conflict, err
		}
		if err := sess.Commit(); err != nil {
			return Conflict, err
		}
		return Granted, nil
	}

	if existingHolder == holder {
		sess.Commit()
		return Reentrant, nil
	}

	if time.Since(lockTime) > staleAfter {
		if _, err := sess.Execute(ctx, `DELETE FROM distributed_lock WHERE lock_name = ?`, lockName); err != nil {
			sess.Rollback()
			return Conflict, err
		}
		if err := sess.Commit(); err != nil {
			return Conflict, err
		}
		return StaleTakeover, nil
	}

	sess.Rollback()
	return HeldByOther, nil
}

func (b *SQLBackend) Release(ctx context.Context, shard int, lockName, holder string) (bool, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return false, err
	}
	defer sess.Close()

	res, err := sess.Execute(ctx, `DELETE FROM distributed_lock WHERE lock_name = ? AND holder_id = ?`, lockName, holder)
	if err != nil {
		sess.Rollback()
		return false, err
	}
	if err := sess.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *SQLBackend) ReleaseAllByHolder(ctx context.Context, shard int, holder string) (int, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	res, err := sess.Execute(ctx, `DELETE FROM distributed_lock WHERE holder_id = ?`, holder)
	if err != nil {
		sess.Rollback()
		return 0, err
	}
	if err := sess.Commit(); err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *SQLBackend) CopyLockRow(ctx context.Context, shard int, lockName, holder string, lockTime time.Time) error {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, `INSERT INTO distributed_lock (lock_name, holder_id, lock_time) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE holder_id = VALUES(holder_id), lock_time = VALUES(lock_time)`, lockName, holder, lockTime)
	if err != nil {
		sess.Rollback()
		return err
	}
	return sess.Commit()
}

// isUniqueViolation reports whether err represents a primary-key collision,
// the race two sessions can hit between the SELECT and the INSERT above.
func isUniqueViolation(err error) bool {
	return txnerr.IsDuplicateKey(err)
}
