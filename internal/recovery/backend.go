package recovery

import (
	"context"
	"time"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/shardconn"
)

// Backend performs the recovery_log and recovery_checkpoints table
// operations the log store and replay engine are built on.
type Backend interface {
	// FindActiveByHash looks up a row on shard matching hash with status
	// in {PENDING, COMPLETED}, for dedup purposes.
	FindActiveByHash(ctx context.Context, shard int, hash string) (*Entry, bool, error)

	// InsertEntry inserts a new recovery_log row, returning its log_id.
	InsertEntry(ctx context.Context, shard int, entry Entry) (int64, error)

	// MarkStatus updates status, retry_count, and error_message for logID
	// on shard.
	MarkStatus(ctx context.Context, shard int, logID int64, status Status, retryCount int, errMsg string) error

	// CountPending returns the number of PENDING rows on shard.
	CountPending(ctx context.Context, shard int) (int, error)

	// FetchPendingSince returns PENDING rows on shard with log_id >
	// afterID, ordered by log_id ascending.
	FetchPendingSince(ctx context.Context, shard int, afterID int64) ([]Entry, error)

	// GetCheckpoint returns the last processed log id for shard,
	// initialising it to 0 if no row exists yet.
	GetCheckpoint(ctx context.Context, shard int) (int64, error)

	// SetCheckpoint persists a new watermark for shard. Callers must only
	// ever pass a value >= the previous one.
	SetCheckpoint(ctx context.Context, shard int, value int64) error

	// TryAcquireMutex attempts to take the node_id=0 exclusion row for
	// holderToken, stealing it if the current holder's heartbeat is older
	// than ttl. Returns whether the mutex was acquired.
	TryAcquireMutex(ctx context.Context, holderToken string, ttl time.Duration) (bool, error)

	// ReleaseMutex releases the node_id=0 row if still held by
	// holderToken.
	ReleaseMutex(ctx context.Context, holderToken string) error
}

// SQLBackend is the production Backend, executing literal SQL against
// recovery_log and recovery_checkpoints through a shardconn.Factory.
type SQLBackend struct {
	Factory        shardconn.Factory
	Isolation      config.Isolation
	CentralShardID int
}

func (b *SQLBackend) session(ctx context.Context, shard int) (shardconn.Session, error) {
	return b.Factory.Open(ctx, shard, b.Isolation)
}

func (b *SQLBackend) FindActiveByHash(ctx context.Context, shard int, hash string) (*Entry, bool, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return nil, false, err
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, `SELECT log_id, target_node, source_node, sql_statement, transaction_hash, status, retry_count
		FROM recovery_log WHERE transaction_hash = ? AND status IN ('PENDING','COMPLETED') LIMIT 1`, hash)
	if err != nil {
		sess.Rollback()
		return nil, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		sess.Commit()
		return nil, false, nil
	}
	var e Entry
	var status string
	if err := rows.Scan(&e.LogID, &e.TargetShard, &e.SourceShard, &e.SQLStatement, &e.TransactionHash, &status, &e.RetryCount); err != nil {
		sess.Rollback()
		return nil, false, err
	}
	e.Status = Status(status)
	sess.Commit()
	return &e, true, nil
}

func (b *SQLBackend) InsertEntry(ctx context.Context, shard int, entry Entry) (int64, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	res, err := sess.Execute(ctx, `INSERT INTO recovery_log
		(target_node, source_node, sql_statement, transaction_hash, status, retry_count, error_message)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		entry.TargetShard, entry.SourceShard, entry.SQLStatement, entry.TransactionHash, string(entry.Status), entry.ErrorMessage)
	if err != nil {
		sess.Rollback()
		return 0, err
	}
	if err := sess.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (b *SQLBackend) MarkStatus(ctx context.Context, shard int, logID int64, status Status, retryCount int, errMsg string) error {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, `UPDATE recovery_log SET status = ?, retry_count = ?, error_message = ? WHERE log_id = ?`,
		string(status), retryCount, errMsg, logID)
	if err != nil {
		sess.Rollback()
		return err
	}
	return sess.Commit()
}

func (b *SQLBackend) CountPending(ctx context.Context, shard int) (int, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, `SELECT COUNT(*) FROM recovery_log WHERE status = 'PENDING'`)
	if err != nil {
		sess.Rollback()
		return 0, err
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			sess.Rollback()
			return 0, err
		}
	}
	sess.Commit()
	return n, nil
}

func (b *SQLBackend) FetchPendingSince(ctx context.Context, shard int, afterID int64) ([]Entry, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, `SELECT log_id, target_node, source_node, sql_statement, transaction_hash, status, retry_count
		FROM recovery_log WHERE status = 'PENDING' AND log_id > ? ORDER BY log_id ASC`, afterID)
	if err != nil {
		sess.Rollback()
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var status string
		if err := rows.Scan(&e.LogID, &e.TargetShard, &e.SourceShard, &e.SQLStatement, &e.TransactionHash, &status, &e.RetryCount); err != nil {
			sess.Rollback()
			return nil, err
		}
		e.Status = Status(status)
		e.SourceShard = shard
		out = append(out, e)
	}
	sess.Commit()
	return out, nil
}

func (b *SQLBackend) GetCheckpoint(ctx context.Context, shard int) (int64, error) {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	rows, err := sess.Query(ctx, `SELECT last_processed_log_id FROM recovery_checkpoints WHERE node_id = ?`, shard)
	if err != nil {
		sess.Rollback()
		return 0, err
	}
	var value int64
	found := false
	if rows.Next() {
		if err := rows.Scan(&value); err != nil {
			rows.Close()
			sess.Rollback()
			return 0, err
		}
		found = true
	}
	rows.Close()

	if !found {
		if _, err := sess.Execute(ctx, `INSERT IGNORE INTO recovery_checkpoints (node_id, last_processed_log_id) VALUES (?, 0)`, shard); err != nil {
			sess.Rollback()
			return 0, err
		}
		value = 0
	}
	if err := sess.Commit(); err != nil {
		return 0, err
	}
	return value, nil
}

func (b *SQLBackend) SetCheckpoint(ctx context.Context, shard int, value int64) error {
	sess, err := b.session(ctx, shard)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, `UPDATE recovery_checkpoints SET last_processed_log_id = ? WHERE node_id = ?`, value, shard)
	if err != nil {
		sess.Rollback()
		return err
	}
	return sess.Commit()
}

func (b *SQLBackend) TryAcquireMutex(ctx context.Context, holderToken string, ttl time.Duration) (bool, error) {
	sess, err := b.session(ctx, b.CentralShardID)
	if err != nil {
		return false, err
	}
	defer sess.Close()

	if _, err := sess.Execute(ctx, `INSERT IGNORE INTO recovery_checkpoints (node_id, last_processed_log_id) VALUES (0, -1)`); err != nil {
		sess.Rollback()
		return false, err
	}

	res, err := sess.Execute(ctx, `UPDATE recovery_checkpoints SET last_processed_log_id = ?, mutex_heartbeat = NOW()
		WHERE node_id = 0 AND (last_processed_log_id = -1 OR mutex_heartbeat < NOW() - INTERVAL ? SECOND)`,
		mutexTokenValue(holderToken), int(ttl.Seconds()))
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

func (b *SQLBackend) ReleaseMutex(ctx context.Context, holderToken string) error {
	sess, err := b.session(ctx, b.CentralShardID)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = sess.Execute(ctx, `UPDATE recovery_checkpoints SET last_processed_log_id = -1
		WHERE node_id = 0 AND last_processed_log_id = ?`, mutexTokenValue(holderToken))
	if err != nil {
		sess.Rollback()
		return err
	}
	return sess.Commit()
}

// mutexTokenValue folds a session identity string into the integer column
// the mutex row uses in place of a bare process id, since a Go service's
// meaningful identity is its session UUID rather than its OS pid.
func mutexTokenValue(token string) int64 {
	var h int64 = 1469598103934665603
	for i := 0; i < len(token); i++ {
		h ^= int64(token[i])
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	// Reserve 0 and -1 as sentinel values the unlocked/uninitialised row
	// can take.
	if h < 2 {
		h = 2
	}
	return h
}
