package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LogStore implements the recovery log: append-only, content-hash
// deduplicated, cross-backed-up to a second shard.
type LogStore struct {
	backend Backend
	shards  []int
	logger  *zap.Logger
}

// NewLogStore builds a LogStore over backend, aware of every shard id in
// shards (used to pick a cross-backup target).
func NewLogStore(backend Backend, shards []int, logger *zap.Logger) *LogStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogStore{backend: backend, shards: shards, logger: logger}
}

// Hash computes sha256(target || source || sql || yyyymmdd), bounding
// deduplication to a one-day window.
func Hash(target, source int, sql string, at time.Time) string {
	day := at.UTC().Format("20060102")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d_%d_%s_%s", target, source, sql, day)))
	return hex.EncodeToString(sum[:])
}

// LogBackup records a failed replication of sql from source to target,
// deduplicating by content hash and best-effort cross-backing-up the entry
// to a third shard. It returns true unless the dedup lookup or the primary
// insert failed; a failed cross-backup never fails the call.
func (l *LogStore) LogBackup(ctx context.Context, target, source int, sql string) (bool, error) {
	hash := Hash(target, source, sql, time.Now())

	existing, found, err := l.backend.FindActiveByHash(ctx, source, hash)
	if err != nil {
		return false, err
	}
	if found {
		l.logger.Debug("recovery log dedup hit", zap.String("hash", hash), zap.Int64("log_id", existing.LogID))
		return true, nil
	}

	entry := Entry{
		TargetShard:     target,
		SourceShard:     source,
		SQLStatement:    sql,
		TransactionHash: hash,
		Status:          StatusPending,
	}
	if _, err := l.backend.InsertEntry(ctx, source, entry); err != nil {
		return false, err
	}
	l.logger.Info("recovery entry logged", zap.Int("target", target), zap.Int("source", source), zap.String("hash", hash))

	l.crossBackup(ctx, target, source, sql, hash)
	return true, nil
}

// crossBackup picks a shard not involved in the original replication and
// writes a redundant copy of the entry there. Failure to reach the backup
// shard is logged but never fails LogBackup: the primary row on source is
// sufficient for correctness.
func (l *LogStore) crossBackup(ctx context.Context, target, source int, sql, hash string) {
	backup := l.pickBackupShard(target, source)
	if backup == 0 {
		return
	}
	entry := Entry{
		TargetShard:     target,
		SourceShard:     source,
		SQLStatement:    sql,
		TransactionHash: hash,
		Status:          StatusPending,
		ErrorMessage:    fmt.Sprintf("CROSS_BACKUP_FROM_SHARD_%d", source),
	}
	if _, err := l.backend.InsertEntry(ctx, backup, entry); err != nil {
		l.logger.Warn("cross-backup write failed, primary log suffices", zap.Int("backup_shard", backup), zap.Error(err))
	}
}

func (l *LogStore) pickBackupShard(target, source int) int {
	for _, s := range l.shards {
		if s != target && s != source {
			return s
		}
	}
	return 0
}
