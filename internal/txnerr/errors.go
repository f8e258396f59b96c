// Package txnerr defines the error taxonomy shared by every component of the
// coordinator, so callers can branch on failure kind with errors.Is/As instead
// of matching driver-specific error strings.
package txnerr

import (
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// Kind identifies one of the coordinator's well-known failure categories.
// Components translate driver and I/O errors into a Kind at the package
// boundary; nothing above the shard-session layer should see a raw
// database/sql error.
type Kind string

// The fixed set of error kinds the coordinator can surface. Values are
// stable strings so they are safe to log and compare across process
// restarts.
const (
	// KindShardUnreachable marks a transient failure to reach a shard.
	KindShardUnreachable Kind = "shard_unreachable"
	// KindLockUnavailable marks a lock acquisition that timed out or found
	// no shard willing to grant it.
	KindLockUnavailable Kind = "lock_unavailable"
	// KindInsufficientQuorum marks a new-primary-key allocation that could
	// not find a quorum of live shards.
	KindInsufficientQuorum Kind = "insufficient_quorum"
	// KindPrimaryCommitFailed marks a failed commit on the write's primary
	// shard; the whole write is aborted.
	KindPrimaryCommitFailed Kind = "primary_commit_failed"
	// KindReplicationFailed marks a non-fatal failure to replicate a
	// committed write to a secondary shard.
	KindReplicationFailed Kind = "replication_failed"
	// KindRecoveryDuplicate marks a recovery log row recognised as a
	// duplicate of an already-applied entry.
	KindRecoveryDuplicate Kind = "recovery_duplicate"
	// KindRecoveryExhausted marks a recovery log row that has exceeded its
	// retry budget and is now permanently skipped.
	KindRecoveryExhausted Kind = "recovery_exhausted"
	// KindStaleLockTakenOver is informational: a stale lock row was
	// deleted and re-acquired by the caller.
	KindStaleLockTakenOver Kind = "stale_lock_taken_over"
	// KindCheckpointMutexHeld marks a drain cycle skipped because another
	// process already holds the global checkpoint mutex.
	KindCheckpointMutexHeld Kind = "checkpoint_mutex_held"
	// KindInvalidShard marks a reference to a shard id the factory does
	// not know about.
	KindInvalidShard Kind = "invalid_shard"
	// KindAuthFailed marks a connection attempt rejected by the shard's
	// authentication.
	KindAuthFailed Kind = "auth_failed"
	// KindUnavailable marks a read that could not be served because no
	// shard capable of answering it is live.
	KindUnavailable Kind = "unavailable"
)

// Error wraps an underlying error with the coordinator's Kind taxonomy plus
// enough context (operation, shard) to log or report without re-deriving it
// from the call site.
type Error struct {
	Kind  Kind
	Op    string
	Shard int
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		if e.Shard != 0 {
			return fmt.Sprintf("%s: %s (shard %d)", e.Op, e.Kind, e.Shard)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Shard != 0 {
		return fmt.Sprintf("%s: %s (shard %d): %v", e.Op, e.Kind, e.Shard, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying driver or I/O error for errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a *Error carrying the same Kind, letting
// callers write errors.Is(err, txnerr.New(KindLockUnavailable, "", 0, nil)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error for the given kind, operation name, and (optional,
// zero if not applicable) shard id, wrapping cause if non-nil.
func New(kind Kind, op string, shard int, cause error) *Error {
	return &Error{Kind: kind, Op: op, Shard: shard, Err: cause}
}

// Sentinel returns a bare *Error carrying only kind, suitable as the target
// argument to errors.Is.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// Duplicater is implemented by fake backends (internal/fakeshard) that
// cannot produce a real *mysql.MySQLError but still need to signal a
// primary-key collision to IsDuplicateKey.
type Duplicater interface{ IsDuplicateKey() bool }

// IsDuplicateKey reports whether err (or any cause it wraps) represents a
// primary-key uniqueness violation, the race two writers can hit between
// reading and inserting the same synthesised id.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var d Duplicater
	if errors.As(err, &d) {
		return d.IsDuplicateKey()
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
