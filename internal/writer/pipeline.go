package writer

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/liveness"
	"github.com/dreamware/txncoord/internal/lockmgr"
	"github.com/dreamware/txncoord/internal/recovery"
	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/topology"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// maxInsertAttempts bounds how many times Begin will attempt an allocating
// insert (the first try plus retries after id collisions) before giving up.
const maxInsertAttempts = 3

// newIDToken is the literal substring an allocating insert's SQL template
// must contain; Begin replaces it with the synthesised trans_id.
const newIDToken = "%NEW_ID%"

// WriteOptions describes the row a write touches.
type WriteOptions struct {
	// PartitionKey is the row's partition_key, used to resolve the natural
	// partition shard for routing and replication.
	PartitionKey int64
	// TransID is the row's primary key. Zero means the write is an
	// allocating insert: the pipeline synthesises a new id and locks the
	// shared "insert_trans" resource instead of a row-scoped one.
	TransID int64
}

// WriteResult reports what happened to a committed write beyond its
// primary shard.
type WriteResult struct {
	Primary      int
	TransID      int64
	Replicated   []int
	LoggedFailed []int
}

// TxnHandle is an open write transaction, returned by Begin and consumed by
// Commit or Rollback.
type TxnHandle struct {
	opts      WriteOptions
	template  string
	sql       string
	resource  string
	primary   int
	isInsert  bool
	locked    []int
	session   shardconn.Session
	startedAt time.Time
}

// Pipeline is the write/replicate pipeline.
type Pipeline struct {
	Factory  shardconn.Factory
	Locks    *lockmgr.Manager
	Liveness *liveness.Monitor
	LogStore *recovery.LogStore
	Engine   *recovery.Engine
	Topology *topology.Topology
	Policy   config.Policy
	Logger   *zap.Logger

	// OnWriteDuration, if set, is called with the wall-clock seconds
	// between Begin and Commit for every successful write, letting a
	// caller like coordinator.Service feed a metrics histogram without
	// this package importing one.
	OnWriteDuration func(seconds float64)
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Begin acquires the locks and primary session for a write of sql against
// the row described by opts, synthesising a new trans_id first if opts asks
// for one.
//
// Behavior:
//   - Opportunistically drains the recovery backlog before locking
//   - Locks all shards (row-scoped resource, or "insert_trans" for an
//     allocating insert); proceeds once at least one shard grants it
//   - Picks the primary by liveness: central, then the row's natural
//     partition, then any live shard
//   - Allocating inserts require a quorum (central alive, or both
//     partitions alive) and make up to maxInsertAttempts attempts in all,
//     each id collision retried with a freshly derived id
//   - On success the primary session stays open and the locks stay held
//     until Commit or Rollback; the caller owns the handle
//
// Parameters:
//   - sql: the statement to execute; an allocating insert must carry the
//     literal token "%NEW_ID%" where the synthesised id belongs
//   - opts: the row's partition key, plus its trans_id (0 to allocate one)
//
// Returns:
//   - A TxnHandle to pass to Commit or Rollback
//   - An error carrying lock_unavailable, insufficient_quorum, unavailable,
//     or the primary shard's execution failure; all locks are released
//     before any error returns
func (p *Pipeline) Begin(ctx context.Context, sql string, opts WriteOptions) (*TxnHandle, error) {
	if p.Engine != nil {
		if _, err := p.Engine.Drain(ctx); err != nil {
			p.logger().Debug("opportunistic drain skipped", zap.Error(err))
		}
	}

	isInsert := opts.TransID == 0
	resource := "insert_trans"
	if !isInsert {
		resource = "trans_" + strconv.FormatInt(opts.TransID, 10)
	}

	shards := p.Topology.AllShardIDs()
	ok, err := p.Locks.AcquireMulti(ctx, resource, shards, p.Policy.LockTimeout())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, txnerr.New(txnerr.KindLockUnavailable, "writer.begin", 0, nil)
	}

	live := p.Liveness.Status(ctx, false)

	if isInsert && !quorumPresent(live, p.Topology) {
		p.Locks.ReleaseMulti(ctx, resource, shards)
		return nil, txnerr.New(txnerr.KindInsufficientQuorum, "writer.begin", 0, nil)
	}

	primary := choosePrimary(live, p.Topology, opts.PartitionKey)
	if primary == 0 {
		p.Locks.ReleaseMulti(ctx, resource, shards)
		return nil, txnerr.New(txnerr.KindUnavailable, "writer.begin", 0, nil)
	}

	tx := &TxnHandle{
		opts:      opts,
		template:  sql,
		resource:  resource,
		primary:   primary,
		isInsert:  isInsert,
		locked:    shards,
		startedAt: time.Now(),
	}

	// A primary-key collision on an allocating insert surfaces here, at
	// execution time, the same as it would on a real connection: MySQL
	// checks a PRIMARY KEY the moment the row is inserted, not at COMMIT.
	// Retry with a freshly recomputed id rather than failing the write
	// outright, bounded to maxInsertAttempts.
	for attempt := 1; ; attempt++ {
		if isInsert {
			newID, err := p.allocateID(ctx, live)
			if err != nil {
				p.Locks.ReleaseMulti(ctx, resource, shards)
				return nil, err
			}
			tx.opts.TransID = newID
		}
		tx.sql = substituteID(tx.template, tx.opts.TransID)

		sess, err := p.Factory.Open(ctx, primary, p.Policy.IsolationDefault)
		if err != nil {
			p.Locks.ReleaseMulti(ctx, resource, shards)
			return nil, err
		}
		if _, err := sess.Execute(ctx, tx.sql); err != nil {
			sess.Rollback()
			sess.Close()
			if isInsert && txnerr.IsDuplicateKey(err) && attempt < maxInsertAttempts {
				live = p.Liveness.Status(ctx, true)
				continue
			}
			p.Locks.ReleaseMulti(ctx, resource, shards)
			return nil, err
		}
		tx.session = sess
		return tx, nil
	}
}

// Commit commits tx on its primary shard, then best-effort replicates the
// same statement to the shards the replication policy names, logging
// failures to recovery rather than failing the write. Locks are always
// released before Commit returns.
//
// Behavior:
//   - The primary commit happens before any replication attempt; if it
//     fails the whole write aborts with primary_commit_failed
//   - Replication faults never fail the call: each failed target gets a
//     recovery_log entry and the remaining targets are still attempted
//   - Locks release last (shrinking phase), after the failure log is
//     durable
//
// Returns:
//   - A WriteResult naming the primary, the committed trans_id, the shards
//     replicated live, and the shards deferred to recovery
//   - An error only if the primary commit itself failed
func (p *Pipeline) Commit(ctx context.Context, tx *TxnHandle) (WriteResult, error) {
	if err := tx.session.Commit(); err != nil {
		tx.session.Close()
		p.Locks.ReleaseMulti(ctx, tx.resource, tx.locked)
		return WriteResult{}, txnerr.New(txnerr.KindPrimaryCommitFailed, "writer.commit", tx.primary, err)
	}
	tx.session.Close()
	if p.OnWriteDuration != nil {
		p.OnWriteDuration(time.Since(tx.startedAt).Seconds())
	}

	result := WriteResult{Primary: tx.primary, TransID: tx.opts.TransID}
	for _, target := range p.replicationTargets(tx) {
		if p.replicate(ctx, target, tx.sql) {
			result.Replicated = append(result.Replicated, target)
			continue
		}
		if ok, _ := p.LogStore.LogBackup(ctx, target, tx.primary, tx.sql); ok {
			result.LoggedFailed = append(result.LoggedFailed, target)
		}
	}

	p.Locks.ReleaseMulti(ctx, tx.resource, tx.locked)
	return result, nil
}

// Rollback abandons tx: rolls back the primary session and releases every
// lock this write acquired.
func (p *Pipeline) Rollback(ctx context.Context, tx *TxnHandle) error {
	tx.session.Rollback()
	tx.session.Close()
	p.Locks.ReleaseMulti(ctx, tx.resource, tx.locked)
	return nil
}

func (p *Pipeline) replicate(ctx context.Context, shard int, sql string) bool {
	sess, err := p.Factory.Open(ctx, shard, p.Policy.IsolationDefault)
	if err != nil {
		return false
	}
	defer sess.Close()
	if _, err := sess.Execute(ctx, sql); err != nil {
		sess.Rollback()
		return false
	}
	if err := sess.Commit(); err != nil {
		return false
	}
	return true
}

// replicationTargets implements the replication policy: a write committed on the
// central shard replicates to the row's natural partition; a write
// committed on a partition shard replicates to central, plus the natural
// partition too if an emergency primary stood in for it.
func (p *Pipeline) replicationTargets(tx *TxnHandle) []int {
	natural := p.Topology.ShardForKey(tx.opts.PartitionKey)
	central := p.Topology.CentralID()

	if tx.primary == central {
		return []int{natural}
	}
	targets := []int{central}
	if tx.primary != natural {
		targets = append(targets, natural)
	}
	return targets
}

func (p *Pipeline) allocateID(ctx context.Context, live map[int]bool) (int64, error) {
	var max int64
	for _, shard := range p.Topology.AllShardIDs() {
		if !live[shard] {
			continue
		}
		sess, err := p.Factory.Open(ctx, shard, p.Policy.IsolationDefault)
		if err != nil {
			continue
		}
		rows, err := sess.Query(ctx, "SELECT MAX(trans_id) FROM trans")
		if err == nil {
			if rows.Next() {
				// A no-arg query travels over the driver's text protocol, so
				// MAX arrives as bytes; NullInt64 parses it and absorbs the
				// NULL an empty table returns.
				var v sql.NullInt64
				if serr := rows.Scan(&v); serr == nil && v.Valid && v.Int64 > max {
					max = v.Int64
				}
			}
			rows.Close()
		}
		sess.Rollback()
		sess.Close()
	}
	return max + 1, nil
}

// substituteID fills an allocating insert's template with its synthesised
// id. Non-allocating writes already carry their literal trans_id and leave
// the template unchanged.
func substituteID(template string, id int64) string {
	if !strings.Contains(template, newIDToken) {
		return template
	}
	return strings.Replace(template, newIDToken, strconv.FormatInt(id, 10), 1)
}

// quorumPresent reports whether enough shards are live to safely allocate a
// new trans_id: the central shard alone, or both partition shards together.
func quorumPresent(live map[int]bool, topo *topology.Topology) bool {
	if live[topo.CentralID()] {
		return true
	}
	parts := topo.PartitionIDs()
	if len(parts) != 2 {
		return false
	}
	return live[parts[0]] && live[parts[1]]
}

// choosePrimary picks the write's primary shard: central first, then
// the row's natural partition, then any other live shard, in a
// deterministic order.
func choosePrimary(live map[int]bool, topo *topology.Topology, partitionKey int64) int {
	central := topo.CentralID()
	if live[central] {
		return central
	}
	natural := topo.ShardForKey(partitionKey)
	if live[natural] {
		return natural
	}
	for _, shard := range topo.AllShardIDs() {
		if live[shard] {
			return shard
		}
	}
	return 0
}
