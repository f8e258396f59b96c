package shardconn

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// Factory produces sessions to a named shard. Implementations must be safe
// for concurrent Open calls from multiple goroutines.
//
// All implementations must guarantee:
//   - Open returns a Session owned exclusively by the caller
//   - Sessions from the same Factory never share a transaction
//   - Close is safe to call once all outstanding Sessions are closed
//
// Two implementations exist: MySQLFactory (production, one *sql.DB pool per
// shard) and internal/fakeshard's Factory (tests, in-memory).
type Factory interface {
	// Open returns a new Session to shardID at the given isolation level.
	// Connect attempts are bounded by the shard's configured
	// connect_timeout (default 10s).
	Open(ctx context.Context, shardID int, isolation config.Isolation) (Session, error)

	// ShardIDs returns every shard id this factory knows about, in the
	// order they were configured.
	ShardIDs() []int

	// CentralShardID returns the id of the shard configured as central.
	CentralShardID() int

	// Close closes every underlying connection pool.
	Close() error
}

// MySQLFactory is the production Factory, backed by one *sql.DB pool per
// shard using the go-sql-driver/mysql driver.
type MySQLFactory struct {
	mu      sync.RWMutex
	pools   map[int]*sql.DB
	timeout map[int]time.Duration
	central int
	ids     []int
}

// NewMySQLFactory opens one connection pool per shard described in shards.
// It does not block on connectivity; failures surface on first Open.
func NewMySQLFactory(shards []config.ShardConfig) (*MySQLFactory, error) {
	f := &MySQLFactory{
		pools:   make(map[int]*sql.DB, len(shards)),
		timeout: make(map[int]time.Duration, len(shards)),
	}
	for _, s := range shards {
		db, err := sql.Open("mysql", s.DSN())
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("shardconn: open shard %d: %w", s.ID, err)
		}
		// Sessions are single-threaded and own one connection each; the
		// pool only needs to support however many concurrent callers the
		// process has in flight at once.
		db.SetMaxIdleConns(4)
		f.pools[s.ID] = db
		timeout := time.Duration(s.ConnectTimeout) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		f.timeout[s.ID] = timeout
		f.ids = append(f.ids, s.ID)
		if s.Central {
			f.central = s.ID
		}
	}
	return f, nil
}

func (f *MySQLFactory) Open(ctx context.Context, shardID int, isolation config.Isolation) (Session, error) {
	f.mu.RLock()
	db, ok := f.pools[shardID]
	timeout := f.timeout[shardID]
	f.mu.RUnlock()
	if !ok {
		return nil, txnerr.New(txnerr.KindInvalidShard, "shardconn.open", shardID, nil)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := db.Conn(connectCtx)
	if err != nil {
		return nil, txnerr.New(txnerr.KindShardUnreachable, "shardconn.open", shardID, err)
	}
	return &sqlSession{shardID: shardID, conn: conn, isolation: isolation}, nil
}

func (f *MySQLFactory) ShardIDs() []int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]int, len(f.ids))
	copy(out, f.ids)
	return out
}

func (f *MySQLFactory) CentralShardID() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.central
}

func (f *MySQLFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var firstErr error
	for id, db := range f.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shardconn: close shard %d: %w", id, err)
		}
	}
	return firstErr
}
