package shardconn

import (
	"context"
	"database/sql"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// Session is a single-threaded handle to one shard, opened at a requested
// isolation level. Callers execute statements, then explicitly Commit or
// Rollback, then Close. A Session must not be shared between goroutines.
type Session interface {
	// ShardID returns the id of the shard this session is connected to.
	ShardID() int

	// Execute runs a statement inside this session's transaction, opening
	// the transaction lazily on first call.
	Execute(ctx context.Context, query string, args ...any) (sql.Result, error)

	// Query runs a read statement inside this session's transaction,
	// opening the transaction lazily on first call. The caller must close
	// the returned rows.
	Query(ctx context.Context, query string, args ...any) (Rows, error)

	// Commit commits the open transaction, if any.
	Commit() error

	// Rollback rolls back the open transaction, if any. Safe to call after
	// Commit has already succeeded (no-op).
	Rollback() error

	// Close releases the underlying connection back to the pool. Callers
	// must Commit or Rollback before Close if a transaction was opened.
	Close() error
}

// Rows is the minimal result-set cursor Query returns. *sql.Rows satisfies
// it without modification; it exists as an interface purely so a
// non-database fake (internal/fakeshard) can implement Session too.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
	Columns() ([]string, error)
}

// sqlSession implements Session over a dedicated *sql.Conn so that the
// session genuinely owns one connection for its lifetime: single-threaded,
// never pooled across callers.
type sqlSession struct {
	shardID   int
	conn      *sql.Conn
	isolation config.Isolation
	tx        *sql.Tx
}

func (s *sqlSession) ShardID() int { return s.shardID }

func (s *sqlSession) ensureTx(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: isolationLevel(s.isolation)})
	if err != nil {
		return txnerr.New(txnerr.KindShardUnreachable, "shardconn.begin", s.shardID, err)
	}
	s.tx = tx
	return nil
}

func (s *sqlSession) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := s.ensureTx(ctx); err != nil {
		return nil, err
	}
	res, err := s.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, txnerr.New(txnerr.KindShardUnreachable, "shardconn.execute", s.shardID, err)
	}
	return res, nil
}

func (s *sqlSession) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	if err := s.ensureTx(ctx); err != nil {
		return nil, err
	}
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txnerr.New(txnerr.KindShardUnreachable, "shardconn.query", s.shardID, err)
	}
	return rows, nil
}

func (s *sqlSession) Commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return txnerr.New(txnerr.KindPrimaryCommitFailed, "shardconn.commit", s.shardID, err)
	}
	return nil
}

func (s *sqlSession) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil && err != sql.ErrTxDone {
		return txnerr.New(txnerr.KindShardUnreachable, "shardconn.rollback", s.shardID, err)
	}
	return nil
}

func (s *sqlSession) Close() error {
	return s.conn.Close()
}

func isolationLevel(i config.Isolation) sql.IsolationLevel {
	switch i {
	case config.ReadUncommitted:
		return sql.LevelReadUncommitted
	case config.ReadCommitted:
		return sql.LevelReadCommitted
	case config.Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelRepeatableRead
	}
}
