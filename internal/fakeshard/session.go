package fakeshard

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// session is a fake shardconn.Session. It recognises the fixed set of SQL
// shapes the coordinator's own backends (lockmgr, recovery, writer, reader)
// issue and mutates the owning Factory's in-memory state accordingly.
// Mutations are recorded as undo closures so Rollback can undo a statement
// that was never committed, matching the real per-row-transaction contract.
type session struct {
	factory *Factory
	shardID int
	state   *shardState
	undo    []func()
	open    bool
}

func (s *session) ShardID() int { return s.shardID }

// normalize collapses whitespace so statement matching is tolerant of
// formatting differences between the caller and the literal strings below.
func normalize(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func (s *session) exec(query string, args []any) (int64, int64, error) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.open = true
	q := normalize(query)
	st := s.state

	switch {
	case strings.HasPrefix(q, "INSERT INTO distributed_lock") && strings.Contains(q, "ON DUPLICATE KEY UPDATE"):
		name, holder, lockTime := args[0].(string), args[1].(string), args[2].(time.Time)
		prev, existed := st.locks[name]
		st.locks[name] = lockRow{holder: holder, lockTime: lockTime}
		s.undo = append(s.undo, func() {
			if existed {
				st.locks[name] = prev
			} else {
				delete(st.locks, name)
			}
		})
		return 0, 1, nil

	case strings.HasPrefix(q, "INSERT INTO distributed_lock"):
		name, holder := args[0].(string), args[1].(string)
		if _, exists := st.locks[name]; exists {
			return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.insert_lock", s.shardID, errDuplicate{})
		}
		st.locks[name] = lockRow{holder: holder, lockTime: time.Now()}
		s.undo = append(s.undo, func() { delete(st.locks, name) })
		return 0, 1, nil

	case strings.HasPrefix(q, "DELETE FROM distributed_lock WHERE lock_name = ? AND holder_id = ?"):
		name, holder := args[0].(string), args[1].(string)
		row, ok := st.locks[name]
		if !ok || row.holder != holder {
			return 0, 0, nil
		}
		delete(st.locks, name)
		s.undo = append(s.undo, func() { st.locks[name] = row })
		return 0, 1, nil

	case strings.HasPrefix(q, "DELETE FROM distributed_lock WHERE lock_name = ?"):
		name := args[0].(string)
		row, ok := st.locks[name]
		if !ok {
			return 0, 0, nil
		}
		delete(st.locks, name)
		s.undo = append(s.undo, func() { st.locks[name] = row })
		return 0, 1, nil

	case strings.HasPrefix(q, "DELETE FROM distributed_lock WHERE holder_id = ?"):
		holder := args[0].(string)
		removed := make(map[string]lockRow)
		for name, row := range st.locks {
			if row.holder == holder {
				removed[name] = row
				delete(st.locks, name)
			}
		}
		s.undo = append(s.undo, func() {
			for name, row := range removed {
				st.locks[name] = row
			}
		})
		return 0, int64(len(removed)), nil

	case strings.HasPrefix(q, "INSERT INTO recovery_log"):
		row := logRow{
			logID:        st.nextLogID + 1,
			targetShard:  toInt(args[0]),
			sourceShard:  toInt(args[1]),
			sqlStatement: args[2].(string),
			hash:         args[3].(string),
			status:       args[4].(string),
			retryCount:   0,
			errMessage:   toString(args[5]),
		}
		st.nextLogID = row.logID
		st.log = append(st.log, row)
		idx := len(st.log) - 1
		s.undo = append(s.undo, func() { st.log = append(st.log[:idx], st.log[idx+1:]...) })
		return row.logID, 1, nil

	case strings.HasPrefix(q, "UPDATE recovery_log SET status"):
		status, retryCount, errMsg, logID := args[0].(string), toInt(args[1]), toString(args[2]), toInt64(args[3])
		for i := range st.log {
			if st.log[i].logID == logID {
				prev := st.log[i]
				st.log[i].status, st.log[i].retryCount, st.log[i].errMessage = status, retryCount, errMsg
				s.undo = append(s.undo, func() { st.log[i] = prev })
				return 0, 1, nil
			}
		}
		return 0, 0, nil

	case strings.HasPrefix(q, "INSERT IGNORE INTO recovery_checkpoints") && strings.Contains(q, "(0, -1)"):
		if _, ok := st.checkpoints[0]; ok {
			return 0, 0, nil
		}
		st.checkpoints[0] = -1
		s.undo = append(s.undo, func() { delete(st.checkpoints, 0) })
		return 0, 1, nil

	case strings.HasPrefix(q, "INSERT IGNORE INTO recovery_checkpoints"):
		shard := toInt(args[0])
		if _, ok := st.checkpoints[shard]; ok {
			return 0, 0, nil
		}
		st.checkpoints[shard] = 0
		s.undo = append(s.undo, func() { delete(st.checkpoints, shard) })
		return 0, 1, nil

	case strings.HasPrefix(q, "UPDATE recovery_checkpoints SET last_processed_log_id = ?, mutex_heartbeat = NOW()"):
		token, ttlSeconds := toInt64(args[0]), toInt(args[1])
		ttl := time.Duration(ttlSeconds) * time.Second
		held := st.mutexHeld
		stale := held != "" && time.Since(st.mutexBeat) > ttl
		if held == "" || stale {
			prevHeld, prevBeat := st.mutexHeld, st.mutexBeat
			st.mutexHeld = tokenString(token)
			st.mutexBeat = time.Now()
			s.undo = append(s.undo, func() { st.mutexHeld, st.mutexBeat = prevHeld, prevBeat })
			return 0, 1, nil
		}
		return 0, 0, nil

	case strings.HasPrefix(q, "UPDATE recovery_checkpoints SET last_processed_log_id = -1"):
		token := toInt64(args[0])
		if st.mutexHeld == tokenString(token) {
			prev := st.mutexHeld
			st.mutexHeld = ""
			s.undo = append(s.undo, func() { st.mutexHeld = prev })
			return 0, 1, nil
		}
		return 0, 0, nil

	case strings.HasPrefix(q, "UPDATE recovery_checkpoints SET last_processed_log_id = ?"):
		value, shard := toInt64(args[0]), toInt(args[1])
		prev, existed := st.checkpoints[shard]
		st.checkpoints[shard] = value
		s.undo = append(s.undo, func() {
			if existed {
				st.checkpoints[shard] = prev
			} else {
				delete(st.checkpoints, shard)
			}
		})
		return 0, 1, nil

	case strings.HasPrefix(q, "INSERT INTO trans"):
		// The writer pipeline hands trans statements to Execute as fully
		// literal SQL, not "?"-bound args: the same text is later replayed
		// verbatim from the recovery log, which has nowhere to carry a
		// separate args slice. So values come from the statement text, the
		// same way they do for a real MySQL connection.
		cols := columnsOf(q)
		vals := literalValuesOf(q)
		if len(cols) == 0 || len(vals) != len(cols) {
			return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.insert_trans", s.shardID, errUnrecognized{query: q})
		}
		pk, ok := vals[0].(int64)
		if !ok {
			return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.insert_trans", s.shardID, errUnrecognized{query: q})
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		if _, existed := st.trans[pk]; existed {
			return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.insert_trans", s.shardID, errDuplicate{})
		}
		st.trans[pk] = row
		s.undo = append(s.undo, func() { delete(st.trans, pk) })
		return pk, 1, nil

	case strings.HasPrefix(q, "UPDATE trans SET") && strings.Contains(q, "WHERE trans_id"):
		cols, vals := setAssignmentsOf(q)
		pk, ok := whereTransID(q)
		if !ok {
			return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.update_trans", s.shardID, errUnrecognized{query: q})
		}
		row, ok := st.trans[pk]
		if !ok {
			return 0, 0, nil
		}
		prev := cloneRow(row)
		for i, c := range cols {
			row[c] = vals[i]
		}
		s.undo = append(s.undo, func() { st.trans[pk] = prev })
		return 0, 1, nil

	case strings.HasPrefix(q, "DELETE FROM trans WHERE trans_id"):
		pk, ok := whereTransID(q)
		if !ok {
			return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.delete_trans", s.shardID, errUnrecognized{query: q})
		}
		row, ok := st.trans[pk]
		if !ok {
			return 0, 0, nil
		}
		delete(st.trans, pk)
		s.undo = append(s.undo, func() { st.trans[pk] = row })
		return 0, 1, nil
	}

	return 0, 0, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.exec", s.shardID, errUnrecognized{query: q})
}

func (s *session) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	id, n, err := s.exec(query, args)
	if err != nil {
		return nil, err
	}
	return fakeResult{lastID: id, affected: n}, nil
}

func (s *session) Query(ctx context.Context, query string, args ...any) (shardconn.Rows, error) {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	s.open = true
	q := normalize(query)
	st := s.state

	switch {
	case q == "SELECT 1":
		return &rows{data: [][]any{{int64(1)}}}, nil

	case strings.HasPrefix(q, "SELECT holder_id, lock_time FROM distributed_lock WHERE lock_name = ?"):
		name := args[0].(string)
		row, ok := st.locks[name]
		if !ok {
			return &rows{}, nil
		}
		return &rows{data: [][]any{{row.holder, row.lockTime}}}, nil

	case strings.HasPrefix(q, "SELECT log_id, target_node, source_node, sql_statement, transaction_hash, status, retry_count FROM recovery_log WHERE transaction_hash = ?"):
		hash := args[0].(string)
		for _, row := range st.log {
			if row.hash == hash && (row.status == "PENDING" || row.status == "COMPLETED") {
				return &rows{data: [][]any{logRowValues(row)}}, nil
			}
		}
		return &rows{}, nil

	case strings.HasPrefix(q, "SELECT COUNT(*) FROM recovery_log WHERE status = 'PENDING'"):
		n := 0
		for _, row := range st.log {
			if row.status == "PENDING" {
				n++
			}
		}
		return &rows{data: [][]any{{n}}}, nil

	case strings.HasPrefix(q, "SELECT log_id, target_node, source_node, sql_statement, transaction_hash, status, retry_count FROM recovery_log WHERE status = 'PENDING' AND log_id > ?"):
		after := toInt64(args[0])
		var data [][]any
		for _, row := range st.log {
			if row.status == "PENDING" && row.logID > after {
				data = append(data, logRowValues(row))
			}
		}
		return &rows{data: data}, nil

	case strings.HasPrefix(q, "SELECT last_processed_log_id FROM recovery_checkpoints WHERE node_id = ?"):
		shard := toInt(args[0])
		value, ok := st.checkpoints[shard]
		if !ok {
			return &rows{}, nil
		}
		return &rows{data: [][]any{{value}}}, nil

	case strings.HasPrefix(q, "SELECT MAX(trans_id) FROM trans"):
		var max int64 = -1
		for pk := range st.trans {
			if pk > max {
				max = pk
			}
		}
		if max < 0 {
			return &rows{data: [][]any{{nil}}}, nil
		}
		return &rows{data: [][]any{{max}}}, nil

	case strings.Contains(q, "FROM trans"):
		cols := selectColumnsOf(q)
		var data [][]any
		if pk, ok := whereTransID(q); ok {
			if row, ok := st.trans[pk]; ok {
				data = append(data, rowValues(row, cols))
			}
		} else {
			keys := sortedKeys(st.trans)
			for _, pk := range keys {
				data = append(data, rowValues(st.trans[pk], cols))
			}
		}
		return &rows{data: data, cols: cols}, nil
	}

	return nil, txnerr.New(txnerr.KindShardUnreachable, "fakeshard.query", s.shardID, errUnrecognized{query: q})
}

func (s *session) Commit() error {
	s.undo = nil
	s.open = false
	return nil
}

func (s *session) Rollback() error {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.undo = nil
	s.open = false
	return nil
}

func (s *session) Close() error { return nil }
