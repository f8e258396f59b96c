package reader

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/txncoord/internal/config"
	"github.com/dreamware/txncoord/internal/liveness"
	"github.com/dreamware/txncoord/internal/shardconn"
	"github.com/dreamware/txncoord/internal/topology"
	"github.com/dreamware/txncoord/internal/txnerr"
)

// Row is one result row, keyed by column name. Every query this package
// serves is expected to select trans_id among its columns, since that is
// the key union/scan reads de-duplicate and sort on.
type Row map[string]any

// Result is the outcome of a Fetch: the rows it found, plus which shards
// were actually consulted to produce them (for observability).
type Result struct {
	Rows            []Row
	ShardsConsulted []int
}

type cacheKey struct {
	query   string
	hasKey  bool
	routing int64
	limit   int
}

// Pipeline is the read reconstruction engine.
type Pipeline struct {
	Factory  shardconn.Factory
	Liveness *liveness.Monitor
	Topology *topology.Topology
	Policy   config.Policy
	Logger   *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]Result
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// Invalidate discards every cached result. Fetch always calls this before
// running a query, so a caller's own recent write is never masked by a
// result a previous Fetch memoized.
func (p *Pipeline) Invalidate() {
	p.mu.Lock()
	p.cache = nil
	p.mu.Unlock()
}

func (p *Pipeline) remember(key cacheKey, result Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cache == nil {
		p.cache = make(map[cacheKey]Result)
	}
	p.cache[key] = result
}

// Fetch serves query, a SELECT statement, routed by routingKey when given
// and limited to limit rows (0 means unlimited).
func (p *Pipeline) Fetch(ctx context.Context, query string, routingKey *int64, limit int) (Result, error) {
	p.Invalidate()

	key := cacheKey{query: query, limit: limit}
	if routingKey != nil {
		key.hasKey, key.routing = true, *routingKey
		result, err := p.fetchPoint(ctx, query, *routingKey, limit)
		if err == nil {
			p.remember(key, result)
		}
		return result, err
	}

	result, err := p.fetchScan(ctx, query, limit)
	if err == nil {
		p.remember(key, result)
	}
	return result, err
}

func (p *Pipeline) fetchPoint(ctx context.Context, query string, routingKey int64, limit int) (Result, error) {
	live := p.Liveness.Status(ctx, false)
	central := p.Topology.CentralID()
	target := p.Topology.ShardForKey(routingKey)

	if live[target] {
		rows, err := p.query(ctx, target, query, limit)
		if err != nil {
			return Result{}, err
		}
		return Result{Rows: rows, ShardsConsulted: []int{target}}, nil
	}
	if live[central] {
		rows, err := p.query(ctx, central, query, limit)
		if err != nil {
			return Result{}, err
		}
		return Result{Rows: rows, ShardsConsulted: []int{central}}, nil
	}
	return Result{}, txnerr.New(txnerr.KindUnavailable, "reader.fetch_point", 0, nil)
}

func (p *Pipeline) fetchScan(ctx context.Context, query string, limit int) (Result, error) {
	live := p.Liveness.Status(ctx, false)
	central := p.Topology.CentralID()

	if live[central] {
		rows, err := p.query(ctx, central, query, limit)
		if err != nil {
			// Central is live but its query itself failed: the
			// authoritative view is unreadable, not merely unreachable.
			// Propagate rather than falling back to the partitions.
			return Result{}, err
		}
		return Result{Rows: rows, ShardsConsulted: []int{central}}, nil
	}

	parts := append([]int(nil), p.Topology.PartitionIDs()...)
	slices.Sort(parts)

	var merged []Row
	var consulted []int
	seen := make(map[int64]bool)
	anyLive := false
	for _, shard := range parts {
		if !live[shard] {
			continue
		}
		anyLive = true
		rows, err := p.query(ctx, shard, query, 0)
		if err != nil {
			p.logger().Warn("reader: partition scan failed", zap.Int("shard", shard), zap.Error(err))
			continue
		}
		consulted = append(consulted, shard)
		for _, row := range rows {
			id, ok := transID(row)
			if ok && seen[id] {
				continue
			}
			if ok {
				seen[id] = true
			}
			merged = append(merged, row)
		}
	}
	if !anyLive {
		return Result{}, txnerr.New(txnerr.KindUnavailable, "reader.fetch_scan", 0, nil)
	}

	slices.SortStableFunc(merged, func(a, b Row) int {
		aID, _ := transID(a)
		bID, _ := transID(b)
		switch {
		case aID < bID:
			return -1
		case aID > bID:
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return Result{Rows: merged, ShardsConsulted: consulted}, nil
}

func (p *Pipeline) query(ctx context.Context, shard int, sqlQuery string, limit int) ([]Row, error) {
	sess, err := p.Factory.Open(ctx, shard, p.Policy.IsolationDefault)
	if err != nil {
		return nil, err
	}
	defer func() {
		sess.Rollback()
		sess.Close()
	}()

	rs, err := sess.Query(ctx, sqlQuery)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			// No-arg queries travel over the driver's text protocol, which
			// hands every column back as bytes regardless of column type.
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func transID(row Row) (int64, bool) {
	v, ok := row["trans_id"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case []byte:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
