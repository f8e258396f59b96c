// Package fakeshard provides an in-memory shardconn.Factory/Session fake so
// the lock manager, recovery store, write pipeline, and read reconstruction
// can be exercised in tests without a live MySQL instance.
//
// Everything lives behind one mutex and there is no I/O: the guarded state
// is the coordinator's three fixed tables (distributed_lock, recovery_log,
// recovery_checkpoints) plus a generic trans table, and Session.Execute and
// Session.Query recognise the literal SQL shapes the coordinator's own
// backends issue.
//
// Statements outside the recognised shapes return an error; the fake is
// deliberately not a general SQL engine; it exists to make this
// coordinator's own fixed statement set deterministic and fast in tests.
package fakeshard
