package txnerr

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
)

func TestIsMatchedByKindNotByInstance(t *testing.T) {
	err := New(KindLockUnavailable, "lockmgr.acquire", 3, errors.New("boom"))
	if !errors.Is(err, Sentinel(KindLockUnavailable)) {
		t.Fatal("expected errors.Is to match on Kind alone")
	}
	if errors.Is(err, Sentinel(KindShardUnreachable)) {
		t.Fatal("expected no match for a different Kind")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindShardUnreachable, "shardconn.open", 2, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause")
	}
}

func TestErrorStringIncludesShardWhenSet(t *testing.T) {
	err := New(KindReplicationFailed, "writer.commit", 2, nil)
	got := err.Error()
	want := "writer.commit: replication_failed (shard 2)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestErrorStringOmitsShardWhenZero(t *testing.T) {
	err := New(KindInsufficientQuorum, "writer.begin", 0, nil)
	got := err.Error()
	want := "writer.begin: insufficient_quorum"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIsDuplicateKeyRecognisesMySQLError1062(t *testing.T) {
	err := fmt.Errorf("insert failed: %w", &mysqldriver.MySQLError{Number: 1062, Message: "dup"})
	if !IsDuplicateKey(err) {
		t.Fatal("expected MySQL error 1062 to be recognised as a duplicate key")
	}
}

func TestIsDuplicateKeyRejectsOtherMySQLErrors(t *testing.T) {
	err := &mysqldriver.MySQLError{Number: 1213, Message: "deadlock"}
	if IsDuplicateKey(err) {
		t.Fatal("expected a non-1062 MySQL error not to be treated as a duplicate key")
	}
}

type fakeDuplicate struct{}

func (fakeDuplicate) Error() string        { return "duplicate" }
func (fakeDuplicate) IsDuplicateKey() bool { return true }

func TestIsDuplicateKeyRecognisesDuplicaterInterface(t *testing.T) {
	if !IsDuplicateKey(fakeDuplicate{}) {
		t.Fatal("expected a Duplicater implementation to be recognised")
	}
}

func TestIsDuplicateKeyHandlesNil(t *testing.T) {
	if IsDuplicateKey(nil) {
		t.Fatal("expected a nil error not to be a duplicate key")
	}
}
