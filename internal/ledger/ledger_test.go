package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"canvasledger/internal/store"
)

func testRecord(id string) store.Record {
	return store.Record{Kind: store.KindStroke, ID: id, RoomID: "room-1", User: "alice", Timestamp: 100, Payload: []byte(`{"color":"#000"}`)}
}

func testPayload(t *testing.T, id string) []byte {
	t.Helper()
	raw, err := store.Encode(testRecord(id))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func TestWithTimeoutPassesThroughSuccess(t *testing.T) {
	c := WithTimeout(CommitFunc(func(context.Context, []byte) (string, error) {
		return "txn-1", nil
	}), time.Second)

	txn, err := c.Commit(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if txn != "txn-1" {
		t.Fatalf("unexpected txn %q", txn)
	}
}

func TestWithTimeoutBoundsSlowCommit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := WithTimeout(CommitFunc(func(ctx context.Context, _ []byte) (string, error) {
		<-release
		return "late", nil
	}), 20*time.Millisecond)

	start := time.Now()
	_, err := c.Commit(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrCommitFailure) {
		t.Fatalf("expected ErrCommitFailure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("commit blocked for %s", elapsed)
	}
}

func TestWithTimeoutWrapsErrors(t *testing.T) {
	boom := errors.New("ledger down")
	c := WithTimeout(CommitFunc(func(context.Context, []byte) (string, error) {
		return "", boom
	}), time.Second)

	_, err := c.Commit(context.Background(), nil)
	if !errors.Is(err, ErrCommitFailure) || !errors.Is(err, boom) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestWithTimeoutZeroIsPassThrough(t *testing.T) {
	inner := NopCommitter{}
	if got := WithTimeout(inner, 0); got != Committer(inner) {
		t.Fatalf("expected the inner committer back")
	}
}
