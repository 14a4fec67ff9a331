package qmeta

import (
	"path/filepath"
	"testing"

	"github.com/qservgo/qserv/internal/ids"
)

func TestMessageStoreRingEvictsOldest(t *testing.T) {
	ms := NewMessageStore(2, nil)
	ms.Append(1, QMessage{ChunkId: 1, State: "COMPLETE"})
	ms.Append(1, QMessage{ChunkId: 2, State: "COMPLETE"})
	ms.Append(1, QMessage{ChunkId: 3, State: "COMPLETE"})

	msgs := ms.Messages(1)
	if len(msgs) != 2 {
		t.Fatalf("expected ring capped at 2, got %d", len(msgs))
	}
	if msgs[0].ChunkId != 2 || msgs[1].ChunkId != 3 {
		t.Fatalf("expected oldest entry evicted, got %+v", msgs)
	}
}

func TestMessageStoreAppendMultiError(t *testing.T) {
	ms := NewMessageStore(10, nil)
	errs := []QMessage{
		{ChunkId: 42, StateCode: 17, StateDesc: "timeout", Timestamp: 100},
		{ChunkId: 43, StateCode: 9, StateDesc: "oom", Timestamp: 101},
	}
	if err := ms.AppendMultiError(1, errs); err != nil {
		t.Fatalf("append multierror: %v", err)
	}

	msgs := ms.Messages(1)
	if len(msgs) != 1 || msgs[0].State != "MULTIERROR" {
		t.Fatalf("expected one MULTIERROR message, got %+v", msgs)
	}
	if msgs[0].Severity != "ERROR" {
		t.Fatalf("expected MULTIERROR severity ERROR, got %q", msgs[0].Severity)
	}
}

func TestJournalAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(filepath.Join(dir, "qmeta.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	ms := NewMessageStore(10, j)
	ms.Append(ids.QueryId(5), QMessage{ChunkId: 1, State: "COMPLETE", Timestamp: 1})
	ms.Append(ids.QueryId(5), QMessage{ChunkId: 2, State: "COMPLETE", Timestamp: 2})
	ms.Append(ids.QueryId(6), QMessage{ChunkId: 1, State: "COMPLETE", Timestamp: 1})

	replayed, err := j.Replay(ids.QueryId(5))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replayed) != 2 {
		t.Fatalf("expected 2 journaled messages for query 5, got %d", len(replayed))
	}
	if replayed[0].ChunkId != 1 || replayed[1].ChunkId != 2 {
		t.Fatalf("expected replay in append order, got %+v", replayed)
	}
}
