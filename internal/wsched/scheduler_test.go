package wsched

import (
	"testing"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wbase"
	"github.com/qservgo/qserv/internal/wire"
)

type fakeMemMan struct{}

func (fakeMemMan) Prepare(tables []string, chunkId ids.ChunkId, required bool) (any, bool) {
	return chunkId, true
}
func (fakeMemMan) Release(handle any)             {}
func (fakeMemMan) Overlaps(a, b any) bool          { return false }

func newTask(qid ids.QueryId, jid ids.JobId, chunkId ids.ChunkId) *wbase.Task {
	return wbase.NewTask(wire.TaskMsg{QueryId: qid, JobId: jid, ChunkId: chunkId}, nil)
}

func TestGroupSchedulerGroupsByChunk(t *testing.T) {
	g := NewGroupScheduler(4)
	g.QueCmd([]*wbase.Task{newTask(1, 1, 10), newTask(1, 2, 10), newTask(2, 3, 20)})

	first := g.GetCmd(false)
	if first == nil || first.ChunkId != 10 {
		t.Fatalf("expected first task from chunk 10, got %+v", first)
	}
	second := g.GetCmd(false)
	if second == nil || second.ChunkId != 10 {
		t.Fatalf("expected second task from chunk 10, got %+v", second)
	}
}

func TestScanSchedulerMaxActiveChunksSerializes(t *testing.T) {
	s := NewScanScheduler("fast", 0, 10, 1, 4, 0, fakeMemMan{})
	s.QueCmd([]*wbase.Task{newTask(1, 1, 10), newTask(1, 2, 20)})

	t1 := s.GetCmd(false)
	if t1 == nil {
		t.Fatal("expected to admit the first chunk")
	}
	t2 := s.GetCmd(false)
	if t2 != nil {
		t.Fatalf("expected the second chunk to be refused at maxActiveChunks=1, got %+v", t2)
	}

	s.CommandFinish(t1)
	t3 := s.GetCmd(false)
	if t3 == nil || t3.ChunkId != 20 {
		t.Fatalf("expected chunk 20 to be admitted after chunk 10 finished, got %+v", t3)
	}
}

func TestBlendClassifiesInteractiveToGroup(t *testing.T) {
	group := NewGroupScheduler(4)
	fast := NewScanScheduler("fast", 0, 10, 4, 4, 0, fakeMemMan{})
	snail := NewScanScheduler("snail", 0, 1<<30, 4, 4, -100, fakeMemMan{})
	blend := NewBlendScheduler(8, group, []*ScanScheduler{fast}, snail)

	msg := wire.TaskMsg{QueryId: 1, JobId: 1, Interactive: true, ScanTables: []wire.ScanTable{{Db: "test", Table: "t1"}}}
	if s := blend.Classify(msg); s != group {
		t.Fatalf("expected interactive task to classify to group, got %T", s)
	}

	msg2 := wire.TaskMsg{QueryId: 2, JobId: 2, ScanTables: []wire.ScanTable{{Db: "test", Table: "t1"}}, ScanPriority: 0}
	if s := blend.Classify(msg2); s != fast {
		t.Fatalf("expected scan task to classify to fast band, got %T", s)
	}
}

func TestBlendRoutesBootedQueryToSnail(t *testing.T) {
	group := NewGroupScheduler(4)
	fast := NewScanScheduler("fast", 0, 10, 4, 4, 0, fakeMemMan{})
	snail := NewScanScheduler("snail", 0, 1<<30, 4, 4, -100, fakeMemMan{})
	blend := NewBlendScheduler(8, group, []*ScanScheduler{fast}, snail)

	blend.MoveUserQueryToSnail(7, fast)
	msg := wire.TaskMsg{QueryId: 7, JobId: 1, ScanTables: []wire.ScanTable{{Db: "test", Table: "t1"}}, ScanPriority: 0}
	if s := blend.Classify(msg); s != snail {
		t.Fatalf("expected booted query to classify to snail, got %T", s)
	}
}

func TestMoveUserQueryToSnailMovesOnlyQueuedTasks(t *testing.T) {
	fast := NewScanScheduler("fast", 0, 10, 4, 4, 0, fakeMemMan{})
	snail := NewScanScheduler("snail", 0, 1<<30, 4, 4, -100, fakeMemMan{})
	group := NewGroupScheduler(4)
	blend := NewBlendScheduler(8, group, []*ScanScheduler{fast}, snail)

	fast.QueCmd([]*wbase.Task{newTask(9, 1, 10), newTask(9, 2, 10)})
	running := fast.GetCmd(false) // one task now in flight for query 9
	if running == nil {
		t.Fatal("expected to admit one task")
	}

	blend.MoveUserQueryToSnail(9, fast)

	if fast.Size() != 0 {
		t.Fatalf("expected no queued tasks left on fast, got %d", fast.Size())
	}
	if snail.Size() != 1 {
		t.Fatalf("expected exactly one task moved to snail, got %d", snail.Size())
	}
	if fast.InFlight() != 1 {
		t.Fatalf("expected the in-flight task to remain on fast, got inFlight=%d", fast.InFlight())
	}
}

func TestBlendBootSweepsAllBandsWithoutNamingOne(t *testing.T) {
	fast := NewScanScheduler("fast", 0, 10, 4, 4, 0, fakeMemMan{})
	medium := NewScanScheduler("medium", 11, 100, 4, 4, 1, fakeMemMan{})
	snail := NewScanScheduler("snail", 0, 1<<30, 4, 4, -100, fakeMemMan{})
	group := NewGroupScheduler(4)
	blend := NewBlendScheduler(8, group, []*ScanScheduler{fast, medium}, snail)

	medium.QueCmd([]*wbase.Task{newTask(13, 1, 20)})

	blend.Boot(13)

	if medium.Size() != 0 {
		t.Fatalf("expected the queued task to leave medium, got %d", medium.Size())
	}
	if snail.Size() != 1 {
		t.Fatalf("expected the task to land on snail, got %d", snail.Size())
	}

	msg := wire.TaskMsg{QueryId: 13, JobId: 2, ScanTables: []wire.ScanTable{{Db: "test", Table: "t1"}}, ScanPriority: 0}
	if s := blend.Classify(msg); s != snail {
		t.Fatalf("expected subsequent tasks for the booted query to classify to snail, got %T", s)
	}
}
