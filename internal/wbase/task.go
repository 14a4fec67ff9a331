// Package wbase holds the worker-side execution unit (Task), the queue of
// sibling tasks sharing one chunk (ChunkTasks), and the shared result
// stream multiple tasks of one (queryId, chunkId) funnel into
// (ChannelShared).
package wbase

import (
	"container/heap"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wire"
)

// TaskState is the lifecycle of one Task on a worker.
type TaskState int32

const (
	TaskStateCreated TaskState = iota
	TaskStateQueued
	TaskStateRunning
	TaskStateFinished
	TaskStateCancelled
)

// Task is one chunk query dispatched from a TaskMsg, tracked from queueing
// through completion.
type Task struct {
	QueryId      ids.QueryId
	JobId        ids.JobId
	ChunkId      ids.ChunkId
	AttemptCount ids.AttemptCount
	Msg          wire.TaskMsg

	Channel *ChannelShared

	state     atomic.Int32
	cancelled atomic.Bool

	// MemManHandle is a reference-like token the scheduler acquires before
	// running this Task and releases exactly once at completion.
	MemManHandle any
}

// NewTask builds a Task bound to the given shared result channel.
func NewTask(msg wire.TaskMsg, channel *ChannelShared) *Task {
	t := &Task{
		QueryId:      msg.QueryId,
		JobId:        msg.JobId,
		ChunkId:      msg.ChunkId,
		AttemptCount: msg.AttemptCount,
		Msg:          msg,
		Channel:      channel,
	}
	t.state.Store(int32(TaskStateCreated))
	return t
}

func (t *Task) State() TaskState { return TaskState(t.state.Load()) }
func (t *Task) SetState(s TaskState) { t.state.Store(int32(s)) }

// Cancel marks the task cancelled. A cancelled task may still run to
// completion; the channel sends an error frame instead of data in that case.
func (t *Task) Cancel() { t.cancelled.Store(true) }

func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// taskHeap is a container/heap max-heap ordering Tasks by slowest-table-
// first: the task whose sorted ScanTables compares lexicographically
// greatest sits at the root, so it is always the next one popped.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	return compareScanTables(h[i].Msg.ScanTables, h[j].Msg.ScanTables) > 0
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// scanTableKey renders a ScanTable as the "db.table" string scanTables
// ordering compares.
func scanTableKey(st wire.ScanTable) string { return st.Db + "." + st.Table }

// compareScanTables orders two tasks' scan-table sets lexicographically:
// each side's table keys are sorted, then compared element by element: a
// shorter slice that is a pure prefix of the other sorts before it. This
// is spec.md §3's "max-priority heap of active Tasks ordered by slowest-
// table-first (lexicographic over scanTables)" — the table-name comparison
// itself, not an estimate of actual runtime.
func compareScanTables(a, b []wire.ScanTable) int {
	ak := sortedScanTableKeys(a)
	bk := sortedScanTableKeys(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		switch {
		case ak[i] < bk[i]:
			return -1
		case ak[i] > bk[i]:
			return 1
		}
	}
	switch {
	case len(ak) < len(bk):
		return -1
	case len(ak) > len(bk):
		return 1
	default:
		return 0
	}
}

func sortedScanTableKeys(tables []wire.ScanTable) []string {
	keys := make([]string, len(tables))
	for i, st := range tables {
		keys[i] = scanTableKey(st)
	}
	sort.Strings(keys)
	return keys
}

// ChunkTasks groups every Task for one chunkId awaiting dispatch on a
// scheduler, preserving the shared-scan invariant that near-neighbor
// sub-chunk tasks for the same chunk run back to back. Per spec.md §3 it
// holds a max-priority heap of active tasks (slowest-table-first), a
// separate pending list, and the in-flight set: while the bucket is
// active, new arrivals join the heap directly; while inactive, they queue
// in pending until the scheduler activates this chunk and promotes them.
type ChunkTasks struct {
	mu       sync.Mutex
	ChunkId  ids.ChunkId
	active   bool
	heap     taskHeap
	pending  []*Task
	inFlight map[*Task]bool
}

func NewChunkTasks(chunkId ids.ChunkId) *ChunkTasks {
	return &ChunkTasks{ChunkId: chunkId, inFlight: make(map[*Task]bool)}
}

// Add enqueues tasks for this chunk. Every task's ChunkId must equal
// ct.ChunkId; a mismatch is a programming error, not a retryable failure.
func (ct *ChunkTasks) Add(tasks ...*Task) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	for _, t := range tasks {
		if t.ChunkId != ct.ChunkId {
			panic("wbase: task chunkId does not match ChunkTasks bucket")
		}
		if ct.active {
			heap.Push(&ct.heap, t)
		} else {
			ct.pending = append(ct.pending, t)
		}
	}
}

// Activate transitions the chunk to active, promoting every pending task
// into the active heap. The scheduler calls this once it has successfully
// reserved MemMan pages for the chunk; until then, arrivals queue in
// pending so a not-yet-serviced chunk can't queue-jump ahead of others.
func (ct *ChunkTasks) Activate() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.active = true
	for _, t := range ct.pending {
		heap.Push(&ct.heap, t)
	}
	ct.pending = nil
}

// Active reports whether this chunk currently holds active status.
func (ct *ChunkTasks) Active() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.active
}

// Deactivate releases active status. Per spec.md §3 this is only valid
// once active ∪ pending ∪ inFlight is empty — callers check Empty() first
// and typically drop the bucket entirely rather than reactivating it.
func (ct *ChunkTasks) Deactivate() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.active = false
}

// Empty reports whether active ∪ pending ∪ inFlight is empty for this
// chunk, the condition that allows the scheduler to release its active
// status and advance to another chunk.
func (ct *ChunkTasks) Empty() bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.heap) == 0 && len(ct.pending) == 0 && len(ct.inFlight) == 0
}

// RemoveMatching pulls every still-queued (heap or pending) task matching
// pred out of the bucket and returns them, leaving in-flight tasks
// untouched. Used to move a booted query's not-yet-started tasks onto
// Snail.
func (ct *ChunkTasks) RemoveMatching(pred func(*Task) bool) []*Task {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	var matched []*Task

	var restPending []*Task
	for _, t := range ct.pending {
		if pred(t) {
			matched = append(matched, t)
		} else {
			restPending = append(restPending, t)
		}
	}
	ct.pending = restPending

	var restHeap taskHeap
	for _, t := range ct.heap {
		if pred(t) {
			matched = append(matched, t)
		} else {
			restHeap = append(restHeap, t)
		}
	}
	ct.heap = restHeap
	heap.Init(&ct.heap)

	return matched
}

// Size returns the number of queued (heap + pending, not yet running)
// tasks.
func (ct *ChunkTasks) Size() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.heap) + len(ct.pending)
}

// InFlightCount returns the number of tasks currently running.
func (ct *ChunkTasks) InFlightCount() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.inFlight)
}

// PeekNext returns the task Start would return next, without mutating any
// state: the active heap's root if the chunk is active, or otherwise the
// pending task whose ScanTables compares lexicographically greatest (the
// one that would become the heap's root once Activate runs). Used by the
// scheduler to decide a MemMan lock strategy and table list before
// committing to activate this chunk.
func (ct *ChunkTasks) PeekNext() *Task {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if len(ct.heap) > 0 {
		return ct.heap[0]
	}
	if len(ct.pending) == 0 {
		return nil
	}
	best := ct.pending[0]
	for _, t := range ct.pending[1:] {
		if compareScanTables(t.Msg.ScanTables, best.Msg.ScanTables) > 0 {
			best = t
		}
	}
	return best
}

// Start pops the active heap's root (the slowest-table-first candidate)
// and marks it in flight. Returns nil if the active heap is empty, even
// when tasks remain pending — those only become eligible once Activate
// promotes them.
func (ct *ChunkTasks) Start() *Task {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if len(ct.heap) == 0 {
		return nil
	}
	t := heap.Pop(&ct.heap).(*Task)
	ct.inFlight[t] = true
	return t
}

// Finish removes a task from the in-flight set.
func (ct *ChunkTasks) Finish(t *Task) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.inFlight, t)
}
