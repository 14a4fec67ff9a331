package wsched

import (
	"sync"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wbase"
)

// MemMan reserves in-memory table pages for a chunk before a task runs.
// ENOMEM is reported through the bool return, not an error, because it is
// an expected, retryable condition rather than a failure.
type MemMan interface {
	// Prepare attempts to reserve pages for tables in chunkId. required
	// selects strict (REQUIRED) vs. best-effort (FLEXIBLE) locking.
	Prepare(tables []string, chunkId ids.ChunkId, required bool) (handle any, ok bool)
	Release(handle any)
	// Overlaps reports whether the tables behind two handles share pages,
	// used to decide whether to defer releasing a handle across chunks.
	Overlaps(a, b any) bool
}

// ChunkTasksQueue buckets pending tasks by chunkId and walks them
// round-robin starting from the current active chunk, the shared-scan
// admission policy of one scan-rating band.
type ChunkTasksQueue struct {
	mu             sync.Mutex
	maxActive      int
	order          []ids.ChunkId
	chunks         map[ids.ChunkId]*wbase.ChunkTasks
	active         map[ids.ChunkId]bool
	activeIdx      int
	memMan         MemMan
	handles        map[ids.ChunkId]any
	deferRelease   map[ids.ChunkId]any
}

func NewChunkTasksQueue(maxActive int, mm MemMan) *ChunkTasksQueue {
	return &ChunkTasksQueue{
		maxActive: maxActive,
		chunks:    make(map[ids.ChunkId]*wbase.ChunkTasks),
		active:    make(map[ids.ChunkId]bool),
		handles:   make(map[ids.ChunkId]any),
		deferRelease: make(map[ids.ChunkId]any),
		memMan:    mm,
	}
}

func (q *ChunkTasksQueue) Add(tasks ...*wbase.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		ct, ok := q.chunks[t.ChunkId]
		if !ok {
			ct = wbase.NewChunkTasks(t.ChunkId)
			q.chunks[t.ChunkId] = ct
			q.order = append(q.order, t.ChunkId)
		}
		ct.Add(t)
	}
}

// tableNames renders a task's scan tables as "db.table" strings for
// MemMan.Prepare.
func tableNames(t *wbase.Task) []string {
	if t == nil {
		return nil
	}
	names := make([]string, len(t.Msg.ScanTables))
	for i, st := range t.Msg.ScanTables {
		names[i] = st.Db + "." + st.Table
	}
	return names
}

// anyLockInMem reports whether any of a task's scan tables demands a
// strict (non-evictable) MemMan reservation.
func anyLockInMem(t *wbase.Task) bool {
	if t == nil {
		return false
	}
	for _, st := range t.Msg.ScanTables {
		if st.LockInMem {
			return true
		}
	}
	return false
}

// Next walks the chunk order starting at the active index, preparing
// MemMan for each candidate chunk until one succeeds or none do.
func (q *ChunkTasksQueue) Next() *wbase.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drainDeferredReleasesLocked()
	if len(q.order) == 0 {
		return nil
	}
	n := len(q.order)
	for i := 0; i < n; i++ {
		idx := (q.activeIdx + i) % n
		chunkId := q.order[idx]
		ct := q.chunks[chunkId]
		if ct == nil || ct.Size() == 0 {
			continue
		}
		if !q.active[chunkId] {
			if len(q.active) >= q.maxActive {
				continue // at the active-chunk limit; refuse a new chunk
			}
			candidate := ct.PeekNext()
			// Strict (REQUIRED) locking whenever something is already in
			// flight for another chunk, or the candidate task names a
			// table that demands a non-evictable reservation
			// (ScanTable.LockInMem, spec.md §6's scantable[].lockinmem);
			// flexible only when neither holds, to keep forward progress
			// possible under memory pressure.
			othersInFlight := false
			for _, other := range q.chunks {
				if other.InFlightCount() > 0 {
					othersInFlight = true
					break
				}
			}
			strict := othersInFlight || anyLockInMem(candidate)
			handle, ok := q.memMan.Prepare(tableNames(candidate), chunkId, strict)
			if !ok {
				continue // ENOMEM: defer this chunk, try the next one
			}
			q.handles[chunkId] = handle
			q.active[chunkId] = true
			ct.Activate()
		}
		t := ct.Start()
		if t == nil {
			continue
		}
		q.activeIdx = idx
		return t
	}
	return nil
}

// Finish releases bookkeeping for a completed task. Its MemMan handle is
// released immediately unless the next ready chunk overlaps its tables,
// in which case release is deferred to avoid lock/unlock thrash.
func (q *ChunkTasksQueue) Finish(t *wbase.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ct, ok := q.chunks[t.ChunkId]
	if !ok {
		return
	}
	ct.Finish(t)
	if !ct.Empty() {
		return
	}
	ct.Deactivate() // active ∪ pending ∪ inFlight is empty: safe to advance past this chunk
	delete(q.chunks, t.ChunkId)
	delete(q.active, t.ChunkId)
	for i, id := range q.order {
		if id == t.ChunkId {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	handle, ok := q.handles[t.ChunkId]
	if !ok {
		return
	}
	delete(q.handles, t.ChunkId)

	if q.overlapsActiveHandleLocked(handle) {
		q.deferRelease[t.ChunkId] = handle
		return
	}
	q.memMan.Release(handle)
}

// drainDeferredReleasesLocked releases any handle whose chunk finished
// earlier but was held back because it overlapped a then-active handle,
// once nothing active overlaps it any longer.
func (q *ChunkTasksQueue) drainDeferredReleasesLocked() {
	for chunkId, handle := range q.deferRelease {
		if !q.overlapsActiveHandleLocked(handle) {
			delete(q.deferRelease, chunkId)
			q.memMan.Release(handle)
		}
	}
}

func (q *ChunkTasksQueue) overlapsActiveHandleLocked(handle any) bool {
	for chunkId, h := range q.handles {
		if q.active[chunkId] && q.memMan.Overlaps(handle, h) {
			return true
		}
	}
	return false
}

func (q *ChunkTasksQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ct := range q.chunks {
		n += ct.Size()
	}
	return n
}

func (q *ChunkTasksQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ct := range q.chunks {
		n += ct.InFlightCount()
	}
	return n
}

// ScanScheduler admits tasks for one scan-rating band (fast/medium/slow)
// or the Snail band.
type ScanScheduler struct {
	name        string
	ratingLo    int
	ratingHi    int
	maxInFlight int
	priority    int
	queue       *ChunkTasksQueue
	mu          sync.Mutex
	inFlight    int
	wake        *waker
}

func NewScanScheduler(name string, ratingLo, ratingHi, maxActiveChunks, maxInFlight, priority int, mm MemMan) *ScanScheduler {
	return &ScanScheduler{
		name:        name,
		ratingLo:    ratingLo,
		ratingHi:    ratingHi,
		maxInFlight: maxInFlight,
		priority:    priority,
		queue:       NewChunkTasksQueue(maxActiveChunks, mm),
		wake:        newWaker(),
	}
}

func (s *ScanScheduler) Name() string { return s.name }

// Accepts reports whether a scan rating falls in this band.
func (s *ScanScheduler) Accepts(scanRating int) bool {
	return scanRating >= s.ratingLo && scanRating < s.ratingHi
}

func (s *ScanScheduler) QueCmd(tasks []*wbase.Task) {
	s.queue.Add(tasks...)
	s.wake.broadcast()
}

// GetCmd returns the next admitted task, or nil if none is ready and wait
// is false. With wait true it blocks on the band's condition-variable-
// style waker — spec.md §5's "ScanScheduler::getCmd(wait=true) sleeps on
// a condition variable until _ready() returns true" — until a QueCmd or
// CommandFinish wakes it. Production callers (internal/worker/server.go)
// still pass wait=false and poll externally instead, since GetCmd(true)
// has no cancellation channel of its own and the worker's poll loop needs
// one to honor context cancellation (see DESIGN.md).
func (s *ScanScheduler) GetCmd(wait bool) *wbase.Task {
	for {
		if t := s.tryGetCmd(); t != nil {
			return t
		}
		if !wait {
			return nil
		}
		s.wake.wait()
	}
}

func (s *ScanScheduler) tryGetCmd() *wbase.Task {
	s.mu.Lock()
	if s.inFlight >= s.maxInFlight {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	t := s.queue.Next()
	if t == nil {
		return nil
	}
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
	return t
}

func (s *ScanScheduler) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight < s.maxInFlight && s.queue.Size() > 0
}

func (s *ScanScheduler) CommandStart(t *wbase.Task) {}

func (s *ScanScheduler) CommandFinish(t *wbase.Task) {
	s.queue.Finish(t)
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	s.wake.broadcast()
}

// DesiredThreadReserve reserves one thread per in-flight task in this
// band so BlendScheduler's available-threads budget accounts for it.
func (s *ScanScheduler) DesiredThreadReserve() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *ScanScheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *ScanScheduler) Size() int { return s.queue.Size() }

// Priority orders middle schedulers in the Blend tick: sorted by
// (inFlight - priority) ascending.
func (s *ScanScheduler) Priority() int { return s.priority }
