package wsched

import (
	"sort"
	"sync"

	"github.com/qservgo/qserv/internal/wbase"
	"github.com/qservgo/qserv/internal/wire"
)

// BlendScheduler is the worker's single admission point: it owns, in
// fixed priority order, a GroupScheduler, one ScanScheduler per
// scan-rating band, and a Snail ScanScheduler for booted queries.
type BlendScheduler struct {
	schedMaxThreads int

	group *GroupScheduler
	bands []*ScanScheduler // fast, medium, slow, in priority order
	snail *ScanScheduler

	mu     sync.Mutex
	booted map[uint64]bool // queryId -> booted
	wake   *waker
}

func NewBlendScheduler(schedMaxThreads int, group *GroupScheduler, bands []*ScanScheduler, snail *ScanScheduler) *BlendScheduler {
	return &BlendScheduler{
		schedMaxThreads: schedMaxThreads,
		group:           group,
		bands:           bands,
		snail:           snail,
		booted:          make(map[uint64]bool),
		wake:            newWaker(),
	}
}

// Classify picks the sub-scheduler a task's TaskMsg is routed to, per the
// BlendScheduler classification rule.
func (b *BlendScheduler) Classify(msg wire.TaskMsg) Scheduler {
	b.mu.Lock()
	booted := b.booted[uint64(msg.QueryId)]
	b.mu.Unlock()

	if len(msg.ScanTables) == 0 || msg.Interactive {
		return b.group
	}
	if booted {
		return b.snail
	}
	for _, band := range b.bands {
		if band.Accepts(int(msg.ScanPriority)) {
			return band
		}
	}
	return b.snail
}

// QueCmd classifies and enqueues every task of one job onto the same
// sub-scheduler.
func (b *BlendScheduler) QueCmd(tasks []*wbase.Task) {
	if len(tasks) == 0 {
		return
	}
	dest := b.Classify(tasks[0].Msg)
	dest.QueCmd(tasks)
	b.wake.broadcast()
}

// orderedSchedulers sorts the sub-schedulers for one Blend tick: Group
// first, Snail last, the scan bands in between ordered by
// (inFlight - priority) ascending.
func (b *BlendScheduler) orderedSchedulers() []Scheduler {
	middle := make([]*ScanScheduler, len(b.bands))
	copy(middle, b.bands)
	sort.SliceStable(middle, func(i, j int) bool {
		return middle[i].InFlight()-middle[i].Priority() < middle[j].InFlight()-middle[j].Priority()
	})

	out := make([]Scheduler, 0, len(middle)+2)
	out = append(out, b.group)
	for _, m := range middle {
		out = append(out, m)
	}
	out = append(out, b.snail)
	return out
}

// GetCmd walks the sorted sub-schedulers under a shared available-threads
// budget, returning the first Task any of them admits.
func (b *BlendScheduler) GetCmd(wait bool) *wbase.Task {
	t, _ := b.NextTask(wait)
	return t
}

// NextTask is GetCmd plus the sub-scheduler that admitted the task, so a
// caller can route CommandFinish back to the scheduler that owns the
// task's thread/in-flight accounting. With wait true it blocks — per
// spec.md §5 — on Blend's own waker until a QueCmd or CommandFinish call
// (on any sub-scheduler, via this type's CommandFinish wrapper) makes one
// ready; production callers still pass wait=false (see GroupScheduler/
// ScanScheduler.GetCmd's doc comments and DESIGN.md for why).
func (b *BlendScheduler) NextTask(wait bool) (*wbase.Task, Scheduler) {
	for {
		if t, s := b.tryNextTask(); t != nil {
			return t, s
		}
		if !wait {
			return nil, nil
		}
		b.wake.wait()
	}
}

func (b *BlendScheduler) tryNextTask() (*wbase.Task, Scheduler) {
	ordered := b.orderedSchedulers()

	available := b.schedMaxThreads
	for _, s := range ordered {
		available -= s.DesiredThreadReserve()
	}
	if available <= 0 {
		return nil, nil // every thread is already reserved
	}

	for _, s := range ordered {
		if !s.Ready() {
			continue
		}
		if t := s.GetCmd(false); t != nil {
			s.CommandStart(t)
			return t, s
		}
	}
	return nil, nil
}

// CommandFinish finalizes t on the sub-scheduler that admitted it (sched,
// as returned by NextTask) and wakes any goroutine blocked in
// NextTask(wait=true), since freeing a slot on one scheduler can let
// another admit.
func (b *BlendScheduler) CommandFinish(t *wbase.Task, sched Scheduler) {
	sched.CommandFinish(t)
	b.wake.broadcast()
}

// Boot marks queryId booted and sweeps every scan band for its queued
// tasks, moving them to Snail. The caller (server.go's control-stream
// handler) doesn't need to know which band the query landed on; Boot
// tries them all, and MoveUserQueryToSnail is a no-op on a band holding
// nothing for this query.
func (b *BlendScheduler) Boot(queryId uint64) {
	for _, band := range b.bands {
		b.MoveUserQueryToSnail(queryId, band)
	}
}

// MoveUserQueryToSnail atomically removes a query's queued (not in-flight)
// tasks from source and re-queues them on Snail; in-flight tasks finish on
// their existing scheduler. Subsequent QueCmd calls for this query route
// straight to Snail regardless of scan rating.
func (b *BlendScheduler) MoveUserQueryToSnail(queryId uint64, source Scheduler) {
	b.mu.Lock()
	b.booted[queryId] = true
	b.mu.Unlock()

	band, ok := source.(*ScanScheduler)
	if !ok {
		return
	}
	band.queue.mu.Lock()
	var moved []*wbase.Task
	for _, ct := range band.queue.chunks {
		moved = append(moved, ct.RemoveMatching(func(t *wbase.Task) bool {
			return uint64(t.QueryId) == queryId
		})...)
	}
	band.queue.mu.Unlock()

	if len(moved) > 0 {
		b.snail.QueCmd(moved) // already broadcasts b.snail's own waker
		b.wake.broadcast()
	}
}
