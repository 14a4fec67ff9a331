package wsched

import (
	"sync"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wbase"
)

// GroupScheduler runs interactive tasks and tasks touching no scan table,
// grouping by chunkId so near-neighbor sub-chunk tasks run back to back.
type GroupScheduler struct {
	mu         sync.Mutex
	maxInFlight int
	chunks     map[ids.ChunkId]*wbase.ChunkTasks
	order      []ids.ChunkId
	inFlight   int
	wake       *waker
}

func NewGroupScheduler(maxInFlight int) *GroupScheduler {
	return &GroupScheduler{
		maxInFlight: maxInFlight,
		chunks:      make(map[ids.ChunkId]*wbase.ChunkTasks),
		wake:        newWaker(),
	}
}

func (g *GroupScheduler) Name() string { return "group" }

func (g *GroupScheduler) QueCmd(tasks []*wbase.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range tasks {
		ct, ok := g.chunks[t.ChunkId]
		if !ok {
			ct = wbase.NewChunkTasks(t.ChunkId)
			// Group has no MemMan admission gate (spec.md §4.8): a chunk
			// bucket here is always eligible to run, so it starts active
			// rather than waiting for an activation step that never comes.
			ct.Activate()
			g.chunks[t.ChunkId] = ct
			g.order = append(g.order, t.ChunkId)
		}
		ct.Add(t)
	}
	g.wake.broadcast()
}

// GetCmd returns the next admitted task, or nil if none is available and
// wait is false. With wait true it blocks — per spec.md §5's documented
// suspension point — until a QueCmd or CommandFinish call wakes it, rather
// than polling; the worker's own poll loop (internal/worker/server.go)
// deliberately keeps passing wait=false, since GetCmd(true) has no
// cancellation channel and a ctx-aware poll loop needs one to shut down
// cleanly (see DESIGN.md).
func (g *GroupScheduler) GetCmd(wait bool) *wbase.Task {
	for {
		if t := g.tryGetCmd(); t != nil {
			return t
		}
		if !wait {
			return nil
		}
		g.wake.wait()
	}
}

func (g *GroupScheduler) tryGetCmd() *wbase.Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.maxInFlight {
		return nil
	}
	for i, chunkId := range g.order {
		ct := g.chunks[chunkId]
		if t := ct.Start(); t != nil {
			g.inFlight++
			if ct.Empty() {
				g.order = append(g.order[:i], g.order[i+1:]...)
				delete(g.chunks, chunkId)
			}
			return t
		}
	}
	return nil
}

func (g *GroupScheduler) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.maxInFlight {
		return false
	}
	for _, ct := range g.chunks {
		if ct.Size() > 0 {
			return true
		}
	}
	return false
}

func (g *GroupScheduler) CommandStart(t *wbase.Task) {}

func (g *GroupScheduler) CommandFinish(t *wbase.Task) {
	g.mu.Lock()
	g.inFlight--
	if ct, ok := g.chunks[t.ChunkId]; ok {
		ct.Finish(t)
		if ct.Empty() {
			delete(g.chunks, t.ChunkId)
			for i, id := range g.order {
				if id == t.ChunkId {
					g.order = append(g.order[:i], g.order[i+1:]...)
					break
				}
			}
		}
	}
	g.mu.Unlock()
	g.wake.broadcast()
}

// DesiredThreadReserve returns 0: the group scheduler competes for the
// shared thread pool but never reserves threads ahead of demand.
func (g *GroupScheduler) DesiredThreadReserve() int { return 0 }

func (g *GroupScheduler) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

func (g *GroupScheduler) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, ct := range g.chunks {
		n += ct.Size()
	}
	return n
}
