// Package wcontrol implements the worker's transmit-side admission
// control: a global cap on concurrent transmits to all czars, plus a
// per-QueryId fair-share divisor so no single query can starve the rest.
package wcontrol

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/ratelimit"
)

// TransmitMgr is the global gate every worker-side transmit passes
// through before writing result frames to a czar.
type TransmitMgr struct {
	mu            sync.Mutex
	maxTransmits  int
	totalCount    int
	transmitCount int
	cond          *sync.Cond

	limiter *rate.Limiter
	qidMgr  *QidMgr
}

// NewTransmitMgr builds a TransmitMgr admitting up to maxTransmits
// concurrent transmissions, with maxPerQid as the starting per-query cap
// before the fair-share divisor kicks in.
func NewTransmitMgr(maxTransmits, maxPerQid int) *TransmitMgr {
	tm := &TransmitMgr{
		maxTransmits: maxTransmits,
		limiter:      rate.NewLimiter(rate.Inf, maxTransmits),
		qidMgr:       newQidMgr(maxPerQid),
	}
	tm.cond = sync.NewCond(&tm.mu)
	return tm
}

// TransmitLock is released exactly once, on Release, regardless of
// whether the guarded transmit succeeded -- the RAII discipline of the
// originating design expressed as an explicit handle in Go.
type TransmitLock struct {
	mgr      *TransmitMgr
	qid      ids.QueryId
	released bool
}

// Take blocks a non-interactive transmit until transmitCount < maxTransmits
// and the caller's QID is within its fair share; interactive transmits are
// admitted immediately against the global counter only.
func (tm *TransmitMgr) Take(ctx context.Context, qid ids.QueryId, interactive bool) (*TransmitLock, error) {
	// A single watcher broadcasts on ctx cancellation so any waiter parked
	// on tm.cond.Wait below re-checks its admission condition and exits
	// with ctx.Err instead of blocking forever.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			tm.cond.Broadcast()
		case <-stopWatch:
		}
	}()

	tm.mu.Lock()
	tm.totalCount++
	for {
		if ctx.Err() != nil {
			tm.totalCount--
			tm.mu.Unlock()
			return nil, ctx.Err()
		}
		if interactive && tm.transmitCount < tm.maxTransmits {
			break
		}
		if !interactive && tm.transmitCount < tm.maxTransmits && tm.qidMgr.admit(qid) {
			break
		}
		tm.cond.Wait()
	}
	tm.transmitCount++
	if !interactive {
		tm.qidMgr.acquire(qid)
	}
	tm.mu.Unlock()

	return &TransmitLock{mgr: tm, qid: qid}, nil
}

// Release frees this lock's slot. Calling Release more than once is a
// no-op, matching RAII destruction semantics under multiple code paths.
func (l *TransmitLock) Release() {
	if l.released {
		return
	}
	l.released = true
	l.mgr.release(l.qid)
}

func (tm *TransmitMgr) release(qid ids.QueryId) {
	tm.mu.Lock()
	tm.transmitCount--
	tm.totalCount--
	tm.qidMgr.release(qid)
	tm.mu.Unlock()
	tm.cond.Broadcast()
}

func (tm *TransmitMgr) TotalCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.totalCount
}

func (tm *TransmitMgr) TransmitCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.transmitCount
}

// QidMgr tracks how many transmits each QueryId currently holds and
// shrinks every QID's fair share as the number of distinct active QIDs
// rises: share = configuredMax / distinctQids (at least 1). maxTransmits
// does not enter the share; it only bounds the global count in Take. Each
// QID's budget is a ratelimit.TokenBucket with its refill rate pinned to
// zero, so it behaves as a pure counting semaphore whose capacity
// (SetBurst) is rebalanced every time a QID joins or leaves the active set.
type qidBudget struct {
	bucket *ratelimit.TokenBucket
	held   int
}

type QidMgr struct {
	mu            sync.Mutex
	configuredMax int
	active        map[ids.QueryId]*qidBudget
}

func newQidMgr(maxPerQid int) *QidMgr {
	return &QidMgr{configuredMax: maxPerQid, active: make(map[ids.QueryId]*qidBudget)}
}

// admit reports whether qid has fair-share room for one more transmit,
// without consuming it. A QID with no transmits yet is always admitted:
// the fair share only throttles a QID once it already holds slots.
func (q *QidMgr) admit(qid ids.QueryId) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.active[qid]
	if !ok {
		return true
	}
	return b.bucket.Available() >= 1
}

func (q *QidMgr) acquire(qid ids.QueryId) {
	q.mu.Lock()
	b, ok := q.active[qid]
	if !ok {
		b = &qidBudget{bucket: ratelimit.NewTokenBucket(0, q.shareLocked())}
		q.active[qid] = b
		q.rebalanceLocked()
	}
	b.held++
	q.mu.Unlock()
	b.bucket.Allow(1)
}

func (q *QidMgr) release(qid ids.QueryId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b, ok := q.active[qid]
	if !ok {
		return
	}
	b.bucket.Return(1)
	b.held--
	if b.held <= 0 {
		delete(q.active, qid)
		q.rebalanceLocked()
	}
}

func (q *QidMgr) shareLocked() int {
	n := len(q.active)
	if n == 0 {
		return q.configuredMax
	}
	share := q.configuredMax / n
	if share < 1 {
		share = 1
	}
	return share
}

func (q *QidMgr) rebalanceLocked() {
	share := q.shareLocked()
	for _, b := range q.active {
		b.bucket.SetBurst(share)
		// SetBurst only clamps; re-derive the unheld part of the new share
		// so a QID already holding slots does not keep its old headroom.
		free := share - b.held
		if free < 0 {
			free = 0
		}
		if have := int(b.bucket.Available()); have > free {
			b.bucket.Allow(have - free)
		} else if have < free {
			b.bucket.Return(free - have)
		}
	}
}

// ActiveQids returns the number of distinct QueryIds currently holding a
// transmit slot.
func (q *QidMgr) ActiveQids() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}
