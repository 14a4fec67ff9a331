package wsched

import (
	"sync"
	"time"
)

// wakerFallback bounds how long wait() ever blocks without a broadcast.
// Capturing the current channel and then selecting on it is not atomic
// with whatever readiness check preceded it, so a broadcast landing in
// that gap would otherwise be lost until the next one; the fallback
// turns a possible lost wakeup into, at worst, a short delay.
const wakerFallback = 10 * time.Millisecond

// waker is a broadcast-style wakeup signal for the Group/Scan/Blend
// schedulers' GetCmd(wait=true): spec.md §5 describes each of them
// sleeping on a condition variable until its own readiness check passes,
// rather than polling externally.
type waker struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWaker() *waker {
	return &waker{ch: make(chan struct{})}
}

// broadcast wakes every goroutine currently blocked in wait.
func (w *waker) broadcast() {
	w.mu.Lock()
	close(w.ch)
	w.ch = make(chan struct{})
	w.mu.Unlock()
}

// wait blocks until the next broadcast or wakerFallback elapses.
func (w *waker) wait() {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(wakerFallback):
	}
}
