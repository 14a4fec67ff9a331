package qdisp

import (
	"context"
	"fmt"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/transport"
)

// BootStats receives a count each time a query is booted, the hook
// czarstats.CzarStats.RecordBoot attaches to.
type BootStats interface {
	RecordBoot()
}

// BootBroadcaster tells every worker holding jobs for a query that it has
// exceeded its resource threshold: each worker moves the query's queued
// tasks onto its Snail scheduler and routes every later task for the same
// query there too, per transport.BootMessage.
type BootBroadcaster struct {
	pool  *StaticWorkerPool
	stats BootStats
}

// NewBootBroadcaster builds a BootBroadcaster sending over pool's cached
// worker connections. stats may be nil to skip the booted-query counter.
func NewBootBroadcaster(pool *StaticWorkerPool, stats BootStats) *BootBroadcaster {
	return &BootBroadcaster{pool: pool, stats: stats}
}

// Boot opens a control stream to each named worker and sends it a
// BootMessage for queryId. Workers that cannot be dialed or sent to are
// skipped rather than failing the whole broadcast, since a booted query's
// point is to shed load, not to block on a worker that's already gone:
// Boot returns the first dial or send error only when no worker at all
// was reached, and nil otherwise.
func (b *BootBroadcaster) Boot(ctx context.Context, queryId ids.QueryId, workerNames []string, reason string) error {
	var firstErr error
	sent := 0
	for _, wname := range workerNames {
		conn, err := b.pool.Connection(wname)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ctrl, err := conn.OpenControlStream(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("qdisp: open control stream to %s: %w", wname, err)
			}
			continue
		}
		err = ctrl.SendBoot(&transport.BootMessage{QueryId: int64(queryId), Reason: reason})
		ctrl.Close()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("qdisp: send boot to %s: %w", wname, err)
			}
			continue
		}
		sent++
	}
	if sent > 0 && b.stats != nil {
		b.stats.RecordBoot()
	}
	if sent == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}
