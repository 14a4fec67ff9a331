// Scenario 2: a LIMIT query fanned to many chunks stops merging once
// enough rows have arrived, cancelling the rest without merging more.
package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/qdisp"
	"github.com/qservgo/qserv/internal/qmeta"
	"github.com/qservgo/qserv/internal/quicutil"
	"github.com/qservgo/qserv/internal/wire"
)

func TestScenarioLimitSquashStopsAfterEnoughRows(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelCtx()

	const numChunks = 100

	// Every job targets the same two-row table, so each completing job
	// contributes exactly 2 rows regardless of which JobId dispatched it.
	addr, stop := newLoopbackWorker(t, "worker1", 1, [][2]any{{1, 1.0}, {2, 2.0}})
	defer stop()

	clientTLS := quicutil.MakeClientTLSConfig()
	clientTLS.NextProtos = []string{"qserv-czar-worker"}
	pool := qdisp.NewStaticWorkerPool(map[string]string{"worker1": addr}, clientTLS)
	defer pool.Close()

	merger := ccontrol.NewMerger()
	messages := qmeta.NewMessageStore(10, nil)
	exec, _ := qdisp.NewQuery(2, pool, merger, messages, nil, nil, qdisp.ExecutiveOptions{
		RowLimit: 5,
	})

	// Each job gets its own chunkId (distinct result channels on the
	// worker side) even though every one of them queries the same
	// physical Object_1 table, standing in for "100 chunks of 2 rows".
	for i := 1; i <= numChunks; i++ {
		jobId := ids.JobId(i)
		chunkId := ids.ChunkId(1000 + i)
		desc := qdisp.NewJobDescription(2, jobId, chunkId, "worker1", wire.TaskMsg{
			QueryId: 2, JobId: jobId, ChunkId: chunkId, RowLimit: 5,
			Fragments: []wire.Fragment{{Queries: []string{"SELECT objectId, ra FROM Object_1"}}},
		})
		if _, err := exec.Add(desc); err != nil {
			t.Fatalf("add job %d: %v", i, err)
		}
	}

	if err := exec.RunAll(ctx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	ok, err := exec.Join(ctx)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ok {
		t.Fatal("expected join to report success once the LIMIT is satisfied")
	}

	got := merger.RowsMerged(2)
	if got < 5 {
		t.Fatalf("expected at least the LIMIT's worth of rows merged, got %d", got)
	}
	if got > int64(numChunks)*2 {
		t.Fatalf("expected squash to have stopped well short of every chunk merging, got %d", got)
	}
}
