// Scenario 1: a single-chunk query dispatched from a real Executive through
// a real QUIC connection to a real worker.Server, executed against an
// in-memory SQLite chunk table, merged back, and joined successfully.
package scenarios

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/memman"
	"github.com/qservgo/qserv/internal/qdisp"
	"github.com/qservgo/qserv/internal/qmeta"
	"github.com/qservgo/qserv/internal/quicutil"
	"github.com/qservgo/qserv/internal/transport"
	"github.com/qservgo/qserv/internal/wcontrol"
	"github.com/qservgo/qserv/internal/wire"
	"github.com/qservgo/qserv/internal/worker"
	"github.com/qservgo/qserv/internal/wsched"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

// newLoopbackWorker starts a real worker.Server behind a real QUIC listener
// on 127.0.0.1, seeded with a chunk table, and returns its address plus a
// stop func.
func newLoopbackWorker(t *testing.T, wname string, chunkID int32, rows [][2]any) (addr string, stop func()) {
	t.Helper()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	tlsServer, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("tls server: %v", err)
	}
	tlsServer.NextProtos = []string{"qserv-czar-worker"}

	addr = fmt.Sprintf("127.0.0.1:%d", freeUDPPort(t))
	listener, err := transport.Listen(addr, tlsServer)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	exec, err := worker.NewSQLExecutor(":memory:", nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	tableName := fmt.Sprintf("Object_%d", chunkID)
	if _, err := exec.DB().ExecContext(context.Background(),
		fmt.Sprintf("CREATE TABLE %s (objectId INTEGER, ra REAL)", tableName)); err != nil {
		t.Fatalf("create table: %v", err)
	}
	for _, r := range rows {
		if _, err := exec.DB().ExecContext(context.Background(),
			fmt.Sprintf("INSERT INTO %s VALUES (?, ?)", tableName), r[0], r[1]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	mm := memman.NewBudgetMemMan(4096)
	group := wsched.NewGroupScheduler(4)
	fast := wsched.NewScanScheduler("fast", 0, 10, 4, 4, 0, mm)
	snail := wsched.NewScanScheduler("snail", 0, 1<<30, 4, 4, -100, mm)
	blend := wsched.NewBlendScheduler(8, group, []*wsched.ScanScheduler{fast}, snail)
	tm := wcontrol.NewTransmitMgr(8, 8)

	srv := worker.NewServer(wname, blend, tm, exec, nil, nil, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			go srv.HandleConnection(ctx, conn)
		}
	}()

	stop = func() {
		cancel()
		listener.Close()
		exec.Close()
	}
	return addr, stop
}

func TestScenarioSingleChunkSuccess(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	addr, stop := newLoopbackWorker(t, "worker1", 10, [][2]any{{1, 1.5}, {2, 2.5}})
	defer stop()

	clientTLS := quicutil.MakeClientTLSConfig()
	clientTLS.NextProtos = []string{"qserv-czar-worker"}
	pool := qdisp.NewStaticWorkerPool(map[string]string{"worker1": addr}, clientTLS)
	defer pool.Close()

	merger := ccontrol.NewMerger()
	messages := qmeta.NewMessageStore(10, nil)
	exec, _ := qdisp.NewQuery(1, pool, merger, messages, nil, nil, qdisp.ExecutiveOptions{})

	desc := qdisp.NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{
		QueryId: 1, JobId: 1, ChunkId: 10,
		Fragments: []wire.Fragment{{Queries: []string{"SELECT objectId, ra FROM Object_10"}}},
	})
	if _, err := exec.Add(desc); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := exec.RunAll(ctx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	ok, err := exec.Join(ctx)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ok {
		t.Fatal("expected join to report success")
	}

	if got := merger.RowsMerged(1); got != 2 {
		t.Fatalf("expected 2 merged rows, got %d", got)
	}
}
