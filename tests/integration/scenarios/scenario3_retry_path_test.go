// Scenario 3: a job's first attempt delivers a frame whose MD5 doesn't
// match its header; QueryRequest retries, attempt 2 succeeds, and the
// merger scrubs attempt 1's rows before attempt 2's are inserted.
package scenarios

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/qdisp"
	"github.com/qservgo/qserv/internal/qmeta"
	"github.com/qservgo/qserv/internal/quicutil"
	"github.com/qservgo/qserv/internal/transport"
	"github.com/qservgo/qserv/internal/wire"
)

// writeFrameWithMd5 writes a frame exactly like wire.WriteFrame, except it
// keeps the caller's declared Md5 verbatim instead of recomputing it from
// body, the one way to manufacture a checksum-mismatch frame for a test.
func writeFrameWithMd5(w io.Writer, hdr wire.ProtoHeader, body []byte) error {
	hdr.Size = uint32(len(body))
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdrBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdrBytes); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

func TestScenarioRetryPathScrubsStaleAttempt(t *testing.T) {
	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	tlsServer, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("tls server: %v", err)
	}
	tlsServer.NextProtos = []string{"qserv-czar-worker"}
	tlsClient := quicutil.MakeClientTLSConfig()
	tlsClient.NextProtos = []string{"qserv-czar-worker"}

	addr := fmt.Sprintf("127.0.0.1:%d", freeUDPPort(t))
	listener, err := transport.Listen(addr, tlsServer)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}

		// Attempt 1: one valid frame (2 rows), then a frame with a
		// deliberately wrong Md5 that MergingHandler must reject.
		stream1, err := conn.AcceptJobStream(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		msg1, err := wire.ReadTaskMsg(stream1)
		if err != nil {
			serverDone <- err
			return
		}
		if msg1.AttemptCount != 1 {
			serverDone <- fmt.Errorf("expected attempt 1, got %d", msg1.AttemptCount)
			return
		}
		goodBody, err := wire.EncodeResult(wire.Result{RowCount: 2, Rows: [][]byte{[]byte("r1"), []byte("r2")}})
		if err != nil {
			serverDone <- err
			return
		}
		if err := wire.WriteFrame(stream1, wire.ProtoHeader{}, goodBody); err != nil {
			serverDone <- err
			return
		}
		corruptBody, err := wire.EncodeResult(wire.Result{RowCount: 1, Rows: [][]byte{[]byte("corrupt")}})
		if err != nil {
			serverDone <- err
			return
		}
		if err := writeFrameWithMd5(stream1, wire.ProtoHeader{Md5: "deadbeef"}, corruptBody); err != nil {
			serverDone <- err
			return
		}

		// Attempt 2 arrives as a fresh job stream on the same connection.
		stream2, err := conn.AcceptJobStream(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		msg2, err := wire.ReadTaskMsg(stream2)
		if err != nil {
			serverDone <- err
			return
		}
		if msg2.AttemptCount != 2 {
			serverDone <- fmt.Errorf("expected attempt 2, got %d", msg2.AttemptCount)
			return
		}
		finalBody, err := wire.EncodeResult(wire.Result{RowCount: 3, Rows: [][]byte{[]byte("a"), []byte("b"), []byte("c")}})
		if err != nil {
			serverDone <- err
			return
		}
		if err := wire.WriteFrame(stream2, wire.ProtoHeader{}, finalBody); err != nil {
			serverDone <- err
			return
		}
		if err := wire.WriteFrame(stream2, wire.ProtoHeader{EndNoData: true}, nil); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	pool := qdisp.NewStaticWorkerPool(map[string]string{"worker1": addr}, tlsClient)
	defer pool.Close()

	merger := ccontrol.NewMerger()
	messages := qmeta.NewMessageStore(10, nil)
	exec, _ := qdisp.NewQuery(7, pool, merger, messages, nil, nil, qdisp.ExecutiveOptions{})

	desc := qdisp.NewJobDescription(7, 7, 10, "worker1", wire.TaskMsg{
		QueryId: 7, JobId: 7, ChunkId: 10,
		Fragments: []wire.Fragment{{Queries: []string{"SELECT * FROM Object_10"}}},
	})
	if _, err := exec.Add(desc); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := exec.RunAll(ctx); err != nil {
		t.Fatalf("run all: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for server")
	}

	ok, err := exec.Join(ctx)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !ok {
		t.Fatal("expected join to report success once attempt 2 completes")
	}

	if got := merger.RowsMerged(7); got != 3 {
		t.Fatalf("expected attempt 2's 3 rows after scrubbing attempt 1, got %d", got)
	}
}
