package qdisp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/qservgo/qserv/internal/quicutil"
	"github.com/qservgo/qserv/internal/transport"
)

type fakeBootStats struct{ calls int }

func (f *fakeBootStats) RecordBoot() { f.calls++ }

func TestBootBroadcasterSendsBootAndRecordsStat(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

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

	addr := fmt.Sprintf("127.0.0.1:%d", freeUDPPortForPool(t))
	listener, err := transport.Listen(addr, tlsServer)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	received := make(chan *transport.BootMessage, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		ctrl, err := conn.AcceptControlStream(ctx)
		if err != nil {
			return
		}
		msgType, data, err := ctrl.ReceiveAny()
		if err != nil || msgType != transport.MessageTypeBoot {
			return
		}
		msg, err := transport.DecodeBoot(data)
		if err != nil {
			return
		}
		received <- msg
	}()

	pool := NewStaticWorkerPool(map[string]string{"worker1": addr}, tlsClient)
	defer pool.Close()

	stats := &fakeBootStats{}
	broadcaster := NewBootBroadcaster(pool, stats)

	if err := broadcaster.Boot(ctx, 55, []string{"worker1"}, "resource threshold exceeded"); err != nil {
		t.Fatalf("boot: %v", err)
	}

	select {
	case msg := <-received:
		if msg.QueryId != 55 || msg.Reason != "resource threshold exceeded" {
			t.Fatalf("unexpected boot message: %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for boot message")
	}

	if stats.calls != 1 {
		t.Fatalf("expected RecordBoot to be called once, got %d", stats.calls)
	}
}

func TestBootBroadcasterSkipsUnreachableWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tlsClient := quicutil.MakeClientTLSConfig()
	pool := NewStaticWorkerPool(map[string]string{}, tlsClient)
	defer pool.Close()

	stats := &fakeBootStats{}
	broadcaster := NewBootBroadcaster(pool, stats)

	if err := broadcaster.Boot(ctx, 1, []string{"ghost"}, "test"); err == nil {
		t.Fatal("expected an error when no worker could be reached")
	}
	if stats.calls != 0 {
		t.Fatalf("expected RecordBoot not to be called when nothing was sent, got %d", stats.calls)
	}
}
