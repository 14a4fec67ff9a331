package wbase

import (
	"sync"
	"testing"
	"time"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wire"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []wire.ProtoHeader
}

func (s *recordingSink) WriteFrame(hdr wire.ProtoHeader, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, hdr)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) last() wire.ProtoHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func TestZeroTaskCountSendsOnlyTerminator(t *testing.T) {
	sink := &recordingSink{}
	cs := NewChannelShared(1, 1234, "w1", sink)
	if err := cs.SetTaskCount(0); err != nil {
		t.Fatalf("SetTaskCount(0): %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one frame, got %d", sink.count())
	}
	if !sink.last().EndNoData {
		t.Fatalf("expected the single frame to be a terminator")
	}
	if !cs.LastRecvd() {
		t.Fatalf("expected lastRecvd to be set")
	}
}

func TestTransmitTaskLastSendsTerminatorOnce(t *testing.T) {
	sink := &recordingSink{}
	cs := NewChannelShared(1, 1234, "w1", sink)
	cs.SetTaskCount(2)

	if err := cs.TransmitTaskLast(); err != nil {
		t.Fatalf("TransmitTaskLast: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("terminator should not be sent until taskCount is reached")
	}

	if err := cs.TransmitTaskLast(); err != nil {
		t.Fatalf("TransmitTaskLast: %v", err)
	}
	if sink.count() != 1 || !sink.last().EndNoData {
		t.Fatalf("expected exactly one terminator frame after both tasks finish")
	}
}

func TestBuildAndTransmitResultBackpressure(t *testing.T) {
	blockedSink := &blockingSink{release: make(chan struct{})}
	cs := NewChannelShared(1, 1, "w1", blockedSink)
	cs.SetTaskCount(4)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			if err := cs.BuildAndTransmitResult(wire.Result{QueryId: 1, JobId: 1, RowCount: 1}); err != nil {
				t.Errorf("BuildAndTransmitResult: %v", err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected the third push to block on backpressure")
	case <-time.After(100 * time.Millisecond):
	}

	close(blockedSink.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not unblock after sink released")
	}
}

// blockingSink accepts the first write, then blocks every subsequent write
// until release is closed, simulating a slow transmit path.
type blockingSink struct {
	mu      sync.Mutex
	writes  int
	release chan struct{}
}

func (s *blockingSink) WriteFrame(hdr wire.ProtoHeader, body []byte) error {
	s.mu.Lock()
	s.writes++
	n := s.writes
	s.mu.Unlock()
	if n > 1 {
		<-s.release
	}
	return nil
}

func TestKillWakesWaitersAndDropsQueue(t *testing.T) {
	blockedSink := &blockingSink{release: make(chan struct{})}
	cs := NewChannelShared(1, 1, "w1", blockedSink)
	cs.SetTaskCount(4)

	errCh := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if err := cs.BuildAndTransmitResult(wire.Result{QueryId: 1, JobId: 1}); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	time.Sleep(50 * time.Millisecond)
	cs.Kill("test kill")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error from the killed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not unblock after Kill")
	}
	close(blockedSink.release)
}

func TestErrorFrameSentEvenAfterKillCalled(t *testing.T) {
	sink := &recordingSink{}
	cs := NewChannelShared(1, 1, "w1", sink)
	cs.SetTaskCount(1)
	_ = ids.AttemptCount(0)

	if err := cs.BuildAndTransmitError(17, "boom", 1, 1, 0); err != nil {
		t.Fatalf("BuildAndTransmitError: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected the error frame to be written, got %d frames", sink.count())
	}
}
