package wbase

import (
	"fmt"
	"sync"

	"github.com/qservgo/qserv/internal/corerr"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wire"
)

// maxQueuedFrames is the backpressure threshold: buildAndTransmitResult
// blocks the calling task once this many frames are already queued ahead
// of it, per spec invariant S6.
const maxQueuedFrames = 2

// TransmitSink is what a ChannelShared writes wire frames to; the worker's
// QUIC stream implements it in production, a bytes.Buffer in tests.
type TransmitSink interface {
	WriteFrame(hdr wire.ProtoHeader, body []byte) error
}

// ChannelShared is the single ordered result stream shared by every Task
// of one (queryId, chunkId) pair.
type ChannelShared struct {
	QueryId ids.QueryId
	ChunkId ids.ChunkId
	Wname   string

	sink TransmitSink

	queueMtx  sync.Mutex
	queueCond *sync.Cond
	queue     []queuedFrame

	streamMtx sync.Mutex // serializes the one goroutine that drains queue to sink

	taskCount      int
	lastTransmitted int
	lastRecvd      bool
	killed         bool
	killNote       string
}

type queuedFrame struct {
	hdr   wire.ProtoHeader
	body  []byte
	isErr bool
}

// NewChannelShared builds a ChannelShared bound to sink, which receives
// every frame in push order.
func NewChannelShared(queryId ids.QueryId, chunkId ids.ChunkId, wname string, sink TransmitSink) *ChannelShared {
	cs := &ChannelShared{QueryId: queryId, ChunkId: chunkId, Wname: wname, sink: sink}
	cs.queueCond = sync.NewCond(&cs.queueMtx)
	return cs
}

// SetTaskCount declares how many Tasks will share this channel. A count of
// zero means no task will ever transmit; the terminator is sent immediately.
func (cs *ChannelShared) SetTaskCount(n int) error {
	cs.queueMtx.Lock()
	cs.taskCount = n
	zero := n == 0
	if zero {
		cs.lastRecvd = true
	}
	cs.queueMtx.Unlock()

	if !zero {
		return nil
	}
	return cs.sink.WriteFrame(wire.ProtoHeader{Wname: cs.Wname, EndNoData: true}, nil)
}

// BuildAndTransmitResult pushes one data frame onto the queue, blocking
// the caller while maxQueuedFrames are already queued ahead of it.
func (cs *ChannelShared) BuildAndTransmitResult(res wire.Result) error {
	body, err := wire.EncodeResult(res)
	if err != nil {
		return fmt.Errorf("wbase: encode result: %w", err)
	}

	cs.queueMtx.Lock()
	if cs.killed {
		cs.queueMtx.Unlock()
		return fmt.Errorf("wbase: channel killed: %s", cs.killNote)
	}
	for len(cs.queue) >= maxQueuedFrames && !cs.killed {
		cs.queueCond.Wait()
	}
	if cs.killed {
		cs.queueMtx.Unlock()
		return fmt.Errorf("wbase: channel killed: %s", cs.killNote)
	}
	cs.queue = append(cs.queue, queuedFrame{
		hdr:  wire.ProtoHeader{Wname: cs.Wname},
		body: body,
	})
	cs.queueCond.Signal()
	cs.queueMtx.Unlock()

	return cs.drain()
}

// BuildAndTransmitError discards nothing queued and pushes an error frame.
// Error frames are sent even when the originating task is cancelled, so
// this never blocks on backpressure and never refuses on killed (a kill
// itself is delivered as a terminator, not silence).
func (cs *ChannelShared) BuildAndTransmitError(errCode int32, errMsg string, queryId ids.QueryId, jobId ids.JobId, attempt ids.AttemptCount) error {
	res := wire.Result{QueryId: queryId, JobId: jobId, AttemptCount: attempt, ErrorCode: errCode, ErrorMsg: errMsg}
	body, err := wire.EncodeResult(res)
	if err != nil {
		return fmt.Errorf("wbase: encode error result: %w", err)
	}

	cs.queueMtx.Lock()
	cs.queue = append(cs.queue, queuedFrame{
		hdr:   wire.ProtoHeader{Wname: cs.Wname},
		body:  body,
		isErr: true,
	})
	cs.queueCond.Signal()
	cs.queueMtx.Unlock()

	return cs.drain()
}

// drain writes every currently queued frame to the sink in order, then
// wakes any backpressured producer. Serialized by streamMtx so the
// transport sees frames in exactly push order even with concurrent
// producers.
func (cs *ChannelShared) drain() error {
	cs.streamMtx.Lock()
	defer cs.streamMtx.Unlock()

	for {
		cs.queueMtx.Lock()
		if len(cs.queue) == 0 {
			cs.queueMtx.Unlock()
			return nil
		}
		frame := cs.queue[0]
		cs.queue = cs.queue[1:]
		cs.queueCond.Broadcast()
		cs.queueMtx.Unlock()

		if err := cs.sink.WriteFrame(frame.hdr, frame.body); err != nil {
			return fmt.Errorf("wbase: write frame: %w", err)
		}
	}
}

// TransmitTaskLast records that one of this channel's tasks has finished
// producing frames. Once every task has called this, lastRecvd flips and
// the terminator frame is sent.
func (cs *ChannelShared) TransmitTaskLast() error {
	cs.queueMtx.Lock()
	cs.lastTransmitted++
	if cs.lastTransmitted > cs.taskCount {
		over := cs.lastTransmitted
		cs.queueMtx.Unlock()
		return corerr.NewBug(fmt.Sprintf("wbase: TransmitTaskLast called %d times for taskCount %d", over, cs.taskCount), nil)
	}
	done := cs.lastTransmitted >= cs.taskCount
	if done {
		cs.lastRecvd = true
	}
	cs.queueMtx.Unlock()

	if !done {
		return nil
	}
	return cs.sink.WriteFrame(wire.ProtoHeader{Wname: cs.Wname, EndNoData: true}, nil)
}

// Kill forcibly closes the channel: sets lastRecvd, drops anything still
// queued, and wakes every waiter blocked on backpressure.
func (cs *ChannelShared) Kill(note string) {
	cs.queueMtx.Lock()
	cs.killed = true
	cs.killNote = note
	cs.lastRecvd = true
	cs.queue = nil
	cs.queueCond.Broadcast()
	cs.queueMtx.Unlock()
}

func (cs *ChannelShared) LastRecvd() bool {
	cs.queueMtx.Lock()
	defer cs.queueMtx.Unlock()
	return cs.lastRecvd
}

func (cs *ChannelShared) QueueDepth() int {
	cs.queueMtx.Lock()
	defer cs.queueMtx.Unlock()
	return len(cs.queue)
}
