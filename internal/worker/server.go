package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/observability"
	"github.com/qservgo/qserv/internal/transport"
	"github.com/qservgo/qserv/internal/wbase"
	"github.com/qservgo/qserv/internal/wcontrol"
	"github.com/qservgo/qserv/internal/wire"
	"github.com/qservgo/qserv/internal/wsched"
)

// Server is one worker's dispatch loop: it accepts job streams, classifies
// each TaskMsg onto the BlendScheduler, and runs admitted tasks against the
// local SQL executor, streaming results back through the task's
// ChannelShared under TransmitMgr admission control.
type Server struct {
	Wname       string
	Blend       *wsched.BlendScheduler
	TransmitMgr *wcontrol.TransmitMgr
	Exec        *SQLExecutor
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	numPollers int

	mu       sync.Mutex
	channels map[channelKey]*wbase.ChannelShared
	cancelled map[cancelKey]bool
}

type channelKey struct {
	queryId ids.QueryId
	chunkId ids.ChunkId
}

type cancelKey struct {
	queryId ids.QueryId
	jobId   ids.JobId
}

// NewServer builds a worker dispatch server. numPollers is the size of the
// goroutine pool pulling admitted tasks off the BlendScheduler.
func NewServer(wname string, blend *wsched.BlendScheduler, tm *wcontrol.TransmitMgr, exec *SQLExecutor, logger *observability.Logger, metrics *observability.Metrics, numPollers int) *Server {
	if numPollers <= 0 {
		numPollers = 4
	}
	return &Server{
		Wname:       wname,
		Blend:       blend,
		TransmitMgr: tm,
		Exec:        exec,
		Logger:      logger,
		Metrics:     metrics,
		numPollers:  numPollers,
		channels:    make(map[channelKey]*wbase.ChannelShared),
		cancelled:   make(map[cancelKey]bool),
	}
}

// Run starts the poller pool and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.numPollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pollLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

// pollLoop repeatedly pulls the next admitted task and runs it, backing
// off briefly when the scheduler has nothing ready.
func (s *Server) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		task, sched := s.Blend.NextTask(false)
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		s.runTask(ctx, task)
		s.Blend.CommandFinish(task, sched)
	}
}

// HandleConnection serves one czar connection: its control stream carries
// cancel/squash, and each accepted job stream carries one dispatched
// TaskMsg followed by that task's streamed results.
func (s *Server) HandleConnection(ctx context.Context, conn *transport.Connection) {
	defer conn.Close()

	ctrl, err := conn.AcceptControlStream(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error(err, "failed to accept control stream")
		}
		return
	}
	go s.serveControl(ctx, ctrl)

	for {
		stream, err := conn.AcceptJobStream(ctx)
		if err != nil {
			return
		}
		go s.handleJobStream(ctx, stream)
	}
}

type quicStreamSink struct {
	w io.Writer
}

func (q quicStreamSink) WriteFrame(hdr wire.ProtoHeader, body []byte) error {
	return wire.WriteFrame(q.w, hdr, body)
}

func (s *Server) handleJobStream(ctx context.Context, stream io.ReadWriter) {
	msg, err := wire.ReadTaskMsg(stream)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error(err, "failed to read task message")
		}
		return
	}

	sink := quicStreamSink{w: stream}
	channel := s.channelFor(msg, sink)

	task := wbase.NewTask(msg, channel)
	if s.Metrics != nil {
		s.Metrics.JobsDispatched.Inc()
	}
	s.Blend.QueCmd([]*wbase.Task{task})
}

// channelFor returns the shared result channel for (queryId, chunkId),
// creating it on first use and declaring it will carry exactly one task.
// Sibling near-neighbor tasks that share a chunk register on the same
// channel by calling channelFor again before it is evicted.
func (s *Server) channelFor(msg wire.TaskMsg, sink wbase.TransmitSink) *wbase.ChannelShared {
	key := channelKey{queryId: msg.QueryId, chunkId: msg.ChunkId}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[key]
	if !ok {
		ch = wbase.NewChannelShared(msg.QueryId, msg.ChunkId, s.Wname, sink)
		ch.SetTaskCount(1)
		s.channels[key] = ch
	}
	return ch
}

func (s *Server) serveControl(ctx context.Context, ctrl *transport.ControlStream) {
	for {
		msgType, data, err := ctrl.ReceiveAny()
		if err != nil {
			return
		}
		switch msgType {
		case transport.MessageTypeCancel:
			msg, err := transport.DecodeCancel(data)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.cancelled[cancelKey{queryId: ids.QueryId(msg.QueryId), jobId: ids.JobId(msg.JobId)}] = true
			s.mu.Unlock()
		case transport.MessageTypeBoot:
			msg, err := transport.DecodeBoot(data)
			if err != nil {
				continue
			}
			s.Blend.Boot(uint64(msg.QueryId))
		case transport.MessageTypeSquash:
			msg, err := transport.DecodeSquash(data)
			if err != nil {
				continue
			}
			s.mu.Lock()
			for key := range s.channels {
				if key.queryId == ids.QueryId(msg.QueryId) {
					s.channels[key].Kill("query squashed: " + msg.Reason)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) isCancelled(qid ids.QueryId, jid ids.JobId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[cancelKey{queryId: qid, jobId: jid}]
}

// runTask executes every fragment of task against the local database,
// streaming each fragment's rows as one Result frame, under TransmitMgr
// admission control.
func (s *Server) runTask(ctx context.Context, task *wbase.Task) {
	start := time.Now()
	if s.Metrics != nil {
		s.Metrics.RecordTaskStart()
	}
	band := task.Msg.ScanPriority.String()

	defer func() {
		if task.Channel.LastRecvd() {
			s.evictChannel(task.QueryId, task.ChunkId)
		}
		s.mu.Lock()
		delete(s.cancelled, cancelKey{queryId: task.QueryId, jobId: task.JobId})
		s.mu.Unlock()
	}()

	lock, err := s.TransmitMgr.Take(ctx, task.QueryId, task.Msg.Interactive)
	if err != nil {
		task.Channel.BuildAndTransmitError(1, fmt.Sprintf("admission control: %v", err), task.QueryId, task.JobId, task.AttemptCount)
		task.Channel.TransmitTaskLast()
		if s.Metrics != nil {
			s.Metrics.RecordTaskComplete(band, false, time.Since(start).Seconds())
		}
		return
	}
	defer lock.Release()

	success := true
	if task.Cancelled() || s.isCancelled(task.QueryId, task.JobId) {
		task.Channel.BuildAndTransmitError(2, "job cancelled", task.QueryId, task.JobId, task.AttemptCount)
		task.Channel.TransmitTaskLast()
		if s.Metrics != nil {
			s.Metrics.RecordTaskComplete(band, false, time.Since(start).Seconds())
		}
		return
	}

	for _, frag := range task.Msg.Fragments {
		res, err := s.Exec.RunFragment(ctx, frag, int32(task.ChunkId))
		if err != nil {
			success = false
			task.Channel.BuildAndTransmitError(3, err.Error(), task.QueryId, task.JobId, task.AttemptCount)
			if s.Logger != nil {
				s.Logger.WithJob(int64(task.QueryId), int64(task.JobId)).Error(err, "fragment execution failed")
			}
			break
		}
		wireRes := wire.Result{
			QueryId:      task.QueryId,
			JobId:        task.JobId,
			AttemptCount: task.AttemptCount,
			RowCount:     res.RowCount,
			Rows:         res.Rows,
		}
		if err := task.Channel.BuildAndTransmitResult(wireRes); err != nil {
			success = false
			break
		}
	}

	task.Channel.TransmitTaskLast()
	task.SetState(wbase.TaskStateFinished)
	if s.Metrics != nil {
		s.Metrics.RecordTaskComplete(band, success, time.Since(start).Seconds())
	}
}

// evictChannel drops the completed (queryId, chunkId) channel from the
// registry once its last frame has gone out, so channelFor's map does not
// grow unboundedly across the worker's lifetime.
func (s *Server) evictChannel(qid ids.QueryId, cid ids.ChunkId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelKey{queryId: qid, chunkId: cid})
}
