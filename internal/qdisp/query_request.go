package qdisp

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/qmeta"
	"github.com/qservgo/qserv/internal/transport"
	"github.com/qservgo/qserv/internal/wire"
)

// WorkerPool resolves a worker name to its live QUIC connection, the
// binding QueryRequest needs to open a job stream.
type WorkerPool interface {
	Connection(wname string) (*transport.Connection, error)
}

// QueryRequest binds one JobQuery to the worker transport: it opens the
// job stream, writes the TaskMsg, then drives the MergingHandler over
// every frame that comes back, reporting completion to the owning
// Executive.
type QueryRequest struct {
	pool WorkerPool
	exec *Executive
}

// NewQueryRequest builds a QueryRequest dispatching through pool and
// reporting completion back to exec.
func NewQueryRequest(pool WorkerPool, exec *Executive) *QueryRequest {
	return &QueryRequest{pool: pool, exec: exec}
}

// NewQuery builds one user query's Executive together with the
// QueryRequest that dispatches its jobs over pool, wiring the two
// together (Executive.dispatch and QueryRequest.exec are otherwise a
// construction cycle neither side can close alone).
func NewQuery(queryId ids.QueryId, pool WorkerPool, merger *ccontrol.Merger, messages *qmeta.MessageStore, progress ProgressSink, qmetaW QMetaWriter, opts ExecutiveOptions) (*Executive, *QueryRequest) {
	exec := NewExecutive(queryId, nil, merger, messages, progress, qmetaW, opts)
	qr := NewQueryRequest(pool, exec)
	exec.dispatch = qr
	return exec, qr
}

// Dispatch implements Dispatcher: it opens a job stream to desc's target
// worker, writes the TaskMsg, and spawns a goroutine that reads frames
// until the terminal one, reporting results to Executive. A transport
// error surfaced synchronously here (dial/open/write failure) is what
// Executive.RunJobQuery retries; errors surfacing later, off the result
// stream, are reported via MarkCompleted instead.
func (qr *QueryRequest) Dispatch(ctx context.Context, desc *JobDescription) error {
	conn, err := qr.pool.Connection(desc.TargetWname)
	if err != nil {
		return fmt.Errorf("qdisp: resolve worker %s: %w", desc.TargetWname, err)
	}

	stream, err := conn.OpenJobStream(ctx)
	if err != nil {
		return fmt.Errorf("qdisp: open job stream to %s: %w", desc.TargetWname, err)
	}

	if err := wire.WriteTaskMsg(stream, desc.Msg); err != nil {
		return fmt.Errorf("qdisp: write task msg to %s: %w", desc.TargetWname, err)
	}

	go qr.readResults(ctx, stream, desc)
	return nil
}

func (qr *QueryRequest) readResults(ctx context.Context, r io.Reader, desc *JobDescription) {
	jq := qr.exec.JobQuery(desc.JobId)
	if jq == nil {
		return
	}
	// The worker has accepted the job stream and results are starting to
	// arrive; RunJobQuery only drove the job as far as REQUEST before
	// returning control here.
	_ = jq.Status().TransitionTo(qmeta.JobStateResponseReady, 0, "")
	handler := jq.MergingHandler()

	for {
		hdr, body, err := wire.ReadFrame(r)
		if err != nil {
			_ = jq.Status().TransitionTo(qmeta.JobStateResponseError, 2, err.Error())
			qr.exec.MarkCompleted(desc.JobId, false)
			return
		}

		done, procErr := handler.ProcessFrame(hdr, body)
		if procErr == nil && !done {
			if res, decodeErr := wire.DecodeResult(body); decodeErr == nil {
				qr.exec.RecordRows(desc.JobId, res.RowCount)
			}
			continue
		}
		if procErr != nil && errors.Is(procErr, ccontrol.ErrChecksumMismatch) {
			// A checksum mismatch is a transient transport fault, not the
			// worker reporting an application error: retry the job on a
			// fresh attempt rather than squashing the whole query.
			qr.exec.RetryAsync(ctx, jq)
			return
		}
		qr.exec.MarkCompleted(desc.JobId, procErr == nil)
		return
	}
}
