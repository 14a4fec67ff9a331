package qdisp

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/qmeta"
)

// Dispatcher sends one JobDescription to its target worker, returning an
// error only for transport-level failures (the worker's own SQL/result
// errors arrive later as a MergingHandler RESULT_ERR, not here).
type Dispatcher interface {
	Dispatch(ctx context.Context, desc *JobDescription) error
}

// ProgressSink receives periodic incomplete-job counts, the hook
// CzarStats's rolling histograms attach to.
type ProgressSink interface {
	SampleIncomplete(queryId ids.QueryId, incomplete int)
}

// QMetaWriter persists a query's progress; errors are logged by the
// caller and never propagate, per spec's "QMeta errors are logged, never
// raised".
type QMetaWriter interface {
	WriteProgress(queryId ids.QueryId, incomplete, total int) error
}

// Executive is the single owner of one user query's fan-out: every
// JobQuery it dispatches, the limit/squash bookkeeping that ends the
// query early, and the worker fair-share counters that keep one query
// from flooding one worker.
type Executive struct {
	QueryId ids.QueryId
	dispatch Dispatcher
	merger   *ccontrol.Merger
	messages *qmeta.MessageStore
	progress ProgressSink
	qmetaW   QMetaWriter

	rowLimit       int64
	hasGroupOrSort bool
	allChunksReq   bool

	mu              sync.Mutex
	jobMap          map[ids.JobId]*JobQuery
	incompleteJobs  map[ids.JobId]bool
	errors          []qmeta.QMessage
	cancelled       bool
	limitRowComplete bool
	rowsReceived    int64

	workerLoadMu sync.Mutex
	workerLoad   map[string]int

	qmetaGroup          singleflight.Group
	lastQMetaWrite       time.Time
	secondsBetweenQMeta  time.Duration

	progressStop chan struct{}
	progressOnce sync.Once
}

// ExecutiveOptions configures limit-squash behavior and QMeta write
// coalescing.
type ExecutiveOptions struct {
	RowLimit            int64
	HasGroupOrSort      bool
	AllChunksRequired   bool
	SecondsBetweenQMeta time.Duration
}

// NewExecutive builds an Executive for one user query. dispatch sends
// jobs to workers; merger and messages are shared with the rest of the
// czar; progress and qmetaW may be nil to run without those side effects.
func NewExecutive(queryId ids.QueryId, dispatch Dispatcher, merger *ccontrol.Merger, messages *qmeta.MessageStore, progress ProgressSink, qmetaW QMetaWriter, opts ExecutiveOptions) *Executive {
	if opts.SecondsBetweenQMeta <= 0 {
		opts.SecondsBetweenQMeta = 5 * time.Second
	}
	return &Executive{
		QueryId:             queryId,
		dispatch:            dispatch,
		merger:              merger,
		messages:            messages,
		progress:            progress,
		qmetaW:              qmetaW,
		rowLimit:            opts.RowLimit,
		hasGroupOrSort:      opts.HasGroupOrSort,
		allChunksReq:        opts.AllChunksRequired,
		jobMap:              make(map[ids.JobId]*JobQuery),
		incompleteJobs:      make(map[ids.JobId]bool),
		workerLoad:          make(map[string]int),
		secondsBetweenQMeta: opts.SecondsBetweenQMeta,
	}
}

// JobQuery returns the JobQuery for jobId, or nil if unknown.
func (e *Executive) JobQuery(jobId ids.JobId) *JobQuery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobMap[jobId]
}

// Add creates a JobQuery for desc and tracks it as incomplete. It refuses
// to add once the Executive has been squashed.
func (e *Executive) Add(desc *JobDescription) (*JobQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return nil, ErrExecutiveCancelled
	}
	jq := NewJobQuery(desc, e.merger)
	e.jobMap[desc.JobId] = jq
	e.incompleteJobs[desc.JobId] = true
	e.bumpWorkerLoad(desc.TargetWname, 1)
	return jq, nil
}

// RunAll dispatches every job currently in jobMap concurrently via
// errgroup, the fan-out Executive uses once a query's full job set is
// known up front.
func (e *Executive) RunAll(ctx context.Context) error {
	e.mu.Lock()
	jobs := make([]*JobQuery, 0, len(e.jobMap))
	for _, jq := range e.jobMap {
		jobs = append(jobs, jq)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, jq := range jobs {
		jq := jq
		g.Go(func() error {
			return e.RunJobQuery(ctx, jq)
		})
	}
	return g.Wait()
}

// RunJobQuery asks the transport to dispatch jq's current JobDescription,
// retrying transient transport failures up to ids.MaxJobAttempts.
func (e *Executive) RunJobQuery(ctx context.Context, jq *JobQuery) error {
	for {
		if e.isCancelled() || jq.Cancelled() {
			e.MarkCompleted(jq.JobId, false)
			return nil
		}

		desc := jq.Description()
		// Only the first attempt walks Created -> Provisioned -> Request; a
		// retry is already in Request, which has no edge back to Provisioned.
		if jq.Status().State() == qmeta.JobStateCreated {
			if err := jq.Status().TransitionTo(qmeta.JobStateProvisioned, 0, ""); err != nil {
				return err
			}
			_ = jq.Status().TransitionTo(qmeta.JobStateRequest, 0, "")
		}

		err := e.dispatch.Dispatch(ctx, desc)
		if err == nil {
			return nil // success; MarkCompleted arrives asynchronously off the result stream
		}

		if desc.Attempt >= ids.MaxJobAttempts {
			_ = jq.Status().TransitionTo(qmeta.JobStateResponseError, 1, err.Error())
			e.MarkCompleted(jq.JobId, false)
			return err
		}

		e.bumpWorkerLoad(desc.TargetWname, -1)
		nextWname := e.leastLoadedWorker(desc.TargetWname)
		jq.Retry(nextWname, e.merger)
		e.bumpWorkerLoad(nextWname, 1)
	}
}

// RetryAsync redispatches jq after a retryable failure discovered off the
// result stream (a checksum mismatch, per spec.md's S3) rather than
// synchronously from Dispatch itself; it is RunJobQuery's counterpart for
// failures the dispatcher's background reader goroutine observes after
// RunJobQuery has already returned.
func (e *Executive) RetryAsync(ctx context.Context, jq *JobQuery) {
	if e.isCancelled() || jq.Cancelled() {
		e.MarkCompleted(jq.JobId, false)
		return
	}

	desc := jq.Description()
	if desc.Attempt >= ids.MaxJobAttempts {
		_ = jq.Status().TransitionTo(qmeta.JobStateResponseError, 1, "checksum retries exhausted")
		e.MarkCompleted(jq.JobId, false)
		return
	}

	e.bumpWorkerLoad(desc.TargetWname, -1)
	nextWname := e.leastLoadedWorker(desc.TargetWname)
	newDesc := jq.Retry(nextWname, e.merger)
	e.bumpWorkerLoad(nextWname, 1)

	if err := jq.Status().TransitionTo(qmeta.JobStateRequest, 0, ""); err != nil {
		e.MarkCompleted(jq.JobId, false)
		return
	}
	if err := e.dispatch.Dispatch(ctx, newDesc); err != nil {
		_ = jq.Status().TransitionTo(qmeta.JobStateResponseError, 1, err.Error())
		e.MarkCompleted(jq.JobId, false)
	}
}

// MarkCompleted removes jobId from incompleteJobs, and if it did not
// succeed and the query hasn't already satisfied its LIMIT, squashes the
// rest of the query.
func (e *Executive) MarkCompleted(jobId ids.JobId, success bool) {
	e.mu.Lock()
	delete(e.incompleteJobs, jobId)
	jq := e.jobMap[jobId]
	limitDone := e.limitRowComplete
	e.mu.Unlock()

	if jq != nil {
		if success {
			_ = jq.Status().TransitionTo(qmeta.JobStateComplete, 0, "")
		}
		if e.messages != nil {
			desc := jq.Description()
			msg := jq.Status().ToQMessage(desc.ChunkId, desc.TargetWname)
			_ = e.messages.Append(e.QueryId, msg)
			if msg.Severity == "ERROR" {
				e.mu.Lock()
				e.errors = append(e.errors, msg)
				e.mu.Unlock()
			}
		}
	}

	if !success && !limitDone {
		e.Squash("job failed")
	}
}

// RecordRows accumulates jobId's row contribution toward the query's
// LIMIT and triggers checkLimitRowComplete.
func (e *Executive) RecordRows(jobId ids.JobId, rows int64) {
	e.mu.Lock()
	e.rowsReceived += rows
	e.mu.Unlock()
	e.checkLimitRowComplete()
}

// checkLimitRowComplete squashes every job not yet COMPLETE once a LIMIT
// k query (with neither GROUP BY/ORDER BY nor an all-chunks requirement)
// has received at least k rows.
func (e *Executive) checkLimitRowComplete() {
	e.mu.Lock()
	if e.rowLimit <= 0 || e.hasGroupOrSort || e.allChunksReq || e.limitRowComplete {
		e.mu.Unlock()
		return
	}
	if e.rowsReceived < e.rowLimit {
		e.mu.Unlock()
		return
	}
	e.limitRowComplete = true
	var toCancel []*JobQuery
	for jobId := range e.incompleteJobs {
		jq := e.jobMap[jobId]
		if jq != nil && jq.Status().State() != qmeta.JobStateComplete {
			toCancel = append(toCancel, jq)
		}
	}
	e.mu.Unlock()

	for _, jq := range toCancel {
		jq.Cancel()
		_ = jq.Status().TransitionTo(qmeta.JobStateCancel, 0, "")
		e.MarkCompleted(jq.JobId, true) // limit satisfied: treat as a benign settle, not a failure
	}
}

// Squash cancels every JobQuery exactly once. Idempotent: concurrent or
// repeated calls after the first are no-ops.
func (e *Executive) Squash(reason string) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	jobs := make([]*JobQuery, 0, len(e.jobMap))
	for _, jq := range e.jobMap {
		jobs = append(jobs, jq)
	}
	e.mu.Unlock()

	for _, jq := range jobs {
		if jq.Status().State().Terminal() {
			continue
		}
		jq.Cancel()
		_ = jq.Status().TransitionTo(qmeta.JobStateCancel, 0, reason)
		// Settle the cancelled job the same way checkLimitRowComplete does:
		// it never answered, but squash itself is the completion event, so
		// incompleteJobs must still drain for Join to ever return.
		e.MarkCompleted(jq.JobId, true)
	}

	if e.messages != nil {
		e.mu.Lock()
		errs := append([]qmeta.QMessage(nil), e.errors...)
		e.mu.Unlock()
		_ = e.messages.AppendMultiError(e.QueryId, errs)
	}
}

func (e *Executive) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Join blocks until every job has settled, polling at a short interval
// since incompleteJobs is drained asynchronously by MarkCompleted calls
// arriving off concurrent dispatch goroutines.
func (e *Executive) Join(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		done := len(e.incompleteJobs) == 0
		limitDone := e.limitRowComplete
		cancelled := e.cancelled
		e.mu.Unlock()

		if done {
			return !cancelled || limitDone, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// bumpWorkerLoad adjusts the outstanding-job counter for wname, the
// per-worker fair-share bookkeeping supplementing the original's
// WorkerResources/WorkerResourceLists.
func (e *Executive) bumpWorkerLoad(wname string, delta int) {
	e.workerLoadMu.Lock()
	defer e.workerLoadMu.Unlock()
	e.workerLoad[wname] += delta
	if e.workerLoad[wname] <= 0 {
		delete(e.workerLoad, wname)
	}
}

// leastLoadedWorker picks a retry target other than avoid when a less
// loaded alternative exists in the known worker set; otherwise it keeps
// the same worker.
func (e *Executive) leastLoadedWorker(avoid string) string {
	e.workerLoadMu.Lock()
	defer e.workerLoadMu.Unlock()
	best := avoid
	bestLoad := e.workerLoad[avoid]
	for w, load := range e.workerLoad {
		if w != avoid && load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// WorkerLoad returns the current outstanding-job count for wname.
func (e *Executive) WorkerLoad(wname string) int {
	e.workerLoadMu.Lock()
	defer e.workerLoadMu.Unlock()
	return e.workerLoad[wname]
}

// WorkerNames returns the distinct workers this Executive currently has
// jobs outstanding on, the set a BootBroadcaster needs to notify every
// worker holding a job for this query.
func (e *Executive) WorkerNames() []string {
	e.workerLoadMu.Lock()
	defer e.workerLoadMu.Unlock()
	names := make([]string, 0, len(e.workerLoad))
	for wname, load := range e.workerLoad {
		if load > 0 {
			names = append(names, wname)
		}
	}
	return names
}

// SampleProgress emits one incomplete-job count to the ProgressSink and
// coalesces a QMeta write via singleflight so concurrent samples collapse
// into one write. While more than half of total is incomplete, QMeta is
// written at most once per secondsBetweenQMeta; once incomplete is at or
// below half of total (or zero), every sample writes, with no interval
// limit and no once-only tracking of the 50% crossing.
func (e *Executive) SampleProgress(total int) {
	e.mu.Lock()
	incomplete := len(e.incompleteJobs)
	e.mu.Unlock()

	if e.progress != nil {
		e.progress.SampleIncomplete(e.QueryId, incomplete)
	}
	if e.qmetaW == nil {
		return
	}

	forced := incomplete == 0 || (total > 0 && incomplete*2 <= total)
	e.mu.Lock()
	due := forced || time.Since(e.lastQMetaWrite) >= e.secondsBetweenQMeta
	if due {
		e.lastQMetaWrite = time.Now()
	}
	e.mu.Unlock()
	if !due {
		return
	}

	e.qmetaGroup.Do("write", func() (interface{}, error) {
		return nil, e.qmetaW.WriteProgress(e.QueryId, incomplete, total)
	})
}

// StartProgressTimer samples progress every period until StopProgress is
// called or ctx is cancelled, mirroring the original's weak-self timer
// that stops automatically when the Executive is destroyed.
func (e *Executive) StartProgressTimer(ctx context.Context, period time.Duration, total int) {
	e.progressStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.progressStop:
				return
			case <-ticker.C:
				e.SampleProgress(total)
			}
		}
	}()
}

// StopProgress stops the progress timer goroutine; safe to call multiple
// times or never (e.g. if StartProgressTimer was never called).
func (e *Executive) StopProgress() {
	e.progressOnce.Do(func() {
		if e.progressStop != nil {
			close(e.progressStop)
		}
	})
}
