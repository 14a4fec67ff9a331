package qdisp

import (
	"sync"
	"sync/atomic"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/qmeta"
)

// JobQuery is the czar-side owner of one (queryId, jobId): its current
// JobDescription, its JobStatus state machine, and the MergingHandler
// that consumes its result stream. UberJobId groups several JobQuery
// under one transport-level request to cut per-chunk connection
// overhead; it is optional and unused by the default one-job-per-stream
// dispatch path.
type JobQuery struct {
	QueryId ids.QueryId
	JobId   ids.JobId

	mu     sync.Mutex
	desc   *JobDescription
	status *qmeta.JobStatus
	merge  *ccontrol.MergingHandler

	uberJobId ids.UberJobId
	cancelled atomic.Bool
}

// NewJobQuery builds a JobQuery for desc, wiring a fresh JobStatus and a
// MergingHandler bound to merger.
func NewJobQuery(desc *JobDescription, merger *ccontrol.Merger) *JobQuery {
	jq := &JobQuery{
		QueryId:   desc.QueryId,
		JobId:     desc.JobId,
		desc:      desc,
		status:    qmeta.NewJobStatus(desc.QueryId, desc.JobId),
		uberJobId: ids.UnassignedUberJobId,
	}
	jq.merge = ccontrol.NewMergingHandler(desc.QueryId, desc.JobId, desc.Attempt, merger)
	return jq
}

func (jq *JobQuery) Description() *JobDescription {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.desc
}

func (jq *JobQuery) Status() *qmeta.JobStatus { return jq.status }

func (jq *JobQuery) MergingHandler() *ccontrol.MergingHandler {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.merge
}

// Retry replaces this JobQuery's JobDescription and MergingHandler with
// a fresh attempt bound to wname, for Executive.RunJobQuery to redispatch
// after a transient transport failure. The JobStatus itself is not
// replaced: its transitions stay total-ordered across attempts.
func (jq *JobQuery) Retry(wname string, merger *ccontrol.Merger) *JobDescription {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	jq.desc = jq.desc.NextAttempt(wname)
	jq.merge = ccontrol.NewMergingHandler(jq.desc.QueryId, jq.desc.JobId, jq.desc.Attempt, merger)
	return jq.desc
}

func (jq *JobQuery) Cancel() { jq.cancelled.Store(true) }

func (jq *JobQuery) Cancelled() bool { return jq.cancelled.Load() }

// AssignToUberJob groups this JobQuery under a shared transport-level
// UberJobId.
func (jq *JobQuery) AssignToUberJob(id ids.UberJobId) {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	jq.uberJobId = id
}

func (jq *JobQuery) UnassignFromUberJob() {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	jq.uberJobId = ids.UnassignedUberJobId
}

func (jq *JobQuery) UberJobId() ids.UberJobId {
	jq.mu.Lock()
	defer jq.mu.Unlock()
	return jq.uberJobId
}
