// Package qmeta tracks each dispatched job's lifecycle (JobStatus) and
// accumulates the terminal-state QMessages a query exposes to its SQL
// client (MessageStore), durably journaled so a czar restart can replay
// in-flight query status.
package qmeta

import (
	"errors"
	"sync"
	"time"

	"github.com/qservgo/qserv/internal/ids"
)

// ErrInvalidStateTransition is returned by JobStatus.TransitionTo when the
// requested transition is not reachable from the current state.
var ErrInvalidStateTransition = errors.New("qmeta: invalid job state transition")

// JobState is a JobQuery's position in its dispatch lifecycle, the full
// enum qdisp/JobQuery.cc drives through qmeta::JobStatus -- spec.md only
// names the terminal states (COMPLETE, the *_ERROR sinks) and CANCEL.
type JobState int32

const (
	JobStateCreated JobState = iota
	JobStateProvisioned
	JobStateRequest
	JobStateResponseReady
	JobStateComplete
	JobStateResponseError
	JobStateCancel
)

func (s JobState) String() string {
	switch s {
	case JobStateCreated:
		return "CREATED"
	case JobStateProvisioned:
		return "PROVISIONED"
	case JobStateRequest:
		return "REQUEST"
	case JobStateResponseReady:
		return "RESPONSE_READY"
	case JobStateComplete:
		return "COMPLETE"
	case JobStateResponseError:
		return "RESPONSE_ERROR"
	case JobStateCancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s ends the job's lifecycle: no further
// transition is valid and Executive.join can count this job as settled.
func (s JobState) Terminal() bool {
	return s == JobStateComplete || s == JobStateResponseError || s == JobStateCancel
}

var validJobTransitions = map[JobState][]JobState{
	JobStateCreated:       {JobStateProvisioned, JobStateCancel},
	JobStateProvisioned:   {JobStateRequest, JobStateCancel},
	JobStateRequest:       {JobStateResponseReady, JobStateResponseError, JobStateCancel},
	JobStateResponseReady: {JobStateRequest, JobStateComplete, JobStateResponseError, JobStateCancel},
	JobStateComplete:      {},
	JobStateResponseError: {},
	JobStateCancel:        {},
}

// JobStatus is one JobQuery's state machine, total-ordered under its own
// mutex per spec invariant "JobStatus transitions are total-ordered per
// JobQuery".
type JobStatus struct {
	mu        sync.RWMutex
	QueryId   ids.QueryId
	JobId     ids.JobId
	state     JobState
	errorCode int32
	errorMsg  string
	updatedAt time.Time
}

// NewJobStatus starts a job in JobStateCreated.
func NewJobStatus(queryId ids.QueryId, jobId ids.JobId) *JobStatus {
	return &JobStatus{QueryId: queryId, JobId: jobId, state: JobStateCreated, updatedAt: time.Now()}
}

// TransitionTo validates and applies a state change, recording errCode and
// errMsg when newState is JobStateResponseError.
func (js *JobStatus) TransitionTo(newState JobState, errCode int32, errMsg string) error {
	js.mu.Lock()
	defer js.mu.Unlock()

	allowed := validJobTransitions[js.state]
	ok := false
	for _, s := range allowed {
		if s == newState {
			ok = true
			break
		}
	}
	if !ok {
		return ErrInvalidStateTransition
	}

	js.state = newState
	js.updatedAt = time.Now()
	if newState == JobStateResponseError {
		js.errorCode = errCode
		js.errorMsg = errMsg
	}
	return nil
}

func (js *JobStatus) State() JobState {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.state
}

func (js *JobStatus) Error() (code int32, msg string) {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.errorCode, js.errorMsg
}

// ToQMessage renders this job's current terminal state as the QMessage
// the proxy surfaces to the SQL client, per spec.md's "Proxy message
// store" rule that only terminal JobStatus states become visible.
func (js *JobStatus) ToQMessage(chunkId ids.ChunkId, source string) QMessage {
	js.mu.RLock()
	defer js.mu.RUnlock()

	severity := "INFO"
	desc := js.state.String()
	if js.state == JobStateResponseError {
		severity = "ERROR"
		desc = js.errorMsg
	} else if js.state == JobStateCancel {
		severity = "WARN"
	}

	return QMessage{
		ChunkId:   chunkId,
		Source:    source,
		State:     js.state.String(),
		StateCode: js.errorCode,
		StateDesc: desc,
		Severity:  severity,
		Timestamp: js.updatedAt.Unix(),
	}
}
