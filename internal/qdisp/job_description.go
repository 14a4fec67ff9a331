// Package qdisp implements the czar-side query dispatch core: one
// Executive owns a user query's fan-out to per-(queryId, jobId) JobQuery
// objects, each bound through a QueryRequest to the worker transport.
package qdisp

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wire"
)

// JobDescription is the payload and routing metadata for one dispatched
// job: the TaskMsg bytes, the chunk it targets, the worker it is bound
// to, and the retry count it has accumulated.
type JobDescription struct {
	QueryId    ids.QueryId
	JobId      ids.JobId
	ChunkId    ids.ChunkId
	TargetWname string
	Msg        wire.TaskMsg
	Attempt    ids.AttemptCount
}

// NewJobDescription builds a JobDescription for attempt 1.
func NewJobDescription(queryId ids.QueryId, jobId ids.JobId, chunkId ids.ChunkId, wname string, msg wire.TaskMsg) *JobDescription {
	return &JobDescription{QueryId: queryId, JobId: jobId, ChunkId: chunkId, TargetWname: wname, Msg: msg, Attempt: 1}
}

// NextAttempt returns a copy of jd bumped to the next attempt, bound to a
// (possibly different) worker, for Executive to redispatch after a
// transient transport failure.
func (jd *JobDescription) NextAttempt(wname string) *JobDescription {
	next := *jd
	next.TargetWname = wname
	next.Attempt++
	next.Msg.AttemptCount = next.Attempt
	return &next
}

// Fingerprint identifies this exact (queryId, jobId, attempt) dispatch, the same fingerprint ccontrol.Merger uses to key scrub-on-
// retry: recomputing it here rather than importing ccontrol keeps qdisp
// and ccontrol from depending on each other's internals.
func (jd *JobDescription) Fingerprint() [32]byte {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(jd.QueryId))
	binary.BigEndian.PutUint32(buf[8:12], uint32(jd.JobId))
	binary.BigEndian.PutUint64(buf[12:20], uint64(jd.Attempt))
	return blake3.Sum256(buf[:])
}
