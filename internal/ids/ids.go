// Package ids defines the integer identifier types shared by the czar and
// worker sides of the query execution core.
package ids

import "fmt"

// QueryId identifies a single user query, assigned by the czar.
type QueryId uint64

// JobId identifies a job (one per chunk) within a query.
type JobId int32

// ChunkId identifies a spatial partition of a table.
type ChunkId int32

// SubChunkId identifies a sub-partition within a chunk.
type SubChunkId int32

// CzarId identifies a coordinator process. Multiple czars may be live at
// once (e.g. during a rolling restart); only one owns any given QueryId.
type CzarId uint32

// AttemptCount is the number of times a job has been dispatched, bounded by
// MaxJobAttempts.
type AttemptCount int

// MaxJobAttempts bounds AttemptCount for any one JobQuery.
const MaxJobAttempts AttemptCount = 5

// IdStr renders the (queryId, jobId) pair the way log lines key on it, e.g.
// for grepping a czar log for one query's jobs.
func IdStr(qid QueryId, jid JobId) string {
	return fmt.Sprintf("QID=%d#%d", qid, jid)
}

// UberJobId identifies a transport-level grouping of several JobQuery
// objects dispatched to the same worker in one request, cutting per-chunk
// connection overhead. Negative means unassigned.
type UberJobId int64

const UnassignedUberJobId UberJobId = -1
