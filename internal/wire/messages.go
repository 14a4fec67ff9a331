// Package wire defines the messages and framing exchanged between czar and
// worker over a result stream: the TaskMsg dispatched to a worker, the
// ProtoHeader/Result pairs streamed back, and the summary that closes a
// job's response.
package wire

import "github.com/qservgo/qserv/internal/ids"

// TaskMsg is the unit of work the czar sends a worker: one chunk query
// plus enough identity to route, retry, and merge its results.
type TaskMsg struct {
	QueryId      ids.QueryId    `json:"query_id"`
	JobId        ids.JobId      `json:"job_id"`
	AttemptCount ids.AttemptCount `json:"attempt_count"`
	ChunkId      ids.ChunkId    `json:"chunk_id"`
	Db           string         `json:"db,omitempty"`
	User         string         `json:"user,omitempty"`
	Session      string         `json:"session,omitempty"`
	Fragments    []Fragment     `json:"fragments"`
	ResultTable  string         `json:"result_table"`
	Interactive  bool           `json:"interactive"`
	RowLimit     int64          `json:"row_limit,omitempty"`
	ScanPriority ScanPriority   `json:"scan_priority"`
	ScanTables   []ScanTable    `json:"scan_tables,omitempty"`
}

// ScanTable is one table a TaskMsg's fragments touch: the field-exact
// {db, table, lockinmem, scanrating} spec.md §6 lists on scantable[],
// carried per-table rather than flattened to a bare name so the worker
// scheduler can make its MemMan lock-strategy (REQUIRED vs. FLEXIBLE) and
// band-classification decisions from the same wire data the czar sent.
type ScanTable struct {
	Db         string `json:"db"`
	Table      string `json:"table"`
	LockInMem  bool   `json:"lockinmem"`
	ScanRating int    `json:"scanrating"`
}

// Fragment is one SQL fragment of a chunk query, addressing specific
// sub-chunks when the query needs near-neighbor joins.
type Fragment struct {
	Queries     []string `json:"queries"`
	SubChunkIds []ids.SubChunkId `json:"sub_chunk_ids,omitempty"`
}

// ScanPriority selects which worker scheduler queue a Task is routed to.
type ScanPriority int

const (
	ScanPriorityGroup ScanPriority = iota
	ScanPriorityFast
	ScanPriorityMedium
	ScanPrioritySlow
	ScanPrioritySnail
)

func (p ScanPriority) String() string {
	switch p {
	case ScanPriorityGroup:
		return "group"
	case ScanPriorityFast:
		return "fast"
	case ScanPriorityMedium:
		return "medium"
	case ScanPrioritySlow:
		return "slow"
	case ScanPrioritySnail:
		return "snail"
	default:
		return "unknown"
	}
}

// ProtoHeader precedes every body on the result stream. Size and Md5
// describe the body that follows; EndNoData with Size == 0 terminates the
// stream.
type ProtoHeader struct {
	Size        uint32 `json:"size"`
	Md5         string `json:"md5"`
	Wname       string `json:"wname"`
	LargeResult bool   `json:"largeresult"`
	EndNoData   bool   `json:"endnodata"`
}

// Result is the body of one frame: a batch of rows from a chunk query,
// possibly with an embedded error and/or the offloaded-to-file summary.
type Result struct {
	QueryId      ids.QueryId      `json:"query_id"`
	JobId        ids.JobId        `json:"job_id"`
	AttemptCount ids.AttemptCount `json:"attempt_count"`
	RowCount     int64            `json:"row_count"`
	Rows         [][]byte         `json:"rows,omitempty"`
	ErrorCode    int32            `json:"error_code,omitempty"`
	ErrorMsg     string           `json:"error_msg,omitempty"`
}

// ResponseSummary describes the close of a job's transmission, with
// FileResourceHTTP naming a URL for a framed result held outside the
// inline stream. No code path in this repository sends or reads a
// ResponseSummary, and nothing fetches from FileResourceHTTP.
type ResponseSummary struct {
	QueryId          ids.QueryId `json:"query_id"`
	JobId            ids.JobId   `json:"job_id"`
	RowCount         int64       `json:"row_count"`
	TransmitSize     int64       `json:"transmit_size"`
	FileResourceHTTP string      `json:"fileresource_http,omitempty"`
	ErrorCode        int32       `json:"error_code,omitempty"`
	ErrorMsg         string      `json:"error_msg,omitempty"`
}
