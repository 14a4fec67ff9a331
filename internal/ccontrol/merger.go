package ccontrol

import (
	"encoding/binary"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wire"
)

type jobKey struct {
	queryId ids.QueryId
	jobId   ids.JobId
}

// mergeKey fingerprints a (queryId, jobId, attemptCount) triple the way a
// real result table would tag rows for scrub-by-key deletion: the rows
// merged from one attempt are addressable as a single unit.
func mergeKey(queryId ids.QueryId, jobId ids.JobId, attempt ids.AttemptCount) [32]byte {
	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(queryId))
	binary.BigEndian.PutUint32(buf[8:12], uint32(jobId))
	binary.BigEndian.PutUint64(buf[12:20], uint64(attempt))
	return blake3.Sum256(buf[:])
}

// Merger owns at-most-once row insertion into a query's result table: for
// any one (queryId, jobId), only the rows of a single attemptCount are
// ever counted, and a newer attempt's rows replace an older attempt's via
// prepScrub before they merge.
type Merger struct {
	mu               sync.Mutex
	committedAttempt map[jobKey]ids.AttemptCount
	committedKey     map[jobKey][32]byte
	rows             map[jobKey][][]byte
	rowsByQuery      map[ids.QueryId]int64
}

// NewMerger builds an empty Merger.
func NewMerger() *Merger {
	return &Merger{
		committedAttempt: make(map[jobKey]ids.AttemptCount),
		committedKey:     make(map[jobKey][32]byte),
		rows:             make(map[jobKey][][]byte),
		rowsByQuery:      make(map[ids.QueryId]int64),
	}
}

// PrepScrub removes any rows previously merged for (queryId, jobId) under
// a different attemptCount than attempt, so a retry's rows are the only
// ones that count once it merges. Safe to call even when nothing has
// merged yet.
func (m *Merger) PrepScrub(queryId ids.QueryId, jobId ids.JobId, attempt ids.AttemptCount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepScrubLocked(queryId, jobId, attempt)
}

func (m *Merger) prepScrubLocked(queryId ids.QueryId, jobId ids.JobId, attempt ids.AttemptCount) {
	key := jobKey{queryId, jobId}
	prevAttempt, ok := m.committedAttempt[key]
	if !ok || prevAttempt == attempt {
		return
	}
	m.rowsByQuery[queryId] -= int64(len(m.rows[key]))
	delete(m.rows, key)
	delete(m.committedAttempt, key)
	delete(m.committedKey, key)
}

// Merge inserts res's rows under (queryId, jobId, attempt). A stale
// attempt arriving after a newer attempt already committed for the same
// job is silently dropped, preserving at-most-once insertion.
func (m *Merger) Merge(queryId ids.QueryId, jobId ids.JobId, attempt ids.AttemptCount, res wire.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobKey{queryId, jobId}
	if prev, ok := m.committedAttempt[key]; ok {
		if attempt < prev {
			return nil // stale retry response, already superseded
		}
		if attempt > prev {
			m.prepScrubLocked(queryId, jobId, attempt)
		}
	}
	m.committedAttempt[key] = attempt
	m.committedKey[key] = mergeKey(queryId, jobId, attempt)

	m.rows[key] = append(m.rows[key], res.Rows...)
	m.rowsByQuery[queryId] += res.RowCount
	return nil
}

// RowsMerged returns the running row count merged for queryId across all
// its jobs' committed attempts.
func (m *Merger) RowsMerged(queryId ids.QueryId) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rowsByQuery[queryId]
}

// Rows returns the committed rows for one job, for tests and file-backed
// result table writers.
func (m *Merger) Rows(queryId ids.QueryId, jobId ids.JobId) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.rows[jobKey{queryId, jobId}]...)
}
