package qmeta

import (
	"fmt"
	"sync"

	"github.com/qservgo/qserv/internal/ids"
)

// QMessage is one user-visible status line a query exposes to its SQL
// client proxy, built from a JobQuery's terminal JobStatus.
type QMessage struct {
	ChunkId   ids.ChunkId
	Source    string
	State     string
	StateCode int32
	StateDesc string
	Severity  string
	Timestamp int64
}

// MessageStore holds, per query, the ring of QMessages the proxy reports
// once the query completes -- spec.md's "Per-query ring of user-visible
// QMessages for proxy reporting".
type MessageStore struct {
	mu          sync.Mutex
	maxPerQuery int
	messages    map[ids.QueryId][]QMessage
	journal     *Journal
}

// NewMessageStore builds a MessageStore capping each query's ring at
// maxPerQuery messages. journal may be nil to run without durability
// (e.g. in tests).
func NewMessageStore(maxPerQuery int, journal *Journal) *MessageStore {
	return &MessageStore{
		maxPerQuery: maxPerQuery,
		messages:    make(map[ids.QueryId][]QMessage),
		journal:     journal,
	}
}

// Append adds one QMessage to queryId's ring, evicting the oldest entry
// once maxPerQuery is exceeded, and journals it if a Journal is attached.
func (ms *MessageStore) Append(queryId ids.QueryId, msg QMessage) error {
	ms.mu.Lock()
	ring := ms.messages[queryId]
	ring = append(ring, msg)
	if len(ring) > ms.maxPerQuery {
		ring = ring[len(ring)-ms.maxPerQuery:]
	}
	ms.messages[queryId] = ring
	ms.mu.Unlock()

	if ms.journal != nil {
		return ms.journal.Append(queryId, msg)
	}
	return nil
}

// AppendMultiError combines several terminal-error QMessages into one
// MULTIERROR message naming every offending chunk, per spec.md's "and
// append a combined MULTIERROR if any errors occurred" rule on join.
func (ms *MessageStore) AppendMultiError(queryId ids.QueryId, errs []QMessage) error {
	if len(errs) == 0 {
		return nil
	}
	desc := ""
	for i, e := range errs {
		if i > 0 {
			desc += "; "
		}
		desc += fmt.Sprintf("chunk %d: code %d: %s", e.ChunkId, e.StateCode, e.StateDesc)
	}
	return ms.Append(queryId, QMessage{
		Source:    "Executive",
		State:     "MULTIERROR",
		StateDesc: desc,
		Severity:  "ERROR",
		Timestamp: errs[len(errs)-1].Timestamp,
	})
}

// Messages returns the current ring for queryId, oldest first.
func (ms *MessageStore) Messages(queryId ids.QueryId) []QMessage {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]QMessage, len(ms.messages[queryId]))
	copy(out, ms.messages[queryId])
	return out
}

// Forget drops a query's ring once the proxy has read it, bounding
// MessageStore's memory to in-flight and recently-completed queries.
func (ms *MessageStore) Forget(queryId ids.QueryId) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.messages, queryId)
}
