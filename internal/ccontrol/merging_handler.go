// Package ccontrol implements the czar-side result path: MergingHandler
// drives one JobQuery's per-frame state machine over its result stream,
// and Merger owns at-most-once row insertion into the query's result
// table across retries.
package ccontrol

import (
	"crypto/md5"
	"errors"
	"fmt"
	"sync"

	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/wire"
)

// ErrChecksumMismatch marks a frame whose body MD5 disagrees with its
// header: a transient, retryable failure per spec.md's S3, distinct from
// an application-level RESULT_ERR the worker itself reported.
var ErrChecksumMismatch = errors.New("ccontrol: result body checksum mismatch")

// State is a JobQuery's position in the per-frame result state machine
// spec.md describes as flush(bufLen, buf, last): HEADER_WAIT to parse the
// next ProtoHeader, RESULT_WAIT once a header promises size bytes of
// Result body, RESULT_RECV once the terminal frame lands, with error
// sinks HEADER_ERR and RESULT_ERR.
type State int

const (
	StateHeaderWait State = iota
	StateResultWait
	StateResultRecv
	StateHeaderErr
	StateResultErr
)

func (s State) String() string {
	switch s {
	case StateHeaderWait:
		return "HEADER_WAIT"
	case StateResultWait:
		return "RESULT_WAIT"
	case StateResultRecv:
		return "RESULT_RECV"
	case StateHeaderErr:
		return "HEADER_ERR"
	case StateResultErr:
		return "RESULT_ERR"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == StateResultRecv || s == StateHeaderErr || s == StateResultErr
}

// MergingHandler is bound to one JobQuery's result stream and feeds every
// non-terminal frame's rows to Merger.
type MergingHandler struct {
	QueryId      ids.QueryId
	JobId        ids.JobId
	AttemptCount ids.AttemptCount

	mu     sync.Mutex
	state  State
	merger *Merger
}

// NewMergingHandler builds a handler starting in HEADER_WAIT.
func NewMergingHandler(queryId ids.QueryId, jobId ids.JobId, attempt ids.AttemptCount, merger *Merger) *MergingHandler {
	return &MergingHandler{QueryId: queryId, JobId: jobId, AttemptCount: attempt, state: StateHeaderWait, merger: merger}
}

func (h *MergingHandler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ProcessFrame advances the state machine for one (header, body) pair
// already read off the job's result stream. It is a caller error to call
// ProcessFrame again once State().Terminal() is true.
func (h *MergingHandler) ProcessFrame(hdr wire.ProtoHeader, body []byte) (done bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return true, fmt.Errorf("ccontrol: ProcessFrame called after terminal state %v", h.state)
	}

	h.state = StateResultWait
	if hdr.EndNoData && hdr.Size == 0 {
		h.state = StateResultRecv
		return true, nil
	}

	sum := fmt.Sprintf("%x", md5.Sum(body))
	if sum != hdr.Md5 {
		h.state = StateResultErr
		return true, fmt.Errorf("%w: got %s want %s", ErrChecksumMismatch, sum, hdr.Md5)
	}

	res, err := wire.DecodeResult(body)
	if err != nil {
		h.state = StateHeaderErr
		return true, fmt.Errorf("ccontrol: decode result: %w", err)
	}
	if res.ErrorCode != 0 {
		h.state = StateResultErr
		return true, fmt.Errorf("ccontrol: job error %d: %s", res.ErrorCode, res.ErrorMsg)
	}

	if err := h.merger.Merge(h.QueryId, h.JobId, h.AttemptCount, res); err != nil {
		h.state = StateResultErr
		return true, fmt.Errorf("ccontrol: merge: %w", err)
	}

	h.state = StateHeaderWait
	return false, nil
}
