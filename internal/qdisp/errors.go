package qdisp

import "errors"

// ErrExecutiveCancelled is returned by Executive.Add once the query has
// already been squashed.
var ErrExecutiveCancelled = errors.New("qdisp: executive already cancelled")
