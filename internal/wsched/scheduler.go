// Package wsched implements the worker's task-admission scheduler family:
// a small Scheduler interface with Group, Scan-band, and Snail
// implementations composed under a priority-ordered BlendScheduler.
package wsched

import "github.com/qservgo/qserv/internal/wbase"

// Scheduler is the common surface every member of the scheduler family
// implements; BlendScheduler polls these in priority order each tick.
type Scheduler interface {
	Name() string
	QueCmd(tasks []*wbase.Task)
	GetCmd(wait bool) *wbase.Task
	Ready() bool
	CommandStart(t *wbase.Task)
	CommandFinish(t *wbase.Task)
	DesiredThreadReserve() int
	InFlight() int
	Size() int
}
