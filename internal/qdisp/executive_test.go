package qdisp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/qmeta"
	"github.com/qservgo/qserv/internal/wire"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   int
	failN   int // fail this many calls before succeeding
	failAll bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, desc *JobDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAll || f.calls <= f.failN {
		return errors.New("transient transport failure")
	}
	return nil
}

func newTestExecutive(t *testing.T, disp Dispatcher) *Executive {
	t.Helper()
	merger := ccontrol.NewMerger()
	messages := qmeta.NewMessageStore(10, nil)
	return NewExecutive(1, disp, merger, messages, nil, nil, ExecutiveOptions{})
}

func TestExecutiveAddRefusesAfterSquash(t *testing.T) {
	e := newTestExecutive(t, &fakeDispatcher{})
	e.Squash("test")

	_, err := e.Add(NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{}))
	if err != ErrExecutiveCancelled {
		t.Fatalf("expected ErrExecutiveCancelled, got %v", err)
	}
}

func TestExecutiveRetriesTransientFailureThenSucceeds(t *testing.T) {
	disp := &fakeDispatcher{failN: 2}
	e := newTestExecutive(t, disp)

	jq, err := e.Add(NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{}))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := e.RunJobQuery(context.Background(), jq); err != nil {
		t.Fatalf("run job query: %v", err)
	}
	if disp.calls != 3 {
		t.Fatalf("expected 3 dispatch attempts, got %d", disp.calls)
	}
}

func TestExecutiveSquashesOnJobFailure(t *testing.T) {
	disp := &fakeDispatcher{failAll: true}
	e := newTestExecutive(t, disp)

	jq, err := e.Add(NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{}))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	_ = e.RunJobQuery(context.Background(), jq)

	if !e.isCancelled() {
		t.Fatal("expected the query to be squashed after exhausting retries")
	}
	msgs := e.messages.Messages(1)
	found := false
	for _, m := range msgs {
		if m.State == "MULTIERROR" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a MULTIERROR QMessage after squash, got %+v", msgs)
	}
}

func TestExecutiveLimitRowCompleteCancelsRemainingJobs(t *testing.T) {
	disp := &fakeDispatcher{}
	merger := ccontrol.NewMerger()
	messages := qmeta.NewMessageStore(10, nil)
	e := NewExecutive(1, disp, merger, messages, nil, nil, ExecutiveOptions{RowLimit: 5})

	jq1, _ := e.Add(NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{}))
	jq2, _ := e.Add(NewJobDescription(1, 2, 11, "worker1", wire.TaskMsg{}))
	_ = jq2

	_ = jq1.Status().TransitionTo(qmeta.JobStateProvisioned, 0, "")
	_ = jq1.Status().TransitionTo(qmeta.JobStateRequest, 0, "")
	_ = jq1.Status().TransitionTo(qmeta.JobStateResponseReady, 0, "")
	_ = jq1.Status().TransitionTo(qmeta.JobStateComplete, 0, "")
	e.RecordRows(1, 6)
	// Job 1's own completion event settles it; the limit squash only
	// settles jobs that are not yet COMPLETE.
	e.MarkCompleted(jq1.JobId, true)

	if !e.limitRowComplete {
		t.Fatal("expected limitRowComplete to be set once rows >= limit")
	}
	if jq2.Status().State() != qmeta.JobStateCancel {
		t.Fatalf("expected the other job to be cancelled, got %v", jq2.Status().State())
	}

	done, err := e.Join(context.Background())
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !done {
		t.Fatal("expected join to report success when limitRowComplete is set")
	}
}

func TestExecutiveJoinTimesOutOnContextCancellation(t *testing.T) {
	disp := &fakeDispatcher{failAll: true}
	e := newTestExecutive(t, disp)
	_, _ = e.Add(NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{}))
	// do not run the job; incompleteJobs never drains

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.Join(ctx)
	if err == nil {
		t.Fatal("expected join to time out")
	}
}

func TestWorkerLoadFairShare(t *testing.T) {
	e := newTestExecutive(t, &fakeDispatcher{})
	e.bumpWorkerLoad("w1", 3)
	e.bumpWorkerLoad("w2", 1)

	if got := e.leastLoadedWorker("w1"); got != "w2" {
		t.Fatalf("expected w2 to be least loaded, got %s", got)
	}
}

func TestJobDescriptionFingerprintChangesPerAttempt(t *testing.T) {
	desc := NewJobDescription(1, 1, 10, "worker1", wire.TaskMsg{})
	fp1 := desc.Fingerprint()
	desc2 := desc.NextAttempt("worker2")
	fp2 := desc2.Fingerprint()
	if fp1 == fp2 {
		t.Fatal("expected different attempts to fingerprint differently")
	}
	if desc2.Attempt != desc.Attempt+1 {
		t.Fatalf("expected attempt to increment, got %d", desc2.Attempt)
	}
}

var _ = ids.ChunkId(0)
