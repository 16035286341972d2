package scheduler

import (
	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/store"
)

// Outcome is the result a worker reports for a dispatched job.
type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Canceled
)

// JobGroupAdded notifies the scheduler of a newly submitted group; it is
// admitted immediately if there is capacity, otherwise left Queued.
type JobGroupAdded struct {
	GroupID store.GroupID
}

// JobGroupCanceled requests cancellation of every non-terminal job in a
// group.
type JobGroupCanceled struct {
	GroupID store.GroupID
}

// WorkResult is returned to a WorkerNeedsWork caller.
type WorkResult struct {
	Job *store.Job // nil if no work is available
}

// WorkerNeedsWork asks the scheduler for the next job to run on target.
type WorkerNeedsWork struct {
	WorkerID string
	Target   ident.Target
	Reply    chan WorkResult
}

// WorkerFinished reports the terminal outcome of a dispatched job.
type WorkerFinished struct {
	WorkerID string
	JobID    store.JobID
	Outcome  Outcome
	AsBuilt  ident.Ident // valid only when Outcome == Succeeded
}

// WorkerGone reports that a worker dropped off while holding a job; the
// scheduler resets the job to Ready and bumps its retry counter.
type WorkerGone struct {
	WorkerID string
	JobID    store.JobID
}

// Snapshot is the observable state returned by the State message.
type Snapshot struct {
	QueuedGroups     int
	DispatchedJobs   int
	GroupsByState    map[store.GroupState]int
	ReadyByTarget    map[ident.Target]int
}

// State requests an observable snapshot, for diagnostics and metrics.
type State struct {
	Reply chan Snapshot
}

// JobTimeoutSweep triggers, on demand, the same sweep Run performs on its
// own ticker (spec §4.6, §5): find Dispatched jobs that have exceeded their
// wall-clock budget and preempt them the same way a group cancellation
// would.
type JobTimeoutSweep struct{}
