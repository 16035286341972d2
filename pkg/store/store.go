// Package store defines the scheduler data store contract (spec §4.4): a
// thin, strictly-typed façade over persistent storage, every method atomic
// at the granularity named. The scheduler actor (pkg/scheduler) is the only
// caller; it never assumes anything about the backing implementation beyond
// this interface.
package store

import (
	"context"
	"time"

	"github.com/forgesrv/forge/pkg/ident"
)

// JobState is one state in the job state machine from the data model.
type JobState int

const (
	JobPending JobState = iota
	JobWaitingOnDependency
	JobReady
	JobDispatched
	JobComplete
	JobFailed
	JobDependencyFailed
	JobCancelPending
	JobCancelProcessing
	JobCancelComplete
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "Pending"
	case JobWaitingOnDependency:
		return "WaitingOnDependency"
	case JobReady:
		return "Ready"
	case JobDispatched:
		return "Dispatched"
	case JobComplete:
		return "Complete"
	case JobFailed:
		return "JobFailed"
	case JobDependencyFailed:
		return "DependencyFailed"
	case JobCancelPending:
		return "CancelPending"
	case JobCancelProcessing:
		return "CancelProcessing"
	case JobCancelComplete:
		return "CancelComplete"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is a terminal job state.
func (s JobState) Terminal() bool {
	switch s {
	case JobComplete, JobFailed, JobDependencyFailed, JobCancelComplete:
		return true
	default:
		return false
	}
}

// GroupState is one state in the group lifecycle from the data model.
type GroupState int

const (
	GroupQueued GroupState = iota
	GroupDispatching
	GroupPending
	GroupComplete
	GroupFailed
	GroupCanceled
)

func (s GroupState) String() string {
	switch s {
	case GroupQueued:
		return "Queued"
	case GroupDispatching:
		return "Dispatching"
	case GroupPending:
		return "Pending"
	case GroupComplete:
		return "Complete"
	case GroupFailed:
		return "Failed"
	case GroupCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// JobID and GroupID identify rows durably; the store assigns them on
// creation.
type JobID string
type GroupID string

// Job is a single build attempt, as described in the data model.
type Job struct {
	ID           JobID
	GroupID      GroupID
	Target       ident.Target
	ManifestNode string // set by pkg/ingest's nodeRef: known ident for the short ident, "#<cycle index>" appended after the first pass
	DependsOn    []JobID
	WaitingOn    int // count of unfinished dependencies
	State        JobState
	AsBuilt      *ident.Ident
	CreatedAt    time.Time
	DispatchedAt *time.Time
	RetryCount   int
}

// Group is a submission, as described in the data model.
type Group struct {
	ID        GroupID
	Project   string
	Target    ident.Target
	CreatedAt time.Time
	State     GroupState
	JobIDs    []JobID
}

// Store is the scheduler data store contract from spec §4.4. Every method
// is atomic at the granularity named in its doc comment.
type Store interface {
	// CreateGroup persists a new group in GroupQueued state along with its
	// jobs, all in Pending state with their initial WaitingOn counts.
	CreateGroup(ctx context.Context, g Group, jobs []Job) error

	// TakeNextJobForTarget selects a single job in Ready for target, flips
	// it to Dispatched in the same transaction, and returns it. Selection
	// order: FIFO by group admission time, then FIFO by job creation time
	// within a group. Returns (nil, false) if no ready job exists.
	TakeNextJobForTarget(ctx context.Context, target ident.Target) (*Job, bool, error)

	// MarkJobCompleteAndUpdateDependencies sets job to Complete, records
	// asBuilt, decrements the WaitingOn count of every dependent, and flips
	// any dependent whose count reaches zero from WaitingOnDependency to
	// Ready. Returns the number of dependents newly made ready.
	MarkJobCompleteAndUpdateDependencies(ctx context.Context, id JobID, asBuilt ident.Ident) (int, error)

	// MarkJobFailed sets job to JobFailed and transitively sets every
	// downstream descendant to DependencyFailed. Returns the number of
	// descendants marked.
	MarkJobFailed(ctx context.Context, id JobID) (int, error)

	// CountAllStates returns a snapshot of job-state distribution within a
	// group.
	CountAllStates(ctx context.Context, group GroupID) (map[JobState]int, error)

	// SetJobGroupState writes group state.
	SetJobGroupState(ctx context.Context, group GroupID, state GroupState) error

	// CountReadyForTarget returns the number of jobs currently Ready for a
	// target.
	CountReadyForTarget(ctx context.Context, target ident.Target) (int, error)

	// GroupDispatchedUpdateJobs transitions every job in a group from
	// Pending to either WaitingOnDependency or Ready based on its initial
	// WaitingOn count. Returns the number of jobs moved to Ready.
	GroupDispatchedUpdateJobs(ctx context.Context, group GroupID) (int, error)

	// TakeNextGroupForTarget selects the oldest queued group whose target
	// matches; flips it to Dispatching. Returns (nil, false) if none queued.
	TakeNextGroupForTarget(ctx context.Context, target ident.Target) (*Group, bool, error)

	// CancelGroup marks every Dispatched job in the group CancelPending and
	// returns their IDs (the scheduler must notify their workers to
	// preempt so the job can wind down and ack). Every other non-terminal
	// job has no worker to wait on, so it is moved straight to
	// CancelComplete in the same call.
	CancelGroup(ctx context.Context, group GroupID) ([]JobID, error)

	// MarkJobCanceled sets job to CancelComplete once its worker has
	// acknowledged a preemption request. Unlike MarkJobFailed it does not
	// touch dependents: CancelGroup already moved the rest of the group
	// towards cancellation in the same sweep.
	MarkJobCanceled(ctx context.Context, id JobID) error

	// ResetJobToReady resets a Dispatched job back to Ready (used on
	// WorkerGone) and increments its retry counter. Returns the updated
	// retry count.
	ResetJobToReady(ctx context.Context, id JobID) (int, error)

	// GetJob returns a single job by ID.
	GetJob(ctx context.Context, id JobID) (*Job, error)

	// GetGroup returns a single group by ID.
	GetGroup(ctx context.Context, id GroupID) (*Group, error)

	// ListTimedOutDispatched returns every job still Dispatched whose
	// DispatchedAt precedes cutoff, for the job-timeout sweep (spec §4.6,
	// §5): "each build has a configured maximum wall-clock duration;
	// when exceeded the scheduler issues a cancel."
	ListTimedOutDispatched(ctx context.Context, cutoff time.Time) ([]Job, error)

	// MarkJobTimedOut transitions job from Dispatched to CancelPending, the
	// same state a group-cancel puts a dispatched job into, so the
	// worker holding it is notified once and the job completes via the
	// normal WorkerFinished(Canceled)/WorkerGone path. Returns false
	// without error if the job already left Dispatched (raced with a
	// worker's own completion report).
	MarkJobTimedOut(ctx context.Context, id JobID) (bool, error)
}
