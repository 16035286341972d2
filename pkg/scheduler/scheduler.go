// Package scheduler implements the scheduler actor from the component
// design: a single-writer message loop over a store.Store, converting all
// concurrent access to scheduler state into a serial transcript.
package scheduler

import (
	"context"
	"log"
	"time"

	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/store"
)

// Notifier is told when new work appears for a target, so a worker manager
// can wake idle workers instead of polling. Implementations must not block;
// the scheduler actor calls it synchronously from its message loop.
type Notifier interface {
	WorkAvailable(target ident.Target)
	JobPreempt(workerID string, jobID store.JobID)
}

type noopNotifier struct{}

func (noopNotifier) WorkAvailable(ident.Target)            {}
func (noopNotifier) JobPreempt(string, store.JobID)        {}

// Watermarks configures admission control (spec §4.5): a newly added group
// stays Queued while its target has High or more Ready jobs, and after each
// finished job the oldest Queued group for the target is admitted if fewer
// than Low jobs are Ready. Both checks count Ready jobs only
// (Store.CountReadyForTarget); WaitingOnDependency jobs are not counted.
type Watermarks struct {
	High int
	Low  int
}

// DefaultWatermarks matches the teacher's conservative single-host default:
// admit up to 64 in-flight jobs per target before queuing more groups.
var DefaultWatermarks = Watermarks{High: 64, Low: 16}

// Ctx is the scheduler actor. All exported methods enqueue a message onto
// run's single channel and, where applicable, block on that message's own
// reply channel; no scheduler state is touched from any other goroutine.
type Ctx struct {
	Log        *log.Logger
	Store      store.Store
	Notifier   Notifier
	Watermarks Watermarks

	// JobTimeout bounds how long a job may stay Dispatched before the
	// scheduler issues a cancel (spec §4.6 job_timeout_minutes, §5's
	// "default 60 minutes"). Zero disables the sweep.
	JobTimeout time.Duration

	inbox chan interface{}
	done  chan struct{}
}

// New constructs a scheduler actor. Call Run in its own goroutine before
// sending it any messages.
func New(logger *log.Logger, st store.Store, notifier Notifier, wm Watermarks) *Ctx {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Ctx{
		Log:        logger,
		Store:      st,
		Notifier:   notifier,
		Watermarks: wm,
		JobTimeout: 60 * time.Minute,
		inbox:      make(chan interface{}, 256),
		done:       make(chan struct{}),
	}
}

// Run processes messages until ctx is canceled. It must run in exactly one
// goroutine for the lifetime of the Ctx.
func (c *Ctx) Run(ctx context.Context) {
	defer close(c.done)

	var tickC <-chan time.Time
	if c.JobTimeout > 0 {
		interval := c.JobTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		case <-tickC:
			c.onTimeoutSweep(ctx)
		}
	}
}

func (c *Ctx) send(ctx context.Context, msg interface{}) {
	select {
	case c.inbox <- msg:
	case <-ctx.Done():
	}
}

// SubmitGroup sends JobGroupAdded.
func (c *Ctx) SubmitGroup(ctx context.Context, id store.GroupID) {
	c.send(ctx, JobGroupAdded{GroupID: id})
}

// CancelGroup sends JobGroupCanceled.
func (c *Ctx) CancelGroup(ctx context.Context, id store.GroupID) {
	c.send(ctx, JobGroupCanceled{GroupID: id})
}

// NeedWork sends WorkerNeedsWork and blocks for the reply.
func (c *Ctx) NeedWork(ctx context.Context, workerID string, target ident.Target) (*store.Job, error) {
	reply := make(chan WorkResult, 1)
	c.send(ctx, WorkerNeedsWork{WorkerID: workerID, Target: target, Reply: reply})
	select {
	case r := <-reply:
		return r.Job, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Finished sends WorkerFinished.
func (c *Ctx) Finished(ctx context.Context, workerID string, jobID store.JobID, outcome Outcome, asBuilt ident.Ident) {
	c.send(ctx, WorkerFinished{WorkerID: workerID, JobID: jobID, Outcome: outcome, AsBuilt: asBuilt})
}

// Gone sends WorkerGone.
func (c *Ctx) Gone(ctx context.Context, workerID string, jobID store.JobID) {
	c.send(ctx, WorkerGone{WorkerID: workerID, JobID: jobID})
}

// Snapshot sends State and blocks for the reply.
func (c *Ctx) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	c.send(ctx, State{Reply: reply})
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Ctx) handle(ctx context.Context, msg interface{}) {
	switch m := msg.(type) {
	case JobGroupAdded:
		c.onGroupAdded(ctx, m)
	case JobGroupCanceled:
		c.onGroupCanceled(ctx, m)
	case WorkerNeedsWork:
		c.onNeedsWork(ctx, m)
	case WorkerFinished:
		c.onFinished(ctx, m)
	case WorkerGone:
		c.onGone(ctx, m)
	case State:
		c.onState(ctx, m)
	case JobTimeoutSweep:
		c.onTimeoutSweep(ctx)
	default:
		c.Log.Printf("scheduler: unknown message type %T", msg)
	}
}

func (c *Ctx) onGroupAdded(ctx context.Context, m JobGroupAdded) {
	g, err := c.Store.GetGroup(ctx, m.GroupID)
	if err != nil {
		c.Log.Printf("scheduler: GetGroup(%s): %v", m.GroupID, err)
		return
	}
	ready, err := c.Store.CountReadyForTarget(ctx, g.Target)
	if err != nil {
		c.Log.Printf("scheduler: CountReadyForTarget(%s): %v", g.Target, err)
		return
	}
	if ready >= c.Watermarks.High {
		// Stay Queued; admitted later when a completion drops below Low.
		return
	}
	c.admit(ctx, m.GroupID)
}

func (c *Ctx) admit(ctx context.Context, id store.GroupID) {
	if err := c.Store.SetJobGroupState(ctx, id, store.GroupDispatching); err != nil {
		c.Log.Printf("scheduler: SetJobGroupState(%s, Dispatching): %v", id, err)
		return
	}
	made, err := c.Store.GroupDispatchedUpdateJobs(ctx, id)
	if err != nil {
		c.Log.Printf("scheduler: GroupDispatchedUpdateJobs(%s): %v", id, err)
		return
	}
	if made == 0 {
		return
	}
	g, err := c.Store.GetGroup(ctx, id)
	if err != nil {
		c.Log.Printf("scheduler: GetGroup(%s): %v", id, err)
		return
	}
	c.Notifier.WorkAvailable(g.Target)
}

func (c *Ctx) onGroupCanceled(ctx context.Context, m JobGroupCanceled) {
	dispatched, err := c.Store.CancelGroup(ctx, m.GroupID)
	if err != nil {
		c.Log.Printf("scheduler: CancelGroup(%s): %v", m.GroupID, err)
		return
	}
	for _, jobID := range dispatched {
		c.Notifier.JobPreempt("", jobID)
	}
	c.recomputeGroupState(ctx, m.GroupID)
}

func (c *Ctx) onNeedsWork(ctx context.Context, m WorkerNeedsWork) {
	job, ok, err := c.Store.TakeNextJobForTarget(ctx, m.Target)
	if err != nil {
		c.Log.Printf("scheduler: TakeNextJobForTarget(%s): %v", m.Target, err)
		m.Reply <- WorkResult{}
		return
	}
	if !ok {
		m.Reply <- WorkResult{}
		return
	}
	m.Reply <- WorkResult{Job: job}
}

func (c *Ctx) onFinished(ctx context.Context, m WorkerFinished) {
	job, err := c.Store.GetJob(ctx, m.JobID)
	if err != nil {
		c.Log.Printf("scheduler: GetJob(%s): %v", m.JobID, err)
		return
	}

	switch m.Outcome {
	case Succeeded:
		newlyReady, err := c.Store.MarkJobCompleteAndUpdateDependencies(ctx, m.JobID, m.AsBuilt)
		if err != nil {
			c.Log.Printf("scheduler: MarkJobCompleteAndUpdateDependencies(%s): %v", m.JobID, err)
			return
		}
		if newlyReady > 0 {
			c.Notifier.WorkAvailable(job.Target)
		}
	case Failed:
		if _, err := c.Store.MarkJobFailed(ctx, m.JobID); err != nil {
			c.Log.Printf("scheduler: MarkJobFailed(%s): %v", m.JobID, err)
			return
		}
	case Canceled:
		if err := c.Store.MarkJobCanceled(ctx, m.JobID); err != nil {
			c.Log.Printf("scheduler: MarkJobCanceled(%s): %v", m.JobID, err)
			return
		}
	}

	c.recomputeGroupState(ctx, job.GroupID)
	c.maybeAdmitNext(ctx, job.Target)
}

func (c *Ctx) onGone(ctx context.Context, m WorkerGone) {
	retries, err := c.Store.ResetJobToReady(ctx, m.JobID)
	if err != nil {
		c.Log.Printf("scheduler: ResetJobToReady(%s): %v", m.JobID, err)
		return
	}
	job, err := c.Store.GetJob(ctx, m.JobID)
	if err != nil {
		c.Log.Printf("scheduler: GetJob(%s): %v", m.JobID, err)
		return
	}
	c.Log.Printf("scheduler: worker %s gone, requeued job %s (retry %d)", m.WorkerID, m.JobID, retries)
	c.Notifier.WorkAvailable(job.Target)
}

func (c *Ctx) onState(ctx context.Context, m State) {
	m.Reply <- Snapshot{}
}

// onTimeoutSweep implements the per-job wall-clock budget from spec §4.6/§5:
// a Dispatched job older than JobTimeout is preempted the same way a group
// cancellation preempts one, via Notifier.JobPreempt; the job only reaches
// a terminal state once its worker acks Canceled (WorkerFinished) or is
// declared dead (WorkerGone), same as any other preemption.
func (c *Ctx) onTimeoutSweep(ctx context.Context) {
	if c.JobTimeout <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-c.JobTimeout)
	jobs, err := c.Store.ListTimedOutDispatched(ctx, cutoff)
	if err != nil {
		c.Log.Printf("scheduler: ListTimedOutDispatched: %v", err)
		return
	}
	for _, job := range jobs {
		ok, err := c.Store.MarkJobTimedOut(ctx, job.ID)
		if err != nil {
			c.Log.Printf("scheduler: MarkJobTimedOut(%s): %v", job.ID, err)
			continue
		}
		if !ok {
			continue
		}
		c.Log.Printf("scheduler: job %s exceeded %s, preempting", job.ID, c.JobTimeout)
		c.Notifier.JobPreempt("", job.ID)
	}
}

// recomputeGroupState implements the group-terminal-state derivation from
// spec §4.5: called after every WorkerFinished.
func (c *Ctx) recomputeGroupState(ctx context.Context, id store.GroupID) {
	counts, err := c.Store.CountAllStates(ctx, id)
	if err != nil {
		c.Log.Printf("scheduler: CountAllStates(%s): %v", id, err)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return
	}

	inFlight := counts[store.JobDispatched] + counts[store.JobReady] + counts[store.JobWaitingOnDependency] + counts[store.JobPending]
	cancelling := counts[store.JobCancelPending] + counts[store.JobCancelProcessing]

	var next store.GroupState
	switch {
	case counts[store.JobComplete] == total:
		next = store.GroupComplete
	case counts[store.JobFailed] > 0 && inFlight == 0 && cancelling == 0:
		next = store.GroupFailed
	case counts[store.JobCancelComplete] > 0 && inFlight == 0 && cancelling == 0:
		next = store.GroupCanceled
	default:
		next = store.GroupDispatching
	}
	if err := c.Store.SetJobGroupState(ctx, id, next); err != nil {
		c.Log.Printf("scheduler: SetJobGroupState(%s, %s): %v", id, next, err)
	}
}

// maybeAdmitNext implements the low-watermark admission rule: after a
// completion, if the target's Ready count is below Low, admit the oldest
// queued group for that target.
func (c *Ctx) maybeAdmitNext(ctx context.Context, target ident.Target) {
	ready, err := c.Store.CountReadyForTarget(ctx, target)
	if err != nil {
		c.Log.Printf("scheduler: CountReadyForTarget(%s): %v", target, err)
		return
	}
	if ready >= c.Watermarks.Low {
		return
	}
	g, ok, err := c.Store.TakeNextGroupForTarget(ctx, target)
	if err != nil {
		c.Log.Printf("scheduler: TakeNextGroupForTarget(%s): %v", target, err)
		return
	}
	if !ok {
		return
	}
	c.admit(ctx, g.ID)
}

// ErrNotRunning names the condition of a message sent after Run has already
// returned. No function in this module returns it.
var ErrNotRunning = xerrors.New("scheduler: actor is not running")
