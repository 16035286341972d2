package scheduler

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/store"
	"github.com/forgesrv/forge/pkg/store/memstore"
)

type recordingNotifier struct {
	available []ident.Target
	preempted []store.JobID
}

func (r *recordingNotifier) WorkAvailable(t ident.Target)         { r.available = append(r.available, t) }
func (r *recordingNotifier) JobPreempt(_ string, j store.JobID)   { r.preempted = append(r.preempted, j) }

func newTestCtx(st store.Store, n Notifier) *Ctx {
	logger := log.New(os.Stderr, "scheduler_test: ", 0)
	return New(logger, st, n, Watermarks{High: 64, Low: 16})
}

// TestLinearChainDispatch is scenario S1: a linear dependency chain is
// dispatched in order as each job completes.
func TestLinearChainDispatch(t *testing.T) {
	ms := memstore.New()
	notifier := &recordingNotifier{}
	sched := newTestCtx(ms, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a", Target: target, CreatedAt: time.Now()}
	b := store.Job{ID: "b", Target: target, DependsOn: []store.JobID{"a"}, WaitingOn: 1, CreatedAt: time.Now().Add(time.Millisecond)}
	g := store.Group{ID: "grp-s1", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{a, b}); err != nil {
		t.Fatal(err)
	}

	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 1
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil {
		t.Fatalf("NeedWork: %v", err)
	}
	if job == nil || job.ID != "a" {
		t.Fatalf("NeedWork = %v, want job a", job)
	}

	in := ident.NewInterner()
	built, err := ident.Parse(in, "o/a/1/1")
	if err != nil {
		t.Fatal(err)
	}
	sched.Finished(ctx, "worker-1", "a", Succeeded, built)

	waitForCondition(t, func() bool {
		j, err := ms.GetJob(context.Background(), "b")
		return err == nil && j.State == store.JobReady
	})

	job2, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil {
		t.Fatalf("NeedWork(2): %v", err)
	}
	if job2 == nil || job2.ID != "b" {
		t.Fatalf("NeedWork(2) = %v, want job b", job2)
	}
}

// TestDiamondConcurrentReady is scenario S2: once a shared dependency
// completes, both of its dependents become Ready together instead of one
// waiting on the other.
func TestDiamondConcurrentReady(t *testing.T) {
	ms := memstore.New()
	notifier := &recordingNotifier{}
	sched := newTestCtx(ms, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	root := store.Job{ID: "root", Target: target, CreatedAt: time.Now()}
	left := store.Job{ID: "left", Target: target, DependsOn: []store.JobID{"root"}, WaitingOn: 1, CreatedAt: time.Now().Add(time.Millisecond)}
	right := store.Job{ID: "right", Target: target, DependsOn: []store.JobID{"root"}, WaitingOn: 1, CreatedAt: time.Now().Add(2 * time.Millisecond)}
	top := store.Job{ID: "top", Target: target, DependsOn: []store.JobID{"left", "right"}, WaitingOn: 2, CreatedAt: time.Now().Add(3 * time.Millisecond)}
	g := store.Group{ID: "grp-s2", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{root, left, right, top}); err != nil {
		t.Fatal(err)
	}

	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 1
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil || job == nil || job.ID != "root" {
		t.Fatalf("NeedWork = %v, %v, want root", job, err)
	}
	in := ident.NewInterner()
	built, err := ident.Parse(in, "o/root/1/1")
	if err != nil {
		t.Fatal(err)
	}
	sched.Finished(ctx, "worker-1", "root", Succeeded, built)

	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 2
	})

	seen := map[store.JobID]bool{}
	for i := 0; i < 2; i++ {
		job, err := sched.NeedWork(ctx, "worker-1", target)
		if err != nil || job == nil {
			t.Fatalf("NeedWork(diamond %d): %v, %v", i, job, err)
		}
		seen[job.ID] = true
	}
	if !seen["left"] || !seen["right"] {
		t.Fatalf("dispatched = %v, want both left and right ready concurrently", seen)
	}
}

// TestCycleUnrolledPassOrder is scenario S4: a build-edge cycle between p and
// q, given here as the jobs p@0, q@0 and p@1. Both first passes (p@0, q@0)
// are dispatchable immediately and concurrently; a package's second pass
// (p@1) only becomes Ready once its own first pass completes.
func TestCycleUnrolledPassOrder(t *testing.T) {
	ms := memstore.New()
	sched := newTestCtx(ms, &recordingNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	p0 := store.Job{ID: "p@0", ManifestNode: "internal:o/p:0", Target: target, CreatedAt: time.Now()}
	q0 := store.Job{ID: "q@0", ManifestNode: "internal:o/q:0", Target: target, CreatedAt: time.Now().Add(time.Millisecond)}
	p1 := store.Job{ID: "p@1", ManifestNode: "internal:o/p:1", Target: target, DependsOn: []store.JobID{"p@0"}, WaitingOn: 1, CreatedAt: time.Now().Add(2 * time.Millisecond)}
	g := store.Group{ID: "grp-s4", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{p0, q0, p1}); err != nil {
		t.Fatal(err)
	}

	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 2
	})

	first := map[store.JobID]bool{}
	for i := 0; i < 2; i++ {
		job, err := sched.NeedWork(ctx, "worker-1", target)
		if err != nil || job == nil {
			t.Fatalf("NeedWork(cycle %d): %v, %v", i, job, err)
		}
		first[job.ID] = true
	}
	if !first["p@0"] || !first["q@0"] {
		t.Fatalf("dispatched = %v, want p@0 and q@0 ready before p@1", first)
	}

	if _, err := ms.GetJob(context.Background(), "p@1"); err != nil {
		t.Fatal(err)
	}
	if j, _ := ms.GetJob(context.Background(), "p@1"); j.State != store.JobWaitingOnDependency {
		t.Fatalf("p@1.State = %v, want WaitingOnDependency until p@0 completes", j.State)
	}

	in := ident.NewInterner()
	built, err := ident.Parse(in, "o/p/1/1")
	if err != nil {
		t.Fatal(err)
	}
	sched.Finished(ctx, "worker-1", "p@0", Succeeded, built)

	waitForCondition(t, func() bool {
		j, err := ms.GetJob(context.Background(), "p@1")
		return err == nil && j.State == store.JobReady
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil || job == nil || job.ID != "p@1" {
		t.Fatalf("NeedWork(p@1) = %v, %v, want p@1", job, err)
	}
}

// TestFailureCascadeFailsGroup is scenario S3: a job failure fails the
// group once nothing is left in flight.
func TestFailureCascadeFailsGroup(t *testing.T) {
	ms := memstore.New()
	sched := newTestCtx(ms, &recordingNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a2", Target: target, CreatedAt: time.Now()}
	b := store.Job{ID: "b2", Target: target, DependsOn: []store.JobID{"a2"}, WaitingOn: 1, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-s5", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{a, b}); err != nil {
		t.Fatal(err)
	}
	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 1
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil || job == nil {
		t.Fatalf("NeedWork: %v, %v", job, err)
	}
	sched.Finished(ctx, "worker-1", job.ID, Failed, ident.Ident{})

	waitForCondition(t, func() bool {
		grp, err := ms.GetGroup(context.Background(), g.ID)
		return err == nil && grp.State == store.GroupFailed
	})
}

// TestWorkerGoneRequeues is scenario S6: a worker disappearing mid-job
// returns it to Ready with an incremented retry count.
func TestWorkerGoneRequeues(t *testing.T) {
	ms := memstore.New()
	sched := newTestCtx(ms, &recordingNotifier{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a3", Target: target, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-s6", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{a}); err != nil {
		t.Fatal(err)
	}
	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 1
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil || job == nil {
		t.Fatalf("NeedWork: %v, %v", job, err)
	}
	sched.Gone(ctx, "worker-1", job.ID)

	waitForCondition(t, func() bool {
		j, err := ms.GetJob(context.Background(), job.ID)
		return err == nil && j.State == store.JobReady && j.RetryCount == 1
	})
}

// TestCancelGroupEndToEnd is scenario S5: canceling a group preempts its
// dispatched job and completes its never-dispatched dependent immediately;
// the group only reaches Canceled once the dispatched job's worker acks the
// preemption.
func TestCancelGroupEndToEnd(t *testing.T) {
	ms := memstore.New()
	notifier := &recordingNotifier{}
	sched := newTestCtx(ms, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a-cancel", Target: target, CreatedAt: time.Now()}
	b := store.Job{ID: "b-cancel", Target: target, DependsOn: []store.JobID{"a-cancel"}, WaitingOn: 1, CreatedAt: time.Now().Add(time.Millisecond)}
	g := store.Group{ID: "grp-s5", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{a, b}); err != nil {
		t.Fatal(err)
	}

	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 1
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil || job == nil || job.ID != "a-cancel" {
		t.Fatalf("NeedWork = %v, %v, want a-cancel", job, err)
	}

	sched.CancelGroup(ctx, g.ID)

	waitForCondition(t, func() bool {
		jb, err := ms.GetJob(context.Background(), "b-cancel")
		return err == nil && jb.State == store.JobCancelComplete
	})
	waitForCondition(t, func() bool {
		ja, err := ms.GetJob(context.Background(), "a-cancel")
		return err == nil && ja.State == store.JobCancelPending
	})
	waitForCondition(t, func() bool {
		return len(notifier.preempted) == 1 && notifier.preempted[0] == "a-cancel"
	})

	grp, err := ms.GetGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if grp.State == store.GroupCanceled {
		t.Fatalf("group reached Canceled before its dispatched job's worker acked")
	}

	sched.Finished(ctx, "worker-1", "a-cancel", Canceled, ident.Ident{})

	waitForCondition(t, func() bool {
		grp, err := ms.GetGroup(context.Background(), g.ID)
		return err == nil && grp.State == store.GroupCanceled
	})
}

// TestJobTimeoutSweepPreempts exercises the job_timeout_minutes enforcement
// from spec §4.6/§5: a Dispatched job older than JobTimeout is preempted
// the same way a group cancellation preempts one, and stays CancelPending
// until its worker's WorkerFinished(Canceled) report lands.
func TestJobTimeoutSweepPreempts(t *testing.T) {
	ms := memstore.New()
	notifier := &recordingNotifier{}
	sched := newTestCtx(ms, notifier)
	sched.JobTimeout = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a-timeout", Target: target, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-timeout", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), g, []store.Job{a}); err != nil {
		t.Fatal(err)
	}

	sched.SubmitGroup(ctx, g.ID)
	waitForCondition(t, func() bool {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		return err == nil && n == 1
	})

	job, err := sched.NeedWork(ctx, "worker-1", target)
	if err != nil || job == nil || job.ID != "a-timeout" {
		t.Fatalf("NeedWork = %v, %v, want a-timeout", job, err)
	}

	waitForCondition(t, func() bool {
		j, err := ms.GetJob(context.Background(), "a-timeout")
		return err == nil && j.State == store.JobCancelPending
	})
	waitForCondition(t, func() bool {
		return len(notifier.preempted) == 1 && notifier.preempted[0] == "a-timeout"
	})

	sched.Finished(ctx, "worker-1", "a-timeout", Canceled, ident.Ident{})
	waitForCondition(t, func() bool {
		j, err := ms.GetJob(context.Background(), "a-timeout")
		return err == nil && j.State == store.JobCancelComplete
	})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
