package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/store"
)

func TestCreateGroupAndDispatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	target := ident.Target("amd64-linux")

	a := store.Job{ID: "job-a", Target: target, CreatedAt: time.Now()}
	b := store.Job{ID: "job-b", Target: target, DependsOn: []store.JobID{"job-a"}, WaitingOn: 1, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-1", Target: target, CreatedAt: time.Now()}

	if err := s.CreateGroup(ctx, g, []store.Job{a, b}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	made, err := s.GroupDispatchedUpdateJobs(ctx, g.ID)
	if err != nil {
		t.Fatalf("GroupDispatchedUpdateJobs: %v", err)
	}
	if made != 1 {
		t.Fatalf("made = %d, want 1 (only job-a has no deps)", made)
	}

	j, ok, err := s.TakeNextJobForTarget(ctx, target)
	if err != nil || !ok {
		t.Fatalf("TakeNextJobForTarget: %v, %v", ok, err)
	}
	if j.ID != "job-a" {
		t.Fatalf("took job %s, want job-a", j.ID)
	}

	in := ident.NewInterner()
	built, err := ident.Parse(in, "o/a/1/1")
	if err != nil {
		t.Fatal(err)
	}
	newlyReady, err := s.MarkJobCompleteAndUpdateDependencies(ctx, j.ID, built)
	if err != nil {
		t.Fatalf("MarkJobCompleteAndUpdateDependencies: %v", err)
	}
	if newlyReady != 1 {
		t.Fatalf("newlyReady = %d, want 1", newlyReady)
	}

	j2, ok, err := s.TakeNextJobForTarget(ctx, target)
	if err != nil || !ok {
		t.Fatalf("TakeNextJobForTarget(2): %v, %v", ok, err)
	}
	if j2.ID != "job-b" {
		t.Fatalf("took job %s, want job-b", j2.ID)
	}
}

// TestMarkJobFailedCascades is scenario S3: a failure must transitively fail
// every downstream descendant.
func TestMarkJobFailedCascades(t *testing.T) {
	ctx := context.Background()
	s := New()
	target := ident.Target("amd64-linux")

	a := store.Job{ID: "a", Target: target, CreatedAt: time.Now()}
	b := store.Job{ID: "b", Target: target, DependsOn: []store.JobID{"a"}, WaitingOn: 1, CreatedAt: time.Now()}
	c := store.Job{ID: "c", Target: target, DependsOn: []store.JobID{"b"}, WaitingOn: 1, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-2", Target: target, CreatedAt: time.Now()}
	if err := s.CreateGroup(ctx, g, []store.Job{a, b, c}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := s.GroupDispatchedUpdateJobs(ctx, g.ID); err != nil {
		t.Fatal(err)
	}

	marked, err := s.MarkJobFailed(ctx, "a")
	if err != nil {
		t.Fatalf("MarkJobFailed: %v", err)
	}
	if marked != 2 {
		t.Fatalf("marked = %d, want 2 (b and c)", marked)
	}

	jb, err := s.GetJob(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if jb.State != store.JobDependencyFailed {
		t.Fatalf("b.State = %v, want DependencyFailed", jb.State)
	}
	jc, err := s.GetJob(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	if jc.State != store.JobDependencyFailed {
		t.Fatalf("c.State = %v, want DependencyFailed", jc.State)
	}
}

// TestCancelGroup is scenario S5's store-level half: the dispatched job has a
// worker to wait on and lands in CancelPending, but the never-dispatched
// dependent has nothing to wait on and must reach CancelComplete directly,
// without ever passing through Dispatched. MarkJobCanceled then completes the
// dispatched job once its worker acks, and only then is every job in the
// group terminal.
func TestCancelGroup(t *testing.T) {
	ctx := context.Background()
	s := New()
	target := ident.Target("amd64-linux")

	a := store.Job{ID: "a", Target: target, CreatedAt: time.Now()}
	b := store.Job{ID: "b", Target: target, DependsOn: []store.JobID{"a"}, WaitingOn: 1, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-3", Target: target, CreatedAt: time.Now()}
	if err := s.CreateGroup(ctx, g, []store.Job{a, b}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GroupDispatchedUpdateJobs(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	j, ok, err := s.TakeNextJobForTarget(ctx, target)
	if err != nil || !ok {
		t.Fatalf("TakeNextJobForTarget: %v, %v", ok, err)
	}
	if j.ID != "a" {
		t.Fatalf("took job %s, want a", j.ID)
	}

	dispatched, err := s.CancelGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("CancelGroup: %v", err)
	}
	if len(dispatched) != 1 || dispatched[0] != j.ID {
		t.Fatalf("dispatched = %v, want [%s]", dispatched, j.ID)
	}
	gotA, err := s.GetJob(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if gotA.State != store.JobCancelPending {
		t.Fatalf("a.State = %v, want CancelPending", gotA.State)
	}
	gotB, err := s.GetJob(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if gotB.State != store.JobCancelComplete {
		t.Fatalf("b.State = %v, want CancelComplete (never dispatched, nothing to wait on)", gotB.State)
	}

	if err := s.MarkJobCanceled(ctx, "a"); err != nil {
		t.Fatalf("MarkJobCanceled: %v", err)
	}
	gotA, err = s.GetJob(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if gotA.State != store.JobCancelComplete {
		t.Fatalf("a.State after MarkJobCanceled = %v, want CancelComplete", gotA.State)
	}

	counts, err := s.CountAllStates(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[store.JobCancelComplete] != 2 {
		t.Fatalf("CancelComplete count = %d, want 2", counts[store.JobCancelComplete])
	}
}

func TestListTimedOutDispatched(t *testing.T) {
	ctx := context.Background()
	s := New()
	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a", Target: target, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-5", Target: target, CreatedAt: time.Now()}
	if err := s.CreateGroup(ctx, g, []store.Job{a}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GroupDispatchedUpdateJobs(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.TakeNextJobForTarget(ctx, target); err != nil {
		t.Fatal(err)
	}

	none, err := s.ListTimedOutDispatched(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("ListTimedOutDispatched(past cutoff) = %v, want none yet", none)
	}

	expired, err := s.ListTimedOutDispatched(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "a" {
		t.Fatalf("ListTimedOutDispatched(future cutoff) = %v, want [a]", expired)
	}

	ok, err := s.MarkJobTimedOut(ctx, "a")
	if err != nil {
		t.Fatalf("MarkJobTimedOut: %v", err)
	}
	if !ok {
		t.Fatal("MarkJobTimedOut = false, want true")
	}
	j, err := s.GetJob(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != store.JobCancelPending {
		t.Fatalf("State = %v, want CancelPending", j.State)
	}

	// A second sweep must not re-mark an already-preempted job.
	ok, err = s.MarkJobTimedOut(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("MarkJobTimedOut on non-Dispatched job = true, want false")
	}
}

func TestResetJobToReadyIncrementsRetry(t *testing.T) {
	ctx := context.Background()
	s := New()
	target := ident.Target("amd64-linux")
	a := store.Job{ID: "a", Target: target, CreatedAt: time.Now()}
	g := store.Group{ID: "grp-4", Target: target, CreatedAt: time.Now()}
	if err := s.CreateGroup(ctx, g, []store.Job{a}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GroupDispatchedUpdateJobs(ctx, g.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.TakeNextJobForTarget(ctx, target); err != nil {
		t.Fatal(err)
	}
	retries, err := s.ResetJobToReady(ctx, "a")
	if err != nil {
		t.Fatalf("ResetJobToReady: %v", err)
	}
	if retries != 1 {
		t.Fatalf("retries = %d, want 1", retries)
	}
	j, err := s.GetJob(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if j.State != store.JobReady {
		t.Fatalf("State = %v, want Ready", j.State)
	}
}
