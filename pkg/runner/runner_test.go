package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/forgesrv/forge/pkg/workerproto"
)

type fakeVCS struct {
	err error
}

func (f *fakeVCS) Clone(ctx context.Context, dir string, job *workerproto.StartJob) error {
	return f.err
}

type fakeStudio struct {
	exitCode     int
	artifactPath string
	err          error
}

func (f *fakeStudio) Run(ctx context.Context, workDir string, job *workerproto.StartJob, sink LogSink) (int, string, error) {
	return f.exitCode, f.artifactPath, f.err
}

type fakePublisher struct {
	err error
}

func (f *fakePublisher) Publish(ctx context.Context, channel, artifactPath string) error {
	return f.err
}

type discardSink struct{}

func (discardSink) WriteLog(string, []byte) {}

func TestRunJobSucceeds(t *testing.T) {
	r := New(t.TempDir(), &fakeVCS{}, &fakeStudio{exitCode: 0, artifactPath: "out.bin"}, &fakePublisher{})
	res := r.RunJob(context.Background(), &workerproto.StartJob{JobID: "j1", Channel: "stable"}, discardSink{})
	if res.Outcome != workerproto.OutcomeSucceeded {
		t.Fatalf("Outcome = %v, Err = %v, want Succeeded", res.Outcome, res.Err)
	}
}

func TestRunJobVCSCloneFailure(t *testing.T) {
	r := New(t.TempDir(), &fakeVCS{err: errors.New("network unreachable")}, &fakeStudio{}, &fakePublisher{})
	res := r.RunJob(context.Background(), &workerproto.StartJob{JobID: "j2"}, discardSink{})
	if res.Outcome != workerproto.OutcomeFailed || res.Reason != ReasonVCSCloneFailed {
		t.Fatalf("Outcome = %v, Reason = %v, want Failed/vcs_clone_failed", res.Outcome, res.Reason)
	}
}

func TestRunJobBuildNonZeroExit(t *testing.T) {
	r := New(t.TempDir(), &fakeVCS{}, &fakeStudio{exitCode: 1}, &fakePublisher{})
	res := r.RunJob(context.Background(), &workerproto.StartJob{JobID: "j3"}, discardSink{})
	if res.Outcome != workerproto.OutcomeFailed || res.Reason != ReasonBuildFailed {
		t.Fatalf("Outcome = %v, Reason = %v, want Failed/build_failed", res.Outcome, res.Reason)
	}
	if res.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestRunJobPublishFailure(t *testing.T) {
	r := New(t.TempDir(), &fakeVCS{}, &fakeStudio{exitCode: 0, artifactPath: "out.bin"},
		&fakePublisher{err: errors.New("bucket unreachable")})
	res := r.RunJob(context.Background(), &workerproto.StartJob{JobID: "j4", Channel: "stable"}, discardSink{})
	if res.Outcome != workerproto.OutcomeFailed || res.Reason != ReasonPublishFailed {
		t.Fatalf("Outcome = %v, Reason = %v, want Failed/publish_failed", res.Outcome, res.Reason)
	}
}

func TestRunJobSkipsPublishWithoutChannel(t *testing.T) {
	r := New(t.TempDir(), &fakeVCS{}, &fakeStudio{exitCode: 0, artifactPath: "out.bin"},
		&fakePublisher{err: errors.New("should not be called")})
	res := r.RunJob(context.Background(), &workerproto.StartJob{JobID: "j5"}, discardSink{})
	if res.Outcome != workerproto.OutcomeSucceeded {
		t.Fatalf("Outcome = %v, Err = %v, want Succeeded (publish skipped, no channel)", res.Outcome, res.Err)
	}
}
