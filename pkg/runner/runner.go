// Package runner implements the worker-host runner from spec §4.8: for a
// single in-flight job, create a scratch workspace, clone the referenced
// VCS repository, invoke the build studio subprocess, optionally publish
// the artifact, and report a categorized outcome.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/workerproto"
)

// Reason categorizes a Failed outcome, per spec §4.8's failure taxonomy.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonVCSCloneFailed  Reason = "vcs_clone_failed"
	ReasonBuildFailed     Reason = "build_failed"
	ReasonPublishFailed   Reason = "publish_failed"
	ReasonTeardownFailed  Reason = "teardown_failed"
)

// Result is the runner's final report for a job.
type Result struct {
	Outcome  workerproto.Outcome
	Reason   Reason
	ExitCode int
	AsBuilt  string
	Err      error
}

// LogSink receives runner output line-by-line, forwarding it to the worker
// stream's log sub-channel.
type LogSink interface {
	WriteLog(jobID string, line []byte)
}

// VCS clones a job's source repository into dir.
type VCS interface {
	Clone(ctx context.Context, dir string, job *workerproto.StartJob) error
}

// Studio invokes the build subprocess and streams its output to sink.
type Studio interface {
	Run(ctx context.Context, workDir string, job *workerproto.StartJob, sink LogSink) (exitCode int, artifactPath string, err error)
}

// Publisher uploads a built artifact to the configured channel.
type Publisher interface {
	Publish(ctx context.Context, channel, artifactPath string) error
}

// Runner ties the steps together for exactly one in-flight job at a time,
// matching the "at most one in-flight job" constraint from spec §4.8.
type Runner struct {
	ScratchRoot string
	VCS         VCS
	Studio      Studio
	Publisher   Publisher
}

// New constructs a Runner rooted at scratchRoot, which must already exist
// and be writable.
func New(scratchRoot string, vcs VCS, studio Studio, pub Publisher) *Runner {
	return &Runner{ScratchRoot: scratchRoot, VCS: vcs, Studio: studio, Publisher: pub}
}

// RunJob executes the five steps from spec §4.8 and returns a Result; it
// never panics on a failed step, instead mapping the failure into the
// categorized Reason.
func (r *Runner) RunJob(ctx context.Context, job *workerproto.StartJob, sink LogSink) Result {
	workDir := filepath.Join(r.ScratchRoot, job.JobID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return Result{Outcome: workerproto.OutcomeFailed, Reason: ReasonVCSCloneFailed,
			Err: xerrors.Errorf("runner: create workspace: %w", err)}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			sink.WriteLog(job.JobID, []byte(fmt.Sprintf("workspace teardown failed: %v\n", err)))
		}
	}()

	if err := r.VCS.Clone(ctx, workDir, job); err != nil {
		return Result{Outcome: workerproto.OutcomeFailed, Reason: ReasonVCSCloneFailed,
			Err: xerrors.Errorf("runner: clone: %w", err)}
	}

	exitCode, artifactPath, err := r.Studio.Run(ctx, workDir, job, sink)
	if err != nil {
		return Result{Outcome: workerproto.OutcomeFailed, Reason: ReasonBuildFailed, ExitCode: exitCode,
			Err: xerrors.Errorf("runner: build studio: %w", err)}
	}
	if exitCode != 0 {
		return Result{Outcome: workerproto.OutcomeFailed, Reason: ReasonBuildFailed, ExitCode: exitCode,
			Err: xerrors.Errorf("runner: build studio exited %d", exitCode)}
	}

	if job.Channel != "" && r.Publisher != nil && artifactPath != "" {
		if err := r.Publisher.Publish(ctx, job.Channel, artifactPath); err != nil {
			return Result{Outcome: workerproto.OutcomeFailed, Reason: ReasonPublishFailed,
				Err: xerrors.Errorf("runner: publish: %w", err)}
		}
	}

	return Result{Outcome: workerproto.OutcomeSucceeded, Reason: ReasonNone, ExitCode: 0, AsBuilt: artifactPath}
}
