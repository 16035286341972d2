package runner

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/workerproto"
)

// StudioConfig holds what the build studio subprocess is given. Run passes
// the builder URL, channel name, authentication token, target and one
// variable per feature flag in its environment; the package origin is not
// passed.
type StudioConfig struct {
	BuilderURL string
	AuthToken  string
	BinaryPath string
	// ArtifactRelPath is where, relative to the workspace, the studio is
	// expected to leave its produced artifact on success.
	ArtifactRelPath string
}

// SubprocessStudio invokes the build studio as an external process,
// streaming its combined stdout/stderr to the log sub-channel as it
// arrives, matching the teacher's internal/build package's use of
// os/exec plus line-oriented log forwarding.
type SubprocessStudio struct {
	Config StudioConfig
}

// NewSubprocessStudio constructs a Studio around cfg.
func NewSubprocessStudio(cfg StudioConfig) *SubprocessStudio {
	return &SubprocessStudio{Config: cfg}
}

func (s *SubprocessStudio) Run(ctx context.Context, workDir string, job *workerproto.StartJob, sink LogSink) (int, string, error) {
	cmd := exec.CommandContext(ctx, s.Config.BinaryPath)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"FORGE_BUILDER_URL="+s.Config.BuilderURL,
		"FORGE_CHANNEL="+job.Channel,
		"FORGE_AUTH_TOKEN="+s.Config.AuthToken,
		"FORGE_TARGET="+job.Target,
	)
	for _, flag := range job.FeatureFlags {
		cmd.Env = append(cmd.Env, "FORGE_FEATURE_"+flag+"=1")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, "", xerrors.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, "", xerrors.Errorf("runner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, "", xerrors.Errorf("runner: start build studio: %w", err)
	}

	// The command loop, heartbeat loop, and build subprocess are the three
	// cooperative worker-side tasks; here stdout and stderr streaming are
	// the two halves that must both drain before Wait is safe to call.
	var eg errgroup.Group
	eg.Go(func() error { streamLines(job.JobID, stdout, sink); return nil })
	eg.Go(func() error { streamLines(job.JobID, stderr, sink); return nil })
	_ = eg.Wait()

	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return -1, "", xerrors.Errorf("runner: wait for build studio: %w", err)
		}
	}

	artifactPath := filepath.Join(workDir, s.Config.ArtifactRelPath)
	if exitCode != 0 {
		return exitCode, "", nil
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return exitCode, "", xerrors.Errorf("runner: expected artifact at %s: %w", artifactPath, err)
	}
	return exitCode, artifactPath, nil
}

func streamLines(jobID string, r io.Reader, sink LogSink) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := append(append([]byte(nil), sc.Bytes()...), '\n')
		sink.WriteLog(jobID, line)
	}
}
