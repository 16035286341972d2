// Command forge-worker connects to a scheduler, advertises itself via
// heartbeat, and runs one job at a time through pkg/runner, streaming logs
// back over the worker protocol's log sub-channel. Flag and funcmain()
// structure follows the teacher's cmd/autobuilder command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"

	"github.com/forgesrv/forge/internal/shutdown"
	"github.com/forgesrv/forge/pkg/cache"
	redisCache "github.com/forgesrv/forge/pkg/cache/redis"
	"github.com/forgesrv/forge/pkg/runner"
	"github.com/forgesrv/forge/pkg/workerproto"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	goredis "github.com/redis/go-redis/v9"
)

var (
	schedulerAddr   = flag.String("scheduler", "127.0.0.1:7700", "host:port of the scheduler's gRPC endpoint")
	target          = flag.String("target", "amd64-linux", "the build target this worker serves")
	scratchRoot     = flag.String("scratch_root", "/var/lib/forge-worker/scratch", "writable directory for per-job checkouts")
	studioPath      = flag.String("studio_path", "/usr/local/bin/forge-studio", "path to the build studio executable")
	builderURL      = flag.String("builder_url", "", "URL the build studio reports progress to")
	authToken       = flag.String("auth_token", "", "bearer token the build studio presents to the builder URL")
	artifactRelPath = flag.String("artifact_path", "artifact.tar", "path, relative to the job workspace, the studio leaves its artifact at")

	publishBucket = flag.String("publish_bucket", "", "S3 bucket to publish successful artifacts to; publish is skipped if empty")
	publishRegion = flag.String("publish_region", "us-east-1", "AWS region for publish_bucket")

	githubAppJWT      = flag.String("github_app_jwt", "", "GitHub App JWT for minting installation tokens; clones are anonymous if empty")
	repoURLTemplate   = flag.String("repo_url", "", "git URL to clone for every job (single-repository deployments)")
	installationID    = flag.Int64("github_installation_id", 0, "GitHub App installation ID for repo_url, if it requires an app token")
	cacheURL          = flag.String("cache_url", "", "redis URL for caching minted installation tokens; tokens are not cached if empty")
	heartbeatSeconds  = flag.Int("heartbeat_interval_seconds", 30, "seconds between heartbeats")
	debug             = flag.Bool("debug", false, "format the top-level error with additional detail on exit")
)

// singleRepoVCS adapts runner.VCS to GitVCS.CloneWithSpec for the common
// case (from SPEC_FULL.md §4.8) of a worker deployment that always clones
// the same upstream repository, using the job's ManifestNode as the ref to
// check out; the worker protocol's StartJob carries no repo URL field of
// its own, so a single configured URL is how this deployment shape is
// expressed.
type singleRepoVCS struct {
	git            *runner.GitVCS
	repoURL        string
	installationID int64
}

func (v *singleRepoVCS) Clone(ctx context.Context, dir string, job *workerproto.StartJob) error {
	spec := runner.CloneSpec{
		RepoURL:          v.repoURL,
		Ref:              job.ManifestNode,
		InstallationID:   v.installationID,
		RequiresAppToken: v.installationID != 0,
	}
	return v.git.CloneWithSpec(ctx, dir, spec)
}

type logForwarder struct {
	stream workerproto.ChannelStream
}

func (f *logForwarder) WriteLog(jobID string, line []byte) {
	_ = f.stream.Send(&workerproto.Frame{Type: workerproto.FrameLogLine, LogLine: &workerproto.LogLine{JobID: jobID, Bytes: line}})
}

// safeStream serializes Send calls across the heartbeat loop, the receive
// loop, and the in-flight job's own goroutine, since a gRPC stream may not
// be sent on concurrently from more than one goroutine at a time. Recv is
// only ever called from the receive loop, so it needs no locking.
type safeStream struct {
	workerproto.ChannelStream
	mu sync.Mutex
}

func (s *safeStream) Send(f *workerproto.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ChannelStream.Send(f)
}

func buildCache() cache.Cache {
	if *cacheURL == "" {
		return nil
	}
	opts, err := goredis.ParseURL(*cacheURL)
	if err != nil {
		log.Printf("forge-worker: parse cache_url: %v; token minting will not cache", err)
		return nil
	}
	return redisCache.New(goredis.NewClient(opts))
}

func buildVCS() (runner.VCS, error) {
	if *repoURLTemplate == "" {
		return &noopVCS{}, nil
	}
	git := runner.NewGitVCS(nil)
	if *githubAppJWT != "" {
		ts := runner.AppTokenSource(*githubAppJWT)
		appClient := github.NewClient(oauth2.NewClient(context.Background(), ts))
		git = runner.NewGitVCS(runner.NewInstallationTokenMinter(appClient, buildCache()))
	}
	return &singleRepoVCS{git: git, repoURL: *repoURLTemplate, installationID: *installationID}, nil
}

// noopVCS is used when no repo_url is configured (every job's source is
// already present in the scratch workspace some other way, e.g. a
// pre-baked worker image); it always succeeds.
type noopVCS struct{}

func (noopVCS) Clone(ctx context.Context, dir string, job *workerproto.StartJob) error { return nil }

func buildPublisher(ctx context.Context) (runner.Publisher, error) {
	if *publishBucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*publishRegion))
	if err != nil {
		return nil, xerrors.Errorf("forge-worker: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return runner.NewS3Publisher(client, *publishBucket), nil
}

func funcmain() error {
	flag.Parse()

	ctx, cancel := shutdown.Context()
	defer cancel()

	logger := log.New(os.Stderr, "forge-worker: ", log.LstdFlags)

	if err := os.MkdirAll(*scratchRoot, 0o755); err != nil {
		return xerrors.Errorf("forge-worker: create scratch root: %w", err)
	}

	vcs, err := buildVCS()
	if err != nil {
		return err
	}
	publisher, err := buildPublisher(ctx)
	if err != nil {
		return err
	}
	studio := runner.NewSubprocessStudio(runner.StudioConfig{
		BuilderURL:      *builderURL,
		AuthToken:       *authToken,
		BinaryPath:      *studioPath,
		ArtifactRelPath: *artifactRelPath,
	})
	run := runner.New(*scratchRoot, vcs, studio, publisher)

	cc, err := grpc.DialContext(ctx, *schedulerAddr, grpc.WithInsecure(), grpc.WithBlock(), grpc.WithTimeout(30*time.Second))
	if err != nil {
		return xerrors.Errorf("forge-worker: dial scheduler %s: %w", *schedulerAddr, err)
	}
	shutdown.Register(cc.Close)

	rawStream, err := workerproto.Dial(ctx, cc)
	if err != nil {
		return xerrors.Errorf("forge-worker: open channel: %w", err)
	}
	stream := &safeStream{ChannelStream: rawStream}

	endpoint, err := os.Hostname()
	if err != nil {
		endpoint = "worker-" + strconv.FormatInt(time.Now().Unix(), 10)
	}

	state := make(chan workerproto.WorkerState, 1)
	state <- workerproto.WorkerReady

	// The heartbeat loop and the receive loop are this worker's two
	// cooperative frame-handling tasks, matching the teacher's Build-method
	// errgroup pattern: either one returning ends the connection. The
	// receive loop itself spawns a third, per-job goroutine for run.RunJob
	// so an in-flight build's subprocess is the only thing that blocks,
	// per spec §5 — CancelJob frames must still reach it promptly.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		heartbeatLoop(egCtx, logger, stream, endpoint, *target, state)
		return nil
	})
	eg.Go(func() error {
		return recvLoop(egCtx, logger, stream, run, state)
	})
	return eg.Wait()
}

func heartbeatLoop(ctx context.Context, logger *log.Logger, stream workerproto.ChannelStream, endpoint, target string, state <-chan workerproto.WorkerState) {
	interval := time.Duration(*heartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := workerproto.WorkerReady
	beat := func() {
		err := stream.Send(&workerproto.Frame{Type: workerproto.FrameHeartbeat, Heartbeat: &workerproto.Heartbeat{
			Endpoint: endpoint,
			OS:       "linux",
			Target:   target,
			State:    current,
		}})
		if err != nil {
			logger.Printf("heartbeat: %v", err)
		}
	}
	beat()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-state:
			wasBusy := current == workerproto.WorkerBusy
			current = s
			if wasBusy && s == workerproto.WorkerReady {
				// Out-of-band heartbeat on Busy→Ready, per the protocol's
				// liveness contract: don't make the scheduler wait a full
				// interval to learn this worker can take new work.
				beat()
			}
		case <-ticker.C:
			beat()
		}
	}
}

// currentJob tracks the one in-flight build's cancel function so a
// CancelJob frame arriving on the receive loop can preempt it without
// waiting for the build to finish on its own; per spec §5, only the build
// subprocess itself may block, so this loop must stay free to receive
// CancelJob (and heartbeat-affecting) frames while a job runs.
type currentJob struct {
	mu     sync.Mutex
	jobID  string
	cancel context.CancelFunc
}

func (c *currentJob) start(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobID = jobID
	c.cancel = cancel
}

func (c *currentJob) clear(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobID == jobID {
		c.jobID = ""
		c.cancel = nil
	}
}

func (c *currentJob) cancelIfMatches(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobID != jobID || c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// cancelCurrent cancels whatever job is currently in flight, if any.
func (c *currentJob) cancelCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func recvLoop(ctx context.Context, logger *log.Logger, stream *safeStream, run *runner.Runner, state chan<- workerproto.WorkerState) error {
	sink := &logForwarder{stream: stream}
	var inFlight currentJob
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := stream.Recv()
		if err != nil {
			inFlight.cancelCurrent()
			return xerrors.Errorf("forge-worker: channel closed: %w", err)
		}

		switch frame.Type {
		case workerproto.FrameStartJob:
			job := frame.StartJob
			if err := stream.Send(&workerproto.Frame{Type: workerproto.FrameStartJobResponse, StartJobResponse: &workerproto.StartJobResponse{Accepted: true}}); err != nil {
				return err
			}
			state <- workerproto.WorkerBusy

			jobCtx, cancel := context.WithCancel(ctx)
			inFlight.start(job.JobID, cancel)

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer cancel()
				res := run.RunJob(jobCtx, job, sink)
				inFlight.clear(job.JobID)

				if res.Outcome == workerproto.OutcomeFailed && jobCtx.Err() != nil {
					// The build was preempted via CancelJob, not a genuine
					// build failure; report the outcome the scheduler
					// actually asked for.
					res.Outcome = workerproto.OutcomeCanceled
				}

				_ = stream.Send(&workerproto.Frame{Type: workerproto.FrameLogComplete, LogComplete: &workerproto.LogComplete{JobID: job.JobID}})
				if err := stream.Send(&workerproto.Frame{Type: workerproto.FrameJobComplete, JobComplete: &workerproto.JobComplete{
					JobID:   job.JobID,
					Outcome: res.Outcome,
					AsBuilt: res.AsBuilt,
				}}); err != nil {
					logger.Printf("report job completion for %s: %v", job.JobID, err)
				}
				state <- workerproto.WorkerReady
			}()

		case workerproto.FrameCancelJob:
			cj := frame.CancelJob
			if err := stream.Send(&workerproto.Frame{Type: workerproto.FrameCancelJobResponse, CancelJobResponse: &workerproto.CancelJobResponse{Acked: true}}); err != nil {
				return err
			}
			if inFlight.cancelIfMatches(cj.JobID) {
				logger.Printf("canceling %s (grace %s)", cj.JobID, cj.GracePeriod)
			}

		case workerproto.FrameJobCompleteAck:
			// expected reply to a JobComplete this worker sent; nothing to do.

		default:
			logger.Printf("unexpected frame type %q from scheduler", frame.Type)
		}
	}
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
