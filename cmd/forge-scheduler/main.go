// Command forge-scheduler runs the scheduler service: it loads the admitted
// group/job store, drives the scheduler actor, and serves the worker
// protocol's gRPC endpoint so workers can pull work and report results.
// Wiring follows the teacher's cmd/distri builder/server command pattern:
// flag-parsed options, a funcmain() that returns an error, and main()
// translating that error into an exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/go-github/v27/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"

	"github.com/forgesrv/forge/internal/shutdown"
	"github.com/forgesrv/forge/pkg/config"
	"github.com/forgesrv/forge/pkg/ingest"
	"github.com/forgesrv/forge/pkg/logarchive"
	"github.com/forgesrv/forge/pkg/logarchive/local"
	"github.com/forgesrv/forge/pkg/logarchive/s3sink"
	"github.com/forgesrv/forge/pkg/metrics"
	"github.com/forgesrv/forge/pkg/runner"
	"github.com/forgesrv/forge/pkg/scheduler"
	"github.com/forgesrv/forge/pkg/sourcewatch"
	"github.com/forgesrv/forge/pkg/store"
	"github.com/forgesrv/forge/pkg/store/memstore"
	"github.com/forgesrv/forge/pkg/store/pg"
	"github.com/forgesrv/forge/pkg/workerproto"

	"log"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	configPath    = flag.String("config", "/etc/forge/scheduler.yaml", "path to the scheduler's YAML config file")
	memStore      = flag.Bool("store_memory", false, "use an in-process store instead of store_dsn (development only)")
	debug         = flag.Bool("debug", false, "format the top-level error with additional detail on exit")
	metricsListen = flag.String("metrics_listen", "", "host:port to serve /metrics on; disabled if empty")
	ingestListen  = flag.String("ingest_listen", "", "host:port to serve the package-record ingest endpoint on (POST /ingest); disabled if empty")
)

// noopLedger stands in for the archived-flag bookkeeping a production
// deployment would persist via store.Store; the store contract (spec §4.4)
// has no such field, so this is recorded rather than silently dropped.
type noopLedger struct{}

func (noopLedger) SetArchived(ctx context.Context, jobID string) error { return nil }

func openStore(ctx context.Context, cfg config.Config) (store.Store, func() error, error) {
	if *memStore || cfg.StoreDSN == "" {
		return memstore.New(), func() error { return nil }, nil
	}
	st, err := pg.Open(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, nil, xerrors.Errorf("forge-scheduler: open store: %w", err)
	}
	return st, func() error { st.Close(); return nil }, nil
}

func openSink(ctx context.Context, cfg config.Config) (logarchive.Sink, error) {
	switch cfg.Archive.Backend {
	case config.ArchiveLocal:
		if err := os.MkdirAll(cfg.Archive.LocalDir, 0o755); err != nil {
			return nil, xerrors.Errorf("forge-scheduler: create archive dir: %w", err)
		}
		return local.New(cfg.Archive.LocalDir), nil
	case config.ArchiveS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Archive.S3Region))
		if err != nil {
			return nil, xerrors.Errorf("forge-scheduler: load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return s3sink.New(client, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix), nil
	default:
		return nil, xerrors.Errorf("forge-scheduler: unknown archive backend %q", cfg.Archive.Backend)
	}
}

// bumpRlimitNOFILE raises this process's open-file limit to the kernel
// maximum, since every connected worker holds its gRPC stream open for as
// long as it stays registered. Ported from the teacher's identically-named
// helper in cmd/distri/distri.go.
func bumpRlimitNOFILE() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return xerrors.Errorf("getrlimit: %w", err)
	}
	rlimit.Cur = rlimit.Max
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlimit)
}

func funcmain() error {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return xerrors.Errorf("forge-scheduler: %w", err)
	}

	ctx, cancel := shutdown.Context()
	defer cancel()

	logger := log.New(os.Stderr, "forge-scheduler: ", log.LstdFlags)

	if err := bumpRlimitNOFILE(); err != nil {
		logger.Printf("could not raise RLIMIT_NOFILE: %v (each connected worker holds one file descriptor)", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if *metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: *metricsListen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics server: %v", err)
			}
		}()
		shutdown.Register(func() error { return metricsSrv.Close() })
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	shutdown.Register(closeStore)

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return err
	}

	scratchDir := cfg.Archive.LocalDir
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	ingestDir := scratchDir + "/ingest"
	if err := os.MkdirAll(ingestDir, 0o755); err != nil {
		return xerrors.Errorf("forge-scheduler: create ingest dir: %w", err)
	}
	ingester := logarchive.New(ingestDir, sink, noopLedger{}, m)

	// The scheduler actor is constructed first with no Notifier, since the
	// worker manager needs the scheduler's Ctx; the manager is then set as
	// the scheduler's Notifier before Run starts, so no message is handled
	// without it.
	heartbeatInterval := time.Duration(cfg.HeartbeatIntervalSecs) * time.Second
	watermarks := scheduler.Watermarks{High: cfg.TargetHighWatermark, Low: cfg.TargetLowWatermark}
	sched := scheduler.New(logger, st, nil, watermarks)
	sched.JobTimeout = time.Duration(cfg.JobTimeoutMinutes) * time.Minute
	mgr := workerproto.NewManager(logger, sched, ingester, heartbeatInterval, cfg.HeartbeatMissesForDead)
	sched.Notifier = mgr

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return xerrors.Errorf("forge-scheduler: listen on %s: %w", cfg.Listen, err)
	}
	grpcServer := grpc.NewServer()
	workerproto.RegisterWorkerServer(grpcServer, mgr)
	shutdown.Register(func() error {
		grpcServer.GracefulStop()
		return nil
	})

	go sched.Run(ctx)

	denyList := make(ingest.DenyList, len(cfg.UnbuildablePackages))
	for _, short := range cfg.UnbuildablePackages {
		denyList[short] = true
	}
	coordinator := ingest.NewCoordinator(logger, st, sched, denyList, cfg.Project, cfg.Targets())

	if len(cfg.SourceWatches) > 0 {
		var tokenSource oauth2.TokenSource
		if cfg.GithubAppJWT != "" {
			tokenSource = runner.AppTokenSource(cfg.GithubAppJWT)
		}
		var httpClient *http.Client
		if tokenSource != nil {
			httpClient = oauth2.NewClient(ctx, tokenSource)
		}
		ghClient := github.NewClient(httpClient)

		mapper := make(sourcewatch.StaticMapper, len(cfg.SourceWatches))
		for _, w := range cfg.SourceWatches {
			mapper.Add(w.Owner, w.Repo, w.Packages)
		}
		watcher := sourcewatch.NewWatcher(logger, ghClient, mapper,
			time.Duration(cfg.SourceWatchIntervalSeconds)*time.Second, coordinator.Handler())
		for _, w := range cfg.SourceWatches {
			watcher.Add(w.Owner, w.Repo, w.Branch)
		}
		go watcher.Run(ctx)
	}

	if *ingestListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ingest", coordinator.HTTPHandler())
		ingestSrv := &http.Server{Addr: *ingestListen, Handler: mux}
		go func() {
			if err := ingestSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ingest server: %v", err)
			}
		}()
		shutdown.Register(func() error { return ingestSrv.Close() })
	}

	reapTicker := time.NewTicker(heartbeatInterval)
	defer reapTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reapTicker.C:
				mgr.Reap(ctx)
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Listen)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutting down: %v", ctx.Err())
	case err := <-serveErr:
		if err != nil {
			return xerrors.Errorf("forge-scheduler: serve: %w", err)
		}
	}

	return shutdown.Run()
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
