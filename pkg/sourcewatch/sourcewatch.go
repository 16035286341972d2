// Package sourcewatch polls upstream source repositories for new commits
// and feeds the touched-package set they imply into the planner, closing
// the loop from "someone pushed a commit" to "a rebuild manifest exists"
// without a human submitting a group by hand. This supplements the core
// spec, which assumes a touched set arrives from outside; the original
// Habitat jobsrv's github-api-client component is the closest analogue in
// the source this was distilled from.
package sourcewatch

import (
	"context"
	"log"
	"time"

	"github.com/google/go-github/v27/github"
	"golang.org/x/xerrors"
)

// PackageMapper maps a watched repository (owner/repo) to the short idents
// the planner should treat as touched by a new commit on it; the commit's
// changed files are not consulted. cmd/forge-scheduler uses StaticMapper,
// built from config; tests can supply a fixed mapping.
type PackageMapper interface {
	PackagesForRepo(owner, repo string) []string
}

// StaticMapper is a PackageMapper backed by a fixed, config-supplied
// owner/repo -> packages table. This is the common case where a
// repository's changed files are not inspected at all: any new commit on a
// watched branch touches the same declared set of packages.
type StaticMapper map[string][]string

// Add registers owner/repo's touched-package set.
func (m StaticMapper) Add(owner, repo string, packages []string) {
	m[owner+"/"+repo] = packages
}

// PackagesForRepo implements PackageMapper.
func (m StaticMapper) PackagesForRepo(owner, repo string) []string {
	return m[owner+"/"+repo]
}

// TouchedHandler is invoked with the set of short idents a new commit
// implies are touched.
type TouchedHandler func(ctx context.Context, touched map[string]bool)

// Watch is one polled repository.
type Watch struct {
	Owner, Repo string
	Branch      string

	lastSHA string
}

// Watcher polls a set of repositories on an interval and invokes Handler
// when it observes a new commit on a watched branch.
type Watcher struct {
	Log      *log.Logger
	Client   *github.Client
	Mapper   PackageMapper
	Interval time.Duration
	Handler  TouchedHandler

	watches []*Watch
}

// NewWatcher constructs a Watcher. client must already be authenticated
// (see runner.AppTokenSource for the teacher's oauth2 client pattern).
func NewWatcher(logger *log.Logger, client *github.Client, mapper PackageMapper, interval time.Duration, handler TouchedHandler) *Watcher {
	return &Watcher{Log: logger, Client: client, Mapper: mapper, Interval: interval, Handler: handler}
}

// Add registers a repository/branch to poll.
func (w *Watcher) Add(owner, repo, branch string) {
	w.watches = append(w.watches, &Watch{Owner: owner, Repo: repo, Branch: branch})
}

// Run polls every registered watch every Interval until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

func (w *Watcher) pollAll(ctx context.Context) {
	for _, watch := range w.watches {
		if err := w.poll(ctx, watch); err != nil {
			w.Log.Printf("sourcewatch: poll %s/%s@%s: %v", watch.Owner, watch.Repo, watch.Branch, err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, watch *Watch) error {
	branch, _, err := w.Client.Repositories.GetBranch(ctx, watch.Owner, watch.Repo, watch.Branch)
	if err != nil {
		return xerrors.Errorf("GetBranch: %w", err)
	}
	sha := branch.GetCommit().GetSHA()
	if sha == "" {
		return xerrors.New("GetBranch returned an empty commit SHA")
	}
	if sha == watch.lastSHA {
		return nil
	}
	first := watch.lastSHA == ""
	watch.lastSHA = sha
	if first {
		// First observation after startup: record the baseline without
		// triggering a rebuild for the repository's entire history.
		return nil
	}

	packages := w.Mapper.PackagesForRepo(watch.Owner, watch.Repo)
	if len(packages) == 0 {
		return nil
	}
	touched := make(map[string]bool, len(packages))
	for _, p := range packages {
		touched[p] = true
	}
	if w.Handler != nil {
		w.Handler(ctx, touched)
	}
	return nil
}
