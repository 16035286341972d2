package runner

import (
	"context"
	"strconv"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v27/github"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/cache"
	"github.com/forgesrv/forge/pkg/workerproto"
)

// GitVCS clones repositories in-process with go-git, replacing the
// teacher's exec.Command("git", ...) invocations with a library call that
// doesn't depend on a git binary being installed on the worker host.
type GitVCS struct {
	Minter *InstallationTokenMinter // nil for anonymous/public clones
}

// NewGitVCS constructs a GitVCS. minter may be nil if every job targets a
// public repository.
func NewGitVCS(minter *InstallationTokenMinter) *GitVCS {
	return &GitVCS{Minter: minter}
}

// CloneSpec is the subset of job metadata the VCS step needs. The caller
// fills it in; cmd/forge-worker's singleRepoVCS takes RepoURL from its
// -repo_url flag and uses the job's ManifestNode as Ref, which keeps this
// package decoupled from the manifest node format.
type CloneSpec struct {
	RepoURL          string
	Ref              string
	InstallationID   int64
	RequiresAppToken bool
}

// Clone implements VCS. It always returns an error, since a StartJob does
// not carry a repository URL; callers clone through CloneWithSpec instead
// (see cmd/forge-worker's singleRepoVCS).
func (g *GitVCS) Clone(ctx context.Context, dir string, job *workerproto.StartJob) error {
	return xerrors.New("runner: GitVCS.Clone requires a resolved CloneSpec; use CloneWithSpec")
}

// CloneWithSpec performs the actual go-git clone, minting a GitHub App
// installation token first when spec.RequiresAppToken is set.
func (g *GitVCS) CloneWithSpec(ctx context.Context, dir string, spec CloneSpec) error {
	var auth *http.BasicAuth
	if spec.RequiresAppToken {
		if g.Minter == nil {
			return xerrors.New("runner: job requires an installation token but no minter is configured")
		}
		token, err := g.Minter.Mint(ctx, spec.InstallationID)
		if err != nil {
			return xerrors.Errorf("runner: mint installation token: %w", err)
		}
		auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}

	opts := &git.CloneOptions{
		URL:           spec.RepoURL,
		ReferenceName: plumbing.ReferenceName(spec.Ref),
		Depth:         1,
		SingleBranch:  true,
	}
	if auth != nil {
		opts.Auth = auth
	}
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return xerrors.Errorf("runner: clone %s: %w", spec.RepoURL, err)
	}
	return nil
}

// InstallationTokenMinter mints short-lived GitHub App installation tokens,
// caching them until shortly before expiry so the runner doesn't mint a new
// token for every job against the same installation.
type InstallationTokenMinter struct {
	apps  *github.AppsService
	cache cache.Cache
}

// NewInstallationTokenMinter builds a minter from an App-authenticated
// *github.Client (its transport already signs requests with the App's JWT,
// per the teacher's oauth2.NewClient(ctx, ts) pattern in cmd/autobuilder).
func NewInstallationTokenMinter(appClient *github.Client, c cache.Cache) *InstallationTokenMinter {
	return &InstallationTokenMinter{apps: appClient.Apps, cache: c}
}

// Mint returns a valid installation access token, minting a fresh one via
// the GitHub API if the cache has no unexpired entry.
func (m *InstallationTokenMinter) Mint(ctx context.Context, installationID int64) (string, error) {
	key := cache.TokenKey(formatInstallationID(installationID))
	if m.cache != nil {
		if v, ok, err := m.cache.Get(ctx, key); err == nil && ok {
			return string(v), nil
		}
	}

	tok, _, err := m.apps.CreateInstallationToken(ctx, installationID)
	if err != nil {
		return "", xerrors.Errorf("runner: CreateInstallationToken(%d): %w", installationID, err)
	}
	token := tok.GetToken()

	if m.cache != nil {
		ttl := time.Until(tok.GetExpiresAt()) - time.Minute
		if ttl > 0 {
			_ = m.cache.Set(ctx, key, []byte(token), ttl)
		}
	}
	return token, nil
}

func formatInstallationID(id int64) string {
	return "gh-installation-" + strconv.FormatInt(id, 10)
}

// AppTokenSource adapts a static App JWT into an oauth2.TokenSource for
// constructing the *github.Client passed to NewInstallationTokenMinter,
// mirroring the teacher's oauth2.StaticTokenSource usage exactly.
func AppTokenSource(jwt string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: jwt})
}
