// Package ingest restores the data flow the component design describes for
// C5 ("a request enters C5... C5 asks C3 to expand the touched set against
// C2 and persist a manifest of pending jobs via C4"): it owns one
// pkg/graph.Graph per build target, feeds it package records, and turns a
// pkg/sourcewatch touched-package notification into a pkg/planner.Manifest
// translated into a store.Group/[]store.Job pair admitted through the
// scheduler actor.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/graph"
	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/planner"
	"github.com/forgesrv/forge/pkg/scheduler"
	"github.com/forgesrv/forge/pkg/store"
)

// DenyList is the simplest planner.Unbuildable oracle: a fixed set of short
// idents that can never be rebuilt (withdrawn or quarantined packages),
// supplied from config.
type DenyList map[string]bool

// IsUnbuildable implements planner.Unbuildable.
func (d DenyList) IsUnbuildable(short string, _ ident.Target) bool { return d[short] }

// Coordinator owns the per-target dependency graphs and is the single
// place a touched-package notification, from any source, turns into an
// admitted group.
type Coordinator struct {
	Log     *log.Logger
	Store   store.Store
	Sched   *scheduler.Ctx
	Oracle  planner.Unbuildable
	Project string

	interner *ident.Interner

	mu     sync.Mutex // guards graphs; each *graph.Graph locks itself for its own fields
	graphs map[ident.Target]*graph.Graph
}

// NewCoordinator constructs a Coordinator with an empty graph for each
// target. Targets discovered later via Extend are added lazily.
func NewCoordinator(logger *log.Logger, st store.Store, sched *scheduler.Ctx, oracle planner.Unbuildable, project string, targets []ident.Target) *Coordinator {
	graphs := make(map[ident.Target]*graph.Graph, len(targets))
	for _, t := range targets {
		graphs[t] = graph.New(t)
	}
	return &Coordinator{
		Log:      logger,
		Store:    st,
		Sched:    sched,
		Oracle:   oracle,
		Project:  project,
		interner: ident.NewInterner(),
		graphs:   graphs,
	}
}

// Graph returns the dependency graph for target, creating an empty one on
// first use.
func (c *Coordinator) Graph(target ident.Target) *graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.graphs[target]
	if !ok {
		g = graph.New(target)
		c.graphs[target] = g
	}
	return g
}

// Targets returns the snapshot of targets currently known to the
// coordinator (every target passed to NewCoordinator plus any discovered
// since via Extend).
func (c *Coordinator) Targets() map[ident.Target]*graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ident.Target]*graph.Graph, len(c.graphs))
	for t, g := range c.graphs {
		out[t] = g
	}
	return out
}

// Extend ingests one package record against target's graph. This is the
// path that actually populates the graph C2 feeds the planner from; nothing
// else in the binary mutates it.
func (c *Coordinator) Extend(target ident.Target, rec graph.Record) (nodesAdded, edgesAdded int, err error) {
	return c.Graph(target).Extend(rec)
}

// Handler returns a sourcewatch.TouchedHandler that plans and admits a
// group against every configured target's graph. A touched set names short
// idents only, not a target, so every target's graph is expanded
// independently: the same commit can imply different rebuild manifests per
// platform once classification (missing/unbuildable) diverges.
func (c *Coordinator) Handler() func(ctx context.Context, touched map[string]bool) {
	return func(ctx context.Context, touched map[string]bool) {
		if len(touched) == 0 {
			return
		}
		for target, g := range c.Targets() {
			if err := c.PlanAndSubmit(ctx, target, g, touched); err != nil {
				c.Log.Printf("ingest: plan and submit for %s: %v", target, err)
			}
		}
	}
}

// PlanAndSubmit computes the rebuild manifest for touched against g, and if
// it names any node, converts it into a group and admits it. It is the
// translation step the data flow describes as "persist a manifest of
// pending jobs via C4": manifest nodes become store.Jobs, manifest edges
// become DependsOn/WaitingOn, and the result is handed to store.CreateGroup
// followed by scheduler.Ctx.SubmitGroup so admission control picks it up
// exactly like a hand-submitted group would.
func (c *Coordinator) PlanAndSubmit(ctx context.Context, target ident.Target, g *graph.Graph, touched map[string]bool) error {
	m, err := planner.Compute(g, touched, c.Oracle)
	if err != nil {
		return xerrors.Errorf("Compute: %w", err)
	}
	if len(m.Nodes) == 0 {
		return nil
	}

	group, jobs := manifestToGroup(g, target, c.Project, m)
	if len(jobs) == 0 {
		return nil
	}
	if err := c.Store.CreateGroup(ctx, group, jobs); err != nil {
		return xerrors.Errorf("CreateGroup: %w", err)
	}
	c.Log.Printf("ingest: submitted group %s for %s (%d jobs, %d external deps, %d rejected)",
		group.ID, target, len(jobs), len(m.External), len(m.Forensics))
	c.Sched.SubmitGroup(ctx, group.ID)
	return nil
}

// manifestToGroup builds the store.Group/[]store.Job pair for m. Only
// InternalNode/InternalVersionedNode manifest nodes become jobs; External*
// nodes are assumed already built and never appear as a job themselves, so
// every edge to one is dropped and WaitingOn counts internal dependencies
// only.
func manifestToGroup(g *graph.Graph, target ident.Target, project string, m *planner.Manifest) (store.Group, []store.Job) {
	now := time.Now().UTC()
	groupID := store.GroupID(uuid.NewString())
	known := g.Nodes()

	jobIDs := make(map[string]store.JobID, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Kind != planner.InternalNode && n.Kind != planner.InternalVersionedNode {
			continue
		}
		jobIDs[n.Key()] = store.JobID(uuid.NewString())
	}

	jobs := make([]store.Job, 0, len(jobIDs))
	var allIDs []store.JobID
	for _, n := range m.Nodes {
		if n.Kind != planner.InternalNode && n.Kind != planner.InternalVersionedNode {
			continue
		}
		key := n.Key()
		var dependsOn []store.JobID
		for _, depKey := range m.Edges[key] {
			if depID, ok := jobIDs[depKey]; ok {
				dependsOn = append(dependsOn, depID)
			}
		}
		job := store.Job{
			ID:           jobIDs[key],
			GroupID:      groupID,
			Target:       target,
			ManifestNode: nodeRef(known, n),
			DependsOn:    dependsOn,
			WaitingOn:    len(dependsOn),
			State:        store.JobPending,
			CreatedAt:    now,
		}
		jobs = append(jobs, job)
		allIDs = append(allIDs, job.ID)
	}

	group := store.Group{
		ID:        groupID,
		Project:   project,
		Target:    target,
		CreatedAt: now,
		State:     store.GroupQueued,
		JobIDs:    allIDs,
	}
	return group, jobs
}

// nodeRef is what's sent to the worker as job.ManifestNode: the fully-
// qualified ident currently known for n's short ident (origin/name/version/
// release), which the runner's VCS step uses as the clone ref (see
// pkg/runner/vcs.go, cmd/forge-worker "single-repository deployments").
// The cycle index is appended for unrolled passes past the first so the
// worker can tell which pass of a build-cycle chain it's running.
func nodeRef(known map[string]ident.Ident, n planner.Node) string {
	ref := n.ShortIdent
	if id, ok := known[n.ShortIdent]; ok {
		ref = id.String()
	}
	if n.CycleIndex == 0 {
		return ref
	}
	return fmt.Sprintf("%s#%d", ref, n.CycleIndex)
}

// recordPayload is the wire shape for one POSTed package record: this is
// the graph's actual ingest path (C2's "extend" operation), the one thing a
// package index, CI pipeline, or release tool calls into to tell the
// scheduler a release exists.
type recordPayload struct {
	Target      string   `json:"target"`
	Ident       string   `json:"ident"`
	RuntimeDeps []string `json:"runtime_deps"`
	BuildDeps   []string `json:"build_deps"`
}

func (p recordPayload) toRecord(in *ident.Interner) (ident.Target, graph.Record, error) {
	if p.Target == "" {
		return "", graph.Record{}, xerrors.New("missing target")
	}
	full, err := ident.Parse(in, p.Ident)
	if err != nil {
		return "", graph.Record{}, xerrors.Errorf("ident: %w", err)
	}
	rec := graph.Record{Ident: full}
	for _, s := range p.RuntimeDeps {
		dep, err := ident.Parse(in, s)
		if err != nil {
			return "", graph.Record{}, xerrors.Errorf("runtime_deps: %w", err)
		}
		rec.RuntimeDeps = append(rec.RuntimeDeps, dep)
	}
	for _, s := range p.BuildDeps {
		dep, err := ident.Parse(in, s)
		if err != nil {
			return "", graph.Record{}, xerrors.Errorf("build_deps: %w", err)
		}
		rec.BuildDeps = append(rec.BuildDeps, dep)
	}
	return ident.Target(p.Target), rec, nil
}

// HTTPHandler returns a handler for POSTed package records, the ingest path
// that actually populates the dependency graph (see Extend's doc comment).
// A successful POST responds with the number of nodes/edges newly added; a
// record that would introduce a runtime cycle (graph.ErrRuntimeCycle) is
// rejected with 409 Conflict, per spec.md's "fatal, not merged" invariant.
func (c *Coordinator) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var payload recordPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		target, rec, err := payload.toRecord(c.interner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		nodesAdded, edgesAdded, err := c.Extend(target, rec)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{
			"nodes_added": nodesAdded,
			"edges_added": edgesAdded,
		})
	})
}
