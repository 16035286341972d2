// Package graph implements the per-target package dependency graph: a
// directed graph of interned idents with runtime/build edges, an
// incrementally-extended full graph plus a latest-release view, and the
// reverse-dependency and resolution queries the planner and API surface
// need.
//
// The graph is built on gonum's simple.DirectedGraph, the same library the
// reference build orchestrator (internal/batch) uses for its one-shot
// dependency ordering; this package generalizes that one-shot use into a
// long-lived, incrementally extended structure with two synchronized views.
package graph

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/forgesrv/forge/pkg/ident"
)

// EdgeKind tags a dependency edge.
type EdgeKind int

const (
	Runtime EdgeKind = iota
	Build
)

// Record is a package record as described in the data model: a
// fully-qualified ident plus its declared dependencies.
type Record struct {
	Ident          ident.Ident
	RuntimeDeps    []ident.Ident // short idents
	BuildDeps      []ident.Ident // short idents
	StrongBuildDeps []ident.Ident // curated override, see data model
}

type node struct {
	id  int64
	pkg ident.Ident // fully-qualified
}

func (n *node) ID() int64 { return n.id }

// latestSlot is the persistent per-short-ident node in the latest view. Its
// id never changes across promotions: when a newer release supersedes the
// current one, Extend updates pkg in place on the same slot instead of
// allocating a new node, so every edge other packages already hold against
// "the latest release of this short ident" stays valid. This mirrors the
// original graph's node-replacement approach (see DESIGN.md) of replacing
// nodes in place so in-edges carry over for free, rather than gonum's
// ID-keyed nodes forcing a migration step we'd have to remember to run.
type latestSlot struct {
	id  int64
	pkg ident.Ident // current latest fully-qualified ident for this short ident
}

func (s *latestSlot) ID() int64 { return s.id }

type edgeKey struct{ from, to int64 }

// pendingEdge records a dependency that named a short ident not yet (or not
// yet at the required version) present in the graph when its owning record
// was extended. It is retried every time the target short ident's slot is
// created or promoted, so a dependency ingested out of order still ends up
// linked instead of silently and permanently dropped.
type pendingEdge struct {
	fromNode *node       // full-graph origin (always set)
	fromSlot *latestSlot // latest-view origin; nil if the owning record was never promoted
	kind     EdgeKind
	dep      ident.Ident // the original (possibly version-pinned) dependency ident
}

// Graph is the per-target dependency graph: a full graph containing every
// ingested release (one *node per release, immutable once created), plus a
// latest view containing only the newest release per short ident (one
// *latestSlot per short ident, mutated in place as newer releases arrive).
type Graph struct {
	Target ident.Target

	mu       sync.RWMutex
	full     *simple.DirectedGraph
	latest   *simple.DirectedGraph
	edgeKind map[edgeKey]EdgeKind // keyed by the latest graph's slot ids

	byShort    map[string]*latestSlot // short ident string -> persistent latest-view slot
	byFull     map[string]*node       // fully-qualified ident string -> node (full graph)
	pending    map[string][]pendingEdge // dependency short ident -> edges awaiting its arrival
	nextID     int64
	nextSlotID int64
}

// New returns an empty graph for the given target.
func New(target ident.Target) *Graph {
	return &Graph{
		Target:   target,
		full:     simple.NewDirectedGraph(),
		latest:   simple.NewDirectedGraph(),
		edgeKind: make(map[edgeKey]EdgeKind),
		byShort:  make(map[string]*latestSlot),
		byFull:   make(map[string]*node),
		pending:  make(map[string][]pendingEdge),
	}
}

// Stats is a point-in-time snapshot of graph size and shape.
type Stats struct {
	NodeCount        int
	EdgeCount        int
	ComponentCount   int
	RuntimeIsCyclic  bool
}

// Stats reports aggregate graph statistics over the latest view.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{
		NodeCount:       g.latest.Nodes().Len(),
		EdgeCount:       g.latest.Edges().Len(),
		ComponentCount:  len(topo.ConnectedComponents(undirected{g.latest})),
		RuntimeIsCyclic: g.runtimeIsCyclicLocked(),
	}
}

// undirected views a directed graph as undirected for weak-component
// counting, matching gonum's topo.ConnectedComponents contract.
type undirected struct{ g graph.Directed }

func (u undirected) Node(id int64) graph.Node       { return u.g.Node(id) }
func (u undirected) Nodes() graph.Nodes             { return u.g.Nodes() }
func (u undirected) From(id int64) graph.Nodes      { return u.g.From(id) }
func (u undirected) HasEdgeBetween(x, y int64) bool { return u.g.HasEdgeBetween(x, y) }
func (u undirected) Edge(u2, v int64) graph.Edge     { return u.g.Edge(u2, v) }

// runtimeOnlyLocked returns the subgraph of g.latest containing only Runtime edges,
// as a graph.Directed gonum can run Tarjan's SCC algorithm over.
func (g *Graph) runtimeOnlyLocked() *simple.DirectedGraph {
	rt := simple.NewDirectedGraph()
	for it := g.latest.Nodes(); it.Next(); {
		rt.AddNode(it.Node())
	}
	for it := g.latest.Edges(); it.Next(); {
		e := it.Edge()
		if g.edgeKind[edgeKey{e.From().ID(), e.To().ID()}] == Runtime {
			rt.SetEdge(e)
		}
	}
	return rt
}

func (g *Graph) runtimeIsCyclicLocked() bool {
	rt := g.runtimeOnlyLocked()
	for _, scc := range topo.TarjanSCC(rt) {
		if len(scc) > 1 {
			return true
		}
	}
	return false
}

// ErrRuntimeCycle is returned when extending the graph would introduce a
// cycle among runtime edges, which the data model treats as a data
// integrity error.
var ErrRuntimeCycle = xerrors.New("runtime dependency cycle")

// Extend adds one package record to the graph: it inserts the node (or
// promotes the short ident's latest pointer if the release is newer), and
// inserts edges to each declared runtime and build dependency. It returns
// the number of nodes and edges newly added to the full graph.
//
// The mutation is staged on a throwaway clone and only adopted into g on
// success. This is what makes rejection atomic: a record that turns out to
// introduce a runtime cycle (including one only revealed after backfilling
// a previously-dangling edge onto some other package) leaves g completely
// untouched rather than needing a hand-rolled, necessarily partial undo of
// every map and edge extendLocked touched along the way.
func (g *Graph) Extend(rec Record) (nodesAdded, edgesAdded int, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	clone := g.cloneLocked()
	nodesAdded, edgesAdded, err = clone.extendLocked(rec)
	if err != nil {
		return 0, 0, err
	}

	g.full, g.latest, g.edgeKind = clone.full, clone.latest, clone.edgeKind
	g.byShort, g.byFull, g.pending = clone.byShort, clone.byFull, clone.pending
	g.nextID, g.nextSlotID = clone.nextID, clone.nextSlotID
	return nodesAdded, edgesAdded, nil
}

// extendLocked performs Extend's mutation directly on g, with no staging or
// locking of its own: callers run it against a disposable clone. Extend
// adopts the clone wholesale on success; CheckExtend only reports the
// result and discards the clone.
func (g *Graph) extendLocked(rec Record) (nodesAdded, edgesAdded int, err error) {
	full := rec.Ident.String()
	short := rec.Ident.ShortIdent().String()

	n, existed := g.byFull[full]
	if !existed {
		n = &node{id: g.nextID, pkg: rec.Ident}
		g.nextID++
		g.full.AddNode(n)
		g.byFull[full] = n
		nodesAdded++
	}

	slot, slotExisted := g.byShort[short]
	promote := true
	if slotExisted {
		cmp, cerr := ident.Compare(rec.Ident, slot.pkg)
		if cerr != nil {
			return 0, 0, xerrors.Errorf("extend %v: %w", rec.Ident, cerr)
		}
		promote = cmp > 0
	}

	// Promotion updates the existing slot's payload in place rather than
	// allocating a new one, so every edge already set against this slot's
	// id (every package that depends on "the latest o/a", say) stays valid
	// without needing to be migrated.
	if promote {
		if !slotExisted {
			slot = &latestSlot{id: g.nextSlotID, pkg: rec.Ident}
			g.nextSlotID++
		} else {
			slot.pkg = rec.Ident
		}
		if g.latest.Node(slot.id) == nil {
			g.latest.AddNode(slot)
		}
	}

	addEdges := func(deps []ident.Ident, kind EdgeKind) error {
		for _, dep := range deps {
			depSlot, ok := g.resolveLatestLocked(dep)
			if !ok {
				// Dangling edge: the dependency is not yet known, or not
				// yet at the pinned version. Not fatal to this record;
				// queued so it is retried as soon as that short ident's
				// slot is next created or promoted (see resolvePendingLocked).
				var fromSlot *latestSlot
				if promote {
					fromSlot = slot
				}
				depShort := dep.ShortIdent().String()
				g.pending[depShort] = append(g.pending[depShort], pendingEdge{
					fromNode: n, fromSlot: fromSlot, kind: kind, dep: dep,
				})
				continue
			}
			depFull, ok := g.byFull[depSlot.pkg.String()]
			if !ok {
				continue
			}
			if depFull.id != n.id && !g.full.HasEdgeFromTo(n.id, depFull.id) {
				g.full.SetEdge(g.full.NewEdge(n, depFull))
				edgesAdded++
			}
			if promote && depSlot.id != slot.id {
				g.edgeKind[edgeKey{slot.id, depSlot.id}] = kind
				g.latest.SetEdge(g.latest.NewEdge(slot, depSlot))
			}
		}
		return nil
	}
	if err := addEdges(rec.RuntimeDeps, Runtime); err != nil {
		return 0, 0, err
	}
	if err := addEdges(rec.BuildDeps, Build); err != nil {
		return 0, 0, err
	}

	if promote {
		g.byShort[short] = slot
		edgesAdded += g.resolvePendingLocked(short)
	}

	if g.runtimeIsCyclicLocked() {
		return 0, 0, xerrors.Errorf("extend %v: %w", rec.Ident, ErrRuntimeCycle)
	}

	return nodesAdded, edgesAdded, nil
}

// resolvePendingLocked retries every edge still waiting on short (because it
// named short as a dependency before short had a matching release, or
// before a version-pinned requirement was satisfied), now that short's slot
// was just created or promoted. Entries that still don't resolve (e.g. a
// different pinned version) stay queued.
func (g *Graph) resolvePendingLocked(short string) int {
	waiting := g.pending[short]
	if len(waiting) == 0 {
		return 0
	}
	added := 0
	var remaining []pendingEdge
	for _, p := range waiting {
		depSlot, ok := g.resolveLatestLocked(p.dep)
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		depFull, ok := g.byFull[depSlot.pkg.String()]
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		if depFull.id != p.fromNode.id && !g.full.HasEdgeFromTo(p.fromNode.id, depFull.id) {
			g.full.SetEdge(g.full.NewEdge(p.fromNode, depFull))
			added++
		}
		if p.fromSlot != nil && depSlot.id != p.fromSlot.id {
			g.edgeKind[edgeKey{p.fromSlot.id, depSlot.id}] = p.kind
			g.latest.SetEdge(g.latest.NewEdge(p.fromSlot, depSlot))
		}
	}
	if len(remaining) == 0 {
		delete(g.pending, short)
	} else {
		g.pending[short] = remaining
	}
	return added
}

// CheckExtend reports whether Extend(rec) would succeed, without mutating
// the graph.
func (g *Graph) CheckExtend(rec Record) error {
	g.mu.RLock()
	clone := g.cloneLocked()
	g.mu.RUnlock()
	_, _, err := clone.extendLocked(rec)
	return err
}

// cloneLocked deep-copies the latest view's slots (they are mutated in
// place by Extend, so CheckExtend's trial Extend on the clone must not
// share slot objects with g — only the full graph's per-release nodes,
// which Extend never mutates after creation, are safe to share).
func (g *Graph) cloneLocked() *Graph {
	clone := New(g.Target)
	clone.nextID = g.nextID
	clone.nextSlotID = g.nextSlotID
	for it := g.full.Nodes(); it.Next(); {
		n := it.Node().(*node)
		clone.full.AddNode(n)
		clone.byFull[n.pkg.String()] = n
	}
	for it := g.full.Edges(); it.Next(); {
		clone.full.SetEdge(it.Edge())
	}
	slotCopies := make(map[int64]*latestSlot, len(g.byShort))
	for it := g.latest.Nodes(); it.Next(); {
		orig := it.Node().(*latestSlot)
		cp := &latestSlot{id: orig.id, pkg: orig.pkg}
		slotCopies[orig.id] = cp
		clone.latest.AddNode(cp)
	}
	for it := g.latest.Edges(); it.Next(); {
		e := it.Edge()
		clone.latest.SetEdge(clone.latest.NewEdge(slotCopies[e.From().ID()], slotCopies[e.To().ID()]))
	}
	for k, v := range g.edgeKind {
		clone.edgeKind[k] = v
	}
	for k, v := range g.byShort {
		clone.byShort[k] = slotCopies[v.id]
	}
	for short, edges := range g.pending {
		cp := make([]pendingEdge, len(edges))
		for i, p := range edges {
			cp[i] = p
			if p.fromSlot != nil {
				cp[i].fromSlot = slotCopies[p.fromSlot.id]
			}
		}
		clone.pending[short] = cp
	}
	return clone
}

// resolveLatestLocked finds the latest slot matching dep (same origin and
// name; version prefix must match if supplied).
func (g *Graph) resolveLatestLocked(dep ident.Ident) (*latestSlot, bool) {
	short := dep.ShortIdent().String()
	slot, ok := g.byShort[short]
	if !ok {
		return nil, false
	}
	if v, has := dep.Version(); has {
		nv, _ := slot.pkg.Version()
		if nv != v {
			return nil, false
		}
	}
	return slot, true
}

// Resolve returns the latest known fully-qualified ident matching the
// partial ident dep (same origin and name; version prefix must match if
// supplied).
func (g *Graph) Resolve(dep ident.Ident) (ident.Ident, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.resolveLatestLocked(dep)
	if !ok {
		return ident.Ident{}, false
	}
	return slot.pkg, true
}

// RdepsEntry is one hit from an Rdeps query.
type RdepsEntry struct {
	Short  string
	Latest ident.Ident
}

// Rdeps returns every short ident whose transitive runtime-or-build
// dependencies include shortIdent, breadth-first from shortIdent, tie-broken
// lexicographically on the short ident string. If originFilter is non-empty,
// only idents with that origin are returned.
func (g *Graph) Rdeps(shortIdent string, originFilter string) []RdepsEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.byShort[shortIdent]
	if !ok {
		return nil
	}

	visited := map[int64]bool{start.id: true}
	queue := []int64{start.id}
	var order []*latestSlot
	for len(queue) > 0 {
		var next []int64
		var frontier []*latestSlot
		for _, id := range queue {
			for it := g.latest.To(id); it.Next(); {
				pred := it.Node().(*latestSlot)
				if visited[pred.id] {
					continue
				}
				visited[pred.id] = true
				frontier = append(frontier, pred)
				next = append(next, pred.id)
			}
		}
		sort.Slice(frontier, func(i, j int) bool {
			return frontier[i].pkg.ShortIdent().String() < frontier[j].pkg.ShortIdent().String()
		})
		order = append(order, frontier...)
		queue = next
	}

	var out []RdepsEntry
	seen := make(map[string]bool)
	for _, n := range order {
		short := n.pkg.ShortIdent().String()
		if seen[short] {
			continue
		}
		if originFilter != "" && n.pkg.Origin() != originFilter {
			continue
		}
		seen[short] = true
		out = append(out, RdepsEntry{Short: short, Latest: n.pkg})
	}
	return out
}

// Nodes returns every (short ident, latest fully-qualified ident) pair
// currently in the latest view.
func (g *Graph) Nodes() map[string]ident.Ident {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]ident.Ident, len(g.byShort))
	for short, slot := range g.byShort {
		out[short] = slot.pkg
	}
	return out
}

// EdgesFrom returns the (short ident, kind) pairs of shortIdent's outgoing
// edges in the latest view, keyed by dependency short ident.
func (g *Graph) EdgesFrom(shortIdent string) map[string]EdgeKind {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.byShort[shortIdent]
	if !ok {
		return nil
	}
	out := make(map[string]EdgeKind)
	for it := g.latest.From(slot.id); it.Next(); {
		to := it.Node().(*latestSlot)
		out[to.pkg.ShortIdent().String()] = g.edgeKind[edgeKey{slot.id, to.id}]
	}
	return out
}
