// Package memstore is an in-process reference implementation of
// store.Store, guarded by a single mutex. It exists so the scheduler actor's
// own tests (and small demos) can exercise the full state machine without a
// database; store/pg implements the same contract against Postgres for
// production use.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/store"
)

type jobRecord struct {
	job          store.Job
	dependents   []store.JobID // jobs that depend on this one
	initialWait  int
}

// Store is an in-memory store.Store.
type Store struct {
	mu     sync.Mutex
	jobs   map[store.JobID]*jobRecord
	groups map[store.GroupID]*store.Group
	nextID int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:   make(map[store.JobID]*jobRecord),
		groups: make(map[store.GroupID]*store.Group),
	}
}

func (s *Store) CreateGroup(ctx context.Context, g store.Group, jobs []store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.ID]; ok {
		return xerrors.Errorf("CreateGroup %s: already exists", g.ID)
	}
	g.State = store.GroupQueued
	var ids []store.JobID
	for _, j := range jobs {
		j.State = store.JobPending
		j.GroupID = g.ID
		s.jobs[j.ID] = &jobRecord{job: j, initialWait: j.WaitingOn}
		ids = append(ids, j.ID)
	}
	g.JobIDs = ids
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			if dr, ok := s.jobs[dep]; ok {
				dr.dependents = append(dr.dependents, j.ID)
			}
		}
	}
	s.groups[g.ID] = &g
	return nil
}

func (s *Store) TakeNextJobForTarget(ctx context.Context, target ident.Target) (*store.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *jobRecord
	var bestGroup *store.Group
	for _, jr := range s.jobs {
		if jr.job.State != store.JobReady || jr.job.Target != target {
			continue
		}
		g := s.groups[jr.job.GroupID]
		if g == nil {
			continue
		}
		if best == nil {
			best, bestGroup = jr, g
			continue
		}
		bg := s.groups[best.job.GroupID]
		if g.CreatedAt.Before(bg.CreatedAt) ||
			(g.CreatedAt.Equal(bg.CreatedAt) && jr.job.CreatedAt.Before(best.job.CreatedAt)) {
			best, bestGroup = jr, g
		}
	}
	if best == nil {
		return nil, false, nil
	}
	_ = bestGroup
	best.job.State = store.JobDispatched
	now := time.Now().UTC()
	best.job.DispatchedAt = &now
	out := best.job
	return &out, true, nil
}

func (s *Store) MarkJobCompleteAndUpdateDependencies(ctx context.Context, id store.JobID, asBuilt ident.Ident) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jr, ok := s.jobs[id]
	if !ok {
		return 0, xerrors.Errorf("MarkJobCompleteAndUpdateDependencies %s: %w", id, errJobNotFound)
	}
	jr.job.State = store.JobComplete
	jr.job.AsBuilt = &asBuilt

	newlyReady := 0
	for _, depID := range jr.dependents {
		dr, ok := s.jobs[depID]
		if !ok || dr.job.State.Terminal() {
			continue
		}
		dr.job.WaitingOn--
		if dr.job.WaitingOn <= 0 && dr.job.State == store.JobWaitingOnDependency {
			dr.job.State = store.JobReady
			newlyReady++
		}
	}
	return newlyReady, nil
}

func (s *Store) MarkJobFailed(ctx context.Context, id store.JobID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jr, ok := s.jobs[id]
	if !ok {
		return 0, xerrors.Errorf("MarkJobFailed %s: %w", id, errJobNotFound)
	}
	jr.job.State = store.JobFailed

	marked := 0
	seen := map[store.JobID]bool{id: true}
	queue := append([]store.JobID(nil), jr.dependents...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		dr, ok := s.jobs[cur]
		if !ok {
			continue
		}
		if !dr.job.State.Terminal() {
			dr.job.State = store.JobDependencyFailed
			marked++
		}
		queue = append(queue, dr.dependents...)
	}
	return marked, nil
}

func (s *Store) CountAllStates(ctx context.Context, group store.GroupID) (map[store.JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return nil, xerrors.Errorf("CountAllStates %s: %w", group, errGroupNotFound)
	}
	out := make(map[store.JobState]int)
	for _, id := range g.JobIDs {
		if jr, ok := s.jobs[id]; ok {
			out[jr.job.State]++
		}
	}
	return out, nil
}

func (s *Store) SetJobGroupState(ctx context.Context, group store.GroupID, state store.GroupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return xerrors.Errorf("SetJobGroupState %s: %w", group, errGroupNotFound)
	}
	g.State = state
	return nil
}

func (s *Store) CountReadyForTarget(ctx context.Context, target ident.Target) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, jr := range s.jobs {
		if jr.job.State == store.JobReady && jr.job.Target == target {
			n++
		}
	}
	return n, nil
}

func (s *Store) GroupDispatchedUpdateJobs(ctx context.Context, group store.GroupID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return 0, xerrors.Errorf("GroupDispatchedUpdateJobs %s: %w", group, errGroupNotFound)
	}
	made := 0
	for _, id := range g.JobIDs {
		jr := s.jobs[id]
		if jr.job.State != store.JobPending {
			continue
		}
		if jr.initialWait == 0 {
			jr.job.State = store.JobReady
			made++
		} else {
			jr.job.State = store.JobWaitingOnDependency
		}
	}
	return made, nil
}

func (s *Store) TakeNextGroupForTarget(ctx context.Context, target ident.Target) (*store.Group, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*store.Group
	for _, g := range s.groups {
		if g.State == store.GroupQueued && g.Target == target {
			candidates = append(candidates, g)
		}
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	g := candidates[0]
	g.State = store.GroupDispatching
	out := *g
	return &out, true, nil
}

func (s *Store) CancelGroup(ctx context.Context, group store.GroupID) ([]store.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return nil, xerrors.Errorf("CancelGroup %s: %w", group, errGroupNotFound)
	}
	var dispatched []store.JobID
	for _, id := range g.JobIDs {
		jr := s.jobs[id]
		if jr.job.State.Terminal() {
			continue
		}
		if jr.job.State == store.JobDispatched {
			jr.job.State = store.JobCancelPending
			dispatched = append(dispatched, id)
			continue
		}
		jr.job.State = store.JobCancelComplete
	}
	return dispatched, nil
}

func (s *Store) MarkJobCanceled(ctx context.Context, id store.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jr, ok := s.jobs[id]
	if !ok {
		return xerrors.Errorf("MarkJobCanceled %s: %w", id, errJobNotFound)
	}
	jr.job.State = store.JobCancelComplete
	return nil
}

func (s *Store) ResetJobToReady(ctx context.Context, id store.JobID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jr, ok := s.jobs[id]
	if !ok {
		return 0, xerrors.Errorf("ResetJobToReady %s: %w", id, errJobNotFound)
	}
	jr.job.State = store.JobReady
	jr.job.RetryCount++
	return jr.job.RetryCount, nil
}

func (s *Store) GetJob(ctx context.Context, id store.JobID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jr, ok := s.jobs[id]
	if !ok {
		return nil, xerrors.Errorf("GetJob %s: %w", id, errJobNotFound)
	}
	out := jr.job
	return &out, nil
}

func (s *Store) ListTimedOutDispatched(ctx context.Context, cutoff time.Time) ([]store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Job
	for _, jr := range s.jobs {
		if jr.job.State != store.JobDispatched {
			continue
		}
		if jr.job.DispatchedAt == nil || jr.job.DispatchedAt.After(cutoff) {
			continue
		}
		out = append(out, jr.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkJobTimedOut(ctx context.Context, id store.JobID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jr, ok := s.jobs[id]
	if !ok {
		return false, xerrors.Errorf("MarkJobTimedOut %s: %w", id, errJobNotFound)
	}
	if jr.job.State != store.JobDispatched {
		return false, nil
	}
	jr.job.State = store.JobCancelPending
	return true, nil
}

func (s *Store) GetGroup(ctx context.Context, id store.GroupID) (*store.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, xerrors.Errorf("GetGroup %s: %w", id, errGroupNotFound)
	}
	out := *g
	return &out, nil
}

// NewJobID and NewGroupID mint sequential, process-unique IDs for demos and
// tests; production callers backed by store/pg use the database's own
// identity generation instead.
func (s *Store) NewJobID() store.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return store.JobID(time.Now().UTC().Format("20060102150405") + "-" + itoa(s.nextID))
}

func (s *Store) NewGroupID() store.GroupID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return store.GroupID(time.Now().UTC().Format("20060102150405") + "-" + itoa(s.nextID))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var (
	errJobNotFound   = xerrors.New("job not found")
	errGroupNotFound = xerrors.New("group not found")
)
