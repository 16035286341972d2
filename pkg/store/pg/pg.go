// Package pg is the Postgres-backed store.Store used in production,
// following the same shape as store/memstore but backed by jackc/pgx/v5 and
// guarded by a circuit breaker plus bounded retry around every transaction.
package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"
	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/store"
)

// Store is a store.Store backed by a Postgres connection pool.
type Store struct {
	pool   *pgxpool.Pool
	cb     *gobreaker.CircuitBreaker
	policy retryPolicy
}

// Open connects to Postgres using dsn and returns a Store. The caller owns
// the lifetime of the returned Store and must call Close.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Errorf("pg.Open: %w", err)
	}
	return &Store{pool: pool, cb: newBreaker("store.pg"), policy: defaultRetryPolicy}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Schema returns the DDL used to create the tables this store expects. It is
// exposed so callers (tests, migration tooling) can provision a scratch
// database without an external migration system.
const Schema = `
CREATE TABLE IF NOT EXISTS groups (
	id          TEXT PRIMARY KEY,
	project     TEXT NOT NULL,
	target      TEXT NOT NULL,
	state       SMALLINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL REFERENCES groups(id),
	target        TEXT NOT NULL,
	manifest_node TEXT NOT NULL,
	depends_on    TEXT[] NOT NULL DEFAULT '{}',
	waiting_on    INT NOT NULL DEFAULT 0,
	initial_wait  INT NOT NULL DEFAULT 0,
	state         SMALLINT NOT NULL,
	as_built      TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ,
	retry_count   INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS jobs_group_id_idx ON jobs(group_id);
CREATE INDEX IF NOT EXISTS jobs_target_state_idx ON jobs(target, state);
CREATE INDEX IF NOT EXISTS groups_target_state_idx ON groups(target, state);
`

func (s *Store) tx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return withRetry(ctx, s.cb, s.policy, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return xerrors.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) CreateGroup(ctx context.Context, g store.Group, jobs []store.Job) error {
	return s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO groups (id, project, target, state, created_at) VALUES ($1,$2,$3,$4,$5)`,
			g.ID, g.Project, string(g.Target), store.GroupQueued, g.CreatedAt); err != nil {
			return xerrors.Errorf("insert group: %w", err)
		}
		for _, j := range jobs {
			deps := make([]string, len(j.DependsOn))
			for i, d := range j.DependsOn {
				deps[i] = string(d)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO jobs (id, group_id, target, manifest_node, depends_on, waiting_on, initial_wait, state, created_at)
				 VALUES ($1,$2,$3,$4,$5,$6,$6,$7,$8)`,
				j.ID, g.ID, string(j.Target), j.ManifestNode, deps, j.WaitingOn, store.JobPending, j.CreatedAt); err != nil {
				return xerrors.Errorf("insert job %s: %w", j.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) TakeNextJobForTarget(ctx context.Context, target ident.Target) (*store.Job, bool, error) {
	var out store.Job
	found := false
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT j.id, j.group_id, j.target, j.manifest_node, j.depends_on, j.waiting_on, j.created_at, j.retry_count
			FROM jobs j JOIN groups g ON g.id = j.group_id
			WHERE j.state = $1 AND j.target = $2
			ORDER BY g.created_at ASC, j.created_at ASC
			LIMIT 1 FOR UPDATE OF j SKIP LOCKED`,
			store.JobReady, string(target))
		var deps []string
		if err := row.Scan(&out.ID, &out.GroupID, &out.Target, &out.ManifestNode, &deps, &out.WaitingOn, &out.CreatedAt, &out.RetryCount); err != nil {
			if xerrors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return xerrors.Errorf("select next job: %w", err)
		}
		for _, d := range deps {
			out.DependsOn = append(out.DependsOn, store.JobID(d))
		}
		out.State = store.JobDispatched
		now := time.Now().UTC()
		out.DispatchedAt = &now
		if _, err := tx.Exec(ctx, `UPDATE jobs SET state = $1, dispatched_at = $2 WHERE id = $3`,
			store.JobDispatched, now, out.ID); err != nil {
			return xerrors.Errorf("dispatch job: %w", err)
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &out, true, nil
}

func (s *Store) MarkJobCompleteAndUpdateDependencies(ctx context.Context, id store.JobID, asBuilt ident.Ident) (int, error) {
	newlyReady := 0
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET state = $1, as_built = $2 WHERE id = $3`,
			store.JobComplete, asBuilt.String(), id); err != nil {
			return xerrors.Errorf("mark complete: %w", err)
		}
		rows, err := tx.Query(ctx, `SELECT id, waiting_on, state FROM jobs WHERE $1 = ANY(depends_on) FOR UPDATE`, string(id))
		if err != nil {
			return xerrors.Errorf("select dependents: %w", err)
		}
		defer rows.Close()
		type dep struct {
			id        string
			waitingOn int
			state     store.JobState
		}
		var deps []dep
		for rows.Next() {
			var d dep
			if err := rows.Scan(&d.id, &d.waitingOn, &d.state); err != nil {
				return xerrors.Errorf("scan dependent: %w", err)
			}
			deps = append(deps, d)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, d := range deps {
			if store.JobState(d.state).Terminal() {
				continue
			}
			newWaiting := d.waitingOn - 1
			newState := d.state
			if newWaiting <= 0 && d.state == store.JobWaitingOnDependency {
				newState = store.JobReady
				newlyReady++
			}
			if _, err := tx.Exec(ctx, `UPDATE jobs SET waiting_on = $1, state = $2 WHERE id = $3`, newWaiting, newState, d.id); err != nil {
				return xerrors.Errorf("update dependent %s: %w", d.id, err)
			}
		}
		return nil
	})
	return newlyReady, err
}

func (s *Store) MarkJobFailed(ctx context.Context, id store.JobID) (int, error) {
	marked := 0
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET state = $1 WHERE id = $2`, store.JobFailed, id); err != nil {
			return xerrors.Errorf("mark failed: %w", err)
		}
		frontier := []string{string(id)}
		seen := map[string]bool{string(id): true}
		for len(frontier) > 0 {
			rows, err := tx.Query(ctx, `SELECT id, state FROM jobs WHERE depends_on && $1 FOR UPDATE`, frontier)
			if err != nil {
				return xerrors.Errorf("select descendants: %w", err)
			}
			var next []string
			for rows.Next() {
				var id string
				var state store.JobState
				if err := rows.Scan(&id, &state); err != nil {
					rows.Close()
					return xerrors.Errorf("scan descendant: %w", err)
				}
				if seen[id] {
					continue
				}
				seen[id] = true
				if !state.Terminal() {
					next = append(next, id)
				}
			}
			rows.Close()
			if len(next) == 0 {
				break
			}
			for _, nid := range next {
				if _, err := tx.Exec(ctx, `UPDATE jobs SET state = $1 WHERE id = $2`, store.JobDependencyFailed, nid); err != nil {
					return xerrors.Errorf("mark dependency-failed %s: %w", nid, err)
				}
				marked++
			}
			frontier = next
		}
		return nil
	})
	return marked, err
}

func (s *Store) CountAllStates(ctx context.Context, group store.GroupID) (map[store.JobState]int, error) {
	out := make(map[store.JobState]int)
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT state, count(*) FROM jobs WHERE group_id = $1 GROUP BY state`, group)
		if err != nil {
			return xerrors.Errorf("count states: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var st store.JobState
			var n int
			if err := rows.Scan(&st, &n); err != nil {
				return err
			}
			out[st] = n
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) SetJobGroupState(ctx context.Context, group store.GroupID, state store.GroupState) error {
	return s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE groups SET state = $1 WHERE id = $2`, state, group)
		if err != nil {
			return xerrors.Errorf("set group state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return xerrors.Errorf("SetJobGroupState %s: %w", group, errGroupNotFound)
		}
		return nil
	})
}

func (s *Store) CountReadyForTarget(ctx context.Context, target ident.Target) (int, error) {
	var n int
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return tx.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE state = $1 AND target = $2`,
			store.JobReady, string(target)).Scan(&n)
	})
	return n, err
}

func (s *Store) GroupDispatchedUpdateJobs(ctx context.Context, group store.GroupID) (int, error) {
	made := 0
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1 WHERE group_id = $2 AND state = $3 AND initial_wait = 0`,
			store.JobReady, group, store.JobPending); err != nil {
			return xerrors.Errorf("ready jobs: %w", err)
		}
		row := tx.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE group_id = $1 AND state = $2`, group, store.JobReady)
		if err := row.Scan(&made); err != nil {
			return xerrors.Errorf("count ready: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1 WHERE group_id = $2 AND state = $3`,
			store.JobWaitingOnDependency, group, store.JobPending); err != nil {
			return xerrors.Errorf("wait jobs: %w", err)
		}
		return nil
	})
	return made, err
}

func (s *Store) TakeNextGroupForTarget(ctx context.Context, target ident.Target) (*store.Group, bool, error) {
	var out store.Group
	found := false
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, project, target, created_at
			FROM groups WHERE state = $1 AND target = $2
			ORDER BY created_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
			store.GroupQueued, string(target))
		if err := row.Scan(&out.ID, &out.Project, &out.Target, &out.CreatedAt); err != nil {
			if xerrors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return xerrors.Errorf("select next group: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE groups SET state = $1 WHERE id = $2`, store.GroupDispatching, out.ID); err != nil {
			return xerrors.Errorf("dispatch group: %w", err)
		}
		out.State = store.GroupDispatching
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &out, true, nil
}

func (s *Store) CancelGroup(ctx context.Context, group store.GroupID) ([]store.JobID, error) {
	var dispatched []store.JobID
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id FROM jobs WHERE group_id = $1 AND state = $2 FOR UPDATE`, group, store.JobDispatched)
		if err != nil {
			return xerrors.Errorf("select dispatched: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			dispatched = append(dispatched, store.JobID(id))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		// Dispatched jobs have a worker to wait on: they move to
		// CancelPending and stay there until WorkerFinished(Canceled)
		// calls MarkJobCanceled. Everything else non-terminal has no
		// worker in flight, so it can go straight to CancelComplete.
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1 WHERE group_id = $2 AND state = $3`,
			store.JobCancelPending, group, store.JobDispatched); err != nil {
			return xerrors.Errorf("cancel dispatched jobs: %w", err)
		}
		terminal := []store.JobState{store.JobComplete, store.JobFailed, store.JobDependencyFailed, store.JobCancelComplete, store.JobCancelPending}
		if _, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1 WHERE group_id = $2 AND state != ALL($3)`,
			store.JobCancelComplete, group, terminal); err != nil {
			return xerrors.Errorf("cancel non-dispatched jobs: %w", err)
		}
		return nil
	})
	return dispatched, err
}

func (s *Store) MarkJobCanceled(ctx context.Context, id store.JobID) error {
	return s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE jobs SET state = $1 WHERE id = $2`, store.JobCancelComplete, id)
		if err != nil {
			return xerrors.Errorf("mark canceled: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return xerrors.Errorf("MarkJobCanceled %s: %w", id, errJobNotFound)
		}
		return nil
	})
}

func (s *Store) ResetJobToReady(ctx context.Context, id store.JobID) (int, error) {
	var retries int
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE jobs SET state = $1, retry_count = retry_count + 1 WHERE id = $2 RETURNING retry_count`,
			store.JobReady, id)
		if err := row.Scan(&retries); err != nil {
			if xerrors.Is(err, pgx.ErrNoRows) {
				return xerrors.Errorf("ResetJobToReady %s: %w", id, errJobNotFound)
			}
			return xerrors.Errorf("reset job: %w", err)
		}
		return nil
	})
	return retries, err
}

func (s *Store) GetJob(ctx context.Context, id store.JobID) (*store.Job, error) {
	var out store.Job
	var deps []string
	var asBuiltStr *string
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, group_id, target, manifest_node, depends_on, waiting_on, state, as_built, created_at, dispatched_at, retry_count
			FROM jobs WHERE id = $1`, id)
		if err := row.Scan(&out.ID, &out.GroupID, &out.Target, &out.ManifestNode, &deps, &out.WaitingOn,
			&out.State, &asBuiltStr, &out.CreatedAt, &out.DispatchedAt, &out.RetryCount); err != nil {
			if xerrors.Is(err, pgx.ErrNoRows) {
				return xerrors.Errorf("GetJob %s: %w", id, errJobNotFound)
			}
			return xerrors.Errorf("get job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		out.DependsOn = append(out.DependsOn, store.JobID(d))
	}
	if asBuiltStr != nil {
		in := ident.NewInterner()
		id, perr := ident.Parse(in, *asBuiltStr)
		if perr != nil {
			return nil, xerrors.Errorf("GetJob %s: parse as_built: %w", out.ID, perr)
		}
		out.AsBuilt = &id
	}
	return &out, nil
}

func (s *Store) GetGroup(ctx context.Context, id store.GroupID) (*store.Group, error) {
	var out store.Group
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT id, project, target, state, created_at FROM groups WHERE id = $1`, id)
		if err := row.Scan(&out.ID, &out.Project, &out.Target, &out.State, &out.CreatedAt); err != nil {
			if xerrors.Is(err, pgx.ErrNoRows) {
				return xerrors.Errorf("GetGroup %s: %w", id, errGroupNotFound)
			}
			return xerrors.Errorf("get group: %w", err)
		}
		rows, err := tx.Query(ctx, `SELECT id FROM jobs WHERE group_id = $1 ORDER BY created_at ASC`, id)
		if err != nil {
			return xerrors.Errorf("list group jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var jid string
			if err := rows.Scan(&jid); err != nil {
				return err
			}
			out.JobIDs = append(out.JobIDs, store.JobID(jid))
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) ListTimedOutDispatched(ctx context.Context, cutoff time.Time) ([]store.Job, error) {
	var out []store.Job
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, group_id, target, manifest_node, waiting_on, created_at, dispatched_at, retry_count
			FROM jobs WHERE state = $1 AND dispatched_at < $2
			ORDER BY created_at ASC`, store.JobDispatched, cutoff)
		if err != nil {
			return xerrors.Errorf("select timed-out jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var j store.Job
			j.State = store.JobDispatched
			if err := rows.Scan(&j.ID, &j.GroupID, &j.Target, &j.ManifestNode, &j.WaitingOn,
				&j.CreatedAt, &j.DispatchedAt, &j.RetryCount); err != nil {
				return xerrors.Errorf("scan timed-out job: %w", err)
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) MarkJobTimedOut(ctx context.Context, id store.JobID) (bool, error) {
	var marked bool
	err := s.tx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET state = $1 WHERE id = $2 AND state = $3`,
			store.JobCancelPending, id, store.JobDispatched)
		if err != nil {
			return xerrors.Errorf("mark timed out: %w", err)
		}
		marked = tag.RowsAffected() > 0
		return nil
	})
	return marked, err
}

var (
	errJobNotFound   = xerrors.New("job not found")
	errGroupNotFound = xerrors.New("group not found")
)

// pingTimeout bounds startup health checks against the pool.
const pingTimeout = 5 * time.Second

// Ping verifies connectivity, used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}
