package workerproto

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/logarchive"
	"github.com/forgesrv/forge/pkg/scheduler"
	"github.com/forgesrv/forge/pkg/store"
)

// Manager implements Handler, bridging each worker's multiplexed stream to
// the scheduler actor and the log ingester. One Manager serves every
// worker connection; per-connection state lives in *workerConn.
type Manager struct {
	Log               *log.Logger
	Scheduler         *scheduler.Ctx
	Ingester          *logarchive.Ingester
	HeartbeatInterval time.Duration
	MissesForDead     int

	mu      sync.Mutex
	workers map[string]*workerConn
}

type workerConn struct {
	id           string
	target       ident.Target
	state        WorkerState
	lastBeat     time.Time
	stream       ChannelStream
	pendingJobID store.JobID
}

// NewManager constructs a Manager. Call Reap periodically (e.g. every
// HeartbeatInterval) to detect dead workers.
func NewManager(logger *log.Logger, sched *scheduler.Ctx, ingester *logarchive.Ingester, heartbeatInterval time.Duration, missesForDead int) *Manager {
	return &Manager{
		Log:               logger,
		Scheduler:         sched,
		Ingester:          ingester,
		HeartbeatInterval: heartbeatInterval,
		MissesForDead:     missesForDead,
		workers:           make(map[string]*workerConn),
	}
}

var _ scheduler.Notifier = (*Manager)(nil)

// HandleChannel services one worker's multiplexed stream until it closes or
// errors.
func (m *Manager) HandleChannel(stream ChannelStream) error {
	ctx := context.Background()
	var wc *workerConn

	for {
		frame, err := stream.Recv()
		if err != nil {
			if wc != nil {
				m.dropWorker(ctx, wc)
			}
			return err
		}

		switch frame.Type {
		case FrameHeartbeat:
			hb := frame.Heartbeat
			m.mu.Lock()
			existing, ok := m.workers[hb.Endpoint]
			if !ok {
				wc = &workerConn{id: hb.Endpoint, stream: stream}
				m.workers[hb.Endpoint] = wc
			} else {
				wc = existing
			}
			wasBusy := wc.state == WorkerBusy
			wc.target = ident.Target(hb.Target)
			wc.state = hb.State
			wc.lastBeat = time.Now()
			m.mu.Unlock()
			if hb.State == WorkerReady && (wasBusy || !ok) {
				m.dispatchIfWork(ctx, wc)
			}

		case FrameJobComplete:
			jc := frame.JobComplete
			var outcome scheduler.Outcome
			switch jc.Outcome {
			case OutcomeSucceeded:
				outcome = scheduler.Succeeded
			case OutcomeFailed:
				outcome = scheduler.Failed
			case OutcomeCanceled:
				outcome = scheduler.Canceled
			}
			var asBuilt ident.Ident
			if jc.AsBuilt != "" {
				in := ident.NewInterner()
				parsed, err := ident.Parse(in, jc.AsBuilt)
				if err == nil {
					asBuilt = parsed
				}
			}
			workerID := ""
			if wc != nil {
				workerID = wc.id
				m.mu.Lock()
				wc.pendingJobID = ""
				m.mu.Unlock()
			}
			m.Scheduler.Finished(ctx, workerID, store.JobID(jc.JobID), outcome, asBuilt)
			if err := stream.Send(&Frame{Type: FrameJobCompleteAck, JobCompleteAck: &JobCompleteAck{}}); err != nil {
				return err
			}

		case FrameLogLine:
			ll := frame.LogLine
			if err := m.Ingester.LogLine(ll.JobID, ll.Bytes); err != nil {
				m.Log.Printf("workerproto: LogLine(%s): %v", ll.JobID, err)
			}

		case FrameLogComplete:
			lc := frame.LogComplete
			if err := m.Ingester.LogComplete(ctx, lc.JobID); err != nil {
				m.Log.Printf("workerproto: LogComplete(%s): %v", lc.JobID, err)
			}

		default:
			m.Log.Printf("workerproto: unexpected frame type %q from worker", frame.Type)
		}
	}
}

func (m *Manager) dropWorker(ctx context.Context, wc *workerConn) {
	m.mu.Lock()
	delete(m.workers, wc.id)
	pending := wc.pendingJobID
	m.mu.Unlock()
	if pending != "" {
		m.Scheduler.Gone(ctx, wc.id, pending)
	}
}

// Reap marks workers dead if they have missed MissesForDead consecutive
// heartbeat intervals, resetting any job they were holding via WorkerGone.
func (m *Manager) Reap(ctx context.Context) {
	deadline := time.Duration(m.MissesForDead) * m.HeartbeatInterval
	now := time.Now()

	m.mu.Lock()
	var dead []*workerConn
	for id, wc := range m.workers {
		if now.Sub(wc.lastBeat) > deadline {
			dead = append(dead, wc)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, wc := range dead {
		if wc.pendingJobID != "" {
			m.Scheduler.Gone(ctx, wc.id, wc.pendingJobID)
		}
	}
}

// WorkAvailable implements scheduler.Notifier: wake any idle worker for
// target by asking the scheduler for the next job and dispatching it.
func (m *Manager) WorkAvailable(target ident.Target) {
	ctx := context.Background()
	m.mu.Lock()
	var candidate *workerConn
	for _, wc := range m.workers {
		if wc.state == WorkerReady && wc.target == target && wc.pendingJobID == "" {
			candidate = wc
			break
		}
	}
	m.mu.Unlock()
	if candidate == nil {
		return
	}
	m.dispatchIfWork(ctx, candidate)
}

func (m *Manager) dispatchIfWork(ctx context.Context, wc *workerConn) {
	job, err := m.Scheduler.NeedWork(ctx, wc.id, wc.target)
	if err != nil {
		m.Log.Printf("workerproto: NeedWork(%s): %v", wc.id, err)
		return
	}
	if job == nil {
		return
	}
	m.mu.Lock()
	wc.pendingJobID = job.ID
	m.mu.Unlock()

	err = wc.stream.Send(&Frame{Type: FrameStartJob, StartJob: &StartJob{
		JobID:        string(job.ID),
		Target:       string(job.Target),
		ManifestNode: job.ManifestNode,
	}})
	if err != nil {
		m.Log.Printf("workerproto: dispatch to %s: %v", wc.id, err)
		m.Scheduler.Gone(ctx, wc.id, job.ID)
	}
}

// JobPreempt implements scheduler.Notifier: send a CancelJob command to the
// worker holding jobID. The scheduler does not persist which worker a job
// was dispatched to, so when workerID is empty (the JobGroupCanceled and
// job-timeout-sweep paths both preempt this way) this scans for the
// connection currently holding jobID instead.
func (m *Manager) JobPreempt(workerID string, jobID store.JobID) {
	m.mu.Lock()
	wc, ok := m.workers[workerID]
	if !ok {
		for _, candidate := range m.workers {
			if candidate.pendingJobID == jobID {
				wc, ok = candidate, true
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = wc.stream.Send(&Frame{Type: FrameCancelJob, CancelJob: &CancelJob{JobID: string(jobID), GracePeriod: 30 * time.Second}})
}
