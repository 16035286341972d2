package workerproto

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/forgesrv/forge/pkg/ident"
	"github.com/forgesrv/forge/pkg/logarchive"
	"github.com/forgesrv/forge/pkg/scheduler"
	"github.com/forgesrv/forge/pkg/store"
	"github.com/forgesrv/forge/pkg/store/memstore"
)

type fakeStream struct {
	recv chan *Frame
	sent chan *Frame
}

func newFakeStream() *fakeStream {
	return &fakeStream{recv: make(chan *Frame, 16), sent: make(chan *Frame, 16)}
}

func (f *fakeStream) Send(fr *Frame) error {
	f.sent <- fr
	return nil
}

func (f *fakeStream) Recv() (*Frame, error) {
	fr, ok := <-f.recv
	if !ok {
		return nil, errClosed
	}
	return fr, nil
}

var errClosed = &streamClosedErr{}

type streamClosedErr struct{}

func (*streamClosedErr) Error() string { return "fake stream closed" }

type noopLedger struct{}

func (noopLedger) SetArchived(context.Context, string) error { return nil }

type noopSink struct{}

func (noopSink) Archive(context.Context, string, string) error    { return nil }
func (noopSink) Retrieve(context.Context, string) ([]string, error) { return nil, nil }

func TestManagerDispatchesOnReadyHeartbeat(t *testing.T) {
	ms := memstore.New()
	logger := log.New(os.Stderr, "manager_test: ", 0)
	sched := scheduler.New(logger, ms, nil, scheduler.Watermarks{High: 64, Low: 16})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	ig := logarchive.New(t.TempDir(), noopSink{}, noopLedger{}, nil)
	mgr := NewManager(logger, sched, ig, 30*time.Second, 2)

	target := ident.Target("amd64-linux")
	job := store.Job{ID: "job-x", Target: target, CreatedAt: time.Now()}
	grp := store.Group{ID: "grp-x", Target: target, CreatedAt: time.Now()}
	if err := ms.CreateGroup(context.Background(), grp, []store.Job{job}); err != nil {
		t.Fatal(err)
	}
	sched.SubmitGroup(ctx, grp.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := ms.CountReadyForTarget(context.Background(), target)
		if err == nil && n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- mgr.HandleChannel(stream) }()

	stream.recv <- &Frame{Type: FrameHeartbeat, Heartbeat: &Heartbeat{
		Endpoint: "worker-1", OS: "linux", Target: string(target), State: WorkerReady,
	}}

	select {
	case fr := <-stream.sent:
		if fr.Type != FrameStartJob {
			t.Fatalf("frame type = %v, want FrameStartJob", fr.Type)
		}
		if fr.StartJob.JobID != "job-x" {
			t.Fatalf("dispatched job = %s, want job-x", fr.StartJob.JobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for StartJob dispatch")
	}

	close(stream.recv)
	<-done
}
