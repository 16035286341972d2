// Package logarchive ingests per-job worker log streams and hands them to a
// long-term archive sink once the stream completes, per spec §4.7.
package logarchive

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/xerrors"

	"github.com/forgesrv/forge/pkg/metrics"
)

// Sink is the archive contract shared by every backend: archive copies the
// local file to long-term storage, retrieve reads it back line by line.
type Sink interface {
	Archive(ctx context.Context, jobID string, localPath string) error
	Retrieve(ctx context.Context, jobID string) ([]string, error)
}

// Ledger records, durably, whether a job's log has been archived. In
// production this is a thin wrapper around store.Store; tests may use an
// in-memory stand-in.
type Ledger interface {
	SetArchived(ctx context.Context, jobID string) error
}

// Ingester manages the local append-only files for in-flight jobs and
// drives them into Sink on LogComplete.
type Ingester struct {
	dir     string
	sink    Sink
	ledger  Ledger
	metrics *metrics.Metrics

	mu    sync.Mutex
	files map[string]*activeLog
}

type activeLog struct {
	f  *os.File
	bw *bufio.Writer
}

// New constructs an Ingester rooted at dir, which must already exist.
func New(dir string, sink Sink, ledger Ledger, m *metrics.Metrics) *Ingester {
	return &Ingester{dir: dir, sink: sink, ledger: ledger, metrics: m, files: make(map[string]*activeLog)}
}

func (ig *Ingester) localPath(jobID string) string {
	return filepath.Join(ig.dir, jobID+".log")
}

// LogLine appends bytes verbatim to the per-job log, per spec's append-only
// invariant (property 8). The file is opened lazily on first write.
func (ig *Ingester) LogLine(jobID string, data []byte) error {
	ig.mu.Lock()
	defer ig.mu.Unlock()

	al, ok := ig.files[jobID]
	if !ok {
		f, err := os.OpenFile(ig.localPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return xerrors.Errorf("logarchive: open %s: %w", jobID, err)
		}
		al = &activeLog{f: f, bw: bufio.NewWriter(f)}
		ig.files[jobID] = al
	}
	if _, err := al.bw.Write(data); err != nil {
		return xerrors.Errorf("logarchive: write %s: %w", jobID, err)
	}
	if err := al.bw.Flush(); err != nil {
		return xerrors.Errorf("logarchive: flush %s: %w", jobID, err)
	}
	if ig.metrics != nil {
		ig.metrics.LogBytesIngested.Add(float64(len(data)))
	}
	return nil
}

// LogComplete signals end of stream for jobID: flush, close, archive,
// record the archived flag, and remove the local file. Per spec §4.7, if
// any step fails the local file is preserved and the archived flag is left
// unset, so a future pass can retry.
func (ig *Ingester) LogComplete(ctx context.Context, jobID string) error {
	ig.mu.Lock()
	al, ok := ig.files[jobID]
	delete(ig.files, jobID)
	ig.mu.Unlock()

	if ok {
		if err := al.bw.Flush(); err != nil {
			return xerrors.Errorf("logarchive: final flush %s: %w", jobID, err)
		}
		if err := al.f.Close(); err != nil {
			return xerrors.Errorf("logarchive: close %s: %w", jobID, err)
		}
	}

	path := ig.localPath(jobID)
	if err := ig.sink.Archive(ctx, jobID, path); err != nil {
		if ig.metrics != nil {
			ig.metrics.ArchiveFailures.WithLabelValues("unknown").Inc()
		}
		return xerrors.Errorf("logarchive: archive %s: %w", jobID, err)
	}
	if err := ig.ledger.SetArchived(ctx, jobID); err != nil {
		return xerrors.Errorf("logarchive: record archived flag for %s: %w", jobID, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("logarchive: remove local file %s: %w", jobID, err)
	}
	return nil
}

// Retrieve reads a job's archived log back.
func (ig *Ingester) Retrieve(ctx context.Context, jobID string) ([]string, error) {
	return ig.sink.Retrieve(ctx, jobID)
}
