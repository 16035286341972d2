package logarchive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/forgesrv/forge/pkg/logarchive/local"
)

type memLedger struct {
	mu       sync.Mutex
	archived map[string]bool
}

func newMemLedger() *memLedger { return &memLedger{archived: make(map[string]bool)} }

func (l *memLedger) SetArchived(ctx context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.archived[jobID] = true
	return nil
}

// TestAppendOnlyThenArchive is property 8: the concatenation of received
// LogLine bytes equals the bytes stored locally prior to archival, and
// after LogComplete the archive retrieves the same content.
func TestAppendOnlyThenArchive(t *testing.T) {
	scratch := t.TempDir()
	archiveRoot := t.TempDir()

	sink := local.New(archiveRoot)
	ledger := newMemLedger()
	ig := New(scratch, sink, ledger, nil)

	jobID := "job-123"
	lines := []string{"line one\n", "line two\n", "line three\n"}
	for _, l := range lines {
		if err := ig.LogLine(jobID, []byte(l)); err != nil {
			t.Fatalf("LogLine: %v", err)
		}
	}

	localPath := filepath.Join(scratch, jobID+".log")
	if _, err := os.Stat(localPath); err != nil {
		t.Fatalf("expected local file to exist before archival: %v", err)
	}

	if err := ig.LogComplete(context.Background(), jobID); err != nil {
		t.Fatalf("LogComplete: %v", err)
	}

	if _, err := os.Stat(localPath); !os.IsNotExist(err) {
		t.Fatalf("expected local file removed after archival, stat err = %v", err)
	}
	if !ledger.archived[jobID] {
		t.Fatal("expected archived flag set")
	}

	got, err := ig.Retrieve(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	want := []string{"line one", "line two", "line three"}
	if len(got) != len(want) {
		t.Fatalf("Retrieve = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLogCompletePreservesLocalFileOnArchiveFailure(t *testing.T) {
	scratch := t.TempDir()

	ig := New(scratch, failingSink{}, newMemLedger(), nil)
	jobID := "job-456"
	if err := ig.LogLine(jobID, []byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if err := ig.LogComplete(context.Background(), jobID); err == nil {
		t.Fatal("expected LogComplete to fail")
	}
	localPath := filepath.Join(scratch, jobID+".log")
	if _, err := os.Stat(localPath); err != nil {
		t.Fatalf("expected local file preserved on failure: %v", err)
	}
}

type failingSink struct{}

func (failingSink) Archive(ctx context.Context, jobID string, localPath string) error {
	return os.ErrPermission
}
func (failingSink) Retrieve(ctx context.Context, jobID string) ([]string, error) {
	return nil, os.ErrPermission
}
