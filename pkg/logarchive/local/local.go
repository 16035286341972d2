// Package local implements logarchive.Sink over a nested local directory
// tree, fanned out by the first four bytes of a SHA-256 of the job id to
// bound any single directory's entry count, per spec §4.7. Archived logs
// are gzip-compressed with klauspost/pgzip, the same library the teacher
// reaches for when it needs parallel gzip (cmd/distri/initrd.go), since a
// completed job log is exactly the kind of write-once, read-rarely blob
// that benefits from it.
package local

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// Sink archives job logs under root, using renameio for crash-safe atomic
// writes (the same pattern the teacher uses for its own on-disk state).
type Sink struct {
	root string
}

// New returns a Sink rooted at root, which must already exist.
func New(root string) *Sink {
	return &Sink{root: root}
}

// fanoutPath derives the 4-level nested path for a job id: four path
// segments, one byte of the SHA-256 digest each, then the job id itself as
// the filename.
func fanoutPath(root, jobID string) string {
	sum := sha256.Sum256([]byte(jobID))
	hexSum := hex.EncodeToString(sum[:4])
	segs := []string{root}
	for i := 0; i < 4; i++ {
		segs = append(segs, hexSum[i*2:i*2+2])
	}
	segs = append(segs, jobID+".log.gz")
	return filepath.Join(segs...)
}

func (s *Sink) Archive(ctx context.Context, jobID string, localPath string) error {
	dest := fanoutPath(s.root, jobID)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return xerrors.Errorf("local archive: mkdir %s: %w", filepath.Dir(dest), err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return xerrors.Errorf("local archive: open source %s: %w", localPath, err)
	}
	defer src.Close()

	w, err := renameio.TempFile("", dest)
	if err != nil {
		return xerrors.Errorf("local archive: create temp for %s: %w", dest, err)
	}
	defer w.Cleanup()

	gz := pgzip.NewWriter(w)
	if _, err := io.Copy(gz, src); err != nil {
		return xerrors.Errorf("local archive: compress to %s: %w", dest, err)
	}
	if err := gz.Close(); err != nil {
		return xerrors.Errorf("local archive: finalize compression for %s: %w", dest, err)
	}
	if err := w.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("local archive: finalize %s: %w", dest, err)
	}
	return nil
}

func (s *Sink) Retrieve(ctx context.Context, jobID string) ([]string, error) {
	f, err := os.Open(fanoutPath(s.root, jobID))
	if err != nil {
		return nil, xerrors.Errorf("local archive: retrieve %s: %w", jobID, err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, xerrors.Errorf("local archive: decompress %s: %w", jobID, err)
	}
	defer gz.Close()

	var lines []string
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("local archive: scan %s: %w", jobID, err)
	}
	return lines, nil
}
