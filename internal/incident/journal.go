package incident

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/multierr"
)

// DefaultMaxBytes is the journal size that triggers rotation.
const DefaultMaxBytes = 16 << 20

// Journal appends incidents as JSON lines to a file. When the file grows past
// its size limit it is rotated and compressed with gzip.
type Journal struct {
	path     string
	maxBytes int64
	now      func() time.Time

	mu   sync.Mutex
	f    *os.File
	size int64
	// rotateErr is the last rotation failure, cleared by the next successful
	// rotation.
	rotateErr error
}

var _ Recorder = (*Journal)(nil)

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, maxBytes int64) (*Journal, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, errors.Wrap(err, "create journal dir")
	}
	j := &Journal{path: path, maxBytes: maxBytes, now: time.Now}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "stat journal")
	}
	j.f = f
	j.size = st.Size()
	return nil
}

// Record appends inc and syncs the file. A failed rotation does not fail the
// incident already written; it is reported by Check until a later rotation
// succeeds.
func (j *Journal) Record(_ context.Context, inc Incident) error {
	line := append(Encode(inc), '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return errors.New("journal closed")
	}
	n, err := j.f.Write(line)
	j.size += int64(n)
	if err != nil {
		return errors.Wrap(err, "write incident")
	}
	if err := j.f.Sync(); err != nil {
		return errors.Wrap(err, "sync journal")
	}
	if j.size >= j.maxBytes {
		j.rotateErr = j.rotate()
	}
	return nil
}

// rotate compresses the current file into path.<timestamp>.gz and starts a
// new one. On failure the journal keeps appending, to the old file when it
// could be restored. Must be called with j.mu held.
func (j *Journal) rotate() (err error) {
	defer func() {
		if j.f == nil {
			err = multierr.Append(err, j.open())
		}
		err = errors.Wrap(err, "rotate journal")
	}()

	f := j.f
	j.f = nil
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close")
	}

	rotated := fmt.Sprintf("%s.%s", j.path, j.now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(j.path, rotated); err != nil {
		return errors.Wrap(err, "rename")
	}
	if err := compress(rotated, rotated+".gz"); err != nil {
		if restoreErr := os.Rename(rotated, j.path); restoreErr != nil {
			return multierr.Append(err, errors.Wrap(restoreErr, "restore"))
		}
		return err
	}
	if err := os.Remove(rotated); err != nil {
		return errors.Wrap(err, "remove rotated")
	}
	return nil
}

func compress(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open rotated")
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.Wrap(err, "create archive")
	}
	discard := func(err error) error {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	gz := pgzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		return discard(errors.Wrap(err, "compress"))
	}
	if err := gz.Close(); err != nil {
		return discard(errors.Wrap(err, "flush archive"))
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return errors.Wrap(err, "close archive")
	}
	return nil
}

// Check reports whether the journal is open, its file still exists and its
// last rotation succeeded.
func (j *Journal) Check(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("journal closed")
	}
	if j.rotateErr != nil {
		return j.rotateErr
	}
	if _, err := os.Stat(j.path); err != nil {
		return errors.Wrap(err, "stat journal")
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// ReadFile reads every incident of a journal file. Files ending in .gz are
// decompressed.
func ReadFile(path string) ([]Incident, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return Read(r)
}

// Read parses JSON lines from r. Empty lines are skipped.
func Read(r io.Reader) ([]Incident, error) {
	var out []Incident
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(strings.TrimSpace(string(data))) == 0 {
			continue
		}
		inc, err := Decode(data)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		out = append(out, inc)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return out, nil
}
