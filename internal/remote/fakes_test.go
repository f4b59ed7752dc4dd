package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

type fileInfo string

func (f fileInfo) Name() string       { return string(f) }
func (f fileInfo) Size() int64        { return 0 }
func (f fileInfo) Mode() fs.FileMode  { return 0o644 }
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return false }
func (f fileInfo) Sys() any           { return nil }

type fakeSession struct {
	entries []string
	listErr error
	files   map[string]io.Reader
	closed  *int
}

func (s *fakeSession) ReadDir(string) ([]os.FileInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]os.FileInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, fileInfo(e))
	}
	return out, nil
}

func (s *fakeSession) Open(path string) (io.ReadCloser, error) {
	r, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	return io.NopCloser(r), nil
}

func (s *fakeSession) Close() error {
	*s.closed++
	return nil
}

// scriptedDialer returns the result of step for the n-th (1-based) dial and
// records how long each dial was allowed to take.
type scriptedDialer struct {
	step    func(n int) (*fakeSession, error)
	dials   int
	closed  int
	budgets []time.Duration
}

func (d *scriptedDialer) Dial(ctx context.Context, _ string, _ Credentials) (Session, error) {
	d.dials++
	if deadline, ok := ctx.Deadline(); ok {
		d.budgets = append(d.budgets, time.Until(deadline))
	}
	sess, err := d.step(d.dials)
	if err != nil {
		return nil, err
	}
	sess.closed = &d.closed
	return sess, nil
}

var errRefused = errors.New("dial tcp 10.0.0.1:22: connect: connection refused")

type failingReader struct{ after string }

func (r *failingReader) Read(p []byte) (int, error) {
	if r.after == "" {
		return 0, errors.New("connection reset by peer")
	}
	n := copy(p, r.after)
	r.after = r.after[n:]
	return n, nil
}

func reader(s string) io.Reader { return strings.NewReader(s) }
