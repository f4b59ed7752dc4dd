package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"k8s.io/utils/clock"

	"github.com/exchange-latency/latencyprobe/internal/log"
)

const (
	// DefaultInterval is slept after a check that found the directory but not
	// the file, or failed to list it for a transient reason.
	DefaultInterval = 5 * time.Second
	// DefaultConnectBackoff is slept after a session could not be opened;
	// freshly booted instances refuse connections for a while.
	DefaultConnectBackoff = 10 * time.Second
)

// PollErrorKind distinguishes why WaitForFile gave up.
type PollErrorKind int

const (
	PollTimeout PollErrorKind = iota
	PollDirectoryMissing
)

func (k PollErrorKind) String() string {
	switch k {
	case PollTimeout:
		return "timeout"
	case PollDirectoryMissing:
		return "directory-missing"
	default:
		return fmt.Sprintf("PollErrorKind(%d)", int(k))
	}
}

var (
	ErrTimeout          = errors.New("timed out waiting for remote file")
	ErrDirectoryMissing = errors.New("remote directory does not exist")
)

// PollError is returned by WaitForFile. It matches ErrTimeout or
// ErrDirectoryMissing with errors.Is, depending on Kind.
type PollError struct {
	Kind     PollErrorKind
	Address  string
	Path     string
	Attempts int
	Elapsed  time.Duration
	// Err is the last transient or permanent failure observed, if any.
	Err error
}

func (e *PollError) Error() string {
	msg := fmt.Sprintf("poll %s:%s: %s after %d attempt(s) in %s", e.Address, e.Path, e.Kind, e.Attempts, e.Elapsed)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PollError) Unwrap() error { return e.Err }

func (e *PollError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == PollTimeout
	case ErrDirectoryMissing:
		return e.Kind == PollDirectoryMissing
	}
	return false
}

// outcome classifies one connect-and-list attempt.
type outcome int

const (
	outcomeFound       outcome = iota // terminal: success
	outcomeAbsent                     // directory listed, file not there yet
	outcomeUnreachable                // session could not be opened (retryable)
	outcomeListFailed                 // listing failed for another reason (retryable)
	outcomeDirMissing                 // terminal: directory does not exist
)

func (o outcome) String() string {
	return [...]string{"found", "absent", "unreachable", "list-failed", "directory-missing"}[o]
}

// Poller waits for a file to appear in a remote directory.
//
// Each attempt opens a fresh session, lists the directory and closes the
// session. The wait after an attempt depends on its outcome: Interval after
// an absent file or a failed listing, ConnectBackoff after a failed connect.
// A missing directory ends the wait immediately. Elapsed time is evaluated
// after each attempt, and sleeps are clipped to the deadline, so the last
// attempt happens at the deadline. Each dial is bounded by the remaining
// budget, but never less than Interval, so a slow connect cannot stretch the
// wait past timeout plus Interval (plus the listing round trip).
type Poller struct {
	dialer         Dialer
	clock          clock.Clock
	interval       time.Duration
	connectBackoff time.Duration
}

type PollerOption func(*Poller)

// WithClock replaces the wall clock used for sleeping and measuring elapsed
// time.
func WithClock(c clock.Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// WithInterval sets the wait after an attempt that found no file.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithConnectBackoff sets the wait after an attempt that could not connect.
func WithConnectBackoff(d time.Duration) PollerOption {
	return func(p *Poller) { p.connectBackoff = d }
}

func NewPoller(dialer Dialer, opts ...PollerOption) *Poller {
	p := &Poller{
		dialer:         dialer,
		clock:          clock.RealClock{},
		interval:       DefaultInterval,
		connectBackoff: DefaultConnectBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitForFile blocks until 'filename' exists in 'remoteDir' on 'address', the
// directory is found to be missing, or 'timeout' elapses.
func (p *Poller) WaitForFile(ctx context.Context, address string, creds Credentials, remoteDir, filename string, timeout time.Duration) error {
	target := path.Join(remoteDir, filename)
	ctx = log.With(ctx, "address", address, "path", target)
	log.Info(ctx, "waiting for remote file", "timeout", timeout)

	start := p.clock.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		budget := max(timeout-p.clock.Since(start), p.interval)
		out, err := p.attempt(ctx, budget, address, creds, remoteDir, filename)
		if err != nil {
			lastErr = err
		}
		elapsed := p.clock.Since(start)

		switch out {
		case outcomeFound:
			log.Info(ctx, "remote file found", "attempts", attempt, "elapsed", elapsed)
			return nil
		case outcomeDirMissing:
			log.Error(ctx, "remote directory not found", "dir", remoteDir, "error", err)
			return &PollError{Kind: PollDirectoryMissing, Address: address, Path: target, Attempts: attempt, Elapsed: elapsed, Err: err}
		case outcomeUnreachable:
			log.Warn(ctx, "remote session not ready", "attempt", attempt, "error", err)
		case outcomeListFailed:
			log.Warn(ctx, "failed to list remote directory", "attempt", attempt, "error", err)
		default:
			log.Debug(ctx, "remote file not present yet", "attempt", attempt)
		}

		if elapsed >= timeout {
			log.Error(ctx, "timed out waiting for remote file", "attempts", attempt, "elapsed", elapsed)
			return &PollError{Kind: PollTimeout, Address: address, Path: target, Attempts: attempt, Elapsed: elapsed, Err: lastErr}
		}
		p.clock.Sleep(min(p.backoff(out), timeout-elapsed))
	}
}

func (p *Poller) backoff(out outcome) time.Duration {
	if out == outcomeUnreachable {
		return p.connectBackoff
	}
	return p.interval
}

func (p *Poller) attempt(ctx context.Context, budget time.Duration, address string, creds Credentials, remoteDir, filename string) (outcome, error) {
	dctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	sess, err := p.dialer.Dial(dctx, address, creds)
	if err != nil {
		return outcomeUnreachable, err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug(ctx, "failed to close remote session", "error", err)
		}
	}()

	entries, err := sess.ReadDir(remoteDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return outcomeDirMissing, err
	case err != nil:
		return outcomeListFailed, err
	}
	for _, entry := range entries {
		if entry.Name() == filename {
			return outcomeFound, nil
		}
	}
	return outcomeAbsent, nil
}
