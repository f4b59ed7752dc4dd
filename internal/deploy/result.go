package deploy

import (
	"errors"
	"fmt"
	"time"

	"github.com/exchange-latency/latencyprobe/internal/infra"
	"github.com/exchange-latency/latencyprobe/internal/remote"
)

// ErrPanic marks a failure recovered from a panic inside Run.
var ErrPanic = errors.New("deployment panicked")

// CleanupError reports that tearing down a region's resources failed. It is
// kept apart from the failure that ended the lifecycle, if any.
type CleanupError struct {
	Dir string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("cleanup %s: %v", e.Dir, e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// ErrorKind is the taxonomy bucket of a RunResult.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInfra
	KindPollTimeout
	KindDirectoryMissing
	KindRetrieve
	KindCleanup
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInfra:
		return "infra"
	case KindPollTimeout:
		return "poll-timeout"
	case KindDirectoryMissing:
		return "directory-missing"
	case KindRetrieve:
		return "retrieve"
	case KindCleanup:
		return "cleanup"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Transition records one state change.
type Transition struct {
	From, To State
	At       time.Time
}

// RunResult is the outcome of one region's lifecycle.
type RunResult struct {
	Region    string
	State     State
	Succeeded bool
	// FailedIn is the state in which Err occurred.
	FailedIn State
	// Err is the first failure; nil when the lifecycle itself succeeded.
	Err error
	// CleanupErr is set when teardown failed.
	CleanupErr *CleanupError
	// Address is the instance address, once known.
	Address string
	// ArtifactPath is the local result file, set on success.
	ArtifactPath string
	Transitions  []Transition
	Started      time.Time
	Finished     time.Time
}

// Kind classifies the result. A lifecycle failure takes precedence over a
// cleanup failure.
func (r RunResult) Kind() ErrorKind {
	switch {
	case r.Err == nil && r.CleanupErr == nil:
		return KindNone
	case r.Err == nil:
		return KindCleanup
	case errors.Is(r.Err, infra.ErrInfra):
		return KindInfra
	case errors.Is(r.Err, remote.ErrTimeout):
		return KindPollTimeout
	case errors.Is(r.Err, remote.ErrDirectoryMissing):
		return KindDirectoryMissing
	case errors.Is(r.Err, remote.ErrRetrieve):
		return KindRetrieve
	default:
		return KindInternal
	}
}

// Message is a one-line description for summaries.
func (r RunResult) Message() string {
	switch {
	case r.Err != nil && r.CleanupErr != nil:
		return fmt.Sprintf("%v (%v)", r.Err, r.CleanupErr)
	case r.Err != nil:
		return r.Err.Error()
	case r.CleanupErr != nil:
		return r.CleanupErr.Error()
	default:
		return ""
	}
}
