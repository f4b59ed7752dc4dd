package infra

import (
	"errors"
	"fmt"
)

// Op names the infrastructure operation that failed.
type Op string

const (
	OpPrepare     Op = "prepare"
	OpPreflight   Op = "preflight"
	OpInit        Op = "init"
	OpApply       Op = "apply"
	OpQueryOutput Op = "query-output"
	OpDestroy     Op = "destroy"
)

// Kind classifies an infrastructure failure.
type Kind int

const (
	// CommandFailed means the IaC tool could not be started or exited non-zero.
	CommandFailed Kind = iota
	// ParseFailed means the tool succeeded but its output was empty, missing
	// the requested key or not valid JSON.
	ParseFailed
	// WorkspaceFailed means the working directory could not be prepared.
	WorkspaceFailed
	// ImageUnavailable means the configured machine image could not be found
	// in the region.
	ImageUnavailable
)

func (k Kind) String() string {
	switch k {
	case CommandFailed:
		return "command-failed"
	case ParseFailed:
		return "parse-failed"
	case WorkspaceFailed:
		return "workspace-failed"
	case ImageUnavailable:
		return "image-unavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	// ErrInfra is matched by every *Error.
	ErrInfra = errors.New("infrastructure operation failed")
	// ErrNoOutput is returned when the requested output key is absent.
	ErrNoOutput = errors.New("output not found")
	// ErrNoAddress is returned when the instance address output is empty.
	ErrNoAddress = errors.New("instance address is empty")
)

// Error is returned by every infrastructure operation.
type Error struct {
	Op   Op
	Kind Kind
	Dir  string
	Err  error
}

func (e *Error) Error() string {
	if e.Dir == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Dir, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrInfra }
