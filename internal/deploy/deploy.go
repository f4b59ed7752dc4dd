// Package deploy runs one region's benchmark lifecycle: provision an
// instance, wait for its measurement artifact, copy it back and tear
// everything down again.
//
// The lifecycle is an explicit state machine:
//
//	Pending -> Provisioning -> AwaitingAddress -> Polling -> Retrieving -> CleaningUp
//	                                                                          |
//	                                                            Succeeded <---+---> Failed
//
// A failure in any state jumps straight to CleaningUp. CleaningUp is entered
// exactly once per Run, and Destroy is called exactly once per Run, whichever
// stage failed.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/exchange-latency/latencyprobe/internal/infra"
	"github.com/exchange-latency/latencyprobe/internal/log"
	"github.com/exchange-latency/latencyprobe/internal/o11y"
	"github.com/exchange-latency/latencyprobe/internal/remote"
	"github.com/exchange-latency/latencyprobe/internal/report"
)

// Driver provisions and destroys infrastructure in a working directory.
type Driver interface {
	Init(ctx context.Context, workdir string) error
	Apply(ctx context.Context, workdir string) error
	QueryOutput(ctx context.Context, workdir, key string) (string, error)
	Destroy(ctx context.Context, workdir string) error
}

// Poller waits for a remote file.
type Poller interface {
	WaitForFile(ctx context.Context, address string, creds remote.Credentials, remoteDir, filename string, timeout time.Duration) error
}

// Retriever copies a remote file to a local path.
type Retriever interface {
	Retrieve(ctx context.Context, address string, creds remote.Credentials, remotePath, localPath string) error
}

// Preparer renders a region's working directory.
type Preparer interface {
	Prepare(ctx context.Context, dir string, target infra.Target) error
}

// ImageVerifier checks a machine image before provisioning.
type ImageVerifier interface {
	Verify(ctx context.Context, region, image string) error
}

// Job describes one region's deployment.
type Job struct {
	Region       string
	InstanceType string
	Image        string
	Credentials  remote.Credentials
	// WorkDir is exclusive to this job.
	WorkDir string
	// OutputDir receives the artifact under report.FileName.
	OutputDir string
	// OutputKey names the IaC output holding the instance address.
	OutputKey   string
	RemoteDir   string
	Filename    string
	PollTimeout time.Duration
}

// Deployment runs a Job once.
type Deployment struct {
	job       Job
	driver    Driver
	poller    Poller
	retriever Retriever
	workspace Preparer
	verifier  ImageVerifier
	clock     clock.PassiveClock
}

// Option configures a Deployment.
type Option func(*Deployment)

// WithWorkspace renders the working directory before Init.
func WithWorkspace(p Preparer) Option {
	return func(d *Deployment) { d.workspace = p }
}

// WithImageVerifier checks the job's image before anything is created.
func WithImageVerifier(v ImageVerifier) Option {
	return func(d *Deployment) { d.verifier = v }
}

// WithClock sets the clock used for timestamps and the artifact name.
func WithClock(c clock.PassiveClock) Option {
	return func(d *Deployment) { d.clock = c }
}

// New returns a Deployment for job. Without WithWorkspace the working
// directory is only created, not rendered.
func New(job Job, driver Driver, poller Poller, retriever Retriever, opts ...Option) *Deployment {
	d := &Deployment{
		job:       job,
		driver:    driver,
		poller:    poller,
		retriever: retriever,
		clock:     clock.RealClock{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run is the mutable state of a single Run.
type run struct {
	*Deployment
	res   RunResult
	stack Stack
	span  trace.Span
}

// Run executes the lifecycle. It never panics; every outcome, including
// cleanup failures, is reported in the RunResult.
func (d *Deployment) Run(ctx context.Context) RunResult {
	ctx, span := o11y.Tracer().Start(ctx, "deploy.Run", trace.WithAttributes(
		attribute.String(o11y.AttrRegion, d.job.Region),
	))
	defer span.End()

	r := &run{
		Deployment: d,
		res:        RunResult{Region: d.job.Region, State: Pending, Started: d.clock.Now()},
		span:       span,
	}

	err := protect(func() error { return r.lifecycle(ctx) })
	if err != nil {
		r.res.FailedIn = r.res.State
		r.res.Err = err
		log.Error(r.logCtx(ctx), "region deployment failed", "error", err)
		span.RecordError(err)
	}

	r.cleanup(ctx)
	r.finish(ctx)
	return r.res
}

func (r *run) lifecycle(ctx context.Context) error {
	// Destructors are registered before anything is created. Removal runs
	// last and only after a successful destroy; a failed destroy leaves the
	// state files behind for manual cleanup.
	var destroyErr error
	r.stack.Push(func(ctx context.Context) error {
		if destroyErr != nil {
			log.Warn(ctx, "keeping working directory after failed destroy", "dir", r.job.WorkDir)
			return nil
		}
		if err := os.RemoveAll(r.job.WorkDir); err != nil {
			log.Warn(ctx, "failed to remove working directory", "dir", r.job.WorkDir, "error", err)
			return nil
		}
		log.Debug(ctx, "removed working directory", "dir", r.job.WorkDir)
		return nil
	})
	r.stack.Push(func(ctx context.Context) error {
		destroyErr = r.driver.Destroy(ctx, r.job.WorkDir)
		return destroyErr
	})

	if err := r.enter(ctx, Provisioning); err != nil {
		return err
	}
	if err := r.provision(r.logCtx(ctx)); err != nil {
		return err
	}

	if err := r.enter(ctx, AwaitingAddress); err != nil {
		return err
	}
	address, err := r.driver.QueryOutput(r.logCtx(ctx), r.job.WorkDir, r.job.OutputKey)
	if err != nil {
		return err
	}
	if address == "" {
		return &infra.Error{Op: infra.OpQueryOutput, Kind: infra.ParseFailed, Dir: r.job.WorkDir, Err: infra.ErrNoAddress}
	}
	r.res.Address = address
	r.span.SetAttributes(attribute.String("address", address))

	if err := r.enter(ctx, Polling); err != nil {
		return err
	}
	if err := r.poller.WaitForFile(r.logCtx(ctx), address, r.job.Credentials, r.job.RemoteDir, r.job.Filename, r.job.PollTimeout); err != nil {
		return err
	}

	if err := r.enter(ctx, Retrieving); err != nil {
		return err
	}
	local := filepath.Join(r.job.OutputDir, report.FileName(r.job.Region, r.clock.Now()))
	if err := r.retriever.Retrieve(r.logCtx(ctx), address, r.job.Credentials, path.Join(r.job.RemoteDir, r.job.Filename), local); err != nil {
		return err
	}
	r.res.ArtifactPath = local
	return nil
}

func (r *run) provision(ctx context.Context) error {
	if r.verifier != nil {
		if err := r.verifier.Verify(ctx, r.job.Region, r.job.Image); err != nil {
			return err
		}
	}
	if r.workspace != nil {
		target := infra.Target{Region: r.job.Region, Image: r.job.Image, InstanceType: r.job.InstanceType}
		if err := r.workspace.Prepare(ctx, r.job.WorkDir, target); err != nil {
			return err
		}
	} else if err := os.MkdirAll(r.job.WorkDir, 0o755); err != nil {
		return &infra.Error{Op: infra.OpPrepare, Kind: infra.WorkspaceFailed, Dir: r.job.WorkDir, Err: err}
	}

	if err := r.driver.Init(ctx, r.job.WorkDir); err != nil {
		return err
	}
	return r.driver.Apply(ctx, r.job.WorkDir)
}

func (r *run) cleanup(ctx context.Context) {
	if err := r.enter(ctx, CleaningUp); err != nil {
		// Only reachable if cleanup was already entered.
		log.Error(ctx, "unexpected state before cleanup", "error", err)
		return
	}

	err := protect(func() error { return r.stack.Destroy(r.logCtx(ctx)) })
	if err != nil {
		r.res.CleanupErr = &CleanupError{Dir: r.job.WorkDir, Err: err}
		log.Warn(r.logCtx(ctx), "cleanup failed, resources may still exist", "dir", r.job.WorkDir, "error", err)
		r.span.AddEvent("cleanup-failed", trace.WithAttributes(attribute.String("error", err.Error())))
	}
}

func (r *run) finish(ctx context.Context) {
	final := Succeeded
	if r.res.Err != nil || r.res.CleanupErr != nil {
		final = Failed
	}
	if err := r.enter(ctx, final); err != nil {
		log.Error(ctx, "unexpected state after cleanup", "error", err)
	}
	r.res.Succeeded = r.res.State == Succeeded
	r.res.Finished = r.clock.Now()

	r.span.SetAttributes(
		attribute.String(o11y.AttrState, r.res.State.String()),
		attribute.String(o11y.AttrError, r.res.Kind().String()),
	)
	if !r.res.Succeeded {
		r.span.SetStatus(codes.Error, r.res.Message())
	}

	ctx = r.logCtx(ctx)
	if r.res.Succeeded {
		log.Info(ctx, "region deployment succeeded", "artifact", r.res.ArtifactPath, "duration", r.res.Finished.Sub(r.res.Started))
	} else {
		log.Error(ctx, "region deployment did not succeed", "kind", r.res.Kind(), "failed_in", r.res.FailedIn, "error", r.res.Message())
	}
}

// ErrInvalidTransition is returned when a state change is not in the
// transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

func (r *run) enter(ctx context.Context, to State) error {
	from := r.res.State
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	at := r.clock.Now()
	r.res.State = to
	r.res.Transitions = append(r.res.Transitions, Transition{From: from, To: to, At: at})
	r.span.AddEvent(to.String())
	log.Debug(r.logCtx(ctx), "state transition", "from", from)
	return nil
}

func (r *run) logCtx(ctx context.Context) context.Context {
	return log.With(ctx, log.AttrState, r.res.State.String())
}

// protect converts a panic in fn into an error wrapping ErrPanic.
func protect(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	return fn()
}
