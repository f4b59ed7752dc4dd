// Package orchestrator runs the configured regions one after another and
// renders the report once they are all done.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/exchange-latency/latencyprobe/internal/config"
	"github.com/exchange-latency/latencyprobe/internal/deploy"
	"github.com/exchange-latency/latencyprobe/internal/log"
	"github.com/exchange-latency/latencyprobe/internal/o11y"
	"github.com/exchange-latency/latencyprobe/internal/remote"
)

// ErrAborted is returned when the run stopped on an unexpected failure.
var ErrAborted = errors.New("run aborted")

// Reporter renders the analysis of every result file in a directory.
type Reporter interface {
	Generate(ctx context.Context, dir string) (string, error)
}

// Runner executes one region's lifecycle.
type Runner interface {
	Run(ctx context.Context) deploy.RunResult
}

// Factory builds the Runner for a job.
type Factory func(job deploy.Job) Runner

// Summary is the outcome of a full run.
type Summary struct {
	RunID      string
	Results    []deploy.RunResult
	ReportPath string
}

// Succeeded counts the regions that produced an artifact and cleaned up.
func (s Summary) Succeeded() int {
	n := 0
	for _, r := range s.Results {
		if r.Succeeded {
			n++
		}
	}
	return n
}

type Orchestrator struct {
	cfg      *config.Config
	creds    remote.Credentials
	factory  Factory
	reporter Reporter
	clock    clock.Clock
	runID    string
	logsDir  string
}

type Option func(*Orchestrator)

// WithClock replaces the clock used for the delay between regions.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *Orchestrator) { o.runID = id }
}

// WithLogsDir sets where per-region log files go. Empty disables them.
func WithLogsDir(dir string) Option {
	return func(o *Orchestrator) { o.logsDir = dir }
}

func New(cfg *config.Config, creds remote.Credentials, factory Factory, reporter Reporter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		creds:    creds,
		factory:  factory,
		reporter: reporter,
		clock:    clock.RealClock{},
		runID:    uuid.NewString(),
		logsDir:  filepath.Join(cfg.OutputDir, "logs"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) RunID() string { return o.runID }

// Jobs returns one job per configured region, in configured order.
func (o *Orchestrator) Jobs() []deploy.Job {
	jobs := make([]deploy.Job, 0, len(o.cfg.AWS.Regions))
	for _, region := range o.cfg.AWS.Regions {
		jobs = append(jobs, deploy.Job{
			Region:       region,
			InstanceType: o.cfg.AWS.InstanceType,
			Image:        o.cfg.Image(region),
			Credentials:  o.creds,
			WorkDir:      filepath.Join(o.cfg.WorkDir, "terraform_"+slug.Make(region)),
			OutputDir:    o.cfg.OutputDir,
			OutputKey:    o.cfg.Terraform.OutputKey,
			RemoteDir:    o.cfg.Polling.RemoteDir,
			Filename:     o.cfg.Polling.Filename,
			PollTimeout:  o.cfg.Polling.Timeout,
		})
	}
	return jobs
}

// Run deploys every region sequentially, waiting RegionDelay between
// regions, then generates the report once. A failed region never stops the
// ones after it. Only an unexpected failure aborts the run, in which case a
// report is still attempted from the results already on disk.
func (o *Orchestrator) Run(ctx context.Context) (summary Summary, err error) {
	summary.RunID = o.runID
	ctx = log.With(ctx, log.AttrRunID, o.runID)
	ctx, span := o11y.Tracer().Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String(o11y.AttrRunID, o.runID),
		attribute.Int("regions", len(o.cfg.AWS.Regions)),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrAborted, r)
			log.Error(ctx, "run aborted, generating report from existing results", "error", err)
			span.SetStatus(codes.Error, err.Error())
			if path, rerr := o.Report(ctx); rerr != nil {
				log.Error(ctx, "best-effort report failed", "error", rerr)
			} else {
				summary.ReportPath = path
			}
		}
	}()

	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return summary, fmt.Errorf("creating output directory: %w", err)
	}

	jobs := o.Jobs()
	for i, job := range jobs {
		summary.Results = append(summary.Results, o.runRegion(ctx, job))

		if i < len(jobs)-1 && o.cfg.RegionDelay > 0 {
			log.Info(ctx, "waiting before next region", "delay", o.cfg.RegionDelay, "next", jobs[i+1].Region)
			o.clock.Sleep(o.cfg.RegionDelay)
		}
	}

	o.logSummary(ctx, summary)
	span.SetAttributes(attribute.Int("succeeded", summary.Succeeded()))

	path, err := o.Report(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}
	summary.ReportPath = path
	return summary, nil
}

func (o *Orchestrator) runRegion(ctx context.Context, job deploy.Job) deploy.RunResult {
	ctx = log.WithRegion(ctx, o.runID, job.Region)
	ctx, done := log.SetupRegionLogging(ctx, o.logsDir, o.runID, job.Region)
	defer done()

	log.Info(ctx, "processing region", "workdir", job.WorkDir)
	return o.factory(job).Run(ctx)
}

// Report generates the report from whatever is in the output directory,
// without provisioning anything.
func (o *Orchestrator) Report(ctx context.Context) (string, error) {
	if err := os.MkdirAll(o.cfg.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	path, err := o.reporter.Generate(ctx, o.cfg.OutputDir)
	if err != nil {
		return "", fmt.Errorf("generating report: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) logSummary(ctx context.Context, s Summary) {
	for _, r := range s.Results {
		rctx := log.With(ctx, log.AttrRegion, r.Region)
		if r.Succeeded {
			log.Info(rctx, "region completed", "artifact", r.ArtifactPath)
			continue
		}
		log.Warn(rctx, "region failed", "kind", r.Kind(), "failed_in", r.FailedIn, "error", r.Message())
	}
	log.Info(ctx, "run finished", "regions", len(s.Results), "succeeded", s.Succeeded(), "failed", len(s.Results)-s.Succeeded())
}
