package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	slogmulti "github.com/samber/slog-multi"

	"github.com/exchange-latency/latencyprobe/internal/config"
	"github.com/exchange-latency/latencyprobe/internal/deploy"
	"github.com/exchange-latency/latencyprobe/internal/infra"
	"github.com/exchange-latency/latencyprobe/internal/log"
	"github.com/exchange-latency/latencyprobe/internal/o11y"
	"github.com/exchange-latency/latencyprobe/internal/orchestrator"
	"github.com/exchange-latency/latencyprobe/internal/remote"
	"github.com/exchange-latency/latencyprobe/internal/report"
	"github.com/exchange-latency/latencyprobe/internal/ssh"
)

// these will be set by the goreleaser configuration
// to appropriate values for the compiled binary.
var version string = "dev"

const (
	exitOK      = 0
	exitFailure = 1
	exitConfig  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		reportOnly bool
		debug      bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the run configuration")
	flag.BoolVar(&reportOnly, "report-only", false, "Only generate the analysis report from existing results")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	// Regions are not cancellable once started: an interrupted apply would
	// leave resources behind without state to destroy them.
	ctx := setupLog(context.Background(), debug)
	log.Info(ctx, "starting latencyprobe", "version", version)

	shutdown, err := o11y.SetupTracing(ctx)
	if err != nil {
		log.Warn(ctx, "tracing disabled", "error", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Warn(ctx, "failed to flush traces", "error", err)
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error(ctx, "invalid configuration", "path", configPath, "error", err)
		return exitConfig
	}

	if reportOnly {
		path, err := orchestrator.New(cfg, remote.Credentials{}, nil, report.NewGenerator()).Report(ctx)
		if err != nil {
			log.Error(ctx, "report generation failed", "error", err)
			return exitFailure
		}
		log.Info(ctx, "analysis report generated", "path", path)
		return exitOK
	}

	signer, err := ssh.LoadKey(cfg.AWS.PrivateKeyPath, []byte(cfg.AWS.PrivateKeyPassphrase))
	if err != nil {
		log.Error(ctx, "invalid configuration", "field", "aws.private_key_path", "error", err)
		return exitConfig
	}
	creds := remote.Credentials{User: cfg.AWS.SSHUsername, Signer: signer}

	source, err := templateSource(cfg.Terraform.TemplateDir)
	if err != nil {
		log.Error(ctx, "invalid configuration", "field", "terraform.template_dir", "error", err)
		return exitConfig
	}

	if _, err := os.Stat(cfg.Terraform.AgentPath); err != nil {
		log.Error(ctx, "invalid configuration", "field", "terraform.agent_path", "error", err)
		return exitConfig
	}

	driver := infra.NewTerraform(
		infra.WithExecPath(cfg.Terraform.ExecPath),
		infra.WithCredentials(cfg.AWS.AccessKey, cfg.AWS.SecretKey),
	)
	workspace := &infra.Workspace{
		Source:         source,
		KeyPairName:    cfg.AWS.KeyPairName,
		SSHUser:        cfg.AWS.SSHUsername,
		PrivateKeyPath: cfg.AWS.PrivateKeyPath,
		PublicKey:      ssh.AuthorizedKey(signer),
		AgentPath:      cfg.Terraform.AgentPath,
		Exchanges:      cfg.Exchanges.APIKeys,
	}
	dialer := remote.SFTPDialer{Timeout: cfg.Polling.ConnectTimeout}
	poller := remote.NewPoller(dialer,
		remote.WithInterval(cfg.Polling.Interval),
		remote.WithConnectBackoff(cfg.Polling.ConnectBackoff),
	)
	retriever := remote.NewRetriever(dialer)

	opts := []deploy.Option{deploy.WithWorkspace(workspace)}
	if cfg.AWS.VerifyImages {
		opts = append(opts, deploy.WithImageVerifier(infra.NewImageVerifier(cfg.AWS.AccessKey, cfg.AWS.SecretKey)))
	}
	factory := func(job deploy.Job) orchestrator.Runner {
		return deploy.New(job, driver, poller, retriever, opts...)
	}

	orch := orchestrator.New(cfg, creds, factory, report.NewGenerator())
	summary, err := orch.Run(ctx)
	if err != nil {
		log.Error(ctx, "run did not complete", "run_id", orch.RunID(), "aborted", errors.Is(err, orchestrator.ErrAborted), "error", err)
		return exitFailure
	}
	log.Info(ctx, "run complete", "run_id", summary.RunID, "succeeded", summary.Succeeded(), "regions", len(summary.Results), "report", summary.ReportPath)
	return exitOK
}

func templateSource(dir string) (fs.FS, error) {
	if dir == "" {
		return infra.DefaultTemplate(), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: errors.New("not a directory")}
	}
	return os.DirFS(dir), nil
}

// setupLog sets up the default logging configuration.
func setupLog(ctx context.Context, debug bool) context.Context {
	level := charmlog.InfoLevel
	if debug {
		level = charmlog.DebugLevel
	}
	console := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})

	logger := clog.New(slogmulti.Fanout(console))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx
}
