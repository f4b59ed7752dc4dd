// Package infra drives the infrastructure-as-code tool that provisions and
// tears down one benchmark instance per region.
package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/terraform-exec/tfexec"

	"github.com/exchange-latency/latencyprobe/internal/log"
)

// DefaultExecPath is resolved through $PATH.
const DefaultExecPath = "terraform"

// Terraform runs the terraform CLI inside a region's working directory. It
// performs no retries and imposes no timeout of its own.
type Terraform struct {
	execPath string
	env      map[string]string
}

type Option func(*Terraform)

// WithExecPath overrides the terraform binary.
func WithExecPath(path string) Option {
	return func(t *Terraform) {
		if path != "" {
			t.execPath = path
		}
	}
}

// WithCredentials passes static cloud credentials to the subprocess
// environment. They are never written to the working directory.
func WithCredentials(accessKey, secretKey string) Option {
	return func(t *Terraform) {
		if accessKey != "" {
			t.env["AWS_ACCESS_KEY_ID"] = accessKey
		}
		if secretKey != "" {
			t.env["AWS_SECRET_ACCESS_KEY"] = secretKey
		}
	}
}

func NewTerraform(opts ...Option) *Terraform {
	t := &Terraform{
		execPath: DefaultExecPath,
		env:      environ(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// environ returns the process environment minus the TF_* variables tfexec
// manages itself. Input variables (TF_VAR_*) are kept.
func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if strings.HasPrefix(k, "TF_") && !strings.HasPrefix(k, "TF_VAR_") {
			continue
		}
		env[k] = v
	}
	return env
}

func (t *Terraform) Init(ctx context.Context, workdir string) error {
	tf, done, err := t.tf(ctx, workdir)
	if err != nil {
		return &Error{Op: OpInit, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	defer done()

	log.Info(ctx, "initializing terraform", "dir", workdir)
	if err := tf.Init(ctx, tfexec.Upgrade(true), tfexec.Reconfigure(true)); err != nil {
		return &Error{Op: OpInit, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	return nil
}

func (t *Terraform) Apply(ctx context.Context, workdir string) error {
	tf, done, err := t.tf(ctx, workdir)
	if err != nil {
		return &Error{Op: OpApply, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	defer done()

	log.Info(ctx, "applying terraform", "dir", workdir)
	if err := tf.Apply(ctx); err != nil {
		return &Error{Op: OpApply, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	return nil
}

// QueryOutput returns the string value of output 'key'.
func (t *Terraform) QueryOutput(ctx context.Context, workdir, key string) (string, error) {
	tf, done, err := t.tf(ctx, workdir)
	if err != nil {
		return "", &Error{Op: OpQueryOutput, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	defer done()

	outs, err := tf.Output(ctx)
	if err != nil {
		return "", &Error{Op: OpQueryOutput, Kind: classify(err), Dir: workdir, Err: err}
	}

	value, err := decodeOutput(outs, key)
	if err != nil {
		return "", &Error{Op: OpQueryOutput, Kind: ParseFailed, Dir: workdir, Err: err}
	}
	log.Debug(ctx, "terraform output", "key", key, "value", value)
	return value, nil
}

// Destroy tears down whatever the working directory's state describes. It is
// a no-op when the directory was never initialized.
func (t *Terraform) Destroy(ctx context.Context, workdir string) error {
	if _, err := os.Stat(filepath.Join(workdir, ".terraform")); errors.Is(err, os.ErrNotExist) {
		log.Debug(ctx, "terraform was never initialized, nothing to destroy", "dir", workdir)
		return nil
	}

	tf, done, err := t.tf(ctx, workdir)
	if err != nil {
		return &Error{Op: OpDestroy, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	defer done()

	log.Info(ctx, "destroying terraform resources", "dir", workdir)
	if err := tf.Destroy(ctx); err != nil {
		return &Error{Op: OpDestroy, Kind: CommandFailed, Dir: workdir, Err: err}
	}
	return nil
}

// tf builds a tfexec handle whose output streams into the context logger.
// The returned func flushes the streams.
func (t *Terraform) tf(ctx context.Context, workdir string) (*tfexec.Terraform, func(), error) {
	tf, err := tfexec.NewTerraform(workdir, t.execPath)
	if err != nil {
		return nil, nil, fmt.Errorf("locating terraform %q: %w", t.execPath, err)
	}
	if err := tf.SetEnv(t.env); err != nil {
		return nil, nil, err
	}

	stdout := log.Writer(ctx, "stdout")
	stderr := log.Writer(ctx, "stderr")
	tf.SetStdout(stdout)
	tf.SetStderr(stderr)

	return tf, func() {
		closeQuietly(stdout)
		closeQuietly(stderr)
	}, nil
}

func closeQuietly(c io.Closer) { _ = c.Close() }

func decodeOutput(outs map[string]tfexec.OutputMeta, key string) (string, error) {
	meta, ok := outs[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoOutput, key)
	}
	if len(meta.Value) == 0 {
		return "", fmt.Errorf("%w: %q has no value", ErrNoOutput, key)
	}

	var value string
	if err := json.Unmarshal(meta.Value, &value); err != nil {
		return "", fmt.Errorf("decoding output %q: %w", key, err)
	}
	return value, nil
}

// classify separates malformed tool output from a failed command.
func classify(err error) Kind {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ParseFailed
	}
	return CommandFailed
}
