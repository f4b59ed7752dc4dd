package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// SetupRegionLogging tees the context logger into a per-region file under
// logsDirectory/runID. Only records carrying OutputKey (raw infrastructure
// tool output) are written to the file.
func SetupRegionLogging(ctx context.Context, logsDirectory, runID, region string) (context.Context, func()) {
	if logsDirectory == "" {
		return ctx, func() {}
	}

	runDir := filepath.Join(logsDirectory, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create run log directory", "path", runDir, "error", err.Error())
		return ctx, func() {}
	}

	logPath := filepath.Join(runDir, fmt.Sprintf("%s.log", slug.Make(region)))
	logFile, err := os.Create(logPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create region log file", "path", logPath, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), &outputHandler{w: logFile})

	clog.InfoContext(ctx, "logging infrastructure output to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", logPath, "error", err.Error())
		}
	}
}

// outputHandler writes only OutputKey attribute values, one per line.
type outputHandler struct {
	w     io.Writer
	attrs []slog.Attr
}

func (h *outputHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *outputHandler) Handle(_ context.Context, record slog.Record) error {
	var line string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == OutputKey {
			line = a.Value.String()
			return false
		}
		return true
	})
	if line == "" {
		for _, a := range h.attrs {
			if a.Key == OutputKey {
				line = a.Value.String()
			}
		}
	}
	if line == "" {
		return nil
	}
	_, err := fmt.Fprintln(h.w, line)
	return err
}

func (h *outputHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &outputHandler{w: h.w, attrs: append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)}
}

func (h *outputHandler) WithGroup(_ string) slog.Handler {
	return h
}
