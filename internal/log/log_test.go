package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardContext() context.Context {
	return clog.WithLogger(context.Background(), clog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegionLogging(t *testing.T) {
	t.Run("writes-output-lines-only", func(t *testing.T) {
		dir := t.TempDir()
		ctx, done := SetupRegionLogging(discardContext(), dir, "run-1", "us-east-1")

		Info(ctx, "not tool output", "key", "value")
		w := Writer(ctx, "stdout")
		_, err := io.WriteString(w, "Initializing the backend...\nApply complete!")
		require.NoError(t, err)
		_, err = io.WriteString(w, " Resources: 3 added.\r\n\npartial")
		require.NoError(t, err)
		require.NoError(t, w.Close())
		done()

		b, err := os.ReadFile(filepath.Join(dir, "run-1", "us-east-1.log"))
		require.NoError(t, err)
		assert.Equal(t, "Initializing the backend...\nApply complete! Resources: 3 added.\npartial\n", string(b))
	})
	t.Run("disabled-without-directory", func(t *testing.T) {
		ctx := discardContext()
		got, done := SetupRegionLogging(ctx, "", "run-1", "us-east-1")
		done()
		assert.Equal(t, ctx, got)
	})
	t.Run("slugged-file-name", func(t *testing.T) {
		dir := t.TempDir()
		_, done := SetupRegionLogging(discardContext(), dir, "run-2", "EU West/1")
		done()
		_, err := os.Stat(filepath.Join(dir, "run-2", "eu-west-1.log"))
		require.NoError(t, err)
	})
}
