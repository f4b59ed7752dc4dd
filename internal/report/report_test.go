package report

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func testContext(t *testing.T) context.Context {
	return clog.WithLogger(t.Context(), clog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("format", func(t *testing.T) {
		assert.Equal(t, "results_us-east-1_20240101_120000.json", FileName("us-east-1", ts))
	})
	t.Run("round-trip", func(t *testing.T) {
		region, parsed, err := ParseFileName("results_us-east-1_20240101_120000.json")
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", region)
		assert.True(t, ts.Equal(parsed))
		assert.Equal(t, "results_us-east-1_20240101_120000.json", FileName(region, parsed))
	})
	t.Run("rejects", func(t *testing.T) {
		for _, name := range []string{
			"analysis.html",
			"results_us-east-1.json",
			"results_us-east-1_2024010_120000.json",
			"results__20240101_120000.txt",
			"results_us-east-1_20241301_120000.json",
		} {
			_, _, err := ParseFileName(name)
			assert.ErrorIs(t, err, ErrFileName, name)
		}
	})
}

const usEast = `{
  "region": "us-east-1",
  "timestamp": 1704110400.5,
  "exchanges": {
    "binance": {"min_public_latency": 0.01, "avg_public_latency": 0.02, "max_public_latency": 0.03,
                "min_private_latency": null, "avg_private_latency": null, "max_private_latency": null, "error": null},
    "kraken": {"avg_public_latency": 0.1, "avg_private_latency": 0.2, "error": null}
  }
}`

const usEastLater = `{
  "region": "us-east-1",
  "timestamp": 1704114000,
  "exchanges": {"binance": {"avg_public_latency": 0.04, "avg_private_latency": 0.05}}
}`

const euWest = `{
  "region": "eu-west-1",
  "timestamp": 1704110400,
  "exchanges": {"binance": {"avg_public_latency": 0.00123, "avg_private_latency": null, "error": "Private endpoint error: auth"}}
}`

func writeResults(t *testing.T, files map[string]string) string {
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeResults(t, map[string]string{"results_us-east-1_20240101_120000.json": usEast})

	a, err := Load(filepath.Join(dir, "results_us-east-1_20240101_120000.json"))
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", a.Region)
	assert.Equal(t, time.Unix(1704110400, 5e8), a.Time())
	require.Contains(t, a.Exchanges, "binance")
	require.NotNil(t, a.Exchanges["binance"].AvgPublic)
	assert.InDelta(t, 0.02, *a.Exchanges["binance"].AvgPublic, 1e-9)
	assert.Nil(t, a.Exchanges["binance"].AvgPrivate)
}

func TestSummarize(t *testing.T) {
	dir := writeResults(t, map[string]string{
		"results_us-east-1_20240101_120000.json": usEast,
		"results_us-east-1_20240101_130000.json": usEastLater,
		"results_eu-west-1_20240101_120000.json": euWest,
		"results_broken_20240101_120000.json":    `{"region":`,
		"notes.json":                             `{}`,
	})

	artifacts, err := LoadDir(testContext(t), dir)
	require.NoError(t, err)
	require.Len(t, artifacts, 3)

	s := Summarize(artifacts)
	assert.Equal(t, []string{"binance", "kraken"}, s.Exchanges)
	assert.Equal(t, []string{"eu-west-1", "us-east-1"}, s.Regions)

	assert.Equal(t, Cell{Value: 30, OK: true}, s.Public("binance", "us-east-1"))
	assert.Equal(t, Cell{Value: 50, OK: true}, s.Private("binance", "us-east-1"))
	assert.Equal(t, Cell{Value: 1.2, OK: true}, s.Public("binance", "eu-west-1"))
	assert.False(t, s.Private("binance", "eu-west-1").OK)
	assert.Equal(t, Cell{Value: 200, OK: true}, s.Private("kraken", "us-east-1"))
	assert.False(t, s.Public("kraken", "eu-west-1").OK)
}

func TestGenerate(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

	t.Run("writes-analysis", func(t *testing.T) {
		dir := writeResults(t, map[string]string{
			"results_us-east-1_20240101_120000.json": usEast,
			"results_eu-west-1_20240101_120000.json": euWest,
		})

		path, err := NewGenerator(WithClock(clk)).Generate(testContext(t), dir)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, FileNameAnalysis), path)

		b, err := os.ReadFile(path)
		require.NoError(t, err)
		html := string(b)
		assert.Contains(t, html, "Exchange Latency Analysis")
		assert.Contains(t, html, "<th>eu-west-1</th>")
		assert.Contains(t, html, "20.0 ms")
		assert.Contains(t, html, "2024-01-02 03:04:05")
		assert.Contains(t, html, "from 2 result file(s)")
		assert.NotContains(t, html, "No results found.")
	})
	t.Run("empty-directory", func(t *testing.T) {
		dir := t.TempDir()

		path, err := NewGenerator(WithClock(clk)).Generate(testContext(t), dir)
		require.NoError(t, err)
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(b), "No results found.")
	})
	t.Run("missing-directory", func(t *testing.T) {
		_, err := NewGenerator().Generate(testContext(t), filepath.Join(t.TempDir(), "absent"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestColor(t *testing.T) {
	assert.EqualValues(t, "hsl(120, 70%, 75%)", color(10, 10, 20))
	assert.EqualValues(t, "hsl(0, 70%, 75%)", color(20, 10, 20))
	assert.EqualValues(t, "hsl(120, 70%, 75%)", color(5, 5, 5))
}
