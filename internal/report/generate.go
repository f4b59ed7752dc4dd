package report

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/exchange-latency/latencyprobe/internal/log"
)

// FileNameAnalysis is written into the results directory.
const FileNameAnalysis = "analysis.html"

//go:embed analysis.html.tmpl
var analysisTemplate string

var page = template.Must(template.New("analysis").Parse(analysisTemplate))

// Generator renders the analysis page from the result files in a directory.
type Generator struct {
	clock clock.PassiveClock
}

type GeneratorOption func(*Generator)

func WithClock(c clock.PassiveClock) GeneratorOption {
	return func(g *Generator) { g.clock = c }
}

func NewGenerator(opts ...GeneratorOption) *Generator {
	g := &Generator{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LoadDir loads every result file in 'dir'. Files that cannot be read or
// decoded are skipped with a warning.
func LoadDir(ctx context.Context, dir string) ([]*Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var artifacts []*Artifact
	for _, e := range entries {
		if e.IsDir() || !IsResultFile(e.Name()) {
			continue
		}
		a, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Warn(ctx, "skipping unreadable result file", "file", e.Name(), "error", err)
			continue
		}
		if a.Error != "" {
			log.Warn(ctx, "result file reports an agent error", "file", e.Name(), "region", a.Region, "agent_error", a.Error)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// Generate writes FileNameAnalysis into 'dir' and returns its path.
func (g *Generator) Generate(ctx context.Context, dir string) (string, error) {
	artifacts, err := LoadDir(ctx, dir)
	if err != nil {
		return "", fmt.Errorf("loading results: %w", err)
	}
	if len(artifacts) == 0 {
		log.Warn(ctx, "no result files found", "dir", dir)
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, g.view(Summarize(artifacts), len(artifacts))); err != nil {
		return "", fmt.Errorf("rendering report: %w", err)
	}

	path := filepath.Join(dir, FileNameAnalysis)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", err
	}
	log.Info(ctx, "analysis report generated", "path", path, "files", len(artifacts))
	return path, nil
}

type (
	view struct {
		Exchanges []string
		Regions   []string
		Heatmaps  []heatmap
		Details   []detail
		Generated time.Time
		Files     int
	}
	heatmap struct {
		Title string
		Rows  []row
	}
	row struct {
		Exchange string
		Cells    []cell
	}
	cell struct {
		Cell
		Color template.CSS
	}
	detail struct {
		Exchange, Region string
		Public, Private  Cell
	}
)

func (g *Generator) view(s *Summary, files int) view {
	v := view{
		Exchanges: s.Exchanges,
		Regions:   s.Regions,
		Generated: g.clock.Now(),
		Files:     files,
	}
	v.Heatmaps = []heatmap{
		buildHeatmap("Public", s, s.Public),
		buildHeatmap("Private", s, s.Private),
	}
	for _, ex := range s.Exchanges {
		for _, r := range s.Regions {
			pub, priv := s.Public(ex, r), s.Private(ex, r)
			if !pub.OK && !priv.OK {
				continue
			}
			v.Details = append(v.Details, detail{Exchange: ex, Region: r, Public: pub, Private: priv})
		}
	}
	return v
}

func buildHeatmap(title string, s *Summary, lookup func(exchange, region string) Cell) heatmap {
	var values []float64
	for _, ex := range s.Exchanges {
		for _, r := range s.Regions {
			if c := lookup(ex, r); c.OK {
				values = append(values, c.Value)
			}
		}
	}
	lo, hi := 0.0, 0.0
	if len(values) > 0 {
		lo, hi = slices.Min(values), slices.Max(values)
	}

	h := heatmap{Title: title}
	for _, ex := range s.Exchanges {
		rw := row{Exchange: ex}
		for _, r := range s.Regions {
			c := lookup(ex, r)
			rw.Cells = append(rw.Cells, cell{Cell: c, Color: color(c.Value, lo, hi)})
		}
		h.Rows = append(h.Rows, rw)
	}
	return h
}

// color maps v onto green (fastest) through red (slowest).
func color(v, lo, hi float64) template.CSS {
	f := 0.0
	if hi > lo {
		f = (v - lo) / (hi - lo)
	}
	return template.CSS(fmt.Sprintf("hsl(%.0f, 70%%, 75%%)", 120*(1-f)))
}
