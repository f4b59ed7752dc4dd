package report

import (
	"maps"
	"math"
	"slices"
)

// Cell is a mean latency in milliseconds. OK is false when no artifact
// measured it.
type Cell struct {
	Value float64
	OK    bool
}

type key struct{ exchange, region string }

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v *float64) {
	if v == nil {
		return
	}
	m.sum += *v * 1000
	m.n++
}

func (m mean) cell() Cell {
	if m.n == 0 {
		return Cell{}
	}
	return Cell{Value: math.Round(m.sum/float64(m.n)*10) / 10, OK: true}
}

// Summary holds mean public and private latency per exchange and region,
// averaged over every artifact from that region.
type Summary struct {
	Exchanges []string
	Regions   []string

	public  map[key]Cell
	private map[key]Cell
}

// Summarize aggregates the average latencies of every artifact.
func Summarize(artifacts []*Artifact) *Summary {
	pub := map[key]*mean{}
	priv := map[key]*mean{}
	exchanges := map[string]struct{}{}
	regions := map[string]struct{}{}

	for _, a := range artifacts {
		for name, stats := range a.Exchanges {
			k := key{exchange: name, region: a.Region}
			if pub[k] == nil {
				pub[k], priv[k] = &mean{}, &mean{}
			}
			pub[k].add(stats.AvgPublic)
			priv[k].add(stats.AvgPrivate)
			exchanges[name] = struct{}{}
			regions[a.Region] = struct{}{}
		}
	}

	s := &Summary{
		Exchanges: slices.Sorted(maps.Keys(exchanges)),
		Regions:   slices.Sorted(maps.Keys(regions)),
		public:    make(map[key]Cell, len(pub)),
		private:   make(map[key]Cell, len(priv)),
	}
	for k, m := range pub {
		s.public[k] = m.cell()
	}
	for k, m := range priv {
		s.private[k] = m.cell()
	}
	return s
}

func (s *Summary) Public(exchange, region string) Cell {
	return s.public[key{exchange, region}]
}

func (s *Summary) Private(exchange, region string) Cell {
	return s.private[key{exchange, region}]
}
