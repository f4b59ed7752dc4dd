package report

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Stats are one exchange's latencies in seconds, as measured by the agent.
// A nil field was not measured.
type Stats struct {
	MinPublic  *float64 `json:"min_public_latency"`
	AvgPublic  *float64 `json:"avg_public_latency"`
	MaxPublic  *float64 `json:"max_public_latency"`
	MinPrivate *float64 `json:"min_private_latency"`
	AvgPrivate *float64 `json:"avg_private_latency"`
	MaxPrivate *float64 `json:"max_private_latency"`
	Error      *string  `json:"error"`
}

// Artifact is the document the agent writes on the instance.
type Artifact struct {
	Region string `json:"region"`
	// Timestamp is seconds since the epoch, possibly fractional.
	Timestamp float64          `json:"timestamp"`
	Exchanges map[string]Stats `json:"exchanges"`
	// Error is set when the agent failed as a whole.
	Error string `json:"error,omitempty"`
}

// Time converts Timestamp.
func (a *Artifact) Time() time.Time {
	sec := int64(a.Timestamp)
	return time.Unix(sec, int64((a.Timestamp-float64(sec))*float64(time.Second)))
}

func Load(path string) (*Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if a.Region == "" {
		return nil, fmt.Errorf("decoding %s: missing region", path)
	}
	return &a, nil
}
