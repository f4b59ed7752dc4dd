// Package report names, loads and summarizes per-region measurement
// artifacts, and renders the cross-region analysis page.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	prefix = "results_"
	suffix = ".json"
	// TimeLayout is the timestamp format embedded in result file names.
	TimeLayout = "20060102_150405"
)

var ErrFileName = errors.New("not a result file name")

// FileName returns the local name for an artifact retrieved from 'region'
// at 't', e.g. results_us-east-1_20240101_120000.json. The timestamp is
// rendered in t's location.
func FileName(region string, t time.Time) string {
	return prefix + region + "_" + t.Format(TimeLayout) + suffix
}

// ParseFileName is the inverse of FileName. The timestamp is parsed as UTC.
func ParseFileName(name string) (region string, t time.Time, err error) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrFileName, name)
	}
	rest, ok = strings.CutSuffix(rest, suffix)
	if !ok || len(rest) < len(TimeLayout)+2 || rest[len(rest)-len(TimeLayout)-1] != '_' {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrFileName, name)
	}

	region = rest[:len(rest)-len(TimeLayout)-1]
	t, err = time.Parse(TimeLayout, rest[len(rest)-len(TimeLayout):])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q: %w", ErrFileName, name, err)
	}
	return region, t, nil
}

// IsResultFile reports whether 'name' looks like a FileName output.
func IsResultFile(name string) bool {
	return strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix)
}
