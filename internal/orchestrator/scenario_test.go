package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/exchange-latency/latencyprobe/internal/deploy"
	"github.com/exchange-latency/latencyprobe/internal/infra"
	"github.com/exchange-latency/latencyprobe/internal/remote"
)

// addressDriver hands out an address per working directory and counts
// destroys.
type addressDriver struct {
	addresses map[string]string
	destroyed map[string]int
}

func (d *addressDriver) Init(context.Context, string) error  { return nil }
func (d *addressDriver) Apply(context.Context, string) error { return nil }

func (d *addressDriver) QueryOutput(_ context.Context, workdir, _ string) (string, error) {
	return d.addresses[filepath.Base(workdir)], nil
}

func (d *addressDriver) Destroy(_ context.Context, workdir string) error {
	d.destroyed[filepath.Base(workdir)]++
	return nil
}

type okPoller struct{}

func (okPoller) WaitForFile(context.Context, string, remote.Credentials, string, string, time.Duration) error {
	return nil
}

type okRetriever struct{}

func (okRetriever) Retrieve(context.Context, string, remote.Credentials, string, string) error {
	return nil
}

func TestThreeRegionScenario(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	driver := &addressDriver{
		addresses: map[string]string{
			"terraform_us-east-1":  "198.51.100.1",
			"terraform_eu-west-1":  "198.51.100.2",
			"terraform_ap-south-1": "",
		},
		destroyed: map[string]int{},
	}
	factory := func(job deploy.Job) Runner {
		return deploy.New(job, driver, okPoller{}, okRetriever{}, deploy.WithClock(clk))
	}
	rep := &fakeReporter{}
	cfg := testConfig(t, "us-east-1", "eu-west-1", "ap-south-1")

	summary, err := New(cfg, remote.Credentials{User: "ubuntu"}, factory, rep, WithClock(clk)).Run(testContext(t))
	require.NoError(t, err)
	require.Len(t, summary.Results, 3)

	first, second, third := summary.Results[0], summary.Results[1], summary.Results[2]
	assert.True(t, first.Succeeded)
	assert.True(t, second.Succeeded)
	assert.False(t, third.Succeeded)
	assert.Equal(t, deploy.Failed, third.State)
	assert.Equal(t, deploy.AwaitingAddress, third.FailedIn)
	assert.Equal(t, deploy.KindInfra, third.Kind())
	assert.ErrorIs(t, third.Err, infra.ErrNoAddress)

	assert.True(t, first.Started.Before(second.Started))
	assert.True(t, second.Started.Before(third.Started))
	assert.True(t, strings.HasSuffix(first.ArtifactPath, "results_us-east-1_20240101_120000.json"))
	assert.True(t, strings.HasSuffix(second.ArtifactPath, "results_eu-west-1_20240101_120030.json"))

	assert.Equal(t, map[string]int{
		"terraform_us-east-1":  1,
		"terraform_eu-west-1":  1,
		"terraform_ap-south-1": 1,
	}, driver.destroyed)
	assert.Equal(t, 1, rep.calls)
	assert.Equal(t, 2, summary.Succeeded())
}
