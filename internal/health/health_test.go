package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/procmetrics"
)

type staticCheck struct {
	name  string
	state State
}

func (c staticCheck) Type() string { return c.name }
func (c staticCheck) Result(context.Context) Result {
	return Result{State: c.state, Message: c.name + " says " + string(c.state)}
}

func TestRunReportsWorstState(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRegistry(reg)
	require.NoError(t, err)

	r.Register(staticCheck{"A", Healthy})
	rep := r.Run(context.Background())
	assert.Equal(t, Healthy, rep.State)

	r.Register(staticCheck{"B", Warning})
	assert.Equal(t, Warning, r.Run(context.Background()).State)

	r.Register(staticCheck{"C", Error})
	rep = r.Run(context.Background())
	assert.Equal(t, Error, rep.State)
	require.Len(t, rep.Checks, 3)
	assert.Equal(t, "C", rep.Checks["C"].Type)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.status.WithLabelValues("A")))
	assert.Equal(t, 0.5, testutil.ToFloat64(r.status.WithLabelValues("B")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.status.WithLabelValues("C")))
}

func TestMinidumpCheck(t *testing.T) {
	assert.Equal(t, Error, MinidumpCheck{}.Result(context.Background()).State)

	ok := MinidumpCheck{Status: func() (bool, string) { return true, "" }}
	assert.Equal(t, Healthy, ok.Result(context.Background()).State)

	dead := MinidumpCheck{Status: func() (bool, string) { return false, "crash monitor exited" }}
	res := dead.Result(context.Background())
	assert.Equal(t, Error, res.State)
	assert.Equal(t, "crash monitor exited", res.Message)
}

func TestResourcesCheck(t *testing.T) {
	healthy := procmetrics.NewResourceMonitor(time.Second, procmetrics.Thresholds{}, 5, time.Time{}, nil)
	assert.Equal(t, Healthy, ResourcesCheck{Monitor: healthy}.Result(context.Background()).State)

	// Any process has more than one goroutine.
	crowded := procmetrics.NewResourceMonitor(time.Second, procmetrics.Thresholds{Goroutines: 1}, 5, time.Time{}, nil)
	res := ResourcesCheck{Monitor: crowded}.Result(context.Background())
	assert.NotEqual(t, Healthy, res.State)
	assert.Contains(t, res.Message, "Goroutine count")
}

func TestPanicsCheck(t *testing.T) {
	var count float64
	c := &PanicsCheck{Count: func() float64 { return count }}
	ctx := context.Background()

	assert.Equal(t, Healthy, c.Result(ctx).State)

	count = 2
	res := c.Result(ctx)
	assert.Equal(t, Warning, res.State)
	assert.Equal(t, 2.0, res.Params["panics"])

	// Only new panics warn.
	assert.Equal(t, Healthy, c.Result(ctx).State)
	count = 3
	assert.Equal(t, Warning, c.Result(ctx).State)
}

func TestConfigReloadCheck(t *testing.T) {
	ctx := context.Background()
	var err error
	c := ConfigReloadCheck{Err: func() error { return err }}
	assert.Equal(t, Healthy, c.Result(ctx).State)

	err = errors.New("diagnostics.provider_timeout: must be positive")
	res := c.Result(ctx)
	assert.Equal(t, Error, res.State)
	assert.Contains(t, res.Message, "provider_timeout")

	err = nil
	assert.Equal(t, Healthy, c.Result(ctx).State)
}
