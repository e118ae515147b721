package procmetrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTakeSnapshot(t *testing.T) {
	m := NewResourceMonitor(time.Second, Thresholds{}, 10, time.Now().Add(-time.Minute), quietLogger())
	s := m.TakeSnapshot()

	assert.False(t, s.Timestamp.IsZero())
	assert.Positive(t, s.Goroutines)
	assert.GreaterOrEqual(t, s.ProcessUptime, time.Minute)
	if runtime.GOOS == "linux" {
		assert.Positive(t, s.OpenFDs)
		assert.Positive(t, s.MaxFDs)
		assert.Positive(t, s.Threads)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	m := NewResourceMonitor(time.Second, Thresholds{}, 3, time.Time{}, quietLogger())
	for i := 0; i < 5; i++ {
		m.recordSnapshot(ResourceSnapshot{Goroutines: i})
	}
	h := m.GetHistory()
	require.Len(t, h, 3)
	assert.Equal(t, 2, h[0].Goroutines, "oldest entries are dropped first")
	latest, ok := m.GetLatest()
	require.True(t, ok)
	assert.Equal(t, 4, latest.Goroutines)
}

func TestStartStop(t *testing.T) {
	m := NewResourceMonitor(20*time.Millisecond, Thresholds{}, 10, time.Time{}, quietLogger())
	m.Start(t.Context())
	require.Eventually(t, func() bool { return len(m.GetHistory()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	m.Stop() // idempotent
}

func TestStartDefersGuard(t *testing.T) {
	m := NewResourceMonitor(time.Hour, Thresholds{}, 10, time.Time{}, quietLogger())
	exited := make(chan struct{})
	m.SetGuard(func() { close(exited) })
	m.Start(t.Context())
	m.Stop()
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("sampling goroutine did not run its guard")
	}
}

func TestThresholds(t *testing.T) {
	th := Thresholds{FDPercent: 50, Goroutines: 100, MemoryMB: 10}
	tests := []struct {
		name  string
		snap  ResourceSnapshot
		types []string
		level string
	}{
		{"healthy", ResourceSnapshot{FDUsagePercent: 10, Goroutines: 5, HeapAllocMB: 1}, nil, ""},
		{"fd warning", ResourceSnapshot{FDUsagePercent: 60}, []string{"fd"}, "warning"},
		{"fd critical", ResourceSnapshot{FDUsagePercent: 95}, []string{"fd"}, "critical"},
		{"goroutines critical", ResourceSnapshot{Goroutines: 250}, []string{"goroutine"}, "critical"},
		{"memory warning", ResourceSnapshot{HeapAllocMB: 12}, []string{"memory"}, "warning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := th.check(tt.snap)
			var types []string
			for _, w := range ws {
				types = append(types, w.Type)
				assert.Equal(t, tt.level, w.Level)
			}
			assert.Equal(t, tt.types, types)
		})
	}
	assert.Empty(t, Thresholds{}.check(ResourceSnapshot{FDUsagePercent: 99, Goroutines: 1e6}), "zero disables checks")
}

func TestTrendDetectsLeaks(t *testing.T) {
	m := NewResourceMonitor(time.Second, Thresholds{}, 10, time.Time{}, quietLogger())
	now := time.Now()
	m.recordSnapshot(ResourceSnapshot{Timestamp: now.Add(-time.Hour), OpenFDs: 10, Goroutines: 10})
	m.recordSnapshot(ResourceSnapshot{Timestamp: now, OpenFDs: 100, Goroutines: 20})

	trend := m.GetTrend()
	assert.False(t, trend.IsHealthy)
	assert.InDelta(t, 90, trend.FDGrowthRate, 0.5)
	require.Len(t, trend.Warnings, 1)
	assert.Contains(t, trend.Warnings[0], "FD count growing")
}

func TestFDRatio(t *testing.T) {
	assert.Zero(t, ResourceSnapshot{OpenFDs: 10}.FDRatio())
	assert.InDelta(t, 0.25, ResourceSnapshot{OpenFDs: 256, MaxFDs: 1024}.FDRatio(), 1e-9)
}

func TestMetricsRegistered(t *testing.T) {
	mon := NewResourceMonitor(time.Second, Thresholds{}, 10, time.Now().Add(-2*time.Second), quietLogger())
	m, err := NewMetrics(mon, NewSystemCollector(t.TempDir()))
	require.NoError(t, err)

	assert.Zero(t, m.PanicCount())
	m.Panics.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Panics))
	assert.Equal(t, 1.0, m.PanicCount())

	mfs, err := m.Registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"process_panics_total",
		"process_uptime_seconds",
		"process_threads",
		"process_filedescriptor_ratio",
		"go_goroutines",
		"system_load_average",
		"system_host_info",
	} {
		assert.True(t, names[want], want)
	}
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		for _, want := range []string{
			"process_user_time_seconds",
			"process_user_time_normalized_seconds",
			"process_system_time_seconds",
			"process_system_time_normalized_seconds",
			"process_blocks_read",
			"process_blocks_written",
		} {
			assert.True(t, names[want], want)
		}
	}

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "process_panics_total 1")
}

func TestReadRusage(t *testing.T) {
	ru, ok := ReadRusage()
	if !ok {
		t.Skip("getrusage unavailable")
	}
	// Burn a little CPU so user time is measurable.
	deadline := time.Now().Add(20 * time.Millisecond)
	for time.Now().Before(deadline) {
	}
	after, ok := ReadRusage()
	require.True(t, ok)
	assert.GreaterOrEqual(t, after.UserSeconds+after.SystemSeconds, ru.UserSeconds+ru.SystemSeconds)
	assert.Positive(t, after.UserSeconds+after.SystemSeconds)
}
