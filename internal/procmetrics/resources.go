// Package procmetrics tracks the server's own resource usage: file
// descriptors, threads, goroutines and heap. It keeps a short history
// for trend warnings and exports everything as Prometheus metrics.
package procmetrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSnapshot captures process resource state at a point in time.
type ResourceSnapshot struct {
	Timestamp      time.Time     `json:"timestamp"`
	OpenFDs        int           `json:"open_fds"`
	MaxFDs         int           `json:"max_fds"`
	FDUsagePercent float64       `json:"fd_usage_percent"`
	Goroutines     int           `json:"goroutines"`
	Threads        int           `json:"threads"`
	HeapAllocMB    float64       `json:"heap_alloc_mb"`
	HeapInUseMB    float64       `json:"heap_in_use_mb"`
	StackInUseMB   float64       `json:"stack_in_use_mb"`
	GCPauseNS      uint64        `json:"gc_pause_ns"`
	NumGC          uint32        `json:"num_gc"`
	ProcessUptime  time.Duration `json:"process_uptime"`
}

// FDRatio is open descriptors over the soft limit, or 0 when unknown.
func (s ResourceSnapshot) FDRatio() float64 {
	if s.MaxFDs <= 0 {
		return 0
	}
	return float64(s.OpenFDs) / float64(s.MaxFDs)
}

// ResourceTrend captures resource usage trends over time.
type ResourceTrend struct {
	FDGrowthRate        float64  // FDs per hour
	GoroutineGrowthRate float64  // Goroutines per hour
	MemoryGrowthRate    float64  // MB per hour
	IsHealthy           bool     // Overall health assessment
	Warnings            []string // Trend-based warnings
}

// HealthWarning represents a single health concern.
type HealthWarning struct {
	Level   string  // "warning" or "critical"
	Type    string  // "fd", "goroutine", "memory"
	Message string  // Human-readable description
	Value   float64 // Current value
	Limit   float64 // Threshold that was exceeded
}

// Thresholds configure when CheckHealth warns. Zero disables a check.
type Thresholds struct {
	FDPercent  int
	Goroutines int
	MemoryMB   int
}

// ResourceMonitor samples process resources on an interval.
type ResourceMonitor struct {
	interval    time.Duration
	thresholds  Thresholds
	historySize int
	logger      *slog.Logger

	mu      sync.RWMutex
	history *queue.Queue // of ResourceSnapshot, oldest first

	proc *process.Process

	stopCh  chan struct{}
	stopped atomic.Bool
	started time.Time
	guard   func()
}

// NewResourceMonitor creates a monitor. started is the process start
// time used for uptime.
func NewResourceMonitor(interval time.Duration, thresholds Thresholds, historySize int, started time.Time, logger *slog.Logger) *ResourceMonitor {
	if historySize <= 0 {
		historySize = 120 // 1 hour at 30s intervals
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if started.IsZero() {
		started = time.Now()
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &ResourceMonitor{
		interval:    interval,
		thresholds:  thresholds,
		historySize: historySize,
		logger:      logger.With("component", "resources"),
		history:     queue.New(),
		proc:        proc,
		stopCh:      make(chan struct{}),
		started:     started,
	}
}

// SetGuard sets a function deferred at the top of the sampling
// goroutine. Call it before Start.
func (m *ResourceMonitor) SetGuard(guard func()) {
	m.guard = guard
}

// Start begins periodic sampling until ctx ends or Stop is called.
func (m *ResourceMonitor) Start(ctx context.Context) {
	guard := m.guard
	if guard == nil {
		guard = func() {}
	}
	go func() {
		defer guard()
		m.recordSnapshot(m.TakeSnapshot())

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.recordSnapshot(m.TakeSnapshot())
				for _, w := range m.CheckHealth() {
					m.logger.Warn("resource warning",
						"type", w.Type,
						"level", w.Level,
						"value", w.Value,
						"limit", w.Limit,
						"message", w.Message,
					)
				}
			}
		}
	}()
}

// Stop halts the sampling loop.
func (m *ResourceMonitor) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		close(m.stopCh)
	}
}

// TakeSnapshot captures current resource state.
func (m *ResourceMonitor) TakeSnapshot() ResourceSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	openFDs, maxFDs := CountFDs()
	fdPercent := 0.0
	if maxFDs > 0 {
		fdPercent = float64(openFDs) / float64(maxFDs) * 100
	}

	return ResourceSnapshot{
		Timestamp:      time.Now(),
		OpenFDs:        openFDs,
		MaxFDs:         maxFDs,
		FDUsagePercent: fdPercent,
		Goroutines:     runtime.NumGoroutine(),
		Threads:        m.threads(),
		HeapAllocMB:    float64(memStats.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:    float64(memStats.HeapInuse) / 1024 / 1024,
		StackInUseMB:   float64(memStats.StackInuse) / 1024 / 1024,
		GCPauseNS:      memStats.PauseNs[(memStats.NumGC+255)%256],
		NumGC:          memStats.NumGC,
		ProcessUptime:  m.Uptime(),
	}
}

func (m *ResourceMonitor) threads() int {
	if m.proc == nil {
		return 0
	}
	n, err := m.proc.NumThreads()
	if err != nil {
		return 0
	}
	return int(n)
}

func (m *ResourceMonitor) recordSnapshot(s ResourceSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history.Add(s)
	for m.history.Length() > m.historySize {
		m.history.Remove()
	}
}

// GetHistory returns historical snapshots, oldest first.
func (m *ResourceMonitor) GetHistory() []ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ResourceSnapshot, m.history.Length())
	for i := range result {
		result[i] = m.history.Get(i).(ResourceSnapshot)
	}
	return result
}

// GetLatest returns the most recent snapshot.
func (m *ResourceMonitor) GetLatest() (ResourceSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.history.Length() == 0 {
		return ResourceSnapshot{}, false
	}
	return m.history.Get(-1).(ResourceSnapshot), true
}

// GetTrend analyzes recent snapshots for leaks.
func (m *ResourceMonitor) GetTrend() ResourceTrend {
	history := m.GetHistory()
	if len(history) < 2 {
		return ResourceTrend{IsHealthy: true}
	}

	first := history[0]
	last := history[len(history)-1]
	duration := last.Timestamp.Sub(first.Timestamp).Hours()

	if duration < 0.01 { // Less than 36 seconds
		return ResourceTrend{IsHealthy: true}
	}

	trend := ResourceTrend{
		FDGrowthRate:        float64(last.OpenFDs-first.OpenFDs) / duration,
		GoroutineGrowthRate: float64(last.Goroutines-first.Goroutines) / duration,
		MemoryGrowthRate:    (last.HeapAllocMB - first.HeapAllocMB) / duration,
		IsHealthy:           true,
	}

	if trend.FDGrowthRate > 10 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("FD count growing at %.1f/hour (potential leak)", trend.FDGrowthRate))
	}
	if trend.GoroutineGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Goroutine count growing at %.1f/hour (potential leak)", trend.GoroutineGrowthRate))
	}
	if trend.MemoryGrowthRate > 100 {
		trend.IsHealthy = false
		trend.Warnings = append(trend.Warnings,
			fmt.Sprintf("Memory growing at %.1f MB/hour", trend.MemoryGrowthRate))
	}

	return trend
}

// CheckHealth returns warnings for exceeded thresholds.
func (m *ResourceMonitor) CheckHealth() []HealthWarning {
	snapshot, ok := m.GetLatest()
	if !ok {
		snapshot = m.TakeSnapshot()
	}
	return m.thresholds.check(snapshot)
}

func (t Thresholds) check(s ResourceSnapshot) []HealthWarning {
	var warnings []HealthWarning

	if t.FDPercent > 0 && s.FDUsagePercent > float64(t.FDPercent) {
		level := "warning"
		if s.FDUsagePercent > 90 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "fd",
			Message: fmt.Sprintf("FD usage at %.1f%% (threshold: %d%%)", s.FDUsagePercent, t.FDPercent),
			Value:   s.FDUsagePercent,
			Limit:   float64(t.FDPercent),
		})
	}

	if t.Goroutines > 0 && s.Goroutines > t.Goroutines {
		level := "warning"
		if s.Goroutines > t.Goroutines*2 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "goroutine",
			Message: fmt.Sprintf("Goroutine count at %d (threshold: %d)", s.Goroutines, t.Goroutines),
			Value:   float64(s.Goroutines),
			Limit:   float64(t.Goroutines),
		})
	}

	if t.MemoryMB > 0 && s.HeapAllocMB > float64(t.MemoryMB) {
		level := "warning"
		if s.HeapAllocMB > float64(t.MemoryMB)*1.5 {
			level = "critical"
		}
		warnings = append(warnings, HealthWarning{
			Level:   level,
			Type:    "memory",
			Message: fmt.Sprintf("Heap usage at %.1f MB (threshold: %d MB)", s.HeapAllocMB, t.MemoryMB),
			Value:   s.HeapAllocMB,
			Limit:   float64(t.MemoryMB),
		})
	}

	return warnings
}

// Uptime returns the process uptime.
func (m *ResourceMonitor) Uptime() time.Duration {
	return time.Since(m.started)
}
