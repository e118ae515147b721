package procmetrics

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Rusage is the getrusage view of the process.
type Rusage struct {
	UserSeconds   float64
	SystemSeconds float64
	BlocksRead    float64
	BlocksWritten float64
}

// Metrics is the server's metric registry with the process and host
// metrics already registered.
type Metrics struct {
	Registry *prometheus.Registry
	// Panics counts panics seen by crash guards before they re-panic.
	Panics prometheus.Counter
}

// NewMetrics registers process metrics read from monitor and host
// metrics read from system at scrape time. system may be nil.
func NewMetrics(monitor *ResourceMonitor, system *SystemCollector) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	panics := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "process_panics_total",
		Help: "Panics that reached a crash guard.",
	})

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		panics,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "process_uptime_seconds",
			Help: "Seconds since the server started.",
		}, func() float64 { return monitor.Uptime().Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "process_threads",
			Help: "OS threads of the server process.",
		}, func() float64 { return float64(monitor.threads()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "process_filedescriptor_ratio",
			Help: "Open file descriptors over the soft limit.",
		}, func() float64 {
			open, limit := CountFDs()
			return ResourceSnapshot{OpenFDs: open, MaxFDs: limit}.FDRatio()
		}),
	}
	cs = append(cs, rusageExporter{})
	if system != nil {
		cs = append(cs, &systemExporter{c: system})
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}
	return &Metrics{Registry: reg, Panics: panics}, nil
}

// PanicCount is the current value of the panics counter.
func (m *Metrics) PanicCount() float64 {
	var pb dto.Metric
	if err := m.Panics.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

var (
	descUserTime       = prometheus.NewDesc("process_user_time_seconds", "User CPU time of the process.", nil, nil)
	descUserTimeNorm   = prometheus.NewDesc("process_user_time_normalized_seconds", "User CPU time divided by the number of CPUs.", nil, nil)
	descSystemTime     = prometheus.NewDesc("process_system_time_seconds", "System CPU time of the process.", nil, nil)
	descSystemTimeNorm = prometheus.NewDesc("process_system_time_normalized_seconds", "System CPU time divided by the number of CPUs.", nil, nil)
	descBlocksRead     = prometheus.NewDesc("process_blocks_read", "File system blocks read by the process.", nil, nil)
	descBlocksWritten  = prometheus.NewDesc("process_blocks_written", "File system blocks written by the process.", nil, nil)
)

// rusageExporter reads getrusage on every scrape. It exports nothing
// where getrusage is missing.
type rusageExporter struct{}

func (rusageExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- descUserTime
	ch <- descUserTimeNorm
	ch <- descSystemTime
	ch <- descSystemTimeNorm
	ch <- descBlocksRead
	ch <- descBlocksWritten
}

func (rusageExporter) Collect(ch chan<- prometheus.Metric) {
	ru, ok := ReadRusage()
	if !ok {
		return
	}
	cpus := float64(runtime.NumCPU())
	ch <- prometheus.MustNewConstMetric(descUserTime, prometheus.GaugeValue, ru.UserSeconds)
	ch <- prometheus.MustNewConstMetric(descUserTimeNorm, prometheus.GaugeValue, ru.UserSeconds/cpus)
	ch <- prometheus.MustNewConstMetric(descSystemTime, prometheus.GaugeValue, ru.SystemSeconds)
	ch <- prometheus.MustNewConstMetric(descSystemTimeNorm, prometheus.GaugeValue, ru.SystemSeconds/cpus)
	ch <- prometheus.MustNewConstMetric(descBlocksRead, prometheus.GaugeValue, ru.BlocksRead)
	ch <- prometheus.MustNewConstMetric(descBlocksWritten, prometheus.GaugeValue, ru.BlocksWritten)
}

var (
	descCPU       = prometheus.NewDesc("system_cpu_usage_percent", "Host CPU usage since the previous scrape.", nil, nil)
	descMemUsed   = prometheus.NewDesc("system_memory_used_percent", "Host memory in use.", nil, nil)
	descMemTotal  = prometheus.NewDesc("system_memory_total_bytes", "Host memory.", nil, nil)
	descDiskUsed  = prometheus.NewDesc("system_crash_disk_used_percent", "Usage of the file system holding the crash directory.", nil, nil)
	descLoad      = prometheus.NewDesc("system_load_average", "Host load average.", []string{"window"}, nil)
	descHostInfo  = prometheus.NewDesc("system_host_info", "Host hardware facts; always 1.", []string{"cpu_model", "cpu_cores", "cpu_threads"}, nil)
	descGPUsFound = prometheus.NewDesc("system_gpus", "Graphics cards found on the host.", nil, nil)
)

// systemExporter reads the host collector on every scrape.
type systemExporter struct {
	c *SystemCollector
}

func (e *systemExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCPU
	ch <- descMemUsed
	ch <- descMemTotal
	ch <- descDiskUsed
	ch <- descLoad
	ch <- descHostInfo
	ch <- descGPUsFound
}

func (e *systemExporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Collect()
	ch <- prometheus.MustNewConstMetric(descCPU, prometheus.GaugeValue, s.CPUPercent)
	ch <- prometheus.MustNewConstMetric(descMemUsed, prometheus.GaugeValue, s.MemPercent)
	ch <- prometheus.MustNewConstMetric(descMemTotal, prometheus.GaugeValue, s.MemTotalMB*1024*1024)
	ch <- prometheus.MustNewConstMetric(descDiskUsed, prometheus.GaugeValue, s.DiskPercent)
	ch <- prometheus.MustNewConstMetric(descLoad, prometheus.GaugeValue, s.LoadAvg1, "1m")
	ch <- prometheus.MustNewConstMetric(descLoad, prometheus.GaugeValue, s.LoadAvg5, "5m")
	ch <- prometheus.MustNewConstMetric(descLoad, prometheus.GaugeValue, s.LoadAvg15, "15m")
	ch <- prometheus.MustNewConstMetric(descHostInfo, prometheus.GaugeValue, 1,
		s.CPUModel, fmt.Sprint(s.CPUCores), fmt.Sprint(s.CPUThreads))
	ch <- prometheus.MustNewConstMetric(descGPUsFound, prometheus.GaugeValue, float64(len(s.GPUs)))
}
