package diagnostic

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/metrics"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threaddump"
)

type typeList struct{ r *Registry }

func (typeList) Type() TypeID        { return TypeList }
func (typeList) Description() string { return "Lists the diagnostic types this server answers." }

func (p typeList) Get(context.Context) (*Envelope, error) {
	return jsonEnvelope(TypeList, p.r.Types())
}

// MetricInfo is one metric family in the catalog.
type MetricInfo struct {
	Name      string              `json:"name"`
	Type      string              `json:"type"`
	Help      string              `json:"help,omitempty"`
	LabelSets []map[string]string `json:"label_sets"`
}

// MetricCatalog lists the metrics currently registered with a gatherer.
type MetricCatalog struct {
	Gatherer prometheus.Gatherer
}

func (MetricCatalog) Type() TypeID { return TypeMetricNames }
func (MetricCatalog) Description() string {
	return "Names and label sets of the metrics the server currently exports."
}

func (p MetricCatalog) Get(context.Context) (*Envelope, error) {
	infos, err := Catalog(p.Gatherer)
	if err != nil {
		return nil, err
	}
	return jsonEnvelope(TypeMetricNames, infos)
}

// Catalog gathers g and reduces it to names and label sets. Families come
// back sorted by name from the gatherer; label sets keep its order too.
func Catalog(g prometheus.Gatherer) ([]MetricInfo, error) {
	mfs, err := g.Gather()
	if err != nil && len(mfs) == 0 {
		return nil, core.ErrInternal(core.CodeProviderFailed, "gathering metrics").WithCause(err)
	}
	out := make([]MetricInfo, 0, len(mfs))
	for _, mf := range mfs {
		out = append(out, familyInfo(mf))
	}
	return out, nil
}

func familyInfo(mf *dto.MetricFamily) MetricInfo {
	info := MetricInfo{
		Name:      mf.GetName(),
		Type:      strings.ToLower(mf.GetType().String()),
		Help:      mf.GetHelp(),
		LabelSets: make([]map[string]string, 0, len(mf.GetMetric())),
	}
	for _, m := range mf.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		info.LabelSets = append(info.LabelSets, labels)
	}
	return info
}

// AllocatorStats dumps Go runtime memory statistics as text.
type AllocatorStats struct {
	// Enabled is consulted per call; a nil func means enabled.
	Enabled func() bool
}

func (AllocatorStats) Type() TypeID { return TypeAllocatorStats }
func (AllocatorStats) Description() string {
	return "Go runtime heap and GC statistics as plain text."
}

func (p AllocatorStats) Get(context.Context) (*Envelope, error) {
	if p.Enabled != nil && !p.Enabled() {
		return nil, core.ErrUnavailable(core.CodeAllocatorStatsOff, "allocator statistics are disabled by configuration")
	}
	return newEnvelope(TypeAllocatorStats, ContentTypeText, []byte(allocatorText())), nil
}

func allocatorText() string {
	var samples []metrics.Sample
	for _, d := range metrics.All() {
		if !strings.HasPrefix(d.Name, "/memory/") && !strings.HasPrefix(d.Name, "/gc/") {
			continue
		}
		if d.Kind != metrics.KindUint64 && d.Kind != metrics.KindFloat64 {
			continue
		}
		samples = append(samples, metrics.Sample{Name: d.Name})
	}
	metrics.Read(samples)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })

	var b strings.Builder
	b.WriteString("# runtime/metrics\n")
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			fmt.Fprintf(w, "%s\t%d\n", s.Name, s.Value.Uint64())
		case metrics.KindFloat64:
			fmt.Fprintf(w, "%s\t%g\n", s.Name, s.Value.Float64())
		}
	}
	_ = w.Flush()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	b.WriteString("\n# runtime.MemStats\n")
	w = tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	for _, kv := range []struct {
		name string
		val  uint64
	}{
		{"Alloc", ms.Alloc},
		{"TotalAlloc", ms.TotalAlloc},
		{"Sys", ms.Sys},
		{"Mallocs", ms.Mallocs},
		{"Frees", ms.Frees},
		{"HeapAlloc", ms.HeapAlloc},
		{"HeapSys", ms.HeapSys},
		{"HeapIdle", ms.HeapIdle},
		{"HeapInuse", ms.HeapInuse},
		{"HeapReleased", ms.HeapReleased},
		{"HeapObjects", ms.HeapObjects},
		{"StackInuse", ms.StackInuse},
		{"StackSys", ms.StackSys},
		{"NextGC", ms.NextGC},
		{"PauseTotalNs", ms.PauseTotalNs},
		{"NumGC", uint64(ms.NumGC)},
	} {
		fmt.Fprintf(w, "%s\t%d\n", kv.name, kv.val)
	}
	_ = w.Flush()
	return b.String()
}

// Dumper takes live thread dumps.
type Dumper interface {
	Dump(ctx context.Context) (*threaddump.Snapshot, error)
}

// ThreadDump answers with a fresh snapshot of every thread.
type ThreadDump struct {
	Dumper Dumper
}

func (ThreadDump) Type() TypeID { return TypeThreadDump }
func (ThreadDump) Description() string {
	return "Stacks of every OS thread and goroutine, sampled now."
}

func (p ThreadDump) Get(ctx context.Context) (*Envelope, error) {
	snap, err := p.Dumper.Dump(ctx)
	if err != nil {
		return nil, err
	}
	return jsonEnvelope(TypeThreadDump, snap)
}

func jsonEnvelope(t TypeID, v any) (*Envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, core.ErrInternal(core.CodeProviderFailed, "encoding diagnostic").WithCause(err)
	}
	return newEnvelope(t, ContentTypeJSON, body), nil
}
