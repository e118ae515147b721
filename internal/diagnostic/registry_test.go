package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbolicate"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threaddump"
)

type funcProvider struct {
	id TypeID
	fn func(ctx context.Context) (*Envelope, error)
}

func (p funcProvider) Type() TypeID        { return p.id }
func (p funcProvider) Description() string { return "test" }
func (p funcProvider) Get(ctx context.Context) (*Envelope, error) {
	return p.fn(ctx)
}

func fixedTimeout(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestTypeIDVersion(t *testing.T) {
	assert.Equal(t, "v1", TypeThreadDump.Version())
	assert.Equal(t, "", TypeID("plain").Version())
}

func TestTypesListsRegisteredProviders(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(AllocatorStats{})
	r.Register(MetricCatalog{Gatherer: prometheus.NewRegistry()})

	types := r.Types()
	ids := make([]TypeID, 0, len(types))
	for _, ti := range types {
		ids = append(ids, ti.Type)
		assert.NotEmpty(t, ti.Description)
	}
	assert.Equal(t, []TypeID{TypeList, TypeAllocatorStats, TypeMetricNames}, ids)

	env, err := r.Get(context.Background(), TypeList)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeJSON, env.ContentType)
	assert.Equal(t, "v1", env.Version)
	var listed []TypeInfo
	require.NoError(t, json.Unmarshal(env.Body, &listed))
	assert.Equal(t, types, listed)
}

func TestUnknownTypeIsNotFound(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Get(context.Background(), "heap.objects.v1")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeUnknownDiagnostic, de.Code)
}

func TestProviderTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	r := NewRegistry(fixedTimeout(50*time.Millisecond), nil)
	r.Register(funcProvider{id: "stuck.v1", fn: func(context.Context) (*Envelope, error) {
		<-release // ignores ctx
		return nil, nil
	}})

	start := time.Now()
	_, err := r.Get(context.Background(), "stuck.v1")
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, core.IsCategory(err, core.ErrCatTimeout), "got %v", err)
}

func TestProviderErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want core.ErrorCategory
	}{
		{"plain error", errors.New("boom"), core.ErrCatInternal},
		{"unavailable kept", core.ErrUnavailable(core.CodeThreadsUnsupported, "no"), core.ErrCatUnavailable},
		{"deadline", context.DeadlineExceeded, core.ErrCatTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil, nil)
			r.Register(funcProvider{id: "x.v1", fn: func(context.Context) (*Envelope, error) {
				return nil, tt.err
			}})
			_, err := r.Get(context.Background(), "x.v1")
			assert.True(t, core.IsCategory(err, tt.want), "got %v", err)
		})
	}
}

func TestProviderPanicIsInternal(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(funcProvider{id: "panics.v1", fn: func(context.Context) (*Envelope, error) {
		panic("provider bug")
	}})
	_, err := r.Get(context.Background(), "panics.v1")
	assert.True(t, core.IsCategory(err, core.ErrCatInternal))
	assert.Contains(t, err.Error(), "provider bug")
}

func TestAllocatorStats(t *testing.T) {
	enabled := false
	r := NewRegistry(nil, nil)
	r.Register(AllocatorStats{Enabled: func() bool { return enabled }})

	_, err := r.Get(context.Background(), TypeAllocatorStats)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatUnavailable), "disabled stats are unavailable, not internal")
	assert.False(t, core.IsCategory(err, core.ErrCatInternal))

	enabled = true
	env, err := r.Get(context.Background(), TypeAllocatorStats)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeText, env.ContentType)
	body := string(env.Body)
	assert.Contains(t, body, "/memory/classes/heap/objects:bytes")
	assert.Contains(t, body, "HeapAlloc")
}

func TestMetricCatalogMatchesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_requests_total", Help: "Requests.",
	}, []string{"method", "code"})
	requests.WithLabelValues("GET", "200").Inc()
	requests.WithLabelValues("POST", "500").Inc()
	up := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_up", Help: "Up."})
	reg.MustRegister(requests, up)

	r := NewRegistry(nil, nil)
	r.Register(MetricCatalog{Gatherer: reg})
	env, err := r.Get(context.Background(), TypeMetricNames)
	require.NoError(t, err)

	var infos []MetricInfo
	require.NoError(t, json.Unmarshal(env.Body, &infos))
	require.Len(t, infos, 2)

	assert.Equal(t, "test_requests_total", infos[0].Name)
	assert.Equal(t, "counter", infos[0].Type)
	assert.ElementsMatch(t, []map[string]string{
		{"method": "GET", "code": "200"},
		{"method": "POST", "code": "500"},
	}, infos[0].LabelSets)

	assert.Equal(t, "test_up", infos[1].Name)
	assert.Equal(t, "gauge", infos[1].Type)
	assert.Equal(t, []map[string]string{{}}, infos[1].LabelSets)

	reg.Unregister(up)
	infos, err = Catalog(reg)
	require.NoError(t, err)
	assert.Len(t, infos, 1, "the catalog follows what is registered now")
}

type fakeDumper struct {
	snap *threaddump.Snapshot
	err  error
}

func (f fakeDumper) Dump(context.Context) (*threaddump.Snapshot, error) { return f.snap, f.err }

func TestThreadDumpProvider(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(ThreadDump{Dumper: fakeDumper{snap: &threaddump.Snapshot{
		PID: 42,
		Threads: []threaddump.Thread{
			{ID: 42, Frames: []symbols.Frame{{Address: 0x1000, Function: "main.main"}}},
			{ID: 43, Unavailable: "timed out after 250ms"},
		},
	}}})

	env, err := r.Get(context.Background(), TypeThreadDump)
	require.NoError(t, err)
	var snap threaddump.Snapshot
	require.NoError(t, json.Unmarshal(env.Body, &snap))
	require.Len(t, snap.Threads, 2)
	assert.Equal(t, "main.main", snap.Threads[0].Frames[0].Function)
	assert.Equal(t, "timed out after 250ms", snap.Threads[1].Unavailable)

	r.Register(ThreadDump{Dumper: fakeDumper{err: core.ErrUnavailable(core.CodeThreadsUnsupported, "no threads here")}})
	_, err = r.Get(context.Background(), TypeThreadDump)
	assert.True(t, core.IsCategory(err, core.ErrCatUnavailable))
}

func TestCrashes(t *testing.T) {
	st, err := store.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	c := NewCrashes(st, symbolicate.New(st, symbols.NewResolver(nil), 0, nil), nil, nil)

	arts, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, arts)

	w, err := st.Create()
	require.NoError(t, err)
	require.NoError(t, minidump.Write(w, &minidump.Dump{
		Time:        time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Arch:        minidump.HostArch(),
		PID:         99,
		Threads:     []minidump.Thread{{ID: 99}},
		Annotations: map[string]string{minidump.AnnotationFaultKind: "SIGABRT"},
	}))
	require.NoError(t, w.Commit())

	arts, err = c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, w.ID(), arts[0].ID)

	env, err := c.Envelope(context.Background(), w.ID())
	require.NoError(t, err)
	assert.Equal(t, TypeCrashReport, env.Type)
	var report symbolicate.Report
	require.NoError(t, json.Unmarshal(env.Body, &report))
	assert.Equal(t, "SIGABRT", report.Kind)
	assert.Len(t, report.Threads, 1)

	raw, err := c.Raw(context.Background(), w.ID())
	require.NoError(t, err)
	assert.True(t, minidump.IsMinidump(raw))

	_, err = c.Report(context.Background(), "not-an-id")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestCrashesWithoutStore(t *testing.T) {
	c := NewCrashes(nil, nil, nil, nil)
	_, err := c.List(context.Background())
	assert.True(t, core.IsCategory(err, core.ErrCatUnavailable))
	_, err = c.Raw(context.Background(), "x")
	assert.True(t, core.IsCategory(err, core.ErrCatUnavailable))
}
