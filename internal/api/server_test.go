package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/diagnostic"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/health"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbolicate"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
)

type stuckProvider struct{ release chan struct{} }

func (stuckProvider) Type() diagnostic.TypeID { return "stuck.v1" }
func (stuckProvider) Description() string     { return "never answers in time" }
func (p stuckProvider) Get(context.Context) (*diagnostic.Envelope, error) {
	<-p.release
	return nil, errors.New("too late")
}

type stateCheck struct{ state health.State }

func (stateCheck) Type() string { return "TEST" }
func (c stateCheck) Result(context.Context) health.Result {
	return health.Result{State: c.state}
}

type fixture struct {
	srv   *httptest.Server
	store *store.Store
}

func newFixture(t *testing.T, opts ...ServerOption) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir(), 0, nil)
	require.NoError(t, err)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	timeout := func() time.Duration { return 100 * time.Millisecond }
	reg := diagnostic.NewRegistry(timeout, nil)
	reg.Register(diagnostic.AllocatorStats{Enabled: func() bool { return false }})
	reg.Register(stuckProvider{release: release})
	crashes := diagnostic.NewCrashes(st, symbolicate.New(st, symbols.NewResolver(nil), 0, nil), timeout, nil)

	s := NewServer(reg, crashes, opts...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (f *fixture) publish(t *testing.T) string {
	t.Helper()
	w, err := f.store.Create()
	require.NoError(t, err)
	require.NoError(t, minidump.Write(w, &minidump.Dump{
		Time:        time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Arch:        minidump.HostArch(),
		PID:         7,
		Threads:     []minidump.Thread{{ID: 7, Name: "server"}},
		Annotations: map[string]string{minidump.AnnotationFaultKind: "SIGBUS"},
	}))
	require.NoError(t, w.Commit())
	return w.ID()
}

func errorBody(t *testing.T, body string) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	hr, err := health.NewRegistry(nil)
	require.NoError(t, err)
	hr.Register(stateCheck{health.Warning})
	f := newFixture(t, WithHealth(hr))

	resp, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rep health.Report
	require.NoError(t, json.Unmarshal([]byte(body), &rep))
	assert.Equal(t, health.Warning, rep.State)

	hr.Register(stateCheck{health.Error})
	resp, _ = f.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "t"})
	reg.MustRegister(c)
	c.Add(3)
	f := newFixture(t, WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	resp, body := f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "test_total 3")
}

func TestDiagnosticEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/debug/diagnostic")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(diagnostic.TypeList), resp.Header.Get("X-Diagnostic-Type"))
	assert.Equal(t, "v1", resp.Header.Get("X-Diagnostic-Version"))
	var types []diagnostic.TypeInfo
	require.NoError(t, json.Unmarshal([]byte(body), &types))
	assert.Len(t, types, 3)

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/debug/diagnostic/heap.objects.v1", http.StatusNotFound, core.CodeUnknownDiagnostic},
		{"/debug/diagnostic/go.allocator.stats.v1", http.StatusNotImplemented, core.CodeAllocatorStatsOff},
		{"/debug/diagnostic/stuck.v1", http.StatusGatewayTimeout, "TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := f.get(t, tt.path)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, errorBody(t, body)["code"])
		})
	}
}

func TestCrashEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/debug/crashes")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", body)

	id := f.publish(t)

	resp, body = f.get(t, "/debug/crashes")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var arts []store.Artifact
	require.NoError(t, json.Unmarshal([]byte(body), &arts))
	require.Len(t, arts, 1)
	assert.Equal(t, id, arts[0].ID)

	resp, body = f.get(t, "/debug/crashes/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(diagnostic.TypeCrashReport), resp.Header.Get("X-Diagnostic-Type"))
	var rep symbolicate.Report
	require.NoError(t, json.Unmarshal([]byte(body), &rep))
	assert.Equal(t, "SIGBUS", rep.Kind)

	resp, body = f.get(t, "/debug/crashes/"+id+"?format=yaml")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fromYAML map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(body), &fromYAML))
	assert.Equal(t, "SIGBUS", fromYAML["kind"])

	resp, body = f.get(t, "/debug/crashes/"+id+"?format=markdown")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "# Crash "+id))

	resp, _ = f.get(t, "/debug/crashes/"+id+"?format=xml")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body = f.get(t, "/debug/crashes/"+id+"/raw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.True(t, minidump.IsMinidump([]byte(body)))

	resp, _ = f.get(t, "/debug/crashes/0190a6b2-0000-7000-8000-000000000000")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "/debug/crashes/..%2f..%2fetc%2fpasswd/raw")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCrashEndpointsWithoutCapture(t *testing.T) {
	s := NewServer(diagnostic.NewRegistry(nil, nil), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/crashes")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, WithCORSOrigins([]string{"https://admin.example"}))
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://admin.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://admin.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHttpStatusForDomainError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		ok     bool
	}{
		{core.ErrUnavailable("X", "x"), http.StatusNotImplemented, true},
		{core.ErrNotFound("artifact", "x"), http.StatusNotFound, true},
		{core.ErrTimeout("x"), http.StatusGatewayTimeout, true},
		{core.ErrInternal("X", "x"), http.StatusInternalServerError, true},
		{core.ErrValidation("X", "x"), http.StatusUnprocessableEntity, true},
		{errors.New("plain"), 0, false},
	}
	for _, tt := range tests {
		status, ok := httpStatusForDomainError(tt.err)
		assert.Equal(t, tt.ok, ok, "%v", tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
	}
}

func TestServeShutsDownWithContext(t *testing.T) {
	s := NewServer(diagnostic.NewRegistry(nil, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeDefersGuard(t *testing.T) {
	var guarded atomic.Int32
	s := NewServer(diagnostic.NewRegistry(nil, nil), nil, WithGuard(func() { guarded.Add(1) }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	// The serve loop and its shutdown goroutine.
	assert.Eventually(t, func() bool { return guarded.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}
