// Package diagnostic maps a fixed set of diagnostic type ids to the
// providers that answer them. It is the only entry point the admin HTTP
// layer uses for on-demand diagnostics.
package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
)

// TypeID names one diagnostic. The suffix is the payload version.
type TypeID string

const (
	TypeList           TypeID = "diagnostic.types.v1"
	TypeMetricNames    TypeID = "metric.names.v1"
	TypeAllocatorStats TypeID = "go.allocator.stats.v1"
	TypeThreadDump     TypeID = "go.thread.dump.v1"

	// TypeCrashReport tags crash report envelopes. Reports are fetched by
	// artifact id through Crashes, not through the registry.
	TypeCrashReport TypeID = "crash.report.v1"
)

// Version returns the version tag carried in the id.
func (t TypeID) Version() string {
	s := string(t)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// DefaultTimeout bounds a provider call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Envelope is a provider's answer.
type Envelope struct {
	Type        TypeID `json:"type"`
	Version     string `json:"version"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"-"`
}

func newEnvelope(t TypeID, contentType string, body []byte) *Envelope {
	return &Envelope{Type: t, Version: t.Version(), ContentType: contentType, Body: body}
}

// Provider answers one diagnostic type. Get should honor ctx, but the
// registry does not wait for it past the deadline either way.
type Provider interface {
	Type() TypeID
	Description() string
	Get(ctx context.Context) (*Envelope, error)
}

// TypeInfo lists one registered type.
type TypeInfo struct {
	Type        TypeID `json:"type"`
	Description string `json:"description"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[TypeID]Provider

	timeout func() time.Duration
	logger  *logging.Logger
}

// NewRegistry creates a registry that already answers TypeList. timeout
// is read on every call so it can follow config reloads; nil uses
// DefaultTimeout.
func NewRegistry(timeout func() time.Duration, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		providers: make(map[TypeID]Provider),
		timeout:   timeout,
		logger:    logger.WithComponent("diagnostic"),
	}
	r.Register(typeList{r})
	return r
}

// Register adds p, replacing any provider for the same type.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

// Types lists the registered types sorted by id.
func (r *Registry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeInfo, 0, len(r.providers))
	for t, p := range r.providers {
		out = append(out, TypeInfo{Type: t, Description: p.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Get runs the provider for t under the configured timeout.
func (r *Registry) Get(ctx context.Context, t TypeID) (*Envelope, error) {
	r.mu.RLock()
	p, ok := r.providers[t]
	r.mu.RUnlock()
	if !ok {
		err := core.ErrNotFound("diagnostic type", string(t))
		err.Code = core.CodeUnknownDiagnostic
		return nil, err
	}
	return invoke(ctx, r.Timeout(), r.logger.With("type", string(t)), p.Get)
}

// Timeout is the current per-call bound.
func (r *Registry) Timeout() time.Duration {
	if r.timeout != nil {
		if d := r.timeout(); d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

type result[T any] struct {
	val T
	err error
}

// invoke runs fn in its own goroutine and returns when it finishes or
// the timeout passes, whichever is first. A provider that ignores ctx
// keeps running in the background but no longer holds the caller.
func invoke[T any](ctx context.Context, timeout time.Duration, logger *logging.Logger, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("diagnostic provider panicked", "panic", p)
				var zero T
				done <- result[T]{zero, core.ErrInternal(core.CodeProviderFailed, fmt.Sprintf("provider panicked: %v", p))}
			}
		}()
		v, err := fn(ctx)
		done <- result[T]{v, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			res.err = classify(res.err)
			logger.Debug("diagnostic provider failed", "error", res.err, "duration", time.Since(start))
		}
		return res.val, res.err
	case <-ctx.Done():
		logger.Warn("diagnostic provider timed out", "timeout", timeout)
		var zero T
		return zero, core.ErrTimeout(fmt.Sprintf("diagnostic did not complete within %s", timeout)).WithCause(ctx.Err())
	}
}

// classify keeps domain errors as they are and turns anything else into
// an internal failure.
func classify(err error) error {
	var de *core.DomainError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.ErrTimeout("diagnostic was cancelled").WithCause(err)
	}
	return core.ErrInternal(core.CodeProviderFailed, "diagnostic provider failed").WithCause(err)
}
