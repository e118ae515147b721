package diagnostic

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbolicate"
)

// Crashes exposes stored crash artifacts by id. Store reads and
// symbolication run off the caller's goroutine under the same bound as
// registry providers.
type Crashes struct {
	store    *store.Store
	pipeline *symbolicate.Pipeline
	timeout  func() time.Duration
	logger   *logging.Logger
}

// NewCrashes creates the crash accessor. A nil store means crash capture
// is not configured, and every call returns Unavailable.
func NewCrashes(st *store.Store, p *symbolicate.Pipeline, timeout func() time.Duration, logger *logging.Logger) *Crashes {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Crashes{store: st, pipeline: p, timeout: timeout, logger: logger.WithComponent("crashes")}
}

func (c *Crashes) bound() time.Duration {
	if c.timeout != nil {
		if d := c.timeout(); d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

func (c *Crashes) available() error {
	if c == nil || c.store == nil {
		return core.ErrUnavailable(core.CodeMonitorUnavailable, "crash capture is not enabled")
	}
	return nil
}

// List returns the stored artifacts, newest first.
func (c *Crashes) List(ctx context.Context) ([]store.Artifact, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return invoke(ctx, c.bound(), c.logger, func(context.Context) ([]store.Artifact, error) {
		return c.store.List()
	})
}

// Report symbolicates one artifact.
func (c *Crashes) Report(ctx context.Context, id string) (*symbolicate.Report, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return invoke(ctx, c.bound(), c.logger.WithArtifact(id), func(ctx context.Context) (*symbolicate.Report, error) {
		return c.pipeline.Symbolicate(ctx, id)
	})
}

// Envelope wraps the report for id the way registry answers are wrapped.
func (c *Crashes) Envelope(ctx context.Context, id string) (*Envelope, error) {
	r, err := c.Report(ctx, id)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, core.ErrInternal(core.CodeProviderFailed, "encoding crash report").WithCause(err)
	}
	return newEnvelope(TypeCrashReport, ContentTypeJSON, body), nil
}

// Raw returns the artifact bytes unchanged.
func (c *Crashes) Raw(ctx context.Context, id string) ([]byte, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return invoke(ctx, c.bound(), c.logger.WithArtifact(id), func(context.Context) ([]byte, error) {
		return c.store.Fetch(id)
	})
}
