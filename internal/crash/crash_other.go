//go:build !linux

package crash

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

type link struct{}

func (l *link) send(*Handler) {}

// Options configures Start.
type Options struct {
	Executable  string
	MonitorArgs []string
	Env         []string
	AckTimeout  time.Duration
	Traceback   string
	Panics      prometheus.Counter
	Logger      *slog.Logger
	Stderr      io.Writer
}

// Session is a running monitor wired to this process.
type Session struct {
	Handler   *Handler
	Inspector threads.Inspector
}

// Start is unsupported off Linux; crash capture stays disabled.
func Start(context.Context, Options) (*Session, error) {
	return nil, core.ErrUnavailable(core.CodeMonitorUnavailable, "crash capture is only supported on linux")
}

func (s *Session) Pid() int     { return 0 }
func (s *Session) Alive() bool  { return false }
func (s *Session) Close() error { return nil }
