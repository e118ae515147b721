package symbolicate

import (
	"log/slog"
	"regexp"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
)

// Stage refines a report. Stages run in order until one returns true.
type Stage interface {
	Process(r *Report) bool
}

// DefaultSkip matches frames that belong to the crash machinery rather
// than to the code that crashed.
var DefaultSkip = []string{
	`^runtime\.`,
	`^runtime/debug\.`,
	`^internal/runtime/`,
	`^panic$`,
	`^syscall\.`,
	`^golang\.org/x/sys/unix\.`,
	`/internal/crash\.`,
}

// Skip is an ordered set of function-name patterns.
type Skip []*regexp.Regexp

// NewSkip compiles patterns. Invalid patterns are logged and dropped.
func NewSkip(patterns []string, logger *slog.Logger) Skip {
	var out Skip
	for _, p := range patterns {
		rx, err := regexp.Compile(p)
		if err != nil {
			if logger != nil {
				logger.Error("invalid frame pattern", "pattern", p, "error", err)
			}
			continue
		}
		out = append(out, rx)
	}
	return out
}

func (s Skip) match(fn string) bool {
	for _, rx := range s {
		if rx.MatchString(fn) {
			return true
		}
	}
	return false
}

// first returns the first resolved frame not matched by s. When every
// resolved frame is skipped it falls back to the first unresolved one,
// then to the top frame.
func (s Skip) first(frames []symbols.Frame) (symbols.Frame, bool) {
	if len(frames) == 0 {
		return symbols.Frame{}, false
	}
	for _, f := range frames {
		if f.Resolved() && !s.match(f.Function) {
			return f, true
		}
	}
	for _, f := range frames {
		if !f.Resolved() {
			return f, true
		}
	}
	return frames[0], true
}

// GoroutineSite blames the first non-runtime frame of the goroutine the
// runtime printed first. Its frames come from the runtime itself, so it
// is preferred over native unwinding.
type GoroutineSite struct {
	Skip Skip
}

func (s GoroutineSite) Process(r *Report) bool {
	g, ok := firstGoroutine(r.Goroutines)
	if !ok {
		return false
	}
	f, ok := s.Skip.first(g.Frames)
	if !ok {
		return false
	}
	r.CrashSite = &CrashSite{Source: SiteGoroutine, Goroutine: g.ID, Frame: f}
	return true
}

// ThreadSite blames the first non-runtime frame of the crashed thread.
type ThreadSite struct {
	Skip Skip
}

func (s ThreadSite) Process(r *Report) bool {
	t, ok := r.CrashedThread()
	if !ok {
		return false
	}
	f, ok := s.Skip.first(t.Frames)
	if !ok {
		return false
	}
	r.CrashSite = &CrashSite{Source: SiteThread, ThreadID: t.ID, Frame: f}
	return true
}
