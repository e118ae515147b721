// Package symbolicate turns stored crash dumps into reports: it unwinds
// every captured thread, resolves frames to functions and source lines,
// parses the Go traceback and picks the crash site.
package symbolicate

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/traceback"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/unwind"
)

// maxStartupReports bounds how many new artifacts are logged in full at
// startup.
const maxStartupReports = 5

// Pipeline builds reports from the artifacts of one store. It is safe
// for concurrent use.
type Pipeline struct {
	store     *store.Store
	resolver  *symbols.Resolver
	maxFrames int
	stages    []Stage
	logger    *logging.Logger
}

// New creates a pipeline. A maxFrames of zero uses the unwinder default.
func New(st *store.Store, resolver *symbols.Resolver, maxFrames int, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	skip := NewSkip(DefaultSkip, logger.Logger)
	return &Pipeline{
		store:     st,
		resolver:  resolver,
		maxFrames: maxFrames,
		stages:    []Stage{GoroutineSite{Skip: skip}, ThreadSite{Skip: skip}},
		logger:    logger.WithComponent("symbolicate"),
	}
}

// Symbolicate builds the report for a stored artifact.
func (p *Pipeline) Symbolicate(ctx context.Context, id string) (*Report, error) {
	data, err := p.store.Fetch(id)
	if err != nil {
		return nil, err
	}
	return p.Build(ctx, id, data)
}

// Build builds the report for artifact bytes. It never modifies data.
// A defect in the artifact that trips a panic is reported as an internal
// error.
func (p *Pipeline) Build(ctx context.Context, id string, data []byte) (r *Report, err error) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.WithArtifact(id).Error("symbolication panicked", "panic", v)
			r = nil
			err = core.ErrInternal(core.CodeArtifactCorrupt, fmt.Sprintf("symbolicating artifact %s: %v", id, v))
		}
	}()
	return p.build(ctx, id, data)
}

func (p *Pipeline) build(ctx context.Context, id string, data []byte) (*Report, error) {
	d, err := minidump.Parse(data)
	if err != nil {
		return nil, err
	}
	r := &Report{
		ArtifactID: id,
		Time:       d.Time,
		PID:        d.PID,
		Kind:       faultKind(d),
		Version:    d.Annotations[minidump.AnnotationVersion],
		Capture:    d.Annotations[minidump.AnnotationCapture],
		CmdLine:    splitCmdLine(d.CmdLine),
		Warnings:   append([]string(nil), d.Warnings...),
	}
	if !d.ProcessCreateTime.IsZero() {
		t := d.ProcessCreateTime
		r.ProcessStart = &t
	}

	mods := make([]modules.Module, 0, len(d.Modules))
	for _, m := range d.Modules {
		mod := modules.Module{Base: m.Base, Size: m.Size, Path: m.Path, BuildID: m.BuildID}
		mods = append(mods, mod)
		r.Modules = append(r.Modules, Module{Base: symbols.Addr(m.Base), Size: m.Size, Path: m.Path, BuildID: mod.BuildIDHex()})
	}
	set := modules.NewSet(mods)

	r.Threads = make([]Thread, 0, len(d.Threads))
	for i := range d.Threads {
		if err := ctx.Err(); err != nil {
			return nil, core.ErrTimeout("symbolication did not finish in time").WithCause(err)
		}
		r.Threads = append(r.Threads, p.thread(d, &d.Threads[i], set))
	}

	tb, err := traceback.Parse(d.Traceback)
	if err != nil {
		r.Warnings = append(r.Warnings, fmt.Sprintf("GoTraceback: %v", err))
	}
	r.Goroutines = tb.Goroutines
	r.Reason = reason(r.Kind, d.Exception, tb.Reason())

	for _, s := range p.stages {
		if s.Process(r) {
			break
		}
	}
	return r, nil
}

func (p *Pipeline) thread(d *minidump.Dump, t *minidump.Thread, set *modules.Set) Thread {
	out := Thread{ID: t.ID, Name: t.Name}
	ctx := t.Context
	if d.Exception != nil && d.Exception.ThreadID == t.ID {
		out.Crashed = true
		if ctx == nil {
			ctx = d.Exception.Context
		}
	}
	if ctx == nil {
		out.Unavailable = "registers were not captured"
		return out
	}
	raw := unwind.Walk(ctx, unwind.Stack{Base: t.StackBase, Data: t.Stack}, set, p.maxFrames)
	out.Frames = p.resolver.ResolveAll(set, raw)
	return out
}

// ReportNewest logs the artifacts written since the last startup and
// advances the last-reported marker. It returns how many were new.
func (p *Pipeline) ReportNewest(ctx context.Context) (int, error) {
	arts, err := p.store.Unreported()
	if err != nil || len(arts) == 0 {
		return 0, err
	}
	if len(arts) > maxStartupReports {
		p.logger.Error("crash artifacts found since last start, reporting the newest", "count", len(arts), "reported", maxStartupReports)
	}
	// Oldest first, so the newest crash is the last thing logged.
	for i := min(len(arts), maxStartupReports) - 1; i >= 0; i-- {
		a := arts[i]
		log := p.logger.WithArtifact(a.ID)
		r, err := p.Symbolicate(ctx, a.ID)
		if err != nil {
			log.Warn("crash artifact could not be symbolicated", "error", err)
			continue
		}
		log.Error("previous run crashed",
			"kind", r.Kind,
			"reason", r.Reason,
			"crash_site", r.CrashSite.String(),
			"time", r.Time,
			"capture", r.Capture,
		)
	}
	if err := p.store.MarkReported(arts[0].ID); err != nil {
		return len(arts), fmt.Errorf("recording reported artifacts: %w", err)
	}
	return len(arts), nil
}

func faultKind(d *minidump.Dump) string {
	if k := d.Annotations[minidump.AnnotationFaultKind]; k != "" {
		return k
	}
	if d.Exception != nil && d.Exception.Code != 0 {
		return ipc.KindForSignal(syscall.Signal(d.Exception.Code)).String()
	}
	return ipc.KindUnknown.String()
}

func reason(kind string, exc *minidump.Exception, fromTraceback string) string {
	switch {
	case fromTraceback != "":
		return fromTraceback
	case exc != nil && exc.Address != 0:
		return fmt.Sprintf("%s at 0x%x", kind, exc.Address)
	default:
		return kind
	}
}

func splitCmdLine(s string) []string {
	var out []string
	for _, a := range strings.Split(s, "\x00") {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
