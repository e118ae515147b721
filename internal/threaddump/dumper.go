// Package threaddump captures the stacks of every OS thread of the
// running server, plus its goroutines, on request.
package threaddump

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/procfs"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/traceback"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/unwind"
)

// Thread is one OS thread in a snapshot. Exactly one of Frames and
// Unavailable is set.
type Thread struct {
	ID          int             `json:"id" yaml:"id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	CPUUser     float64         `json:"cpu_user_seconds" yaml:"cpu_user_seconds"`
	CPUSystem   float64         `json:"cpu_system_seconds" yaml:"cpu_system_seconds"`
	Frames      []symbols.Frame `json:"frames,omitempty" yaml:"frames,omitempty"`
	Unavailable string          `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
}

// Snapshot is a point-in-time thread dump. It is built per request and
// never cached.
type Snapshot struct {
	PID        int                   `json:"pid" yaml:"pid"`
	Time       time.Time             `json:"time" yaml:"time"`
	Threads    []Thread              `json:"threads" yaml:"threads"`
	Goroutines []traceback.Goroutine `json:"goroutines,omitempty" yaml:"goroutines,omitempty"`
	Warnings   []string              `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Options bounds the work of one dump.
type Options struct {
	PerThreadTimeout time.Duration
	Concurrency      int
	MaxFrames        int
	StackWindow      int
}

// Dumper samples the threads of the current process.
type Dumper struct {
	pid      int
	insp     threads.Inspector
	resolver *symbols.Resolver
	opts     Options
	logger   *logging.Logger

	list func(ctx context.Context) (map[int]cpuTimes, error)

	mu      sync.Mutex
	mapsKey string
	mods    *modules.Set
}

type cpuTimes struct {
	user, system float64
}

// New creates a dumper that samples through insp.
func New(insp threads.Inspector, resolver *symbols.Resolver, opts Options, logger *logging.Logger) *Dumper {
	if opts.PerThreadTimeout <= 0 {
		opts.PerThreadTimeout = 250 * time.Millisecond
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.StackWindow <= 0 {
		opts.StackWindow = 32 << 10
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Dumper{
		pid:      os.Getpid(),
		insp:     insp,
		resolver: resolver,
		opts:     opts,
		logger:   logger.WithComponent("threaddump"),
	}
	d.list = d.systemThreads
	return d
}

// Dump samples every thread, each under its own timeout, and returns once
// all attempts finished or timed out. Threads that could not be sampled
// are listed with the reason.
func (d *Dumper) Dump(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{PID: d.pid, Time: time.Now().UTC()}

	listed, err := d.list(ctx)
	if err != nil {
		return nil, core.ErrUnavailable(core.CodeThreadsUnsupported, "cannot list threads").WithCause(err)
	}
	tids := make([]int, 0, len(listed))
	for tid := range listed {
		tids = append(tids, tid)
	}
	sort.Ints(tids)

	set, err := d.modules()
	if err != nil {
		snap.Warnings = append(snap.Warnings, fmt.Sprintf("modules: %v", err))
		set = modules.NewSet(nil)
	}

	snap.Threads = make([]Thread, len(tids))
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Concurrency)
	for i, tid := range tids {
		snap.Threads[i] = Thread{
			ID:        tid,
			Name:      procfs.ThreadName(d.pid, tid),
			CPUUser:   listed[tid].user,
			CPUSystem: listed[tid].system,
		}
		g.Go(func() error {
			d.sample(ctx, &snap.Threads[i], set)
			return nil
		})
	}
	_ = g.Wait()

	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 2); err == nil {
		tb, err := traceback.Parse(buf.String())
		if err != nil {
			snap.Warnings = append(snap.Warnings, fmt.Sprintf("goroutines: %v", err))
		}
		snap.Goroutines = tb.Goroutines
	}

	unavailable := 0
	for _, t := range snap.Threads {
		if t.Unavailable != "" {
			unavailable++
		}
	}
	d.logger.Debug("thread dump taken", "threads", len(snap.Threads), "unavailable", unavailable, "goroutines", len(snap.Goroutines))
	return snap, nil
}

type sampleResult struct {
	state *threads.State
	err   error
}

// sample fills in t. An inspector that ignores its context cannot hold
// the dump past the per-thread timeout: the attempt is abandoned.
func (d *Dumper) sample(ctx context.Context, t *Thread, set *modules.Set) {
	tctx, cancel := context.WithTimeout(ctx, d.opts.PerThreadTimeout)
	defer cancel()

	done := make(chan sampleResult, 1)
	go func() {
		st, err := threads.Sample(tctx, d.insp, t.ID, d.opts.StackWindow)
		done <- sampleResult{st, err}
	}()

	var res sampleResult
	select {
	case res = <-done:
	case <-tctx.Done():
		res.err = core.ErrTimeout("thread did not stop in time").WithCause(tctx.Err())
	}
	if res.err != nil {
		t.Unavailable = unavailableReason(res.err, d.opts.PerThreadTimeout)
		return
	}
	if res.state == nil || res.state.Context == nil {
		t.Unavailable = "registers unavailable"
		return
	}
	raw := unwind.Walk(res.state.Context, res.state.UnwindStack(), set, d.opts.MaxFrames)
	t.Frames = d.resolver.ResolveAll(set, raw)
}

func unavailableReason(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, threads.ErrGone):
		return "thread exited"
	case core.IsCategory(err, core.ErrCatTimeout):
		return fmt.Sprintf("timed out after %s", timeout)
	default:
		var de *core.DomainError
		if errors.As(err, &de) {
			return de.Message
		}
		return err.Error()
	}
}

// systemThreads lists threads with their CPU times, falling back to the
// inspector when the process table is unreadable.
func (d *Dumper) systemThreads(ctx context.Context) (map[int]cpuTimes, error) {
	p, err := process.NewProcessWithContext(ctx, int32(d.pid))
	if err == nil {
		ts, terr := p.ThreadsWithContext(ctx)
		if terr == nil && len(ts) > 0 {
			out := make(map[int]cpuTimes, len(ts))
			for tid, t := range ts {
				out[int(tid)] = cpuTimes{user: t.User, system: t.System}
			}
			return out, nil
		}
		err = terr
	}
	d.logger.Debug("process thread table unavailable, asking the inspector", "error", err)
	tids, ierr := d.insp.Threads(ctx)
	if ierr != nil {
		return nil, errors.Join(err, ierr)
	}
	out := make(map[int]cpuTimes, len(tids))
	for _, tid := range tids {
		out[tid] = cpuTimes{}
	}
	return out, nil
}

// modules returns the module set, rebuilt only when the mappings change.
func (d *Dumper) modules() (*modules.Set, error) {
	text, maps, err := procfs.Maps(d.pid)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mods != nil && text == d.mapsKey {
		return d.mods, nil
	}
	d.mods = modules.NewSet(procfs.Modules(d.pid, maps))
	d.mapsKey = text
	return d.mods, nil
}
