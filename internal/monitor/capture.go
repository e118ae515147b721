package monitor

import (
	"context"
	"runtime"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/procfs"
)

// Capture completeness recorded in the capture annotation.
const (
	captureComplete = "complete"
	capturePartial  = "partial"
	captureNone     = "none"
)

// capture snapshots the server. Every step is best effort: whatever
// could be read is kept and the rest is left empty.
func (m *Monitor) capture(ctx context.Context, n *ipc.Notification) *minidump.Dump {
	ctx, cancel := context.WithTimeout(ctx, m.settings.captureTimeout())
	defer cancel()

	pid := m.settings.PID
	start := time.Now()
	d := &minidump.Dump{
		Time:        start.UTC(),
		Arch:        minidump.HostArch(),
		NumCPU:      runtime.NumCPU(),
		PID:         uint32(pid),
		Annotations: map[string]string{},
	}
	if m.settings.Version != "" {
		d.Annotations[minidump.AnnotationVersion] = m.settings.Version
	}
	if ms, err := procfs.StartTime(pid); err == nil {
		d.ProcessCreateTime = time.UnixMilli(ms).UTC()
	}
	if args, err := procfs.CmdLine(pid); err == nil {
		d.CmdLine = strings.Join(m.logger.Sanitizer().SanitizeArgs(args), "\x00")
	} else {
		m.logger.Debug("cmdline unavailable", "error", err)
	}
	if text, maps, err := procfs.Maps(pid); err == nil {
		d.Maps = text
		for _, mod := range procfs.Modules(pid, maps) {
			d.Modules = append(d.Modules, minidump.Module{Base: mod.Base, Size: mod.Size, Path: mod.Path, BuildID: mod.BuildID})
		}
	} else {
		m.logger.Debug("maps unavailable", "error", err)
	}

	d.Threads = m.captureThreads(ctx)
	d.Annotations[minidump.AnnotationCapture] = completeness(d.Threads)

	if n != nil {
		d.Exception = &minidump.Exception{
			ThreadID: uint32(n.TID),
			Code:     uint32(n.Kind.Signal()),
			Address:  n.FaultAddr,
		}
		if t, ok := d.ThreadByID(uint32(n.TID)); ok {
			d.Exception.Context = t.Context
		}
	}
	m.logger.Info("process captured", "threads", len(d.Threads), "modules", len(d.Modules), "capture", d.Annotations[minidump.AnnotationCapture], "elapsed", time.Since(start))
	return d
}

// captureThreads stops every thread before reading any, so the stacks
// form one consistent snapshot, and resumes them all before returning.
func (m *Monitor) captureThreads(ctx context.Context) []minidump.Thread {
	tids, err := m.insp.Threads(ctx)
	if err != nil {
		m.logger.Warn("cannot list threads", "error", err)
		return nil
	}

	paused := make(map[int]bool, len(tids))
	defer func() {
		for tid := range paused {
			_ = m.insp.Resume(tid)
		}
	}()
	for _, tid := range tids {
		pctx, cancel := context.WithTimeout(ctx, m.settings.SampleTimeout)
		err := m.insp.Pause(pctx, tid)
		cancel()
		if err != nil {
			m.logger.Debug("thread not paused", "tid", tid, "error", err)
			// Resume is owed even after a failed Pause.
			_ = m.insp.Resume(tid)
			continue
		}
		paused[tid] = true
	}

	out := make([]minidump.Thread, 0, len(tids))
	for _, tid := range tids {
		t := minidump.Thread{ID: uint32(tid), Name: procfs.ThreadName(m.settings.PID, tid)}
		if paused[tid] {
			st, err := m.insp.ReadState(ctx, tid, m.settings.StackWindow)
			if err != nil {
				m.logger.Debug("thread state unreadable", "tid", tid, "error", err)
			} else {
				t.Context, t.StackBase, t.Stack = st.Context, st.StackBase, st.Stack
			}
		}
		out = append(out, t)
	}
	return out
}

func completeness(ts []minidump.Thread) string {
	got := 0
	for _, t := range ts {
		if t.Context != nil {
			got++
		}
	}
	switch {
	case got == 0:
		return captureNone
	case got == len(ts):
		return captureComplete
	default:
		return capturePartial
	}
}
