//go:build linux

package threads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/procfs"
)

const ntPRStatus = 1 // NT_PRSTATUS regset

// ErrClosed is returned by a Tracer after Close.
var ErrClosed = errors.New("tracer closed")

// Tracer inspects the threads of another process with ptrace. Every
// ptrace request must come from the thread that attached, so all of them
// run on one goroutine locked to its OS thread. Stops are polled rather
// than waited for, so one wedged thread never holds up the others.
type Tracer struct {
	pid    int
	logger *slog.Logger

	reqs      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the worker goroutine.
	seized map[int]*seizure
}

type seizure struct {
	refs    int
	stopped bool
	// signal interrupted by our stop; it is re-injected on detach.
	signal  unix.Signal
	waiters []chan error
}

// NewTracer starts a tracer for pid.
func NewTracer(pid int, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		pid:    pid,
		logger: logger.With("component", "ptrace", "pid", pid),
		reqs:   make(chan func()),
		done:   make(chan struct{}),
		seized: make(map[int]*seizure),
	}
	go t.loop()
	return t
}

// Close stops the worker. Threads still attached are released when its
// OS thread exits.
func (t *Tracer) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *Tracer) loop() {
	// Never unlocked: when this goroutine returns its thread exits and
	// the kernel detaches whatever is still traced.
	runtime.LockOSThread()
	for {
		var poll <-chan time.Time
		if t.pending() {
			poll = time.After(time.Millisecond)
		}
		select {
		case fn := <-t.reqs:
			fn()
		case <-poll:
			t.pollAll()
		case <-t.done:
			t.releaseAll()
			return
		}
	}
}

// do runs fn on the worker and returns its result.
func (t *Tracer) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case t.reqs <- func() { errc <- fn() }:
	case <-ctx.Done():
		return sampleTimeoutErr(ctx)
	case <-t.done:
		return ErrClosed
	}
	return <-errc
}

// Threads lists the target's threads.
func (t *Tracer) Threads(context.Context) ([]int, error) {
	tids, err := procfs.Threads(t.pid)
	if err != nil {
		return nil, core.ErrUnavailable(core.CodeThreadGone, "target process is gone").WithCause(err)
	}
	return tids, nil
}

// Pause seizes and interrupts tid and waits until it stops.
func (t *Tracer) Pause(ctx context.Context, tid int) error {
	var wait chan error
	err := t.do(ctx, func() error {
		s, ok := t.seized[tid]
		if !ok {
			if err := ptrace(unix.PTRACE_SEIZE, tid, 0, 0); err != nil {
				return mapErrno(err)
			}
			s = &seizure{}
			t.seized[tid] = s
			if err := ptrace(unix.PTRACE_INTERRUPT, tid, 0, 0); err != nil {
				delete(t.seized, tid)
				return mapErrno(err)
			}
		}
		s.refs++
		if !s.stopped {
			t.poll(tid, s)
		}
		if s.stopped {
			return nil
		}
		wait = make(chan error, 1)
		s.waiters = append(s.waiters, wait)
		return nil
	})
	if err != nil || wait == nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return sampleTimeoutErr(ctx)
	case <-t.done:
		return ErrClosed
	}
}

// ReadState reads the registers and stack of a paused thread.
func (t *Tracer) ReadState(ctx context.Context, tid int, window int) (*State, error) {
	var st *State
	err := t.do(ctx, func() error {
		s, ok := t.seized[tid]
		if !ok || !s.stopped {
			return fmt.Errorf("thread %d is not stopped", tid)
		}
		regs := new([regCount]uint64)
		if err := getRegs(tid, regs[:]); err != nil {
			return mapErrno(err)
		}
		st = &State{TID: tid, Context: contextFromRegs(regs[:])}
		if st.Context == nil {
			return ErrUnsupported
		}

		_, maps, err := procfs.Maps(t.pid)
		if err != nil {
			return mapErrno(err)
		}
		mem, err := procfs.OpenMem(t.pid)
		if err != nil {
			return mapErrno(err)
		}
		defer mem.Close()
		sp := st.Context.SP()
		if stack, err := mem.ReadStack(maps, sp, window); err == nil {
			st.StackBase, st.Stack = sp, stack
		} else {
			t.logger.Debug("stack unreadable", "tid", tid, "sp", fmt.Sprintf("%#x", sp), "error", err)
		}
		return nil
	})
	return st, err
}

// Resume releases one Pause of tid. The thread is detached once every
// Pause has been released; a thread that has not stopped yet is detached
// as soon as it does.
func (t *Tracer) Resume(tid int) error {
	return t.do(context.Background(), func() error {
		s, ok := t.seized[tid]
		if !ok {
			return nil
		}
		if s.refs > 0 {
			s.refs--
		}
		if s.refs == 0 && s.stopped {
			return t.detach(tid, s)
		}
		return nil
	})
}

func (t *Tracer) pending() bool {
	for _, s := range t.seized {
		if !s.stopped {
			return true
		}
	}
	return false
}

func (t *Tracer) pollAll() {
	for tid, s := range t.seized {
		if s.stopped {
			continue
		}
		t.poll(tid, s)
		if s.stopped && s.refs == 0 {
			_ = t.detach(tid, s)
		}
	}
}

// poll checks, without blocking, whether tid has stopped or exited.
func (t *Tracer) poll(tid int, s *seizure) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(tid, &ws, unix.WALL|unix.WNOHANG, nil)
	switch {
	case err != nil:
		t.finish(tid, s, mapErrno(err))
	case wpid == 0:
	case ws.Exited() || ws.Signaled():
		t.finish(tid, s, ErrGone)
	case ws.Stopped():
		if uint32(ws)>>16 != unix.PTRACE_EVENT_STOP {
			// A signal-delivery stop: the thread is stopped all the
			// same, but the signal belongs to the program.
			s.signal = ws.StopSignal()
		}
		s.stopped = true
		t.notify(s, nil)
	}
}

func (t *Tracer) finish(tid int, s *seizure, err error) {
	delete(t.seized, tid)
	t.notify(s, err)
}

func (t *Tracer) notify(s *seizure, err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

func (t *Tracer) detach(tid int, s *seizure) error {
	delete(t.seized, tid)
	if err := ptrace(unix.PTRACE_DETACH, tid, 0, uintptr(s.signal)); err != nil && !errors.Is(err, unix.ESRCH) {
		t.logger.Warn("detach failed", "tid", tid, "error", err)
		return err
	}
	return nil
}

func (t *Tracer) releaseAll() {
	for tid, s := range t.seized {
		if s.stopped {
			_ = t.detach(tid, s)
		}
		t.notify(s, ErrClosed)
	}
}

func ptrace(req int, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func getRegs(tid int, regs []uint64) error {
	iov := new(unix.Iovec)
	iov.Base = (*byte)(unsafe.Pointer(&regs[0]))
	iov.SetLen(len(regs) * 8)
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET, uintptr(tid), ntPRStatus, uintptr(unsafe.Pointer(iov)), 0, 0)
	runtime.KeepAlive(regs)
	if errno != 0 {
		return errno
	}
	return nil
}

func mapErrno(err error) error {
	switch {
	case errors.Is(err, unix.ESRCH), errors.Is(err, unix.ECHILD):
		return ErrGone
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return core.ErrUnavailable(core.CodeThreadsUnsupported, "ptrace is not permitted").WithCause(err)
	default:
		return err
	}
}
