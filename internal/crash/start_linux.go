//go:build linux

package crash

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

const stopGrace = 2 * time.Second

// Options configures Start.
type Options struct {
	// Executable is the binary run as the monitor. Defaults to the
	// running executable.
	Executable string
	// MonitorArgs are the arguments after the executable name, including
	// the monitor subcommand.
	MonitorArgs []string
	Env         []string
	AckTimeout  time.Duration
	// Traceback is passed to debug.SetTraceback when set.
	Traceback string
	Panics    prometheus.Counter
	Logger    *slog.Logger
	Stderr    io.Writer
}

// Session is a running monitor wired to this process.
type Session struct {
	Handler *Handler
	// Inspector samples this process's threads through the monitor.
	Inspector threads.Inspector

	cmd      *exec.Cmd
	notify   *os.File
	remote   *threads.Remote
	logger   *slog.Logger
	sigs     chan os.Signal
	exited   chan struct{}
	stopOnce sync.Once
}

// Start launches the monitor and installs the crash handler. The
// returned session must be closed on clean shutdown so the monitor
// exits without writing an artifact.
func Start(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "crash")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, monitorUnavailable("locating executable", err)
		}
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	notifyLocal, notifyRemote, err := ipc.SocketPair("crash-notify")
	if err != nil {
		return nil, monitorUnavailable("creating notification channel", err)
	}
	controlLocal, controlRemote, err := ipc.SocketPair("crash-control")
	if err != nil {
		closeAll(notifyLocal, notifyRemote)
		return nil, monitorUnavailable("creating control channel", err)
	}
	outRead, outWrite, err := os.Pipe()
	if err != nil {
		closeAll(notifyLocal, notifyRemote, controlLocal, controlRemote)
		return nil, monitorUnavailable("creating crash output pipe", err)
	}

	cmd := exec.Command(exe, opts.MonitorArgs...)
	cmd.Env = opts.Env
	cmd.Stdout = opts.Stderr
	cmd.Stderr = opts.Stderr
	if cmd.Stderr == nil {
		cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	}
	cmd.ExtraFiles = []*os.File{notifyRemote, controlRemote, outRead}
	// Own process group so a terminal's ^C reaches only the server, which
	// then closes the session.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(notifyLocal, notifyRemote, controlLocal, controlRemote, outRead, outWrite)
		return nil, monitorUnavailable("starting monitor", err)
	}
	closeAll(notifyRemote, controlRemote, outRead)

	pid := cmd.Process.Pid
	// Yama restricts ptrace to ancestors; the monitor is our child.
	if err := unix.Prctl(unix.PR_SET_PTRACER, uintptr(pid), 0, 0, 0); err != nil {
		logger.Debug("PR_SET_PTRACER failed, live thread dumps may be unavailable", "error", err)
	}

	if opts.Traceback != "" {
		debug.SetTraceback(opts.Traceback)
	}
	// The runtime duplicates the descriptor.
	if err := debug.SetCrashOutput(outWrite, debug.CrashOptions{}); err != nil {
		logger.Warn("crash output redirection failed", "error", err)
	}
	outWrite.Close()

	conn, err := ipc.Conn(controlLocal)
	if err != nil {
		_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
		notifyLocal.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, monitorUnavailable("opening control channel", err)
	}
	remote := threads.NewRemote(conn, logger)

	h := &Handler{ackTimeout: ackTimeout, panics: opts.Panics}
	h.link = newLink(int(notifyLocal.Fd()))

	s := &Session{
		Handler:   h,
		Inspector: remote,
		cmd:       cmd,
		notify:    notifyLocal,
		remote:    remote,
		logger:    logger,
		sigs:      make(chan os.Signal, 1),
		exited:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		close(s.exited)
		if !h.fired.Load() {
			logger.Warn("crash monitor exited", "pid", pid, "error", err)
		}
	}()
	s.watchSignals()

	logger.Info("crash monitor started", "pid", pid, "ack_timeout", ackTimeout)
	return s, nil
}

// Pid is the monitor's process id.
func (s *Session) Pid() int {
	return s.cmd.Process.Pid
}

// Alive reports whether the monitor is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Close detaches the handler and stops the monitor. Closing the
// notification socket tells the monitor to exit; it is killed if it
// does not within the grace period.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		signal.Stop(s.sigs)
		close(s.sigs)
		// Disarm before the descriptor goes away.
		s.Handler.fired.Store(true)
		_ = debug.SetCrashOutput(nil, debug.CrashOptions{})
		_ = s.remote.Close()
		_ = s.notify.Close()

		select {
		case <-s.exited:
		case <-time.After(stopGrace):
			_ = syscall.Kill(-s.Pid(), syscall.SIGKILL)
			<-s.exited
		}
		s.logger.Info("crash monitor stopped")
	})
	return nil
}

// watchSignals forwards asynchronous fatal signals to the monitor, then
// restores the default disposition and re-raises so the process dies
// the way it would have without us.
func (s *Session) watchSignals() {
	sigs := make([]os.Signal, len(fatalSignals))
	for i, sig := range fatalSignals {
		sigs[i] = sig
	}
	signal.Notify(s.sigs, sigs...)
	go func() {
		sig, ok := <-s.sigs
		if !ok {
			return
		}
		ssig := sig.(syscall.Signal)
		s.Handler.Notify(ipc.KindForSignal(ssig), 0, false)
		reraise(ssig)
	}()
}

// reraise delivers sig to the calling thread with the default action.
func reraise(sig syscall.Signal) {
	runtime.LockOSThread()
	signal.Reset(sig)
	// The runtime's own handler ignores a SIGSEGV that did not come from
	// a fault. Install SIG_DFL directly.
	var act [32]byte
	_, _, _ = unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(&act)), 0, 8, 0, 0)
	_ = unix.Tgkill(unix.Getpid(), unix.Gettid(), unix.Signal(sig))
	time.Sleep(100 * time.Millisecond)
	os.Exit(128 + int(sig))
}

func monitorUnavailable(msg string, cause error) error {
	return core.ErrUnavailable(core.CodeMonitorUnavailable, fmt.Sprintf("crash monitor: %s", msg)).WithCause(cause)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
