// Package monitor is the out-of-process half of crash capture. It runs
// as a child of the server, waits for a crash notification or runtime
// crash output, snapshots the dying server and publishes one minidump
// artifact. It also samples server threads on request, since a process
// cannot trace itself.
package monitor

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/logging"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/store"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

const maxCrashOutput = 8 << 20

// Channels are the monitor's connections to the server.
type Channels struct {
	// Notify carries crash notifications and acknowledgments. Its
	// closing means the server exited or shut down.
	Notify net.Conn
	// Control carries thread sample requests. Optional.
	Control net.Conn
	// CrashOutput is the read end of the runtime crash output pipe.
	CrashOutput io.Reader
}

// Monitor captures one crash of one process.
type Monitor struct {
	settings Settings
	store    *store.Store
	insp     threads.Inspector
	logger   *logging.Logger
}

// New creates a monitor for settings.PID, or the parent process when unset.
func New(settings Settings, st *store.Store, insp threads.Inspector, logger *logging.Logger) *Monitor {
	if settings.PID <= 0 {
		settings.PID = os.Getppid()
	}
	if settings.SampleTimeout <= 0 {
		settings.SampleTimeout = 250 * time.Millisecond
	}
	if settings.FinalizeTimeout <= 0 {
		settings.FinalizeTimeout = 3 * time.Second
	}
	if settings.StackWindow <= 0 {
		settings.StackWindow = 32 << 10
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Monitor{
		settings: settings,
		store:    st,
		insp:     insp,
		logger:   logger.WithComponent("monitor").With("pid", settings.PID),
	}
}

// Run serves ch until the server goes away. It returns nil after a clean
// shutdown and after a crash was handled, whether or not an artifact
// could be written.
func (m *Monitor) Run(ctx context.Context, ch Channels) error {
	out := collect(ch.CrashOutput, maxCrashOutput)
	notes := make(chan ipc.Notification, 1)
	peerClosed := make(chan struct{})
	go m.readNotifications(ch.Notify, notes, peerClosed)
	if ch.Control != nil {
		go m.serveControl(ctx, ch.Control)
		defer ch.Control.Close()
	}

	m.logger.Info("monitor ready")
	select {
	case <-ctx.Done():
		return ctx.Err()

	case n := <-notes:
		m.logger.Warn("crash notification received", "kind", n.Kind, "tid", n.TID)
		d := m.capture(ctx, &n)
		if _, err := ch.Notify.Write([]byte{ipc.AckByte}); err != nil {
			m.logger.Warn("acknowledgment not delivered", "error", err)
		}
		m.finalize(out, peerClosed)
		m.persist(d, &n, out.String())

	case <-out.started:
		m.logger.Warn("runtime crash output without notification")
		d := m.capture(ctx, nil)
		m.finalize(out, peerClosed)
		m.persist(d, nil, out.String())

	case <-peerClosed:
		// A runtime fatal error ends the output and the process at the
		// same time, so give the output a chance to arrive.
		select {
		case <-out.done:
		case <-time.After(m.settings.FinalizeTimeout):
		}
		text := out.String()
		if text == "" {
			m.logger.Info("server closed, monitor exiting")
			return nil
		}
		m.logger.Warn("server exited with crash output")
		m.persist(m.capture(ctx, nil), nil, text)
	}
	return nil
}

// readNotifications forwards the first valid record and reports the
// peer closing.
func (m *Monitor) readNotifications(conn net.Conn, notes chan<- ipc.Notification, closed chan<- struct{}) {
	defer close(closed)
	buf := make([]byte, 2*ipc.NotificationSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				m.logger.Debug("notification channel closed", "error", err)
			}
			return
		}
		note, err := ipc.DecodeNotification(buf[:n])
		if err != nil {
			m.logger.Warn("dropping malformed notification", "bytes", n, "error", err)
			continue
		}
		select {
		case notes <- note:
		default:
		}
	}
}

// finalize waits, up to the finalize timeout, for the crash output to
// end and the server to exit.
func (m *Monitor) finalize(out *crashOutput, peerClosed <-chan struct{}) {
	timeout := time.NewTimer(m.settings.FinalizeTimeout)
	defer timeout.Stop()
	outDone, closed := out.done, peerClosed
	for outDone != nil || closed != nil {
		select {
		case <-outDone:
			outDone = nil
		case <-closed:
			closed = nil
		case <-timeout.C:
			m.logger.Warn("finalize window elapsed", "output_complete", outDone == nil, "server_exited", closed == nil)
			return
		}
	}
}

// persist writes d as a new artifact. Nothing is published when the
// capture produced nothing at all.
func (m *Monitor) persist(d *minidump.Dump, n *ipc.Notification, traceback string) {
	d.Traceback = traceback
	kind := ipc.KindFatal
	if n != nil {
		kind = n.Kind
	} else if strings.HasPrefix(strings.TrimSpace(traceback), "panic:") {
		kind = ipc.KindPanic
	}
	d.Annotations[minidump.AnnotationFaultKind] = kind.String()

	if len(d.Threads) == 0 && len(d.Modules) == 0 && traceback == "" {
		m.logger.Error("crash capture produced nothing, no artifact written", "kind", kind)
		return
	}

	w, err := m.store.Create()
	if err != nil {
		m.logger.Error("cannot create artifact", "error", err)
		return
	}
	log := m.logger.WithArtifact(w.ID())
	if err := minidump.Write(w, d); err != nil {
		log.Error("writing artifact failed", "error", err)
		_ = w.Discard()
		return
	}
	if err := w.Commit(); err != nil {
		log.Error("publishing artifact failed", "error", err)
		return
	}
	log.Error("crash artifact written", "kind", kind, "threads", len(d.Threads), "capture", d.Annotations[minidump.AnnotationCapture])
}
