// Package crash is the in-process half of crash capture. It starts the
// monitor process and notifies it when the server is about to die. The
// notification path only writes a fixed record to a pre-opened socket
// and waits for a one-byte acknowledgment: it never allocates, locks or
// logs, because the process may be in an inconsistent state.
package crash

import (
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
)

// Descriptor numbers the monitor inherits, in ExtraFiles order.
const (
	NotifyFD      = 3
	ControlFD     = 4
	CrashOutputFD = 5
)

// DefaultAckTimeout bounds how long a dying process waits for the monitor.
const DefaultAckTimeout = 5 * time.Second

// fatalSignals are intercepted when delivered asynchronously (kill,
// abort). Faults raised by Go code itself surface as panics instead.
var fatalSignals = []syscall.Signal{
	syscall.SIGSEGV,
	syscall.SIGILL,
	syscall.SIGABRT,
	syscall.SIGBUS,
	syscall.SIGFPE,
}

// Handler notifies the monitor of a fatal fault. A nil Handler is valid
// and does nothing beyond re-panicking in Guard.
type Handler struct {
	ackTimeout time.Duration
	panics     prometheus.Counter
	fired      atomic.Bool

	// Preallocated so the notify path does not allocate.
	rec   [ipc.NotificationSize]byte
	notif ipc.Notification
	link  link
}

// Notify tells the monitor the process is dying and waits for its
// acknowledgment or the ack timeout. Only the first call sends; later
// calls return at once. It never reports failure: if the monitor is
// gone the process simply continues into default crash handling.
func (h *Handler) Notify(kind ipc.FaultKind, addr uint64, hasAddr bool) {
	if h == nil || !h.fired.CompareAndSwap(false, true) {
		return
	}
	h.notif = ipc.Notification{Kind: kind, UnixNanos: time.Now().UnixNano(), FaultAddr: addr}
	if hasAddr {
		h.notif.Flags |= ipc.FlagFaultAddr
	}
	h.link.send(h)
}

// Guard is deferred at the top of goroutines the server owns. On a panic
// it counts it, notifies the monitor and re-panics so that the runtime's
// default handling prints the traceback and exits.
//
//	go func() {
//		defer h.Guard()
//		...
//	}()
func (h *Handler) Guard() {
	r := recover()
	if r == nil {
		return
	}
	if h != nil {
		if h.panics != nil {
			h.panics.Inc()
		}
		addr, ok := faultAddr(r)
		h.Notify(ipc.KindPanic, addr, ok)
	}
	panic(r)
}

// NewGuard returns a function to defer at the top of goroutines the
// server owns. It counts the panic in panics, notifies the monitor
// through h when h is non-nil, and re-panics. It works with crash
// capture disabled, where Handler.Guard would not count.
func NewGuard(h *Handler, panics prometheus.Counter) func() {
	return func() {
		r := recover()
		if r == nil {
			return
		}
		if panics != nil {
			panics.Inc()
		}
		if h != nil {
			addr, ok := faultAddr(r)
			h.Notify(ipc.KindPanic, addr, ok)
		}
		panic(r)
	}
}

// faultAddr extracts the faulting address from runtime memory errors.
func faultAddr(v any) (uint64, bool) {
	if a, ok := v.(interface{ Addr() uintptr }); ok {
		return uint64(a.Addr()), true
	}
	return 0, false
}
