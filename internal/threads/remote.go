package threads

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/procfs"
)

// Remote inspects the calling process by asking the crash monitor to
// sample its threads. A process cannot ptrace its own threads, so the
// monitor pauses, reads and resumes each thread inside one request.
type Remote struct {
	conn   net.Conn
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint32
	calls  map[uint32]chan reply
	err    error
	closed chan struct{}
}

type reply struct {
	header  ipc.ControlHeader
	payload []byte
}

// NewRemote starts reading replies from conn.
func NewRemote(conn net.Conn, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Remote{
		conn:   conn,
		logger: logger.With("component", "remote-inspector"),
		calls:  make(map[uint32]chan reply),
		closed: make(chan struct{}),
	}
	go r.readLoop()
	return r
}

// Close shuts the control channel.
func (r *Remote) Close() error {
	return r.conn.Close()
}

func (r *Remote) readLoop() {
	buf := make([]byte, ipc.MaxControlFrame)
	for {
		n, err := r.conn.Read(buf)
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			close(r.closed)
			return
		}
		h, payload, err := ipc.DecodeControl(buf[:n])
		if err != nil || h.Type != ipc.MsgSampleReply {
			r.logger.Warn("dropping malformed control frame", "bytes", n, "error", err)
			continue
		}
		r.mu.Lock()
		ch := r.calls[h.Seq]
		delete(r.calls, h.Seq)
		r.mu.Unlock()
		if ch != nil {
			ch <- reply{header: h, payload: append([]byte(nil), payload...)}
		}
	}
}

// Threads lists the threads of the calling process.
func (r *Remote) Threads(context.Context) ([]int, error) {
	return procfs.Threads(os.Getpid())
}

// Pause is a no-op; the monitor pauses the thread during ReadState.
func (r *Remote) Pause(context.Context, int) error { return nil }

// Resume is a no-op; the monitor resumes the thread before replying.
func (r *Remote) Resume(int) error { return nil }

// ReadState samples tid through the monitor.
func (r *Remote) ReadState(ctx context.Context, tid int, window int) (*State, error) {
	return r.Sample(ctx, tid, window)
}

// Sample implements Sampler.
func (r *Remote) Sample(ctx context.Context, tid int, window int) (*State, error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return nil, monitorGone(r.err)
	}
	r.seq++
	seq := r.seq
	ch := make(chan reply, 1)
	r.calls[seq] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.calls, seq)
		r.mu.Unlock()
	}()

	frame := ipc.AppendControl(nil, ipc.ControlHeader{Type: ipc.MsgSample, Seq: seq, TID: uint64(tid)}, ipc.SampleRequest(uint32(window)))
	if _, err := r.conn.Write(frame); err != nil {
		return nil, monitorGone(err)
	}

	select {
	case rep := <-ch:
		return decodeReply(tid, rep)
	case <-ctx.Done():
		return nil, sampleTimeoutErr(ctx)
	case <-r.closed:
		return nil, monitorGone(r.err)
	}
}

func decodeReply(tid int, rep reply) (*State, error) {
	switch rep.header.Status {
	case ipc.StatusOK:
		var s ipc.Sample
		if err := s.UnmarshalBinary(rep.payload); err != nil {
			return nil, core.ErrInternal(core.CodeProviderFailed, "malformed sample from monitor").WithCause(err)
		}
		return &State{
			TID:       tid,
			Context:   &minidump.Context{Arch: minidump.Arch(s.Arch), PC: s.PC, Regs: s.Regs},
			StackBase: s.StackBase,
			Stack:     s.Stack,
		}, nil
	case ipc.StatusGone:
		return nil, ErrGone
	case ipc.StatusUnsupported:
		return nil, core.ErrUnavailable(core.CodeThreadsUnsupported, string(rep.payload))
	case ipc.StatusTimeout:
		return nil, core.ErrTimeout("thread did not stop in time")
	default:
		return nil, core.ErrInternal(core.CodeProviderFailed, "sample failed").WithCause(errors.New(string(rep.payload)))
	}
}

// ReplyStatus maps a sampling error to the status sent back to the server.
func ReplyStatus(err error) ipc.Status {
	switch {
	case err == nil:
		return ipc.StatusOK
	case errors.Is(err, ErrGone):
		return ipc.StatusGone
	case core.IsCategory(err, core.ErrCatUnavailable):
		return ipc.StatusUnsupported
	case core.IsCategory(err, core.ErrCatTimeout):
		return ipc.StatusTimeout
	default:
		return ipc.StatusFailed
	}
}

func monitorGone(cause error) error {
	return core.ErrUnavailable(core.CodeMonitorUnavailable, "crash monitor is not running").WithCause(cause)
}

func sampleTimeoutErr(ctx context.Context) error {
	return core.ErrTimeout("thread did not stop in time").WithCause(ctx.Err())
}
