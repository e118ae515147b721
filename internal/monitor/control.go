package monitor

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

// serveControl answers sample requests until the server closes the
// channel. Requests are answered concurrently and may complete out of
// order; replies carry the request's sequence number.
func (m *Monitor) serveControl(ctx context.Context, conn net.Conn) {
	var wg sync.WaitGroup
	defer wg.Wait()

	limit := ipc.MaxStackWindow
	if sc, ok := conn.(syscall.Conn); ok {
		capacity := ipc.FrameCapacity(sc)
		limit = ipc.StackWindowLimit(capacity)
		if limit < m.settings.StackWindow {
			m.logger.Warn("control channel limits sampled stack windows",
				"frame_capacity", capacity,
				"stack_window", m.settings.StackWindow,
				"sample_window", limit)
		}
	}

	buf := make([]byte, ipc.MaxControlFrame)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		h, payload, err := ipc.DecodeControl(buf[:n])
		if err != nil || h.Type != ipc.MsgSample {
			m.logger.Warn("dropping control frame", "bytes", n, "error", err)
			continue
		}
		window, err := ipc.ParseSampleRequest(payload)
		if err != nil {
			m.reply(conn, h, ipc.StatusFailed, []byte(err.Error()))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.answerSample(ctx, conn, h, min(int(window), limit))
		}()
	}
}

func (m *Monitor) answerSample(ctx context.Context, conn net.Conn, h ipc.ControlHeader, window int) {
	sctx, cancel := context.WithTimeout(ctx, m.settings.SampleTimeout)
	st, err := threads.Sample(sctx, m.insp, int(h.TID), window)
	cancel()
	if err != nil {
		m.logger.Debug("sample failed", "tid", h.TID, "error", err)
		m.reply(conn, h, threads.ReplyStatus(err), []byte(err.Error()))
		return
	}
	if st.Context == nil {
		m.reply(conn, h, ipc.StatusUnsupported, []byte("registers unavailable"))
		return
	}
	s := ipc.Sample{
		Arch:      uint16(st.Context.Arch),
		PC:        st.Context.PC,
		Regs:      st.Context.Regs,
		StackBase: st.StackBase,
		Stack:     st.Stack,
	}
	payload, err := s.MarshalBinary()
	if err != nil {
		m.reply(conn, h, ipc.StatusFailed, []byte(err.Error()))
		return
	}
	m.reply(conn, h, ipc.StatusOK, payload)
}

func (m *Monitor) reply(conn net.Conn, req ipc.ControlHeader, status ipc.Status, payload []byte) {
	h := ipc.ControlHeader{Type: ipc.MsgSampleReply, Status: status, Seq: req.Seq, TID: req.TID}
	if _, err := conn.Write(ipc.AppendControl(nil, h, payload)); err != nil {
		m.logger.Debug("control reply not delivered", "seq", req.Seq, "error", err)
	}
}
