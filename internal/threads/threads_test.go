package threads

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
)

type recordingInspector struct {
	pauseErr error
	calls    []string
}

func (r *recordingInspector) Threads(context.Context) ([]int, error) { return []int{1}, nil }

func (r *recordingInspector) Pause(context.Context, int) error {
	r.calls = append(r.calls, "pause")
	return r.pauseErr
}

func (r *recordingInspector) ReadState(_ context.Context, tid int, _ int) (*State, error) {
	r.calls = append(r.calls, "read")
	return &State{TID: tid}, nil
}

func (r *recordingInspector) Resume(int) error {
	r.calls = append(r.calls, "resume")
	return nil
}

func TestSampleAlwaysResumes(t *testing.T) {
	insp := &recordingInspector{}
	st, err := Sample(t.Context(), insp, 7, 64)
	require.NoError(t, err)
	assert.Equal(t, 7, st.TID)
	assert.Equal(t, []string{"pause", "read", "resume"}, insp.calls)

	insp = &recordingInspector{pauseErr: core.ErrTimeout("stuck")}
	_, err = Sample(t.Context(), insp, 7, 64)
	assert.True(t, core.IsCategory(err, core.ErrCatTimeout))
	assert.Equal(t, []string{"pause", "resume"}, insp.calls)
}

func TestUnsupported(t *testing.T) {
	_, err := Sample(t.Context(), Unsupported{}, 1, 64)
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.True(t, core.IsCategory(err, core.ErrCatUnavailable))
}

func TestReplyStatus(t *testing.T) {
	assert.Equal(t, ipc.StatusOK, ReplyStatus(nil))
	assert.Equal(t, ipc.StatusGone, ReplyStatus(ErrGone))
	assert.Equal(t, ipc.StatusUnsupported, ReplyStatus(ErrUnsupported))
	assert.Equal(t, ipc.StatusTimeout, ReplyStatus(core.ErrTimeout("x")))
	assert.Equal(t, ipc.StatusFailed, ReplyStatus(errors.New("boom")))
}

// fakeMonitor answers sample requests on conn using respond.
func fakeMonitor(t *testing.T, conn net.Conn, respond func(h ipc.ControlHeader) (ipc.Status, []byte, bool)) {
	t.Helper()
	go func() {
		buf := make([]byte, ipc.MaxControlFrame)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			h, _, err := ipc.DecodeControl(buf[:n])
			if err != nil {
				continue
			}
			status, payload, ok := respond(h)
			if !ok {
				continue
			}
			out := ipc.AppendControl(nil, ipc.ControlHeader{Type: ipc.MsgSampleReply, Status: status, Seq: h.Seq, TID: h.TID}, payload)
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()
}

func TestRemoteSample(t *testing.T) {
	server, monitor := net.Pipe()
	defer monitor.Close()
	r := NewRemote(server, nil)
	defer r.Close()

	fakeMonitor(t, monitor, func(h ipc.ControlHeader) (ipc.Status, []byte, bool) {
		switch h.TID {
		case 1:
			s := ipc.Sample{Arch: uint16(minidump.ArchAMD64), PC: 0x401000, Regs: make([]uint64, 16), StackBase: 0x7000, Stack: []byte{1, 2, 3}}
			b, _ := s.MarshalBinary()
			return ipc.StatusOK, b, true
		case 2:
			return ipc.StatusGone, nil, true
		case 3:
			return 0, nil, false // never answers
		default:
			return ipc.StatusFailed, []byte("boom"), true
		}
	})

	st, err := r.Sample(t.Context(), 1, 4096)
	require.NoError(t, err)
	assert.Equal(t, minidump.ArchAMD64, st.Context.Arch)
	assert.Equal(t, uint64(0x401000), st.Context.PC)
	assert.Equal(t, []byte{1, 2, 3}, st.Stack)
	assert.Equal(t, uint64(0x7000), st.UnwindStack().Base)

	_, err = r.Sample(t.Context(), 2, 4096)
	assert.ErrorIs(t, err, ErrGone)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = r.Sample(ctx, 3, 4096)
	assert.True(t, core.IsCategory(err, core.ErrCatTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = r.Sample(t.Context(), 4, 4096)
	assert.True(t, core.IsCategory(err, core.ErrCatInternal))
}

func TestRemoteMonitorGone(t *testing.T) {
	server, monitor := net.Pipe()
	r := NewRemote(server, nil)
	defer r.Close()
	monitor.Close()

	require.Eventually(t, func() bool {
		_, err := r.Sample(t.Context(), 1, 64)
		return core.IsCategory(err, core.ErrCatUnavailable)
	}, 2*time.Second, 10*time.Millisecond)
}
