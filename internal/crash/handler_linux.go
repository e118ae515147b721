//go:build linux

package crash

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/ipc"
)

// link is the raw notification socket.
type link struct {
	fd  int
	pfd [1]unix.PollFd
	ack [1]byte
}

func newLink(fd int) link {
	return link{fd: fd, pfd: [1]unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}}
}

func (l *link) send(h *Handler) {
	if l.fd <= 0 {
		return
	}
	h.notif.TID = uint64(unix.Gettid())
	h.notif.Encode(&h.rec)
	if n, err := unix.Write(l.fd, h.rec[:]); err != nil || n != len(h.rec) {
		return
	}
	l.waitAck(h.ackTimeout)
}

// waitAck polls for the acknowledgment byte until the deadline.
func (l *link) waitAck(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		l.pfd[0].Revents = 0
		n, err := unix.Poll(l.pfd[:], int(remaining.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return false
		}
		if l.pfd[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 && l.pfd[0].Revents&unix.POLLIN == 0 {
			return false
		}
		got, err := unix.Read(l.fd, l.ack[:])
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err == nil && got == 1 && l.ack[0] == ipc.AckByte
	}
}
