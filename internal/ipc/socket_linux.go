//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// SocketPair creates a connected SOCK_SEQPACKET pair. Both ends are
// close-on-exec; pass the remote end to a child through ExtraFiles.
func SocketPair(name string) (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair %s: %w", name, err)
	}
	for _, fd := range fds {
		// Large enough for one full control frame. Failure only limits
		// the stack window the monitor can return.
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, MaxControlFrame+4096)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, MaxControlFrame+4096)
	}
	return os.NewFile(uintptr(fds[0]), name+"-local"), os.NewFile(uintptr(fds[1]), name+"-remote"), nil
}

// Conn wraps an inherited seqpacket descriptor in a net.Conn so reads
// and writes go through the runtime poller and honour deadlines. The
// file is closed; the returned connection owns a duplicate.
func Conn(f *os.File) (*net.UnixConn, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap %s: %w", f.Name(), err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("wrap %s: not a unix socket", f.Name())
	}
	return uc, nil
}

// sndbufOverhead is what the kernel keeps back from the send buffer of a
// datagram socket when checking a message's size.
const sndbufOverhead = 256

// FrameCapacity is the largest control frame conn can send. The kernel
// caps SO_SNDBUF at net.core.wmem_max, which may be below what
// SocketPair asks for. It returns MaxControlFrame when the buffer size
// cannot be read.
func FrameCapacity(conn syscall.Conn) int {
	rc, err := conn.SyscallConn()
	if err != nil {
		return MaxControlFrame
	}
	var size int
	var serr error
	err = rc.Control(func(fd uintptr) {
		size, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF)
	})
	if err != nil || serr != nil || size <= sndbufOverhead {
		return MaxControlFrame
	}
	return min(size-sndbufOverhead, MaxControlFrame)
}
