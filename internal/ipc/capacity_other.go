//go:build !linux

package ipc

import "syscall"

// FrameCapacity returns MaxControlFrame; control channels exist on Linux
// only.
func FrameCapacity(syscall.Conn) int {
	return MaxControlFrame
}
