// Package ipc defines the records exchanged between the server and its
// crash monitor. All records are fixed-layout little-endian and travel
// over SOCK_SEQPACKET sockets, so one write is one record.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// NotificationSize is the encoded size of a Notification.
const NotificationSize = 32

// AckByte is the single byte the monitor returns once it has captured
// the process for a notification.
const AckByte byte = 'K'

const notificationMagic uint32 = 0x314e5743 // "CWN1"

var (
	ErrShortRecord = errors.New("ipc: short record")
	ErrBadMagic    = errors.New("ipc: bad magic")
)

// FaultKind classifies what killed the server.
type FaultKind uint16

const (
	KindUnknown FaultKind = iota
	KindSIGSEGV
	KindSIGILL
	KindSIGABRT
	KindSIGBUS
	KindSIGFPE
	// KindPanic is an unrecovered Go panic caught by a guard.
	KindPanic
	// KindFatal is a runtime fatal error seen only through crash output.
	KindFatal
)

var kindNames = [...]string{
	KindUnknown: "UNKNOWN",
	KindSIGSEGV: "SIGSEGV",
	KindSIGILL:  "SIGILL",
	KindSIGABRT: "SIGABRT",
	KindSIGBUS:  "SIGBUS",
	KindSIGFPE:  "SIGFPE",
	KindPanic:   "PANIC",
	KindFatal:   "FATAL",
}

func (k FaultKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("FaultKind(%d)", uint16(k))
}

// ParseFaultKind is the inverse of String. Unknown names map to KindUnknown.
func ParseFaultKind(s string) FaultKind {
	for i, name := range kindNames {
		if strings.EqualFold(name, s) {
			return FaultKind(i)
		}
	}
	return KindUnknown
}

// KindForSignal maps a fatal signal to its fault kind.
func KindForSignal(sig syscall.Signal) FaultKind {
	switch sig {
	case syscall.SIGSEGV:
		return KindSIGSEGV
	case syscall.SIGILL:
		return KindSIGILL
	case syscall.SIGABRT:
		return KindSIGABRT
	case syscall.SIGBUS:
		return KindSIGBUS
	case syscall.SIGFPE:
		return KindSIGFPE
	default:
		return KindUnknown
	}
}

// Signal returns the signal number for signal kinds and zero otherwise.
func (k FaultKind) Signal() syscall.Signal {
	switch k {
	case KindSIGSEGV:
		return syscall.SIGSEGV
	case KindSIGILL:
		return syscall.SIGILL
	case KindSIGABRT:
		return syscall.SIGABRT
	case KindSIGBUS:
		return syscall.SIGBUS
	case KindSIGFPE:
		return syscall.SIGFPE
	default:
		return 0
	}
}

// Notification flags.
const (
	// FlagFaultAddr marks FaultAddr as meaningful.
	FlagFaultAddr uint16 = 1 << iota
)

// Notification tells the monitor that the server is dying.
//
//	off  size
//	0    4    magic "CWN1"
//	4    2    kind
//	6    2    flags
//	8    8    faulting thread id
//	16   8    unix time, nanoseconds
//	24   8    fault address
type Notification struct {
	Kind      FaultKind
	Flags     uint16
	TID       uint64
	UnixNanos int64
	FaultAddr uint64
}

// Encode writes n into buf. It does not allocate.
func (n *Notification) Encode(buf *[NotificationSize]byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], notificationMagic)
	le.PutUint16(buf[4:], uint16(n.Kind))
	le.PutUint16(buf[6:], n.Flags)
	le.PutUint64(buf[8:], n.TID)
	le.PutUint64(buf[16:], uint64(n.UnixNanos))
	le.PutUint64(buf[24:], n.FaultAddr)
}

// DecodeNotification parses one record.
func DecodeNotification(b []byte) (Notification, error) {
	if len(b) < NotificationSize {
		return Notification{}, ErrShortRecord
	}
	le := binary.LittleEndian
	if le.Uint32(b) != notificationMagic {
		return Notification{}, ErrBadMagic
	}
	return Notification{
		Kind:      FaultKind(le.Uint16(b[4:])),
		Flags:     le.Uint16(b[6:]),
		TID:       le.Uint64(b[8:]),
		UnixNanos: int64(le.Uint64(b[16:])),
		FaultAddr: le.Uint64(b[24:]),
	}, nil
}

// HasFaultAddr reports whether FaultAddr is set.
func (n Notification) HasFaultAddr() bool {
	return n.Flags&FlagFaultAddr != 0
}
