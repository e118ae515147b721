package ipc

import (
	"encoding/binary"
	"fmt"
)

// ControlHeaderSize is the size of the fixed control frame header.
const ControlHeaderSize = 24

// MaxControlFrame bounds one control frame. The socket send buffer is
// sized to hold it.
const MaxControlFrame = 1 << 20

// MaxStackWindow is the largest stack window a sample may carry.
const MaxStackWindow = MaxControlFrame - ControlHeaderSize - sampleFixedSize - 64*8

// StackWindowLimit is the largest stack window whose sample reply fits
// in a frame of frameCapacity bytes.
func StackWindowLimit(frameCapacity int) int {
	return max(0, min(MaxStackWindow, frameCapacity-ControlHeaderSize-sampleFixedSize-64*8))
}

const controlMagic uint32 = 0x314c5443 // "CTL1"

// MsgType identifies a control frame.
type MsgType uint16

const (
	// MsgSample asks the monitor to sample one server thread. The payload
	// is a little-endian u32 stack window size.
	MsgSample MsgType = iota + 1
	// MsgSampleReply carries a Sample on StatusOK, or an error text.
	MsgSampleReply
)

// Status is the outcome of a control request.
type Status uint16

const (
	StatusOK Status = iota
	// StatusGone means the thread exited before it could be sampled.
	StatusGone
	// StatusUnsupported means the monitor cannot trace on this system.
	StatusUnsupported
	StatusTimeout
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGone:
		return "gone"
	case StatusUnsupported:
		return "unsupported"
	case StatusTimeout:
		return "timeout"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint16(s))
	}
}

// ControlHeader precedes every control payload.
//
//	off  size
//	0    4    magic "CTL1"
//	4    2    type
//	6    2    status
//	8    4    sequence number
//	12   4    reserved
//	16   8    thread id
type ControlHeader struct {
	Type   MsgType
	Status Status
	Seq    uint32
	TID    uint64
}

// AppendControl appends an encoded frame to dst.
func AppendControl(dst []byte, h ControlHeader, payload []byte) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint32(dst, controlMagic)
	dst = le.AppendUint16(dst, uint16(h.Type))
	dst = le.AppendUint16(dst, uint16(h.Status))
	dst = le.AppendUint32(dst, h.Seq)
	dst = le.AppendUint32(dst, 0)
	dst = le.AppendUint64(dst, h.TID)
	return append(dst, payload...)
}

// DecodeControl splits a frame into header and payload. The payload
// aliases b.
func DecodeControl(b []byte) (ControlHeader, []byte, error) {
	if len(b) < ControlHeaderSize {
		return ControlHeader{}, nil, ErrShortRecord
	}
	le := binary.LittleEndian
	if le.Uint32(b) != controlMagic {
		return ControlHeader{}, nil, ErrBadMagic
	}
	h := ControlHeader{
		Type:   MsgType(le.Uint16(b[4:])),
		Status: Status(le.Uint16(b[6:])),
		Seq:    le.Uint32(b[8:]),
		TID:    le.Uint64(b[16:]),
	}
	return h, b[ControlHeaderSize:], nil
}

// SampleRequest encodes the MsgSample payload.
func SampleRequest(window uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, window)
}

// ParseSampleRequest decodes the MsgSample payload.
func ParseSampleRequest(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, ErrShortRecord
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Sample is one thread's registers and stack window.
//
//	off  size
//	0    2    arch (minidump processor architecture)
//	2    2    register count n
//	4    4    stack length m
//	8    8    pc
//	16   8    stack base
//	24   8n   registers
//	..   m    stack bytes
type Sample struct {
	Arch      uint16
	PC        uint64
	Regs      []uint64
	StackBase uint64
	Stack     []byte
}

const sampleFixedSize = 24

// MarshalBinary implements encoding.BinaryMarshaler.
func (s *Sample) MarshalBinary() ([]byte, error) {
	if len(s.Regs) > 64 || len(s.Stack) > MaxStackWindow {
		return nil, fmt.Errorf("ipc: sample too large (%d regs, %d stack bytes)", len(s.Regs), len(s.Stack))
	}
	le := binary.LittleEndian
	b := make([]byte, 0, sampleFixedSize+8*len(s.Regs)+len(s.Stack))
	b = le.AppendUint16(b, s.Arch)
	b = le.AppendUint16(b, uint16(len(s.Regs)))
	b = le.AppendUint32(b, uint32(len(s.Stack)))
	b = le.AppendUint64(b, s.PC)
	b = le.AppendUint64(b, s.StackBase)
	for _, r := range s.Regs {
		b = le.AppendUint64(b, r)
	}
	return append(b, s.Stack...), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. The stack is
// copied out of b.
func (s *Sample) UnmarshalBinary(b []byte) error {
	if len(b) < sampleFixedSize {
		return ErrShortRecord
	}
	le := binary.LittleEndian
	nregs := int(le.Uint16(b[2:]))
	nstack := int(le.Uint32(b[4:]))
	if len(b) != sampleFixedSize+8*nregs+nstack {
		return fmt.Errorf("ipc: sample length %d does not match %d regs and %d stack bytes", len(b), nregs, nstack)
	}
	s.Arch = le.Uint16(b)
	s.PC = le.Uint64(b[8:])
	s.StackBase = le.Uint64(b[16:])
	s.Regs = make([]uint64, nregs)
	off := sampleFixedSize
	for i := range s.Regs {
		s.Regs[i] = le.Uint64(b[off:])
		off += 8
	}
	s.Stack = append([]byte(nil), b[off:]...)
	return nil
}
