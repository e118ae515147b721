package minidump

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

// Arch is a processor architecture as recorded in SystemInfo.
type Arch uint16

const (
	ArchAMD64   Arch = 9
	ArchARM64   Arch = 12
	ArchUnknown Arch = 0xffff
)

// HostArch returns the architecture this binary was built for.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return ArchAMD64
	case "arm64":
		return ArchARM64
	default:
		return ArchUnknown
	}
}

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

// Context is a thread's integer register file.
//
// Regs is in architecture order:
//
//	amd64: rax rcx rdx rbx rsp rbp rsi rdi r8 ... r15
//	arm64: x0 ... x30 sp
type Context struct {
	Arch Arch
	PC   uint64
	Regs []uint64
}

const (
	amd64RegCount = 16
	amd64RSP      = 4
	amd64RBP      = 5

	arm64RegCount = 32
	arm64FP       = 29
	arm64LR       = 30
	arm64SP       = 31
)

// SP returns the stack pointer.
func (c *Context) SP() uint64 {
	switch c.Arch {
	case ArchAMD64:
		return c.reg(amd64RSP)
	case ArchARM64:
		return c.reg(arm64SP)
	}
	return 0
}

// FP returns the frame pointer.
func (c *Context) FP() uint64 {
	switch c.Arch {
	case ArchAMD64:
		return c.reg(amd64RBP)
	case ArchARM64:
		return c.reg(arm64FP)
	}
	return 0
}

// LR returns the link register, or zero on architectures without one.
func (c *Context) LR() uint64 {
	if c.Arch == ArchARM64 {
		return c.reg(arm64LR)
	}
	return 0
}

func (c *Context) reg(i int) uint64 {
	if i < len(c.Regs) {
		return c.Regs[i]
	}
	return 0
}

// NewContext builds a context with a register file sized for arch.
func NewContext(arch Arch, pc, sp, fp, lr uint64) *Context {
	c := &Context{Arch: arch, PC: pc}
	switch arch {
	case ArchAMD64:
		c.Regs = make([]uint64, amd64RegCount)
		c.Regs[amd64RSP] = sp
		c.Regs[amd64RBP] = fp
	case ArchARM64:
		c.Regs = make([]uint64, arm64RegCount)
		c.Regs[arm64SP] = sp
		c.Regs[arm64FP] = fp
		c.Regs[arm64LR] = lr
	}
	return c
}

// Raw CPU context layouts.
const (
	amd64ContextSize  = 1232
	amd64ContextFlags = 0x00100000 | 0x1 | 0x2 // AMD64 | CONTROL | INTEGER
	amd64FlagsOff     = 0x30
	amd64RegsOff      = 0x78
	amd64RIPOff       = 0xf8

	arm64ContextSize  = 912
	arm64ContextFlags = 0x00400000 | 0x1 | 0x2 // ARM64 | CONTROL | INTEGER
	arm64RegsOff      = 0x08
	arm64SPOff        = 0x100
	arm64PCOff        = 0x108

	contextArchMask = 0xffff0000
)

func encodeContext(c *Context) ([]byte, error) {
	le := binary.LittleEndian
	switch c.Arch {
	case ArchAMD64:
		b := make([]byte, amd64ContextSize)
		le.PutUint32(b[amd64FlagsOff:], amd64ContextFlags)
		for i := 0; i < amd64RegCount; i++ {
			le.PutUint64(b[amd64RegsOff+8*i:], c.reg(i))
		}
		le.PutUint64(b[amd64RIPOff:], c.PC)
		return b, nil
	case ArchARM64:
		b := make([]byte, arm64ContextSize)
		le.PutUint32(b[0:], arm64ContextFlags)
		for i := 0; i < 31; i++ {
			le.PutUint64(b[arm64RegsOff+8*i:], c.reg(i))
		}
		le.PutUint64(b[arm64SPOff:], c.reg(arm64SP))
		le.PutUint64(b[arm64PCOff:], c.PC)
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported context architecture %d", c.Arch)
	}
}

// decodeContext recognizes the layout from its context flags.
func decodeContext(b []byte) (*Context, error) {
	le := binary.LittleEndian
	if len(b) >= amd64ContextSize && le.Uint32(b[amd64FlagsOff:])&contextArchMask == amd64ContextFlags&contextArchMask {
		c := &Context{Arch: ArchAMD64, Regs: make([]uint64, amd64RegCount)}
		for i := range c.Regs {
			c.Regs[i] = le.Uint64(b[amd64RegsOff+8*i:])
		}
		c.PC = le.Uint64(b[amd64RIPOff:])
		return c, nil
	}
	if len(b) >= arm64ContextSize && le.Uint32(b[0:])&contextArchMask == arm64ContextFlags&contextArchMask {
		c := &Context{Arch: ArchARM64, Regs: make([]uint64, arm64RegCount)}
		for i := 0; i < 31; i++ {
			c.Regs[i] = le.Uint64(b[arm64RegsOff+8*i:])
		}
		c.Regs[arm64SP] = le.Uint64(b[arm64SPOff:])
		c.PC = le.Uint64(b[arm64PCOff:])
		return c, nil
	}
	return nil, fmt.Errorf("unrecognized cpu context (%d bytes)", len(b))
}
