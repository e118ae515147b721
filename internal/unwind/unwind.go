// Package unwind reconstructs call stacks from a register context and a
// captured window of stack memory. The same walker serves crash dumps and
// live thread samples.
package unwind

import (
	"encoding/binary"
	"math"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
)

// Trust records how a frame's address was recovered.
type Trust string

const (
	TrustContext      Trust = "context"
	TrustLinkRegister Trust = "link_register"
	TrustFramePointer Trust = "frame_pointer"
	TrustScan         Trust = "scan"
)

// Frame is one raw return address.
type Frame struct {
	PC    uint64
	Trust Trust
}

// Leaf reports whether the frame is the interrupted instruction itself.
// Other frames hold return addresses that point one instruction past the
// call, so lookups use PC-1.
func (f Frame) Leaf() bool {
	return f.Trust == TrustContext
}

// LookupPC is the address to symbolize for this frame.
func (f Frame) LookupPC() uint64 {
	if f.Leaf() || f.PC == 0 {
		return f.PC
	}
	return f.PC - 1
}

// Stack is a captured stack window starting at Base.
type Stack struct {
	Base uint64
	Data []byte
}

// Contains reports whether [addr, addr+8) lies inside the window.
func (s Stack) Contains(addr uint64) bool {
	if addr < s.Base || len(s.Data) < 8 {
		return false
	}
	return addr-s.Base <= uint64(len(s.Data))-8
}

// Word reads the little-endian word at addr.
func (s Stack) Word(addr uint64) (uint64, bool) {
	if !s.Contains(addr) {
		return 0, false
	}
	off := addr - s.Base
	return binary.LittleEndian.Uint64(s.Data[off : off+8]), true
}

// CodeRanges tells the walker which addresses belong to loaded code.
type CodeRanges interface {
	IsCode(addr uint64) bool
}

// DefaultMaxFrames bounds walks when the caller passes zero.
const DefaultMaxFrames = 256

// Walk unwinds ctx over stack using frame pointers. The chain stops at a
// null or misaligned frame pointer, a frame pointer that does not move
// toward the stack base, or one that leaves the captured window.
//
// The caller of the interrupted function is recovered separately because
// a leaf may not have set up its own frame yet: on arm64 it is the link
// register, on amd64 the word at the stack pointer when it points into
// code. It is dropped when the frame chain already yields the same address.
func Walk(ctx *minidump.Context, stack Stack, code CodeRanges, maxFrames int) []Frame {
	if ctx == nil {
		return nil
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	frames := []Frame{{PC: ctx.PC, Trust: TrustContext}}
	if ctx.PC == 0 {
		return frames
	}

	var caller *Frame
	switch ctx.Arch {
	case minidump.ArchARM64:
		if lr := ctx.LR(); lr != 0 && code.IsCode(lr) {
			caller = &Frame{PC: lr, Trust: TrustLinkRegister}
		}
	case minidump.ArchAMD64:
		if w, ok := stack.Word(ctx.SP()); ok && w != ctx.PC && code.IsCode(w) {
			caller = &Frame{PC: w, Trust: TrustScan}
		}
	}

	chain := walkFramePointers(ctx.FP(), ctx.SP(), stack, maxFrames)
	if caller != nil && (len(chain) == 0 || chain[0].PC != caller.PC) {
		frames = append(frames, *caller)
	}
	for _, f := range chain {
		if len(frames) >= maxFrames {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

func walkFramePointers(fp, sp uint64, stack Stack, maxFrames int) []Frame {
	var out []Frame
	for len(out) < maxFrames {
		if fp == 0 || fp%8 != 0 || fp < sp || fp > math.MaxUint64-16 {
			break
		}
		ret, ok := stack.Word(fp + 8)
		if !ok || ret == 0 {
			break
		}
		out = append(out, Frame{PC: ret, Trust: TrustFramePointer})
		next, ok := stack.Word(fp)
		if !ok || next <= fp {
			break
		}
		fp = next
	}
	return out
}
