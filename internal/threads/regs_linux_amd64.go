package threads

import "github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"

// user_regs_struct
const regCount = 27

const (
	regRIP = 16
)

// userRegsOrder lists, in minidump register order (rax rcx rdx rbx rsp
// rbp rsi rdi r8-r15), the user_regs_struct slot of each register.
var userRegsOrder = [16]int{10, 11, 12, 5, 19, 4, 13, 14, 9, 8, 7, 6, 3, 2, 1, 0}

func contextFromRegs(regs []uint64) *minidump.Context {
	c := &minidump.Context{Arch: minidump.ArchAMD64, PC: regs[regRIP], Regs: make([]uint64, len(userRegsOrder))}
	for i, slot := range userRegsOrder {
		c.Regs[i] = regs[slot]
	}
	return c
}
