package threads

import "github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"

// user_pt_regs: x0-x30, sp, pc, pstate
const regCount = 34

func contextFromRegs(regs []uint64) *minidump.Context {
	return &minidump.Context{
		Arch: minidump.ArchARM64,
		PC:   regs[32],
		Regs: append([]uint64(nil), regs[:32]...),
	}
}
