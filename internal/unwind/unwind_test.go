package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
)

type codeRange struct{ lo, hi uint64 }

func (c codeRange) IsCode(addr uint64) bool { return addr >= c.lo && addr < c.hi }

var text = codeRange{lo: 0x400000, hi: 0x500000}

// buildStack lays out words starting at base.
func buildStack(base uint64, words map[uint64]uint64, size int) Stack {
	data := make([]byte, size)
	for addr, w := range words {
		binary.LittleEndian.PutUint64(data[addr-base:], w)
	}
	return Stack{Base: base, Data: data}
}

func pcs(frames []Frame) []uint64 {
	out := make([]uint64, len(frames))
	for i, f := range frames {
		out[i] = f.PC
	}
	return out
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestWalkAMD64FramelessLeaf(t *testing.T) {
	const base = 0x7000
	// sp holds the return into the leaf's caller; rbp chain continues above.
	stack := buildStack(base, map[uint64]uint64{
		0x7000: 0x401111, // [sp] return address
		0x7040: 0x7080,   // frame 1: saved rbp
		0x7048: 0x402222, // frame 1: return address
		0x7080: 0,        // outermost: null saved rbp
		0x7088: 0x403333,
	}, 0x100)

	ctx := minidump.NewContext(minidump.ArchAMD64, 0x400010, 0x7000, 0x7040, 0)
	frames := Walk(ctx, stack, text, 0)

	want := []uint64{0x400010, 0x401111, 0x402222, 0x403333}
	if !equal(pcs(frames), want) {
		t.Fatalf("got %#x, want %#x", pcs(frames), want)
	}
	if frames[0].Trust != TrustContext || frames[1].Trust != TrustScan || frames[2].Trust != TrustFramePointer {
		t.Errorf("unexpected trust: %+v", frames)
	}
}

func TestWalkAMD64DedupsScanCandidate(t *testing.T) {
	const base = 0x7000
	stack := buildStack(base, map[uint64]uint64{
		0x7000: 0x402222, // local that equals the first chained return
		0x7010: 0,
		0x7018: 0x402222,
	}, 0x40)

	ctx := minidump.NewContext(minidump.ArchAMD64, 0x400010, 0x7000, 0x7010, 0)
	got := pcs(Walk(ctx, stack, text, 0))
	if !equal(got, []uint64{0x400010, 0x402222}) {
		t.Fatalf("got %#x", got)
	}
}

func TestWalkARM64UsesLinkRegister(t *testing.T) {
	const base = 0x9000
	stack := buildStack(base, map[uint64]uint64{
		0x9020: 0x9060,
		0x9028: 0x404444,
		0x9060: 0,
		0x9068: 0x405555,
	}, 0x80)

	ctx := minidump.NewContext(minidump.ArchARM64, 0x400100, 0x9000, 0x9020, 0x403000)
	frames := Walk(ctx, stack, text, 0)
	want := []uint64{0x400100, 0x403000, 0x404444, 0x405555}
	if !equal(pcs(frames), want) {
		t.Fatalf("got %#x, want %#x", pcs(frames), want)
	}
	if frames[1].Trust != TrustLinkRegister {
		t.Errorf("frame 1 trust = %s", frames[1].Trust)
	}
}

func TestWalkStopsOnBadChains(t *testing.T) {
	tests := []struct {
		name  string
		fp    uint64
		words map[uint64]uint64
		want  int
	}{
		{"null fp", 0, nil, 1},
		{"misaligned fp", 0x7003, nil, 1},
		{"fp below sp", 0x6ff0, nil, 1},
		{"fp outside window", 0x8000, nil, 1},
		{"loop", 0x7010, map[uint64]uint64{0x7010: 0x7010, 0x7018: 0x401000}, 2},
		{"descending", 0x7020, map[uint64]uint64{0x7020: 0x7010, 0x7028: 0x401000}, 2},
		{"zero return", 0x7010, map[uint64]uint64{0x7010: 0x7040, 0x7018: 0}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stack := buildStack(0x7000, tt.words, 0x100)
			ctx := minidump.NewContext(minidump.ArchAMD64, 0x400010, 0x7000, tt.fp, 0)
			if got := Walk(ctx, stack, text, 0); len(got) != tt.want {
				t.Fatalf("got %d frames (%#x), want %d", len(got), pcs(got), tt.want)
			}
		})
	}
}

func TestWalkMaxFrames(t *testing.T) {
	words := map[uint64]uint64{}
	for fp := uint64(0x7000); fp < 0x7400; fp += 0x10 {
		words[fp] = fp + 0x10
		words[fp+8] = 0x401000 + fp
	}
	stack := buildStack(0x7000, words, 0x500)
	ctx := minidump.NewContext(minidump.ArchAMD64, 0x400010, 0x7000, 0x7000, 0)
	if got := Walk(ctx, stack, codeRange{}, 5); len(got) != 5 {
		t.Fatalf("got %d frames, want 5", len(got))
	}
}

func TestFrameLookupPC(t *testing.T) {
	if (Frame{PC: 0x10, Trust: TrustContext}).LookupPC() != 0x10 {
		t.Error("leaf frames use the exact pc")
	}
	if (Frame{PC: 0x10, Trust: TrustFramePointer}).LookupPC() != 0xf {
		t.Error("return addresses look up pc-1")
	}
	if Walk(nil, Stack{}, text, 0) != nil {
		t.Error("nil context yields no frames")
	}
}

func TestStackContainsNearAddressSpaceEnd(t *testing.T) {
	empty := Stack{}
	for _, addr := range []uint64{0, 0xFFFFFFFFFFFFFFF8, 0xFFFFFFFFFFFFFFFF} {
		if empty.Contains(addr) {
			t.Errorf("empty stack contains %#x", addr)
		}
		if _, ok := empty.Word(addr); ok {
			t.Errorf("empty stack has a word at %#x", addr)
		}
	}

	short := Stack{Base: 0x1000, Data: make([]byte, 4)}
	if short.Contains(0x1000) {
		t.Error("window shorter than a word contains its base")
	}

	top := Stack{Base: 0xFFFFFFFFFFFFFFF0, Data: make([]byte, 16)}
	if !top.Contains(0xFFFFFFFFFFFFFFF8) {
		t.Error("last word of a window at the top of memory is missing")
	}
	if top.Contains(0xFFFFFFFFFFFFFFFC) {
		t.Error("word crossing the window end is reported")
	}
}

func TestWalkCorruptRegistersDoNotPanic(t *testing.T) {
	cases := []*minidump.Context{
		minidump.NewContext(minidump.ArchAMD64, 0x401000, 0xFFFFFFFFFFFFFFF8, 0, 0),
		minidump.NewContext(minidump.ArchAMD64, 0x401000, 0xFFFFFFFFFFFFFFF0, 0xFFFFFFFFFFFFFFF8, 0),
		minidump.NewContext(minidump.ArchARM64, 0x401000, 0xFFFFFFFFFFFFFFF8, 0xFFFFFFFFFFFFFFF8, 0x402000),
	}
	for _, ctx := range cases {
		frames := Walk(ctx, Stack{}, text, 0)
		if len(frames) == 0 || frames[0].PC != 0x401000 {
			t.Errorf("sp=%#x: frames = %#v", ctx.SP(), frames)
		}
	}
}
