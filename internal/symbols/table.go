package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"fmt"
	"sort"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
)

// Symbol is the source location of one address.
type Symbol struct {
	Function string
	File     string
	Line     int
}

// Table resolves module-relative offsets for one module.
type Table interface {
	Lookup(offset uint64) (Symbol, bool)
}

// ELFTable resolves addresses from an ELF image. Go binaries are resolved
// through .gopclntab; other images through the symbol table and DWARF
// line programs.
type ELFTable struct {
	bias  uint64
	go12  *gosym.Table
	syms  []elfSymbol
	lines []lineEntry
}

type elfSymbol struct {
	addr uint64
	size uint64
	name string
}

type lineEntry struct {
	addr uint64
	file string
	line int
	end  bool
}

// LoadELF reads the symbol information of the ELF file at path.
func LoadELF(path string) (*ELFTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &ELFTable{bias: modules.LoadBias(f)}
	if tab, err := loadGoTable(f); err == nil {
		t.go12 = tab
	}
	t.syms = loadSymbols(f)
	if t.go12 == nil {
		t.lines = loadLines(f)
	}
	if t.go12 == nil && len(t.syms) == 0 && len(t.lines) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoDebugInfo)
	}
	return t, nil
}

func loadGoTable(f *elf.File) (*gosym.Table, error) {
	pcln := f.Section(".gopclntab")
	text := f.Section(".text")
	if pcln == nil || text == nil || pcln.Type == elf.SHT_NOBITS {
		return nil, ErrNoDebugInfo
	}
	data, err := pcln.Data()
	if err != nil {
		return nil, err
	}
	var symtab []byte
	if s := f.Section(".gosymtab"); s != nil && s.Type != elf.SHT_NOBITS {
		symtab, _ = s.Data()
	}
	return gosym.NewTable(symtab, gosym.NewLineTable(data, text.Addr))
}

func loadSymbols(f *elf.File) []elfSymbol {
	var out []elfSymbol
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
				continue
			}
			out = append(out, elfSymbol{addr: s.Value, size: s.Size, name: s.Name})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

func loadLines(f *elf.File) []lineEntry {
	d, err := f.DWARF()
	if err != nil {
		return nil
	}
	var out []lineEntry
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			break
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(e)
		r.SkipChildren()
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for lr.Next(&le) == nil {
			entry := lineEntry{addr: le.Address, line: le.Line, end: le.EndSequence}
			if le.File != nil {
				entry.file = le.File.Name
			}
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Lookup resolves a module-relative offset.
func (t *ELFTable) Lookup(offset uint64) (Symbol, bool) {
	pc := offset + t.bias
	if t.go12 != nil {
		if file, line, fn := t.go12.PCToLine(pc); fn != nil {
			return Symbol{Function: fn.Name, File: file, Line: line}, true
		}
	}

	var sym Symbol
	found := false
	if i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].addr > pc }) - 1; i >= 0 {
		s := t.syms[i]
		if s.size == 0 || pc < s.addr+s.size {
			sym.Function = s.name
			found = true
		}
	}
	if i := sort.Search(len(t.lines), func(i int) bool { return t.lines[i].addr > pc }) - 1; i >= 0 {
		if l := t.lines[i]; !l.end {
			sym.File, sym.Line = l.file, l.line
			found = true
		}
	}
	return sym, found
}
