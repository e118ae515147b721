package modules

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
)

const (
	noteTypeGNUBuildID = 3
	noteTypeGoBuildID  = 4
)

// ErrNoBuildID is returned when an ELF file carries no build-id note.
var ErrNoBuildID = errors.New("no build id note")

// ReadBuildID opens the ELF file at path and returns its build identifier.
// The GNU build-id note wins; Go binaries without one fall back to the Go
// build id string.
func ReadBuildID(path string) ([]byte, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return BuildID(f)
}

// BuildID extracts the build identifier from an open ELF file.
func BuildID(f *elf.File) ([]byte, error) {
	var blobs [][]byte
	for _, s := range f.Sections {
		if s.Type != elf.SHT_NOTE {
			continue
		}
		if data, err := s.Data(); err == nil {
			blobs = append(blobs, data)
		}
	}
	if len(blobs) == 0 {
		// Stripped section headers; notes are still reachable through
		// the program headers.
		for _, p := range f.Progs {
			if p.Type != elf.PT_NOTE {
				continue
			}
			if data, err := io.ReadAll(io.LimitReader(p.Open(), 1<<20)); err == nil {
				blobs = append(blobs, data)
			}
		}
	}

	var goID []byte
	for _, data := range blobs {
		for _, n := range parseNotes(data, f.ByteOrder) {
			switch {
			case n.typ == noteTypeGNUBuildID && n.name == "GNU" && len(n.desc) > 0:
				return n.desc, nil
			case n.typ == noteTypeGoBuildID && n.name == "Go" && goID == nil:
				goID = bytes.TrimRight(n.desc, "\x00")
			}
		}
	}
	if len(goID) > 0 {
		return goID, nil
	}
	return nil, ErrNoBuildID
}

type note struct {
	name string
	typ  uint32
	desc []byte
}

func parseNotes(data []byte, order binary.ByteOrder) []note {
	var notes []note
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if namesz > 1<<16 || descEnd > uint64(len(data)) {
			break
		}
		name := string(bytes.TrimRight(data[:namesz], "\x00"))
		desc := append([]byte(nil), data[nameEnd:nameEnd+uint64(descsz)]...)
		notes = append(notes, note{name: name, typ: typ, desc: desc})
		data = data[descEnd:]
	}
	return notes
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

// LoadBias returns the virtual address of the first PT_LOAD segment,
// rounded down to its alignment. Adding it to a module-relative offset
// yields the link-time address used by symbol tables.
func LoadBias(f *elf.File) uint64 {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Align > 1 {
			return p.Vaddr &^ (p.Align - 1)
		}
		return p.Vaddr
	}
	return 0
}
