// Package modules describes the executable images mapped into a process:
// where they are loaded, how large they are, and the build identifier
// used to match them to debug information.
package modules

import (
	"encoding/hex"
	"path/filepath"
	"sort"
)

// Module is one loaded executable image.
type Module struct {
	Base    uint64 `json:"base"`
	Size    uint64 `json:"size"`
	Path    string `json:"path"`
	BuildID []byte `json:"-"`
}

// End returns the first address past the module.
func (m Module) End() uint64 {
	return m.Base + m.Size
}

// Contains reports whether addr falls inside the module.
func (m Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

// Name is the file name of the module.
func (m Module) Name() string {
	if m.Path == "" {
		return "<anonymous>"
	}
	return filepath.Base(m.Path)
}

// BuildIDHex renders the build identifier as lowercase hex.
func (m Module) BuildIDHex() string {
	return hex.EncodeToString(m.BuildID)
}

// Identity distinguishes modules that share a path but not a build.
func (m Module) Identity() string {
	return m.Path + "@" + m.BuildIDHex()
}

// Set is an address-ordered list of non-overlapping modules.
type Set struct {
	mods []Module
}

// NewSet copies and sorts mods by base address.
func NewSet(mods []Module) *Set {
	s := &Set{mods: append([]Module(nil), mods...)}
	sort.Slice(s.mods, func(i, j int) bool { return s.mods[i].Base < s.mods[j].Base })
	return s
}

// Find returns the module containing addr.
func (s *Set) Find(addr uint64) (Module, bool) {
	if s == nil {
		return Module{}, false
	}
	i := sort.Search(len(s.mods), func(i int) bool { return s.mods[i].End() > addr })
	if i < len(s.mods) && s.mods[i].Contains(addr) {
		return s.mods[i], true
	}
	return Module{}, false
}

// IsCode reports whether addr lies inside a known module. Used by the
// unwinder to judge whether a stack word looks like a return address.
func (s *Set) IsCode(addr uint64) bool {
	_, ok := s.Find(addr)
	return ok
}

// All returns the modules in address order.
func (s *Set) All() []Module {
	if s == nil {
		return nil
	}
	return append([]Module(nil), s.mods...)
}

// Len returns the number of modules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.mods)
}
