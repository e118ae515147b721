// Package symbols maps raw instruction addresses to function, file and
// line using local debug information.
package symbols

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/unwind"
)

// Addr is an address rendered as hex in JSON and YAML.
type Addr uint64

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(a))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(strings.TrimPrefix(string(b), "0x"), 16, 64)
	if err != nil {
		return err
	}
	*a = Addr(v)
	return nil
}

// Frame is a symbolicated stack frame. Function, File and Line are empty
// when no debug information covers the address; Module and ModuleOffset
// are set whenever the address falls in a known module.
type Frame struct {
	Address      Addr   `json:"address" yaml:"address"`
	Function     string `json:"function,omitempty" yaml:"function,omitempty"`
	File         string `json:"file,omitempty" yaml:"file,omitempty"`
	Line         int    `json:"line,omitempty" yaml:"line,omitempty"`
	Module       string `json:"module,omitempty" yaml:"module,omitempty"`
	ModuleOffset Addr   `json:"module_offset,omitempty" yaml:"module_offset,omitempty"`
	Trust        string `json:"trust" yaml:"trust"`
}

// Resolved reports whether a function name was found.
func (f Frame) Resolved() bool {
	return f.Function != ""
}

// String renders the frame the way stack traces usually read.
func (f Frame) String() string {
	switch {
	case f.Function != "" && f.File != "":
		return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
	case f.Function != "":
		return f.Function
	case f.Module != "":
		return fmt.Sprintf("%s+0x%x", f.Module, uint64(f.ModuleOffset))
	default:
		return fmt.Sprintf("0x%x", uint64(f.Address))
	}
}

const maxCachedAddrs = 1 << 16

type addrKey struct {
	module string
	offset uint64
}

type addrResult struct {
	sym Symbol
	ok  bool
}

// Resolver resolves addresses through an ordered list of sources. Tables
// are loaded lazily, once per module identity, and both hits and misses
// are memoized, so a module without debug information consistently
// resolves to module+offset.
type Resolver struct {
	sources []Source
	logger  *slog.Logger

	mu     sync.RWMutex
	tables map[string]Table
	addrs  map[addrKey]addrResult
	loads  singleflight.Group
}

// NewResolver creates a resolver that consults sources in order.
func NewResolver(logger *slog.Logger, sources ...Source) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		sources: sources,
		logger:  logger.With("component", "symbols"),
		tables:  make(map[string]Table),
		addrs:   make(map[addrKey]addrResult),
	}
}

// Resolve symbolizes one unwound frame against mods.
func (r *Resolver) Resolve(mods *modules.Set, f unwind.Frame) Frame {
	out := Frame{Address: Addr(f.PC), Trust: string(f.Trust)}
	lookup := f.LookupPC()
	m, ok := mods.Find(lookup)
	if !ok {
		return out
	}
	out.Module = m.Name()
	out.ModuleOffset = Addr(f.PC - m.Base)

	sym, ok := r.lookup(m, lookup-m.Base)
	if ok {
		out.Function, out.File, out.Line = sym.Function, sym.File, sym.Line
	}
	return out
}

// ResolveAll symbolizes frames in order.
func (r *Resolver) ResolveAll(mods *modules.Set, frames []unwind.Frame) []Frame {
	out := make([]Frame, len(frames))
	for i, f := range frames {
		out[i] = r.Resolve(mods, f)
	}
	return out
}

func (r *Resolver) lookup(m modules.Module, offset uint64) (Symbol, bool) {
	key := addrKey{module: m.Identity(), offset: offset}
	r.mu.RLock()
	res, ok := r.addrs[key]
	r.mu.RUnlock()
	if ok {
		return res.sym, res.ok
	}

	table := r.table(m)
	if table != nil {
		res.sym, res.ok = table.Lookup(offset)
	}

	r.mu.Lock()
	if len(r.addrs) >= maxCachedAddrs {
		clear(r.addrs)
	}
	r.addrs[key] = res
	r.mu.Unlock()
	return res.sym, res.ok
}

// table returns the loaded table for m, or nil when no source covers it.
func (r *Resolver) table(m modules.Module) Table {
	id := m.Identity()
	r.mu.RLock()
	t, ok := r.tables[id]
	r.mu.RUnlock()
	if ok {
		return t
	}

	v, _, _ := r.loads.Do(id, func() (interface{}, error) {
		r.mu.RLock()
		t, ok := r.tables[id]
		r.mu.RUnlock()
		if ok {
			return t, nil
		}
		t = r.open(m)
		r.mu.Lock()
		r.tables[id] = t
		r.mu.Unlock()
		return t, nil
	})
	t, _ = v.(Table)
	return t
}

func (r *Resolver) open(m modules.Module) Table {
	for _, src := range r.sources {
		t, err := src.Open(m)
		if err == nil {
			r.logger.Debug("symbols loaded", "module", m.Path, "build_id", m.BuildIDHex(), "source", src.Name())
			return t
		}
		if !errors.Is(err, ErrNoDebugInfo) {
			r.logger.Warn("symbol source failed", "module", m.Path, "source", src.Name(), "error", err)
		}
	}
	r.logger.Debug("no symbols for module", "module", m.Path, "build_id", m.BuildIDHex())
	return nil
}
