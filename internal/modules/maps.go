package modules

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the mapping is executable.
func (m Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

// Format: address perms offset dev inode pathname
// Example: 7f8b5a200000-7f8b5a400000 r-xp 00000000 08:01 1234567 /usr/lib/libc.so.6
var mapsLine = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s+(\S+)\s+([0-9a-f]+)\s+\S+\s+\d+\s*(.*)$`)

// ParseMaps reads mappings in /proc/<pid>/maps format. Malformed lines are
// skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		m := mapsLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		start, err1 := strconv.ParseUint(m[1], 16, 64)
		end, err2 := strconv.ParseUint(m[2], 16, 64)
		off, err3 := strconv.ParseUint(m[4], 16, 64)
		if err1 != nil || err2 != nil || err3 != nil || end <= start {
			continue
		}
		out = append(out, Mapping{
			Start:  start,
			End:    end,
			Perms:  m[3],
			Offset: off,
			Path:   strings.TrimSuffix(strings.TrimSpace(m[5]), " (deleted)"),
		})
	}
	return out, sc.Err()
}

// FromMappings folds consecutive mappings of the same file into modules.
// Only images with at least one executable mapping are kept; anonymous
// memory is dropped, while pseudo images such as [vdso] are kept so that
// addresses inside them can still be attributed.
func FromMappings(maps []Mapping) []Module {
	var (
		out  []Module
		cur  *Module
		exec bool
	)
	flush := func() {
		if cur != nil && exec {
			out = append(out, *cur)
		}
		cur, exec = nil, false
	}
	for _, m := range maps {
		if !isImage(m.Path) {
			flush()
			continue
		}
		if cur == nil || cur.Path != m.Path || m.Start < cur.End() {
			flush()
			base := m.Start
			if m.Offset <= m.Start {
				base = m.Start - m.Offset
			}
			cur = &Module{Base: base, Path: m.Path}
		}
		cur.Size = m.End - cur.Base
		exec = exec || m.Executable()
	}
	flush()
	return out
}

func isImage(path string) bool {
	switch {
	case strings.HasPrefix(path, "/"):
		return !strings.HasPrefix(path, "/dev/") && !strings.HasPrefix(path, "/memfd:")
	case path == "[vdso]":
		return true
	default:
		return false
	}
}
