package procfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
)

// Mem reads another process's memory through /proc/<pid>/mem. Reading
// requires ptrace access to the target.
type Mem struct {
	f *os.File
}

// OpenMem opens the memory of pid.
func OpenMem(pid int) (*Mem, error) {
	f, err := os.Open(filepath.Join(pidDir(pid), "mem"))
	if err != nil {
		return nil, fmt.Errorf("open memory of %d: %w", pid, err)
	}
	return &Mem{f: f}, nil
}

// Close releases the descriptor.
func (m *Mem) Close() error {
	return m.f.Close()
}

// ReadAt implements io.ReaderAt over the address space.
func (m *Mem) ReadAt(p []byte, addr int64) (int, error) {
	return m.f.ReadAt(p, addr)
}

// ReadStack reads up to window bytes upward from sp, clipped to the end
// of the mapping that holds sp. A short read still returns the bytes that
// could be read.
func (m *Mem) ReadStack(maps []modules.Mapping, sp uint64, window int) ([]byte, error) {
	if sp == 0 || window <= 0 {
		return nil, errors.New("no stack pointer")
	}
	mp, ok := MappingAt(maps, sp)
	if !ok {
		return nil, fmt.Errorf("stack pointer %#x is not mapped", sp)
	}
	n := uint64(window)
	if mp.End-sp < n {
		n = mp.End - sp
	}
	buf := make([]byte, n)
	got, err := m.ReadAt(buf, int64(sp))
	if got > 0 {
		return buf[:got], nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("read stack at %#x: %w", sp, err)
}
