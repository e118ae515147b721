package minidump

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf16"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
)

var errBounds = errors.New("out of bounds")

// view is a bounds-checked window over the dump bytes.
type view []byte

func (v view) u16(off uint64) (uint16, error) {
	if off+2 > uint64(len(v)) {
		return 0, errBounds
	}
	return le.Uint16(v[off:]), nil
}

func (v view) u32(off uint64) (uint32, error) {
	if off+4 > uint64(len(v)) {
		return 0, errBounds
	}
	return le.Uint32(v[off:]), nil
}

func (v view) u64(off uint64) (uint64, error) {
	if off+8 > uint64(len(v)) {
		return 0, errBounds
	}
	return le.Uint64(v[off:]), nil
}

func (v view) slice(rva, size uint64) ([]byte, error) {
	if rva+size > uint64(len(v)) || rva+size < rva {
		return nil, errBounds
	}
	return v[rva : rva+size], nil
}

func (v view) loc(off uint64) (location, error) {
	size, err := v.u32(off)
	if err != nil {
		return location{}, err
	}
	rva, err := v.u32(off + 4)
	return location{size: size, rva: rva}, err
}

func (v view) at(l location) ([]byte, error) {
	return v.slice(uint64(l.rva), uint64(l.size))
}

func (v view) utf16String(rva uint32) (string, error) {
	n, err := v.u32(uint64(rva))
	if err != nil {
		return "", err
	}
	if n%2 != 0 || n > 1<<20 {
		return "", fmt.Errorf("bad string length %d", n)
	}
	b, err := v.slice(uint64(rva)+4, uint64(n))
	if err != nil {
		return "", err
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = le.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

func (v view) utf8String(rva uint32) (string, error) {
	n, err := v.u32(uint64(rva))
	if err != nil {
		return "", err
	}
	b, err := v.slice(uint64(rva)+4, uint64(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// IsMinidump reports whether b starts with the minidump signature.
func IsMinidump(b []byte) bool {
	sig, err := view(b).u32(0)
	return err == nil && sig == signature
}

// Parse decodes a minidump. A bad header or stream directory is an
// internal error; a malformed individual stream is skipped and noted in
// Dump.Warnings. Byte slices in the result alias b.
func Parse(b []byte) (*Dump, error) {
	v := view(b)
	corrupt := func(msg string, err error) error {
		return core.ErrInternal(core.CodeArtifactCorrupt, msg).WithCause(err)
	}

	sig, err := v.u32(0)
	if err != nil || sig != signature {
		return nil, corrupt("not a minidump", err)
	}
	ver, _ := v.u32(4)
	if ver&0xffff != formatVersion {
		return nil, corrupt(fmt.Sprintf("unsupported version %#x", ver), nil)
	}
	count, err := v.u32(8)
	if err != nil {
		return nil, corrupt("truncated header", err)
	}
	if count > maxStreams {
		return nil, corrupt(fmt.Sprintf("too many streams (%d)", count), nil)
	}
	dirRVA, err := v.u32(12)
	if err != nil {
		return nil, corrupt("truncated header", err)
	}
	if _, err := v.slice(uint64(dirRVA), uint64(count)*dirEntrySize); err != nil {
		return nil, corrupt("stream directory out of bounds", err)
	}
	stamp, _ := v.u32(20)

	d := &Dump{Arch: ArchUnknown}
	if stamp != 0 {
		d.Time = time.Unix(int64(stamp), 0).UTC()
	}

	var names map[uint32]string
	for i := uint32(0); i < count; i++ {
		off := uint64(dirRVA) + uint64(i)*dirEntrySize
		typ, _ := v.u32(off)
		l, _ := v.loc(off + 4)
		data, err := v.at(l)
		if err != nil {
			d.warn(StreamType(typ), err)
			continue
		}
		switch StreamType(typ) {
		case StreamThreadList:
			err = d.parseThreads(v, data)
		case StreamThreadNames:
			names, err = parseThreadNames(v, data)
		case StreamModuleList:
			err = d.parseModules(v, data)
		case StreamMemoryList:
			err = d.parseMemory(v, data)
		case StreamException:
			err = d.parseException(v, data)
		case StreamSystemInfo:
			err = d.parseSystemInfo(data)
		case StreamMiscInfo:
			err = d.parseMiscInfo(data)
		case StreamLinuxCmdLine:
			d.CmdLine = string(data)
		case StreamLinuxMaps:
			d.Maps = string(data)
		case StreamGoTraceback:
			d.Traceback = string(data)
		case StreamAnnotations:
			err = d.parseAnnotations(v, data)
		}
		if err != nil {
			d.warn(StreamType(typ), err)
		}
	}

	for i := range d.Threads {
		if n, ok := names[d.Threads[i].ID]; ok {
			d.Threads[i].Name = n
		}
	}
	d.dropStackRanges()
	return d, nil
}

func (d *Dump) warn(t StreamType, err error) {
	d.Warnings = append(d.Warnings, fmt.Sprintf("%s stream (%#x): %v", t, uint32(t), err))
}

func (d *Dump) parseThreads(v view, data []byte) error {
	s := view(data)
	n, err := s.u32(0)
	if err != nil {
		return err
	}
	if uint64(n)*threadSize+4 > uint64(len(s)) {
		return fmt.Errorf("%d threads do not fit in %d bytes", n, len(s))
	}
	threads := make([]Thread, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		off := 4 + i*threadSize
		id, _ := s.u32(off)
		base, _ := s.u64(off + 24)
		stackLoc, _ := s.loc(off + 32)
		ctxLoc, _ := s.loc(off + 40)

		t := Thread{ID: id, StackBase: base}
		if stack, err := v.at(stackLoc); err == nil {
			t.Stack = stack
		} else {
			return fmt.Errorf("thread %d stack: %w", id, err)
		}
		if ctxLoc.size > 0 {
			raw, err := v.at(ctxLoc)
			if err != nil {
				return fmt.Errorf("thread %d context: %w", id, err)
			}
			if t.Context, err = decodeContext(raw); err != nil {
				return fmt.Errorf("thread %d: %w", id, err)
			}
		}
		threads = append(threads, t)
	}
	d.Threads = threads
	return nil
}

func parseThreadNames(v view, data []byte) (map[uint32]string, error) {
	s := view(data)
	n, err := s.u32(0)
	if err != nil {
		return nil, err
	}
	if uint64(n)*12+4 > uint64(len(s)) {
		return nil, fmt.Errorf("%d names do not fit in %d bytes", n, len(s))
	}
	names := make(map[uint32]string, n)
	for i := uint64(0); i < uint64(n); i++ {
		id, _ := s.u32(4 + 12*i)
		rva, _ := s.u64(8 + 12*i)
		if rva > 0xffffffff {
			return nil, errBounds
		}
		name, err := v.utf16String(uint32(rva))
		if err != nil {
			return nil, fmt.Errorf("thread %d name: %w", id, err)
		}
		names[id] = name
	}
	return names, nil
}

func (d *Dump) parseModules(v view, data []byte) error {
	s := view(data)
	n, err := s.u32(0)
	if err != nil {
		return err
	}
	if uint64(n)*moduleSize+4 > uint64(len(s)) {
		return fmt.Errorf("%d modules do not fit in %d bytes", n, len(s))
	}
	mods := make([]Module, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		off := 4 + i*moduleSize
		base, _ := s.u64(off)
		size, _ := s.u32(off + 8)
		nameRVA, _ := s.u32(off + 20)
		cvLoc, _ := s.loc(off + 76)

		path, err := v.utf16String(nameRVA)
		if err != nil {
			return fmt.Errorf("module %d name: %w", i, err)
		}
		m := Module{Base: base, Size: uint64(size), Path: path}
		if cvLoc.size >= 4 {
			cv, err := v.at(cvLoc)
			if err != nil {
				return fmt.Errorf("module %s codeview: %w", path, err)
			}
			if le.Uint32(cv) == cvSignatureEL {
				m.BuildID = cv[4:]
			}
		}
		mods = append(mods, m)
	}
	d.Modules = mods
	return nil
}

func (d *Dump) parseMemory(v view, data []byte) error {
	s := view(data)
	n, err := s.u32(0)
	if err != nil {
		return err
	}
	if uint64(n)*memDescSize+4 > uint64(len(s)) {
		return fmt.Errorf("%d ranges do not fit in %d bytes", n, len(s))
	}
	ranges := make([]MemoryRange, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		off := 4 + i*memDescSize
		start, _ := s.u64(off)
		l, _ := s.loc(off + 8)
		b, err := v.at(l)
		if err != nil {
			return fmt.Errorf("range %#x: %w", start, err)
		}
		ranges = append(ranges, MemoryRange{Start: start, Data: b})
	}
	d.Memory = ranges
	return nil
}

// dropStackRanges removes MemoryList entries that duplicate thread stacks
// so that Memory holds only the extra ranges, mirroring what Encode takes.
func (d *Dump) dropStackRanges() {
	if len(d.Memory) == 0 {
		return
	}
	stacks := make(map[uint64]int, len(d.Threads))
	for _, t := range d.Threads {
		stacks[t.StackBase] = len(t.Stack)
	}
	kept := d.Memory[:0]
	for _, r := range d.Memory {
		if n, ok := stacks[r.Start]; ok && n == len(r.Data) {
			delete(stacks, r.Start)
			continue
		}
		kept = append(kept, r)
	}
	d.Memory = kept
	if len(d.Memory) == 0 {
		d.Memory = nil
	}
}

func (d *Dump) parseException(v view, data []byte) error {
	if len(data) < exceptionSz {
		return fmt.Errorf("short exception stream (%d bytes)", len(data))
	}
	s := view(data)
	x := &Exception{}
	x.ThreadID, _ = s.u32(0)
	x.Code, _ = s.u32(8)
	x.Flags, _ = s.u32(12)
	x.Address, _ = s.u64(24)
	ctxLoc, _ := s.loc(160)
	if ctxLoc.size > 0 {
		raw, err := v.at(ctxLoc)
		if err != nil {
			return fmt.Errorf("exception context: %w", err)
		}
		if x.Context, err = decodeContext(raw); err != nil {
			return err
		}
	}
	d.Exception = x
	return nil
}

func (d *Dump) parseSystemInfo(data []byte) error {
	if len(data) < sysInfoSize {
		return fmt.Errorf("short system info (%d bytes)", len(data))
	}
	s := view(data)
	arch, _ := s.u16(0)
	d.Arch = Arch(arch)
	d.NumCPU = int(data[6])
	return nil
}

func (d *Dump) parseMiscInfo(data []byte) error {
	s := view(data)
	size, err := s.u32(0)
	if err != nil || size < miscInfoSize || len(data) < miscInfoSize {
		return fmt.Errorf("short misc info (%d bytes)", len(data))
	}
	flags, _ := s.u32(4)
	if flags&miscProcessID != 0 {
		d.PID, _ = s.u32(8)
	}
	if flags&miscProcessTimes != 0 {
		if created, _ := s.u32(12); created != 0 {
			d.ProcessCreateTime = time.Unix(int64(created), 0).UTC()
		}
	}
	return nil
}

func (d *Dump) parseAnnotations(v view, data []byte) error {
	s := view(data)
	n, err := s.u32(0)
	if err != nil {
		return err
	}
	if uint64(n)*8+4 > uint64(len(s)) {
		return fmt.Errorf("%d annotations do not fit in %d bytes", n, len(s))
	}
	ann := make(map[string]string, n)
	for i := uint64(0); i < uint64(n); i++ {
		krva, _ := s.u32(4 + 8*i)
		vrva, _ := s.u32(8 + 8*i)
		k, err := v.utf8String(krva)
		if err != nil {
			return err
		}
		val, err := v.utf8String(vrva)
		if err != nil {
			return err
		}
		ann[k] = val
	}
	d.Annotations = ann
	return nil
}
