package minidump

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
	"unicode/utf16"
)

type location struct {
	size uint32
	rva  uint32
}

type encoder struct {
	buf []byte
	err error
}

var le = binary.LittleEndian

func (e *encoder) pos() uint32 {
	return uint32(len(e.buf))
}

func (e *encoder) u16(v uint16) { e.buf = le.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = le.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = le.AppendUint64(e.buf, v) }

func (e *encoder) zero(n int) {
	e.buf = append(e.buf, make([]byte, n)...)
}

func (e *encoder) align(n int) {
	for len(e.buf)%n != 0 {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) loc(l location) {
	e.u32(l.size)
	e.u32(l.rva)
}

func (e *encoder) blob(b []byte) location {
	e.align(8)
	if uint64(len(e.buf))+uint64(len(b)) > math.MaxUint32 {
		e.err = fmt.Errorf("dump exceeds 4GiB")
		return location{}
	}
	l := location{size: uint32(len(b)), rva: e.pos()}
	e.buf = append(e.buf, b...)
	return l
}

// utf16String writes a MINIDUMP_STRING and returns its RVA.
func (e *encoder) utf16String(s string) uint32 {
	e.align(4)
	rva := e.pos()
	units := utf16.Encode([]rune(s))
	e.u32(uint32(2 * len(units)))
	for _, u := range units {
		e.u16(u)
	}
	e.u16(0)
	return rva
}

// utf8String writes a length-prefixed UTF-8 string and returns its RVA.
func (e *encoder) utf8String(s string) uint32 {
	e.align(4)
	rva := e.pos()
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	return rva
}

type streamEntry struct {
	typ StreamType
	loc location
}

// Encode serializes d as a minidump.
func Encode(d *Dump) ([]byte, error) {
	streams := d.streamTypes()
	e := &encoder{buf: make([]byte, headerSize+dirEntrySize*len(streams), 64*1024)}

	var dir []streamEntry
	add := func(t StreamType, start uint32) {
		dir = append(dir, streamEntry{typ: t, loc: location{size: e.pos() - start, rva: start}})
	}

	ctxLocs := make([]location, len(d.Threads))
	stackLocs := make([]location, len(d.Threads))
	for i, t := range d.Threads {
		if t.Context != nil {
			raw, err := encodeContext(t.Context)
			if err != nil {
				return nil, fmt.Errorf("thread %d: %w", t.ID, err)
			}
			ctxLocs[i] = e.blob(raw)
		}
		stackLocs[i] = e.blob(t.Stack)
	}

	// ThreadList
	e.align(8)
	start := e.pos()
	e.u32(uint32(len(d.Threads)))
	for i, t := range d.Threads {
		e.u32(t.ID)
		e.u32(0) // suspend count
		e.u32(0) // priority class
		e.u32(0) // priority
		e.u64(0) // teb
		e.u64(t.StackBase)
		e.loc(stackLocs[i])
		e.loc(ctxLocs[i])
	}
	add(StreamThreadList, start)

	// ThreadNames
	if d.hasThreadNames() {
		nameRVAs := make([]uint32, len(d.Threads))
		for i, t := range d.Threads {
			nameRVAs[i] = e.utf16String(t.Name)
		}
		e.align(4)
		start = e.pos()
		e.u32(uint32(len(d.Threads)))
		for i, t := range d.Threads {
			e.u32(t.ID)
			e.u64(uint64(nameRVAs[i]))
		}
		add(StreamThreadNames, start)
	}

	// ModuleList
	nameRVAs := make([]uint32, len(d.Modules))
	cvLocs := make([]location, len(d.Modules))
	for i, m := range d.Modules {
		nameRVAs[i] = e.utf16String(m.Path)
		if len(m.BuildID) > 0 {
			cv := le.AppendUint32(nil, cvSignatureEL)
			cvLocs[i] = e.blob(append(cv, m.BuildID...))
		}
	}
	e.align(4)
	start = e.pos()
	e.u32(uint32(len(d.Modules)))
	for i, m := range d.Modules {
		e.u64(m.Base)
		e.u32(uint32(min(m.Size, math.MaxUint32)))
		e.u32(0) // checksum
		e.u32(0) // timestamp
		e.u32(nameRVAs[i])
		e.zero(52) // VS_FIXEDFILEINFO
		e.loc(cvLocs[i])
		e.loc(location{}) // misc record
		e.u64(0)
		e.u64(0)
	}
	add(StreamModuleList, start)

	// MemoryList: thread stacks plus extra ranges.
	memLocs := make([]location, len(d.Memory))
	for i, r := range d.Memory {
		memLocs[i] = e.blob(r.Data)
	}
	e.align(8)
	start = e.pos()
	e.u32(uint32(len(d.Threads) + len(d.Memory)))
	for i, t := range d.Threads {
		e.u64(t.StackBase)
		e.loc(stackLocs[i])
	}
	for i, r := range d.Memory {
		e.u64(r.Start)
		e.loc(memLocs[i])
	}
	add(StreamMemoryList, start)

	if x := d.Exception; x != nil {
		var ctxLoc location
		if x.Context != nil {
			raw, err := encodeContext(x.Context)
			if err != nil {
				return nil, fmt.Errorf("exception context: %w", err)
			}
			ctxLoc = e.blob(raw)
		}
		e.align(8)
		start = e.pos()
		e.u32(x.ThreadID)
		e.u32(0)
		e.u32(x.Code)
		e.u32(x.Flags)
		e.u64(0) // nested record
		e.u64(x.Address)
		e.u32(1) // number of parameters
		e.u32(0)
		e.u64(x.Address)
		e.zero(14 * 8)
		e.loc(ctxLoc)
		add(StreamException, start)
	}

	// SystemInfo
	e.align(4)
	start = e.pos()
	e.u16(uint16(d.Arch))
	e.u16(0) // level
	e.u16(0) // revision
	e.buf = append(e.buf, byte(min(d.NumCPU, 255)), 0)
	e.u32(0) // major
	e.u32(0) // minor
	e.u32(0) // build
	e.u32(platformLinux)
	e.u32(0) // CSD version
	e.u16(0)
	e.u16(0)
	e.zero(24)
	add(StreamSystemInfo, start)

	// MiscInfo
	start = e.pos()
	e.u32(miscInfoSize)
	e.u32(miscProcessID | miscProcessTimes)
	e.u32(d.PID)
	e.u32(unixSeconds(d.ProcessCreateTime))
	e.u32(0)
	e.u32(0)
	add(StreamMiscInfo, start)

	text := func(t StreamType, s string) {
		if s == "" {
			return
		}
		l := e.blob([]byte(s))
		dir = append(dir, streamEntry{typ: t, loc: l})
	}
	text(StreamLinuxCmdLine, d.CmdLine)
	text(StreamLinuxMaps, d.Maps)
	text(StreamGoTraceback, d.Traceback)

	if len(d.Annotations) > 0 {
		keys := make([]string, 0, len(d.Annotations))
		for k := range d.Annotations {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]uint32, 0, 2*len(keys))
		for _, k := range keys {
			kv = append(kv, e.utf8String(k), e.utf8String(d.Annotations[k]))
		}
		e.align(4)
		start = e.pos()
		e.u32(uint32(len(keys)))
		for _, rva := range kv {
			e.u32(rva)
		}
		add(StreamAnnotations, start)
	}

	if e.err != nil {
		return nil, e.err
	}
	if len(dir) != len(streams) {
		return nil, fmt.Errorf("stream count mismatch: wrote %d, reserved %d", len(dir), len(streams))
	}

	hdr := e.buf[:headerSize]
	le.PutUint32(hdr[0:], signature)
	le.PutUint32(hdr[4:], formatVersion)
	le.PutUint32(hdr[8:], uint32(len(dir)))
	le.PutUint32(hdr[12:], headerSize)
	le.PutUint32(hdr[16:], 0)
	le.PutUint32(hdr[20:], unixSeconds(d.Time))
	le.PutUint64(hdr[24:], 0)
	for i, s := range dir {
		ent := e.buf[headerSize+dirEntrySize*i:]
		le.PutUint32(ent[0:], uint32(s.typ))
		le.PutUint32(ent[4:], s.loc.size)
		le.PutUint32(ent[8:], s.loc.rva)
	}
	return e.buf, nil
}

// Write encodes d and writes it to w.
func Write(w io.Writer, d *Dump) error {
	b, err := Encode(d)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (d *Dump) hasThreadNames() bool {
	for _, t := range d.Threads {
		if t.Name != "" {
			return true
		}
	}
	return false
}

// streamTypes lists the streams Encode will emit, in order.
func (d *Dump) streamTypes() []StreamType {
	s := []StreamType{StreamThreadList}
	if d.hasThreadNames() {
		s = append(s, StreamThreadNames)
	}
	s = append(s, StreamModuleList, StreamMemoryList)
	if d.Exception != nil {
		s = append(s, StreamException)
	}
	s = append(s, StreamSystemInfo, StreamMiscInfo)
	for _, t := range []string{d.CmdLine, d.Maps, d.Traceback} {
		if t != "" {
			s = append(s, 0)
		}
	}
	if len(d.Annotations) > 0 {
		s = append(s, StreamAnnotations)
	}
	return s
}

func unixSeconds(t time.Time) uint32 {
	sec := t.Unix()
	if sec <= 0 || sec > math.MaxUint32 {
		return 0
	}
	return uint32(sec)
}
