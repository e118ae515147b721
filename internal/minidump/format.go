// Package minidump reads and writes crash dumps in the MDMP container
// format used by Breakpad and Crashpad, so that artifacts remain readable
// by standard tooling (minidump_stackwalk, rust-minidump, lldb).
//
// Only the streams this server produces are understood:
//
//   - ThreadList, ThreadNames and per-thread CPU contexts
//   - ModuleList with ELF CodeView records carrying build ids
//   - MemoryList, Exception, SystemInfo and MiscInfo
//   - Linux command line and maps text
//   - vendor streams for annotations and the Go runtime traceback
package minidump

import "time"

const (
	signature     = 0x504d444d // "MDMP"
	formatVersion = 0xa793

	headerSize   = 32
	dirEntrySize = 12
	threadSize   = 48
	moduleSize   = 108
	memDescSize  = 16
	exceptionSz  = 168
	sysInfoSize  = 56
	miscInfoSize = 24

	maxStreams = 256
)

// StreamType identifies a minidump stream.
type StreamType uint32

const (
	StreamThreadList   StreamType = 3
	StreamModuleList   StreamType = 4
	StreamMemoryList   StreamType = 5
	StreamException    StreamType = 6
	StreamSystemInfo   StreamType = 7
	StreamMiscInfo     StreamType = 15
	StreamThreadNames  StreamType = 24
	StreamLinuxCmdLine StreamType = 0x47670006
	StreamLinuxMaps    StreamType = 0x47670009

	StreamAnnotations StreamType = 0x43570001
	StreamGoTraceback StreamType = 0x43570002
)

func (t StreamType) String() string {
	switch t {
	case StreamThreadList:
		return "ThreadList"
	case StreamModuleList:
		return "ModuleList"
	case StreamMemoryList:
		return "MemoryList"
	case StreamException:
		return "Exception"
	case StreamSystemInfo:
		return "SystemInfo"
	case StreamMiscInfo:
		return "MiscInfo"
	case StreamThreadNames:
		return "ThreadNames"
	case StreamLinuxCmdLine:
		return "LinuxCmdLine"
	case StreamLinuxMaps:
		return "LinuxMaps"
	case StreamAnnotations:
		return "Annotations"
	case StreamGoTraceback:
		return "GoTraceback"
	default:
		return "Unknown"
	}
}

const (
	platformLinux = 0x8201
	cvSignatureEL = 0x4270454c // "BpEL"

	miscProcessID    = 0x1
	miscProcessTimes = 0x2
)

// Dump is the in-memory form of a crash dump.
type Dump struct {
	Time              time.Time
	Arch              Arch
	NumCPU            int
	PID               uint32
	ProcessCreateTime time.Time

	Threads   []Thread
	Modules   []Module
	Memory    []MemoryRange
	Exception *Exception

	CmdLine   string
	Maps      string
	Traceback string
	// Annotations carry free-form crash metadata such as the fault kind.
	Annotations map[string]string

	// Warnings lists streams that were present but could not be decoded.
	// Set by Parse only.
	Warnings []string
}

// Thread is one captured OS thread.
type Thread struct {
	ID   uint32
	Name string
	// Context is nil when registers could not be captured.
	Context   *Context
	StackBase uint64
	Stack     []byte
}

// Module is a loaded image recorded in the dump.
type Module struct {
	Base    uint64
	Size    uint64
	Path    string
	BuildID []byte
}

// MemoryRange is an extra captured memory region.
type MemoryRange struct {
	Start uint64
	Data  []byte
}

// Exception describes the fault that triggered the dump.
type Exception struct {
	ThreadID uint32
	// Code is the signal number for signal faults and zero otherwise.
	Code    uint32
	Flags   uint32
	Address uint64
	Context *Context
}

// Annotation keys written by the monitor.
const (
	AnnotationFaultKind = "fault_kind"
	AnnotationVersion   = "version"
	AnnotationCapture   = "capture"
)

// ThreadByID returns the thread with the given id.
func (d *Dump) ThreadByID(id uint32) (*Thread, bool) {
	for i := range d.Threads {
		if d.Threads[i].ID == id {
			return &d.Threads[i], true
		}
	}
	return nil, false
}
