// Package threads abstracts stopping a single OS thread and reading its
// registers and stack. The live thread dumper and the crash monitor share
// it; the ptrace implementation only exists on Linux.
package threads

import (
	"context"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/unwind"
)

var (
	// ErrGone is returned for threads that exited before or while being
	// sampled.
	ErrGone = core.ErrUnavailable(core.CodeThreadGone, "thread exited")
	// ErrUnsupported is returned where threads cannot be inspected.
	ErrUnsupported = core.ErrUnavailable(core.CodeThreadsUnsupported, "thread inspection is not supported on this platform")
)

// State is a stopped thread's registers and the stack window above its
// stack pointer.
type State struct {
	TID       int
	Context   *minidump.Context
	StackBase uint64
	Stack     []byte
}

// UnwindStack returns the captured window in the form the unwinder reads.
func (s *State) UnwindStack() unwind.Stack {
	return unwind.Stack{Base: s.StackBase, Data: s.Stack}
}

// Inspector stops, reads and resumes individual threads of one process.
// Pause must be followed by Resume for the same thread, including when
// ReadState fails.
type Inspector interface {
	// Threads lists the thread ids of the target process.
	Threads(ctx context.Context) ([]int, error)
	// Pause stops tid. It returns once the thread is stopped or ctx ends.
	Pause(ctx context.Context, tid int) error
	// ReadState reads registers and up to window bytes of stack.
	ReadState(ctx context.Context, tid int, window int) (*State, error)
	// Resume lets tid run again.
	Resume(tid int) error
}

// Sampler is implemented by inspectors that stop, read and resume a
// thread in a single step, such as one that runs in another process.
type Sampler interface {
	Sample(ctx context.Context, tid int, window int) (*State, error)
}

// Sample captures one thread through insp.
func Sample(ctx context.Context, insp Inspector, tid int, window int) (*State, error) {
	if s, ok := insp.(Sampler); ok {
		return s.Sample(ctx, tid, window)
	}
	if err := insp.Pause(ctx, tid); err != nil {
		// A thread whose interrupt was queued must still be released.
		_ = insp.Resume(tid)
		return nil, err
	}
	defer insp.Resume(tid) //nolint:errcheck
	return insp.ReadState(ctx, tid, window)
}

// Unsupported is the inspector for platforms without thread inspection.
type Unsupported struct{}

func (Unsupported) Threads(context.Context) ([]int, error) { return nil, ErrUnsupported }

func (Unsupported) Pause(context.Context, int) error { return ErrUnsupported }

func (Unsupported) ReadState(context.Context, int, int) (*State, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Resume(int) error { return nil }
