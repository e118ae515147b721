package threaddump

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/minidump"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/threads"
)

const (
	tidOK      = 1
	tidBlocked = 2
	tidGone    = 3
)

// fakeSampler answers tidOK, blocks on tidBlocked without looking at its
// context and reports tidGone as exited.
type fakeSampler struct {
	threads.Unsupported
	release  chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
}

func newFakeSampler(t *testing.T) *fakeSampler {
	s := &fakeSampler{release: make(chan struct{})}
	t.Cleanup(func() { close(s.release) })
	return s
}

func (s *fakeSampler) Sample(_ context.Context, tid int, _ int) (*threads.State, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(s.delay)

	switch tid {
	case tidBlocked:
		<-s.release
		return nil, threads.ErrGone
	case tidGone:
		return nil, threads.ErrGone
	default:
		ctx := minidump.NewContext(minidump.HostArch(), 0x1234, 0x7000_0000, 0, 0)
		return &threads.State{TID: tid, Context: ctx, StackBase: 0x7000_0000, Stack: make([]byte, 64)}, nil
	}
}

func fixedThreads(tids ...int) func(context.Context) (map[int]cpuTimes, error) {
	return func(context.Context) (map[int]cpuTimes, error) {
		out := make(map[int]cpuTimes, len(tids))
		for _, tid := range tids {
			out[tid] = cpuTimes{user: 0.5, system: 0.25}
		}
		return out, nil
	}
}

func newDumper(insp threads.Inspector, opts Options) *Dumper {
	return New(insp, symbols.NewResolver(nil), opts, nil)
}

func TestDumpBoundsBlockedThreads(t *testing.T) {
	d := newDumper(newFakeSampler(t), Options{PerThreadTimeout: 50 * time.Millisecond})
	d.list = fixedThreads(tidOK, tidBlocked, tidGone)

	start := time.Now()
	snap, err := d.Dump(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, snap.Threads, 3, "every thread has an entry")
	byID := map[int]Thread{}
	for _, th := range snap.Threads {
		byID[th.ID] = th
	}

	ok := byID[tidOK]
	assert.Empty(t, ok.Unavailable)
	require.NotEmpty(t, ok.Frames)
	assert.Equal(t, symbols.Addr(0x1234), ok.Frames[0].Address)
	assert.Equal(t, 0.5, ok.CPUUser)
	assert.Equal(t, 0.25, ok.CPUSystem)

	assert.Equal(t, "timed out after 50ms", byID[tidBlocked].Unavailable)
	assert.Empty(t, byID[tidBlocked].Frames)
	assert.Equal(t, "thread exited", byID[tidGone].Unavailable)

	assert.NotEmpty(t, snap.Goroutines, "goroutines of the running process are included")
	assert.Equal(t, d.pid, snap.PID)
}

func TestDumpOneDeadlockedThreadOfFive(t *testing.T) {
	const timeout = 200 * time.Millisecond
	d := newDumper(newFakeSampler(t), Options{PerThreadTimeout: timeout, Concurrency: 5})
	d.list = fixedThreads(tidOK, tidBlocked, 4, 5, 6)

	start := time.Now()
	snap, err := d.Dump(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, timeout, "the deadlocked thread is waited for")
	assert.Less(t, elapsed, 3*timeout, "the deadlocked thread does not hold the dump")

	require.Len(t, snap.Threads, 5)
	var withFrames, unavailable []int
	for _, th := range snap.Threads {
		if th.Unavailable != "" {
			unavailable = append(unavailable, th.ID)
			assert.Empty(t, th.Frames)
			continue
		}
		require.NotEmpty(t, th.Frames, "thread %d", th.ID)
		withFrames = append(withFrames, th.ID)
	}
	assert.Equal(t, []int{tidOK, 4, 5, 6}, withFrames)
	assert.Equal(t, []int{tidBlocked}, unavailable)
}

func TestDumpRespectsConcurrency(t *testing.T) {
	insp := newFakeSampler(t)
	insp.delay = 10 * time.Millisecond
	d := newDumper(insp, Options{Concurrency: 2, PerThreadTimeout: time.Second})
	d.list = fixedThreads(10, 11, 12, 13, 14, 15, 16)

	snap, err := d.Dump(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Threads, 7)
	assert.LessOrEqual(t, insp.maxSeen.Load(), int32(2))
	for _, th := range snap.Threads {
		assert.Empty(t, th.Unavailable, "thread %d", th.ID)
	}
}

func TestDumpThreadsSortedByID(t *testing.T) {
	d := newDumper(newFakeSampler(t), Options{})
	d.list = fixedThreads(30, 10, 20)

	snap, err := d.Dump(context.Background())
	require.NoError(t, err)
	ids := make([]int, 0, len(snap.Threads))
	for _, th := range snap.Threads {
		ids = append(ids, th.ID)
	}
	assert.Equal(t, []int{10, 20, 30}, ids)
}

func TestDumpWithoutThreadInspection(t *testing.T) {
	d := newDumper(threads.Unsupported{}, Options{})
	d.list = fixedThreads(1, 2)

	snap, err := d.Dump(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Threads, 2)
	for _, th := range snap.Threads {
		assert.Equal(t, "thread inspection is not supported on this platform", th.Unavailable)
		assert.Empty(t, th.Frames)
	}
	assert.NotEmpty(t, snap.Goroutines, "goroutines do not need thread inspection")
}

func TestDumpListFailure(t *testing.T) {
	d := newDumper(threads.Unsupported{}, Options{})
	d.list = func(context.Context) (map[int]cpuTimes, error) {
		return nil, threads.ErrUnsupported
	}
	_, err := d.Dump(context.Background())
	assert.True(t, core.IsCategory(err, core.ErrCatUnavailable))
}

func TestDumpConcurrentCalls(t *testing.T) {
	d := newDumper(newFakeSampler(t), Options{})
	d.list = fixedThreads(tidOK, tidGone)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := d.Dump(context.Background())
			assert.NoError(t, err)
			assert.Len(t, snap.Threads, 2)
		}()
	}
	wg.Wait()
}

func TestUnavailableReason(t *testing.T) {
	assert.Equal(t, "thread exited", unavailableReason(threads.ErrGone, time.Second))
	assert.Equal(t, "timed out after 1s", unavailableReason(core.ErrTimeout("x"), time.Second))
	assert.Equal(t, "crash monitor is not running",
		unavailableReason(core.ErrUnavailable(core.CodeMonitorUnavailable, "crash monitor is not running"), time.Second))
	assert.Equal(t, assert.AnError.Error(), unavailableReason(assert.AnError, time.Second))
}
