package traceback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const crashOutput = `panic: boom

goroutine 1 [running]:
main.crasher(0x1)
	/src/app/main.go:12 +0x2a
main.main()
	/src/app/main.go:5 +0x20

goroutine 6 [chan receive, 2 minutes]:
main.worker(0xc000010000)
	/src/app/worker.go:9 +0x40
created by main.main
	/src/app/main.go:4 +0x10

goroutine 7 [chan receive, 2 minutes]:
main.worker(0xc000010100)
	/src/app/worker.go:9 +0x40
created by main.main
	/src/app/main.go:4 +0x10
`

func TestParse(t *testing.T) {
	d, err := Parse(crashOutput)
	require.NoError(t, err)
	assert.Equal(t, "panic: boom", d.Reason())
	require.Len(t, d.Goroutines, 3)

	first, ok := d.FirstGoroutine()
	require.True(t, ok)
	assert.Equal(t, 1, first.ID)
	assert.Equal(t, "running", first.State)
	require.Len(t, first.Frames, 2)
	assert.Equal(t, "main.crasher", first.Frames[0].Function)
	assert.Equal(t, "/src/app/main.go", first.Frames[0].File)
	assert.Equal(t, 12, first.Frames[0].Line)
	assert.Equal(t, TrustTraceback, first.Frames[0].Trust)

	w := d.Goroutines[1]
	assert.Equal(t, 6, w.ID)
	assert.False(t, w.First)
	assert.Equal(t, "chan receive", w.State)
	assert.Equal(t, "2 minutes", w.Waiting)
	assert.Equal(t, "main.main", w.CreatedBy)
}

func TestParseEmptyAndGarbage(t *testing.T) {
	d, err := Parse("")
	require.NoError(t, err)
	assert.Empty(t, d.Goroutines)
	assert.Empty(t, d.Reason())

	d, _ = Parse("fatal error: all goroutines are asleep - deadlock!\n")
	assert.Empty(t, d.Goroutines)
	assert.Equal(t, "fatal error: all goroutines are asleep - deadlock!", d.Reason())
	_, ok := d.FirstGoroutine()
	assert.False(t, ok)
}

func TestBuckets(t *testing.T) {
	buckets, err := Buckets(crashOutput)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	var workers *Bucket
	for i := range buckets {
		if len(buckets[i].IDs) == 2 {
			workers = &buckets[i]
		}
	}
	require.NotNil(t, workers, "goroutines differing only in argument values share a bucket")
	assert.ElementsMatch(t, []int{6, 7}, workers.IDs)
	assert.Equal(t, "main.worker", workers.Frames[0].Function)
}
