package monitor

import (
	"bytes"
	"io"
	"sync"
)

// crashOutput accumulates what the runtime writes to the crash output
// pipe. started closes on the first byte, done at end of stream.
type crashOutput struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	started chan struct{}
	done    chan struct{}
}

func collect(r io.Reader, limit int) *crashOutput {
	c := &crashOutput{limit: limit, started: make(chan struct{}), done: make(chan struct{})}
	if r == nil {
		close(c.done)
		return c
	}
	go c.read(r)
	return c
}

func (c *crashOutput) read(r io.Reader) {
	defer close(c.done)
	chunk := make([]byte, 32<<10)
	first := true
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			if room := c.limit - c.buf.Len(); room > 0 {
				c.buf.Write(chunk[:min(n, room)])
			}
			c.mu.Unlock()
			if first {
				first = false
				close(c.started)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *crashOutput) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
