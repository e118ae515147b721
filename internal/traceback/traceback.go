// Package traceback parses Go runtime goroutine dumps, as written on a
// fatal panic or by the goroutine profile at debug level 2.
package traceback

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/maruel/panicparse/stack"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
)

// TrustTraceback marks frames taken from the runtime's own traceback.
const TrustTraceback = "traceback"

// Goroutine is one parsed goroutine.
type Goroutine struct {
	ID    int    `json:"id" yaml:"id"`
	State string `json:"state" yaml:"state"`
	// First is the goroutine the runtime printed first: the one that
	// panicked, or the one that requested the dump.
	First     bool            `json:"first,omitempty" yaml:"first,omitempty"`
	Locked    bool            `json:"locked,omitempty" yaml:"locked,omitempty"`
	Waiting   string          `json:"waiting,omitempty" yaml:"waiting,omitempty"`
	CreatedBy string          `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Frames    []symbols.Frame `json:"frames" yaml:"frames"`
	Elided    bool            `json:"elided,omitempty" yaml:"elided,omitempty"`
}

// Bucket groups goroutines with the same stack.
type Bucket struct {
	IDs    []int           `json:"ids" yaml:"ids"`
	State  string          `json:"state" yaml:"state"`
	Frames []symbols.Frame `json:"frames" yaml:"frames"`
}

// Dump is a parsed traceback.
type Dump struct {
	// Header holds the lines outside any goroutine, such as
	// "panic: ..." or "fatal error: ...".
	Header     []string
	Goroutines []Goroutine
}

// Parse parses text. A dump that is only partially understood returns
// what was parsed together with the error.
func Parse(text string) (*Dump, error) {
	d := &Dump{}
	if strings.TrimSpace(text) == "" {
		return d, nil
	}
	var rest bytes.Buffer
	c, err := stack.ParseDump(strings.NewReader(text), &rest, false)
	for _, line := range strings.Split(rest.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			d.Header = append(d.Header, line)
		}
	}
	if c != nil {
		for _, g := range c.Goroutines {
			d.Goroutines = append(d.Goroutines, convert(g))
		}
	}
	if err != nil {
		return d, fmt.Errorf("parse traceback: %w", err)
	}
	return d, nil
}

// Reason returns the first "panic:" or "fatal error:" header line.
func (d *Dump) Reason() string {
	for _, line := range d.Header {
		if strings.HasPrefix(line, "panic:") || strings.HasPrefix(line, "fatal error:") {
			return line
		}
	}
	return ""
}

// FirstGoroutine returns the goroutine printed first.
func (d *Dump) FirstGoroutine() (Goroutine, bool) {
	for _, g := range d.Goroutines {
		if g.First {
			return g, true
		}
	}
	if len(d.Goroutines) > 0 {
		return d.Goroutines[0], true
	}
	return Goroutine{}, false
}

// Buckets groups the goroutines of text by identical call stack,
// ignoring argument values.
func Buckets(text string) ([]Bucket, error) {
	c, err := stack.ParseDump(strings.NewReader(text), &bytes.Buffer{}, false)
	if c == nil {
		return nil, err
	}
	var out []Bucket
	for _, b := range stack.Aggregate(c.Goroutines, stack.AnyValue) {
		out = append(out, Bucket{IDs: b.IDs, State: b.State, Frames: frames(b.Stack)})
	}
	return out, err
}

func convert(g *stack.Goroutine) Goroutine {
	return Goroutine{
		ID:        g.ID,
		State:     g.State,
		First:     g.First,
		Locked:    g.Locked,
		Waiting:   g.SleepString(),
		CreatedBy: g.CreatedBy.Func.Raw,
		Frames:    frames(g.Stack),
		Elided:    g.Stack.Elided,
	}
}

func frames(s stack.Stack) []symbols.Frame {
	out := make([]symbols.Frame, 0, len(s.Calls))
	for _, c := range s.Calls {
		out = append(out, symbols.Frame{
			Function: c.Func.Raw,
			File:     c.SrcPath,
			Line:     c.Line,
			Trust:    TrustTraceback,
		})
	}
	return out
}
