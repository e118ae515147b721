package symbolicate

import (
	"fmt"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/symbols"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/traceback"
)

// Report is the symbolicated form of one crash artifact.
type Report struct {
	ArtifactID   string     `json:"artifact_id" yaml:"artifact_id"`
	Time         time.Time  `json:"time" yaml:"time"`
	Kind         string     `json:"kind" yaml:"kind"`
	Reason       string     `json:"reason" yaml:"reason"`
	PID          uint32     `json:"pid,omitempty" yaml:"pid,omitempty"`
	ProcessStart *time.Time `json:"process_start,omitempty" yaml:"process_start,omitempty"`
	Version      string     `json:"version,omitempty" yaml:"version,omitempty"`
	// Capture is complete, partial or none, depending on how many
	// threads had their registers captured.
	Capture    string                `json:"capture,omitempty" yaml:"capture,omitempty"`
	CmdLine    []string              `json:"cmdline,omitempty" yaml:"cmdline,omitempty"`
	CrashSite  *CrashSite            `json:"crash_site,omitempty" yaml:"crash_site,omitempty"`
	Threads    []Thread              `json:"threads" yaml:"threads"`
	Goroutines []traceback.Goroutine `json:"goroutines,omitempty" yaml:"goroutines,omitempty"`
	Modules    []Module              `json:"modules" yaml:"modules"`
	Warnings   []string              `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Thread is one OS thread of the crashed process.
type Thread struct {
	ID      uint32          `json:"id" yaml:"id"`
	Name    string          `json:"name,omitempty" yaml:"name,omitempty"`
	Crashed bool            `json:"crashed,omitempty" yaml:"crashed,omitempty"`
	Frames  []symbols.Frame `json:"frames" yaml:"frames"`
	// Unavailable explains why a thread has no frames.
	Unavailable string `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
}

// Module is a loaded image.
type Module struct {
	Base    symbols.Addr `json:"base" yaml:"base"`
	Size    uint64       `json:"size" yaml:"size"`
	Path    string       `json:"path" yaml:"path"`
	BuildID string       `json:"build_id,omitempty" yaml:"build_id,omitempty"`
}

// Crash site sources.
const (
	SiteGoroutine = "goroutine"
	SiteThread    = "thread"
)

// CrashSite is the frame blamed for the crash.
type CrashSite struct {
	Source    string        `json:"source" yaml:"source"`
	ThreadID  uint32        `json:"thread_id,omitempty" yaml:"thread_id,omitempty"`
	Goroutine int           `json:"goroutine,omitempty" yaml:"goroutine,omitempty"`
	Frame     symbols.Frame `json:"frame" yaml:"frame"`
}

func (c *CrashSite) String() string {
	if c == nil {
		return ""
	}
	return c.Frame.String()
}

// CrashedThread returns the thread that raised the fault.
func (r *Report) CrashedThread() (*Thread, bool) {
	for i := range r.Threads {
		if r.Threads[i].Crashed {
			return &r.Threads[i], true
		}
	}
	return nil, false
}

// Summary is a one-line description.
func (r *Report) Summary() string {
	s := r.Kind
	if r.Reason != "" && r.Reason != r.Kind {
		s = r.Reason
	}
	if site := r.CrashSite.String(); site != "" {
		s += " in " + site
	}
	return s
}

// Markdown renders the report for humans.
func (r *Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Crash %s\n\n", r.ArtifactID)
	fmt.Fprintf(&b, "- **Kind:** %s\n", r.Kind)
	if r.Reason != "" {
		fmt.Fprintf(&b, "- **Reason:** `%s`\n", r.Reason)
	}
	fmt.Fprintf(&b, "- **Time:** %s\n", r.Time.Format(time.RFC3339))
	if r.PID != 0 {
		fmt.Fprintf(&b, "- **PID:** %d\n", r.PID)
	}
	if r.Version != "" {
		fmt.Fprintf(&b, "- **Version:** %s\n", r.Version)
	}
	if r.Capture != "" {
		fmt.Fprintf(&b, "- **Capture:** %s\n", r.Capture)
	}
	if r.CrashSite != nil {
		fmt.Fprintf(&b, "- **Crash site:** `%s` (from %s)\n", r.CrashSite.Frame, r.CrashSite.Source)
	}
	if len(r.CmdLine) > 0 {
		fmt.Fprintf(&b, "- **Command:** `%s`\n", strings.Join(r.CmdLine, " "))
	}

	if g, ok := firstGoroutine(r.Goroutines); ok {
		fmt.Fprintf(&b, "\n## Goroutine %d [%s]\n\n", g.ID, g.State)
		writeFrames(&b, g.Frames)
		if len(r.Goroutines) > 1 {
			fmt.Fprintf(&b, "\n%d more goroutines in the full report.\n", len(r.Goroutines)-1)
		}
	}

	b.WriteString("\n## Threads\n")
	for _, t := range r.Threads {
		title := fmt.Sprintf("%d", t.ID)
		if t.Name != "" {
			title += " " + t.Name
		}
		if t.Crashed {
			title += " (crashed)"
		}
		fmt.Fprintf(&b, "\n### Thread %s\n\n", title)
		if t.Unavailable != "" {
			fmt.Fprintf(&b, "_unavailable: %s_\n", t.Unavailable)
			continue
		}
		writeFrames(&b, t.Frames)
	}

	if len(r.Modules) > 0 {
		b.WriteString("\n## Modules\n\n| Base | Size | Path | Build ID |\n|---|---|---|---|\n")
		for _, m := range r.Modules {
			fmt.Fprintf(&b, "| 0x%x | %d | %s | %s |\n", uint64(m.Base), m.Size, m.Path, m.BuildID)
		}
	}
	if len(r.Warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	return b.String()
}

func writeFrames(b *strings.Builder, frames []symbols.Frame) {
	if len(frames) == 0 {
		b.WriteString("_no frames_\n")
		return
	}
	b.WriteString("```\n")
	for i, f := range frames {
		fmt.Fprintf(b, "#%-3d %s [%s]\n", i, f, f.Trust)
	}
	b.WriteString("```\n")
}

func firstGoroutine(gs []traceback.Goroutine) (traceback.Goroutine, bool) {
	d := traceback.Dump{Goroutines: gs}
	return d.FirstGoroutine()
}
