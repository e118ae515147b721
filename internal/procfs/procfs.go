// Package procfs reads the live state of a process from /proc: its
// threads, mapped modules, command line and memory.
package procfs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/fsutil"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
)

// Root is the procfs mount point. Tests may point it elsewhere.
var Root = "/proc"

const maxProcFile = 16 << 20

func pidDir(pid int) string {
	return filepath.Join(Root, strconv.Itoa(pid))
}

// Threads lists the thread ids of pid in ascending order.
func Threads(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(pidDir(pid), "task"))
	if err != nil {
		return nil, fmt.Errorf("list threads of %d: %w", pid, err)
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	sort.Ints(tids)
	return tids, nil
}

// ThreadName returns the kernel name (comm) of a thread, or "" if the
// thread is gone.
func ThreadName(pid, tid int) string {
	data, err := fsutil.ReadFileIn(filepath.Join(pidDir(pid), "task", strconv.Itoa(tid)), "comm", 256)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// CmdLine returns the argument vector of pid.
func CmdLine(pid int) ([]string, error) {
	if Root == "/proc" {
		if p, err := process.NewProcess(int32(pid)); err == nil {
			if args, err := p.CmdlineSlice(); err == nil {
				return args, nil
			}
		}
	}
	data, err := fsutil.ReadFileIn(pidDir(pid), "cmdline", maxProcFile)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), "\x00"), nil
}

// Maps returns the raw text and the parsed mappings of pid.
func Maps(pid int) (string, []modules.Mapping, error) {
	data, err := fsutil.ReadFileIn(pidDir(pid), "maps", maxProcFile)
	if err != nil {
		return "", nil, err
	}
	maps, err := modules.ParseMaps(bytes.NewReader(data))
	return string(data), maps, err
}

// Modules returns the executable images mapped into pid together with
// their build ids. Images whose file is no longer readable are kept
// without a build id.
func Modules(pid int, maps []modules.Mapping) []modules.Module {
	mods := modules.FromMappings(maps)
	for i := range mods {
		if !strings.HasPrefix(mods[i].Path, "/") {
			continue
		}
		id, err := modules.ReadBuildID(mods[i].Path)
		if err != nil {
			// The file may have been replaced or deleted; the mapping
			// itself is still reachable through map_files.
			id, _ = modules.ReadBuildID(mapFile(pid, maps, mods[i]))
		}
		mods[i].BuildID = id
	}
	return mods
}

func mapFile(pid int, maps []modules.Mapping, m modules.Module) string {
	for _, mp := range maps {
		if mp.Path == m.Path && mp.Start >= m.Base {
			return filepath.Join(pidDir(pid), "map_files", fmt.Sprintf("%x-%x", mp.Start, mp.End))
		}
	}
	return ""
}

// StartTime returns when pid started, in unix milliseconds.
func StartTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// MappingAt returns the mapping containing addr.
func MappingAt(maps []modules.Mapping, addr uint64) (modules.Mapping, bool) {
	i := sort.Search(len(maps), func(i int) bool { return maps[i].End > addr })
	if i < len(maps) && maps[i].Start <= addr {
		return maps[i], true
	}
	return modules.Mapping{}, false
}
