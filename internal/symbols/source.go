package symbols

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/modules"
)

// ErrNoDebugInfo means a source has nothing for the requested module.
var ErrNoDebugInfo = errors.New("no debug information")

// Source supplies symbol tables for modules, typically keyed by build id.
// Additional sources (bundled symbol archives, remote symbol stores) plug
// in by implementing this interface.
type Source interface {
	Name() string
	// Open returns ErrNoDebugInfo when the source has nothing for m.
	Open(m modules.Module) (Table, error)
}

// DirSource looks for separate debug files in local directories, in the
// layout used by distribution debug packages:
//
//	<dir>/.build-id/<xx>/<rest>.debug
//	<dir>/<name>.debug
//	<dir>/<name>
//
// Files found by name are only used when their build id matches.
type DirSource struct {
	Dirs []string
}

// Name identifies the source in logs.
func (s DirSource) Name() string { return "debug-dirs" }

// Open implements Source.
func (s DirSource) Open(m modules.Module) (Table, error) {
	if len(m.BuildID) < 2 || m.Path == "" {
		return nil, ErrNoDebugInfo
	}
	id := m.BuildIDHex()
	name := filepath.Base(m.Path)
	for _, dir := range s.Dirs {
		byID := filepath.Join(dir, ".build-id", id[:2], id[2:]+".debug")
		if fileExists(byID) {
			return LoadELF(byID)
		}
		for _, candidate := range []string{
			filepath.Join(dir, name+".debug"),
			filepath.Join(dir, name),
		} {
			if fileExists(candidate) && buildIDMatches(candidate, m.BuildID) {
				return LoadELF(candidate)
			}
		}
	}
	return nil, ErrNoDebugInfo
}

// ModulePathSource reads symbols from the module's own file on disk. When
// the module carries a build id the file must still match it, so a binary
// replaced since the crash is never used to symbolize it.
type ModulePathSource struct{}

// Name identifies the source in logs.
func (ModulePathSource) Name() string { return "module-path" }

// Open implements Source.
func (ModulePathSource) Open(m modules.Module) (Table, error) {
	if !strings.HasPrefix(m.Path, "/") || !fileExists(m.Path) {
		return nil, ErrNoDebugInfo
	}
	if len(m.BuildID) > 0 && !buildIDMatches(m.Path, m.BuildID) {
		return nil, ErrNoDebugInfo
	}
	return LoadELF(m.Path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func buildIDMatches(path string, want []byte) bool {
	got, err := modules.ReadBuildID(path)
	return err == nil && bytes.Equal(got, want)
}
