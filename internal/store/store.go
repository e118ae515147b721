// Package store persists crash-dump artifacts. Artifacts are written to a
// pending temp file and renamed into place on commit, so readers see
// either a complete artifact or nothing.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/crashwarden/internal/core"
	"github.com/hugo-lorenzo-mato/crashwarden/internal/fsutil"
)

const (
	artifactExt  = ".dmp"
	markerName   = ".last-reported"
	maxArtifact  = 512 << 20
	staleTempAge = 10 * time.Minute
)

// Artifact describes one published crash dump.
type Artifact struct {
	ID      string    `json:"id" yaml:"id"`
	Created time.Time `json:"created" yaml:"created"`
	Size    int64     `json:"size" yaml:"size"`
}

// Store is a directory of artifacts named <id>.dmp.
type Store struct {
	dir      string
	maxFiles int
	logger   *slog.Logger

	mu sync.Mutex // serializes retention
}

// Open prepares dir for use and sweeps temp files left by writers that
// died before committing. A maxFiles of zero or less keeps everything.
func Open(dir string, maxFiles int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating crash dir: %w", err)
	}
	s := &Store{dir: dir, maxFiles: maxFiles, logger: logger.With("component", "store")}
	s.sweep(staleTempAge)
	return s, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create starts a new artifact under a fresh UUIDv7 id.
func (s *Store) Create() (*Writer, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, core.ErrInternal(core.CodeStoreWriteFailed, "generating artifact id").WithCause(err)
	}
	path := filepath.Join(s.dir, id.String()+artifactExt)
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o600), renameio.WithTempDir(s.dir))
	if err != nil {
		return nil, core.ErrInternal(core.CodeStoreWriteFailed, "creating pending artifact").WithCause(err)
	}
	return &Writer{id: id.String(), pf: pf, store: s}, nil
}

// Fetch returns the bytes of a published artifact.
func (s *Store) Fetch(id string) ([]byte, error) {
	if _, err := ParseID(id); err != nil {
		return nil, err
	}
	data, err := fsutil.ReadFileIn(s.dir, id+artifactExt, maxArtifact)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound("artifact", id)
	}
	if err != nil {
		return nil, core.ErrInternal(core.CodeArtifactCorrupt, "reading artifact").WithCause(err)
	}
	return data, nil
}

// List returns published artifacts, newest first.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dir: %w", err)
	}
	var out []Artifact
	for _, e := range entries {
		id, ok := artifactID(e)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed by retention while listing.
			continue
		}
		u, _ := uuid.Parse(id)
		out = append(out, Artifact{ID: id, Created: idTime(u, info.ModTime()), Size: info.Size()})
	}
	// UUIDv7 ids sort by creation time; the string form keeps that order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// ParseID validates an artifact id. Malformed ids are reported as not
// found so callers cannot probe the file system through them.
func ParseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil || u.String() != id || u.Version() != 7 {
		return uuid.UUID{}, core.ErrNotFound("artifact", id).WithDetail("reason", core.CodeInvalidArtifactID)
	}
	return u, nil
}

// LastReported returns the id recorded by MarkReported, or "".
func (s *Store) LastReported() string {
	data, err := fsutil.ReadFileIn(s.dir, markerName, 128)
	if err != nil {
		return ""
	}
	id := strings.TrimSpace(string(data))
	if _, err := ParseID(id); err != nil {
		return ""
	}
	return id
}

// MarkReported records id as the newest artifact already reported.
func (s *Store) MarkReported(id string) error {
	if _, err := ParseID(id); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(s.dir, markerName), []byte(id+"\n"), 0o600)
}

// Unreported returns artifacts newer than the last-reported marker,
// newest first.
func (s *Store) Unreported() ([]Artifact, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	last := s.LastReported()
	var out []Artifact
	for _, a := range all {
		if a.ID <= last {
			break
		}
		out = append(out, a)
	}
	return out, nil
}

// enforceRetention removes the oldest artifacts beyond maxFiles.
func (s *Store) enforceRetention() {
	if s.maxFiles <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.List()
	if err != nil {
		s.logger.Warn("retention skipped", "error", err)
		return
	}
	for _, a := range all[min(len(all), s.maxFiles):] {
		path := filepath.Join(s.dir, a.ID+artifactExt)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to remove old artifact", "path", path, "error", err)
			continue
		}
		s.logger.Debug("removed old artifact", "artifact_id", a.ID)
	}
}

// sweep removes pending temp files older than age. Other files in the
// directory are left alone.
func (s *Store) sweep(age time.Duration) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-age)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isPendingTemp(name) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err == nil {
			s.logger.Info("removed uncommitted artifact", "file", name)
		}
	}
}

// isPendingTemp matches the names renameio gives pending files here:
// "." + final name + a random decimal number.
func isPendingTemp(name string) bool {
	if strings.HasPrefix(name, "."+markerName) {
		return isDecimal(strings.TrimPrefix(name, "."+markerName))
	}
	rest, ok := strings.CutPrefix(name, ".")
	if !ok {
		return false
	}
	id, suffix, ok := strings.Cut(rest, artifactExt)
	if !ok {
		return false
	}
	if _, err := ParseID(id); err != nil {
		return false
	}
	return isDecimal(suffix)
}

func isDecimal(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func artifactID(e fs.DirEntry) (string, bool) {
	name := e.Name()
	if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, artifactExt) {
		return "", false
	}
	id := strings.TrimSuffix(name, artifactExt)
	if _, err := ParseID(id); err != nil {
		return "", false
	}
	return id, true
}

func idTime(u uuid.UUID, fallback time.Time) time.Time {
	sec, nsec := u.Time().UnixTime()
	if sec == 0 {
		return fallback.UTC()
	}
	return time.Unix(sec, nsec).UTC()
}
