package capability

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReloadMode controls when the manager rescans the capability directory.
type ReloadMode string

const (
	// ReloadAuto rescans when the directory looks stale (mtime moved, the
	// file set changed, or a watcher marked it dirty).
	ReloadAuto ReloadMode = "auto"
	// ReloadForce rescans on every Ensure call.
	ReloadForce ReloadMode = "force"
	// ReloadOff never rescans after the initial load.
	ReloadOff ReloadMode = "off"
)

// Valid reports whether m is a known reload mode.
func (m ReloadMode) Valid() bool {
	switch m {
	case ReloadAuto, ReloadForce, ReloadOff:
		return true
	}
	return false
}

// DiscoveryState tracks what the last discovery pass saw, so staleness
// can be decided without reloading anything. It combines a cheap stat
// check (directory mtime plus the set of unit files) with a dirty flag
// set by the filesystem watcher.
type DiscoveryState struct {
	mu       sync.Mutex
	dir      string
	modTime  time.Time
	files    []string
	dirty    bool
	loadedAt time.Time
}

// NewDiscoveryState creates state for the given capability directory.
func NewDiscoveryState(dir string) *DiscoveryState {
	return &DiscoveryState{dir: dir}
}

// Dir returns the watched capability directory.
func (s *DiscoveryState) Dir() string {
	return s.dir
}

// MarkDirty requests a rescan on the next staleness check. Called by the
// filesystem watcher.
func (s *DiscoveryState) MarkDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// Dirty reports whether a rescan has been requested since the last
// recorded pass.
func (s *DiscoveryState) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Record stores what this discovery pass observed and clears the dirty
// flag.
func (s *DiscoveryState) Record(modTime time.Time, files []string) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	s.mu.Lock()
	s.modTime = modTime
	s.files = sorted
	s.dirty = false
	s.loadedAt = time.Now()
	s.mu.Unlock()
}

// LoadedAt returns the time of the last recorded discovery pass, zero if
// none has completed yet.
func (s *DiscoveryState) LoadedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadedAt
}

// ShouldReload decides whether a rescan is due. A forced request, an
// empty registry, a watcher-set dirty flag, a directory mtime change and
// a changed unit file set all trigger one; stat failures (directory
// missing or unreadable) do too, so the registry converges to empty
// rather than serving stale capabilities.
func (s *DiscoveryState) ShouldReload(force, registryEmpty bool, mode ReloadMode) bool {
	if force {
		return true
	}
	if mode == ReloadForce {
		return true
	}
	if registryEmpty {
		return true
	}
	if mode == ReloadOff {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		return true
	}

	modTime, files, err := statDir(s.dir)
	if err != nil {
		return true
	}
	if !modTime.Equal(s.modTime) {
		return true
	}
	return !equalStrings(files, s.files)
}

// statDir returns the directory's mtime and its unit file names sorted
// ascending.
func statDir(dir string) (time.Time, []string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsUnitFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	return info.ModTime(), files, nil
}

// IsUnitFile reports whether name looks like a capability source unit.
// Editor droppings (dotfiles) and files prefixed with an underscore are
// skipped.
func IsUnitFile(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return false
	}
	return filepath.Ext(name) == ".js"
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
