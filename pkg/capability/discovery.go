package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Discoverer scans a directory of capability source units and builds
// complete snapshots. Each pass starts from scratch: every unit is
// re-evaluated, ids are reassigned from the base, and the result replaces
// the previous set wholesale.
type Discoverer struct {
	dir    string
	baseID int
	loader *UnitLoader
	logger zerolog.Logger
}

// NewDiscoverer creates a discoverer over dir. Ids are assigned
// sequentially starting at baseID on every pass.
func NewDiscoverer(dir string, baseID int, loader *UnitLoader, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		dir:    dir,
		baseID: baseID,
		loader: loader,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover runs one full pass and returns the resulting snapshot together
// with the directory observation (mtime, unit files) for staleness
// tracking. A missing directory yields an empty snapshot, not an error;
// a broken unit is logged and skipped, never aborting the pass.
func (d *Discoverer) Discover(previous *Snapshot) (*Snapshot, time.Time, []string, error) {
	info, err := os.Stat(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Warn().Str("dir", d.dir).Msg("Capability directory does not exist")
			return NewSnapshot(nil), time.Time{}, nil, nil
		}
		return nil, time.Time{}, nil, fmt.Errorf("failed to stat capability directory: %w", err)
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, time.Time{}, nil, fmt.Errorf("failed to read capability directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsUnitFile(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	nextID := d.baseID
	var descriptors []*Descriptor
	seen := make(map[string]string)

	for _, name := range files {
		desc, err := d.loader.Load(filepath.Join(d.dir, name), name)
		if err != nil {
			d.logger.Error().
				Err(err).
				Str("unit", name).
				Msg("Skipping broken capability unit")
			continue
		}

		if prior, ok := seen[desc.Name]; ok {
			d.logger.Warn().
				Str("capability", desc.Name).
				Str("unit", name).
				Str("registered_from", prior).
				Msg("Duplicate capability name, keeping the first")
			continue
		}
		seen[desc.Name] = name

		desc.ID = nextID
		nextID++
		descriptors = append(descriptors, desc)
	}

	snap := NewSnapshot(descriptors)
	d.logDelta(previous, snap)

	return snap, info.ModTime(), files, nil
}

// logDelta logs which capabilities appeared and disappeared between two
// snapshots.
func (d *Discoverer) logDelta(previous, current *Snapshot) {
	if previous == nil {
		previous = NewSnapshot(nil)
	}

	var added, removed []string
	for _, name := range current.Names() {
		if _, ok := previous.Lookup(name); !ok {
			added = append(added, name)
		}
	}
	for _, name := range previous.Names() {
		if _, ok := current.Lookup(name); !ok {
			removed = append(removed, name)
		}
	}

	evt := d.logger.Info().Int("count", current.Len())
	if len(added) > 0 {
		evt = evt.Strs("added", added)
	}
	if len(removed) > 0 {
		evt = evt.Strs("removed", removed)
	}
	evt.Msg("Capability discovery pass complete")
}
