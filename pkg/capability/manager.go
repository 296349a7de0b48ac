package capability

import (
	"sync"

	"github.com/rs/zerolog"
)

// ReloadListener is notified after a discovery pass publishes a new
// snapshot. Listeners must not block.
type ReloadListener func(snap *Snapshot)

// Manager ties the registry, the discoverer and the staleness state
// together. Reads go straight to the published snapshot; rescans are
// serialized by a mutex so concurrent triggers collapse into one pass.
type Manager struct {
	registry   *Registry
	discoverer *Discoverer
	state      *DiscoveryState
	mode       ReloadMode
	logger     zerolog.Logger

	reloadMu  sync.Mutex
	listeners []ReloadListener
	listMu    sync.Mutex
}

// NewManager creates a capability manager.
func NewManager(discoverer *Discoverer, state *DiscoveryState, mode ReloadMode, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:   NewRegistry(),
		discoverer: discoverer,
		state:      state,
		mode:       mode,
		logger:     logger.With().Str("component", "capability-manager").Logger(),
	}
}

// OnReload registers a listener invoked after every completed rescan.
func (m *Manager) OnReload(fn ReloadListener) {
	m.listMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listMu.Unlock()
}

// Current returns the published snapshot without any staleness check.
func (m *Manager) Current() *Snapshot {
	return m.registry.Current()
}

// Ensure rescans the directory if the registry looks stale (or force is
// set) and returns the snapshot to serve from. A failed rescan keeps the
// previous snapshot published and returns the error.
func (m *Manager) Ensure(force bool) (*Snapshot, error) {
	if !m.state.ShouldReload(force, m.registry.Current().Empty(), m.mode) {
		return m.registry.Current(), nil
	}
	return m.Refresh()
}

// Refresh runs one discovery pass unconditionally and publishes the
// result.
func (m *Manager) Refresh() (*Snapshot, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	previous := m.registry.Current()
	snap, modTime, files, err := m.discoverer.Discover(previous)
	if err != nil {
		m.logger.Error().Err(err).Msg("Capability discovery failed, keeping previous set")
		return previous, err
	}

	m.state.Record(modTime, files)
	m.registry.Publish(snap)
	m.notify(snap)

	return snap, nil
}

// Lookup resolves name in the current snapshot without triggering a
// rescan.
func (m *Manager) Lookup(name string) (*Descriptor, bool) {
	return m.registry.Current().Lookup(name)
}

// Names returns the capability names in the current snapshot.
func (m *Manager) Names() []string {
	return m.registry.Current().Names()
}

func (m *Manager) notify(snap *Snapshot) {
	m.listMu.Lock()
	listeners := append([]ReloadListener(nil), m.listeners...)
	m.listMu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
