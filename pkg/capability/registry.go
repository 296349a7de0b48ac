package capability

import (
	"sync/atomic"
)

// Registry publishes the current capability snapshot. Rebuilds construct a
// fresh snapshot off to the side and swap it in through a single atomic
// pointer store, so concurrent readers never observe a partially built
// set.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry holding an empty snapshot.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(NewSnapshot(nil))
	return r
}

// Current returns the currently published snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Publish makes snap the current snapshot and returns the one it
// replaced.
func (r *Registry) Publish(snap *Snapshot) *Snapshot {
	return r.current.Swap(snap)
}
