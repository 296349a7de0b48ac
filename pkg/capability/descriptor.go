package capability

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Handler is the invocable side of a capability. Implementations must be
// safe to call from multiple goroutines and should honor ctx cancellation.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Descriptor is the static metadata for one registered capability plus a
// handle to its invocable logic. Ids are assigned sequentially within one
// discovery pass and reset on every rebuild; they are not stable across
// passes.
type Descriptor struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	SourceFile  string          `json:"sourceFile,omitempty"`
	ContentHash string          `json:"contentHash,omitempty"`

	// Handle is never serialized; List strips it entirely.
	Handle Handler `json:"-"`

	params *gojsonschema.Schema
}

// ParameterSchema returns the compiled parameter schema, or nil when the
// unit declared none (validation is skipped in that case).
func (d *Descriptor) ParameterSchema() *gojsonschema.Schema {
	return d.params
}

// Snapshot is one complete, immutable view of the registered capability
// set. Exactly one snapshot is current at any instant; readers always see
// either the old or the new set in full.
type Snapshot struct {
	descriptors []*Descriptor
	byName      map[string]*Descriptor
	listing     []Descriptor
	hash        string
	builtAt     time.Time
}

// NewSnapshot builds a snapshot from descriptors in discovery order. The
// name index, the name-sorted listing and its content hash are computed
// once here; the snapshot is read-only afterwards.
func NewSnapshot(descriptors []*Descriptor) *Snapshot {
	s := &Snapshot{
		descriptors: descriptors,
		byName:      make(map[string]*Descriptor, len(descriptors)),
		builtAt:     time.Now(),
	}

	for _, d := range descriptors {
		s.byName[d.Name] = d
	}

	// Listing is sorted by name and carries no handles.
	s.listing = make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		item := *d
		item.Handle = nil
		item.params = nil
		s.listing = append(s.listing, item)
	}
	sort.Slice(s.listing, func(i, j int) bool {
		return s.listing[i].Name < s.listing[j].Name
	})

	payload, err := json.Marshal(s.listing)
	if err == nil {
		sum := sha1.Sum(payload)
		s.hash = hex.EncodeToString(sum[:])
	}

	return s
}

// Lookup returns the descriptor registered under name.
func (s *Snapshot) Lookup(name string) (*Descriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// List returns the name-sorted descriptors without handles together with
// the content hash of their serialized form, usable as an ETag for
// conditional retrieval.
func (s *Snapshot) List() ([]Descriptor, string) {
	return s.listing, s.hash
}

// Hash returns the content hash of the sorted descriptor listing.
func (s *Snapshot) Hash() string {
	return s.hash
}

// Names returns all registered capability names sorted ascending.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.listing))
	for _, d := range s.listing {
		names = append(names, d.Name)
	}
	return names
}

// Len returns the number of registered capabilities.
func (s *Snapshot) Len() int {
	return len(s.descriptors)
}

// Empty reports whether the snapshot holds no capabilities.
func (s *Snapshot) Empty() bool {
	return len(s.descriptors) == 0
}

// BuiltAt returns the time the snapshot was constructed.
func (s *Snapshot) BuiltAt() time.Time {
	return s.builtAt
}
