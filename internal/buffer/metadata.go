package buffer

import (
	"maps"
	"time"
)

// Metadata groups records sharing a routing destination or accumulation
// window. Two metadatas are equal iff their timekey, tag, and variables
// triples are equal. Callers obtain a canonical instance via Buffer.Metadata
// so that pointer identity can be used as a map key.
type Metadata struct {
	hasTimekey bool
	timekey    time.Time
	hasTag     bool
	tag        string
	variables  map[string]string
}

// NewMetadata constructs a Metadata value. Any of timekey, tag, or variables
// may be left at its zero value to signal "not set" (timekey via hasTimekey,
// tag via hasTag, variables via a nil/empty map).
func NewMetadata(timekey *time.Time, tag *string, variables map[string]string) *Metadata {
	m := &Metadata{}
	if timekey != nil {
		m.hasTimekey = true
		m.timekey = *timekey
	}
	if tag != nil {
		m.hasTag = true
		m.tag = *tag
	}
	if len(variables) > 0 {
		m.variables = maps.Clone(variables)
	}
	return m
}

// equal reports whether m and other describe the same triple. Used by the
// registry to intern equivalent values into a single canonical pointer.
func (m *Metadata) equal(other *Metadata) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	if m.hasTimekey != other.hasTimekey || (m.hasTimekey && !m.timekey.Equal(other.timekey)) {
		return false
	}
	if m.hasTag != other.hasTag || m.tag != other.tag {
		return false
	}
	if len(m.variables) != len(other.variables) {
		return false
	}
	for k, v := range m.variables {
		if other.variables[k] != v {
			return false
		}
	}
	return true
}

// Timekey returns the time-window key and whether one was set.
func (m *Metadata) Timekey() (time.Time, bool) { return m.timekey, m.hasTimekey }

// Tag returns the routing tag and whether one was set.
func (m *Metadata) Tag() (string, bool) { return m.tag, m.hasTag }

// Variables returns a copy of the user-supplied variables.
func (m *Metadata) Variables() map[string]string { return maps.Clone(m.variables) }

// metadataRegistry interns Metadata values so that equal triples share a
// single pointer identity. All mutation happens under the buffer's global
// lock; the registry itself holds no lock of its own.
type metadataRegistry struct {
	list []*Metadata
}

// add interns m, returning the canonical instance for its triple. Uses a
// linear scan over the live list, matching the small cardinality expected
// in practice (one entry per active time window/tag/variable combination).
func (r *metadataRegistry) add(m *Metadata) *Metadata {
	for _, existing := range r.list {
		if existing.equal(m) {
			return existing
		}
	}
	r.list = append(r.list, m)
	return m
}

// remove drops m from the registry. No-op if not present.
func (r *metadataRegistry) remove(m *Metadata) {
	for i, existing := range r.list {
		if existing == m {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return
		}
	}
}

// snapshot returns a defensive copy of the live list so that enumerators
// are isolated from concurrent registry mutation.
func (r *metadataRegistry) snapshot() []*Metadata {
	out := make([]*Metadata, len(r.list))
	copy(out, r.list)
	return out
}
