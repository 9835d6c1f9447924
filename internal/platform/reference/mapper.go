package reference

import (
	"github.com/ehr/fhirtx/internal/platform/fhir"
)

// Mapper is a one-directional rewrite table from an original identifier to
// its resolved value. A Mapper belongs to exactly one import/export pass or
// one transaction and is not safe for concurrent use.
type Mapper[K comparable, V comparable] struct {
	m     map[K]V
	order []K
}

// NewMapper returns an empty Mapper.
func NewMapper[K comparable, V comparable]() *Mapper[K, V] {
	return &Mapper[K, V]{m: make(map[K]V)}
}

// TryGet returns the value mapped for key.
func (m *Mapper[K, V]) TryGet(key K) (V, bool) {
	v, ok := m.m[key]
	return v, ok
}

// Exists reports whether key has a mapping.
func (m *Mapper[K, V]) Exists(key K) bool {
	_, ok := m.m[key]
	return ok
}

// Remap inserts or overwrites the mapping for key and returns value.
func (m *Mapper[K, V]) Remap(key K, value V) V {
	if _, ok := m.m[key]; !ok {
		m.order = append(m.order, key)
	}
	m.m[key] = value
	return value
}

// Merge copies every mapping of other into m. A key already mapped to a
// different value is a conflict; m is left unchanged in that case.
func (m *Mapper[K, V]) Merge(other *Mapper[K, V]) error {
	for _, k := range other.order {
		if v, ok := m.m[k]; ok && v != other.m[k] {
			return fhir.Conflict("conflicting mapping for %v: %v vs %v", k, v, other.m[k])
		}
	}
	for _, k := range other.order {
		if !m.Exists(k) {
			m.Remap(k, other.m[k])
		}
	}
	return nil
}

// Len returns the number of mappings.
func (m *Mapper[K, V]) Len() int { return len(m.m) }

// Keys returns the mapped keys in insertion order.
func (m *Mapper[K, V]) Keys() []K {
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// KeyMapper maps client identifiers (temporary urns and foreign URLs) to
// server keys.
type KeyMapper = Mapper[string, fhir.Key]

// NewKeyMapper returns an empty KeyMapper.
func NewKeyMapper() *KeyMapper {
	return NewMapper[string, fhir.Key]()
}
