// Package session keeps the pseudonym <-> original mappings that make
// reidentification possible, scoped to one session id.
package session

import (
	"sync"
)

// MappingState is the bidirectional map of one session. Forward maps a
// pseudonym to its original text, reverse maps the original back. Both
// directions are written before Insert returns.
//
// The two directions are independent concurrent maps; there is no lock
// spanning both.
type MappingState struct {
	forward sync.Map // pseudonym -> original
	reverse sync.Map // original -> pseudonym
}

// NewMappingState returns an empty state.
func NewMappingState() *MappingState {
	return &MappingState{}
}

// Insert records the pair in both directions. Inserting the same pair again
// is a no-op in effect.
func (s *MappingState) Insert(pseudonym, original string) {
	s.forward.Store(pseudonym, original)
	s.reverse.Store(original, pseudonym)
}

// GetOriginal returns the original text for a pseudonym.
func (s *MappingState) GetOriginal(pseudonym string) (string, bool) {
	v, ok := s.forward.Load(pseudonym)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// GetPseudonym returns the pseudonym already assigned to original.
func (s *MappingState) GetPseudonym(original string) (string, bool) {
	v, ok := s.reverse.Load(original)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ContainsPseudonym reports whether the pseudonym is mapped.
func (s *MappingState) ContainsPseudonym(pseudonym string) bool {
	_, ok := s.forward.Load(pseudonym)
	return ok
}

// ContainsOriginal reports whether the original text is mapped.
func (s *MappingState) ContainsOriginal(original string) bool {
	_, ok := s.reverse.Load(original)
	return ok
}

// Len returns the number of pseudonyms in the state.
func (s *MappingState) Len() int {
	n := 0
	s.forward.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Clear empties both directions. The state stays usable afterwards.
func (s *MappingState) Clear() {
	s.forward.Clear()
	s.reverse.Clear()
}
