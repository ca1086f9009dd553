package domain

import (
	"slices"
	"sort"
)

// IDSet is an unordered set of ids kept as a sorted, duplicate free slice so
// that equal sets compare and serialize identically.
type IDSet []string

// NewIDSet normalizes ids into a set. Empty ids are dropped.
func NewIDSet(ids ...string) IDSet {
	out := make(IDSet, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Has reports membership.
func (s IDSet) Has(id string) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// With returns a new set that also contains id.
func (s IDSet) With(id string) IDSet {
	if s.Has(id) {
		return s.Clone()
	}
	return NewIDSet(append(s.Clone(), id)...)
}

// Without returns a new set without id.
func (s IDSet) Without(id string) IDSet {
	out := make(IDSet, 0, len(s))
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Toggle adds id when absent and removes it when present.
func (s IDSet) Toggle(id string) IDSet {
	if s.Has(id) {
		return s.Without(id)
	}
	return s.With(id)
}

// Equal compares two sets.
func (s IDSet) Equal(o IDSet) bool { return slices.Equal(s, o) }

// Clone copies the set. A nil set clones to an empty one.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	copy(out, s)
	return out
}
