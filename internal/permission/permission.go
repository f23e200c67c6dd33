// Package permission holds permission records and typed id sets used to diff
// a tenant's permission state against a package definition.
package permission

import (
	"slices"
)

// DefaultGuard is the guard name stamped on permissions that do not carry one.
const DefaultGuard = "web"

// ID identifies a permission. Ids are assigned by the landlord catalogue and
// reused verbatim inside every tenant database.
type ID int64

// Permission is a single grantable capability.
type Permission struct {
	ID        ID     `json:"id"`
	Name      string `json:"name"`
	GuardName string `json:"guard_name,omitempty"`
}

// Guard returns the guard name, falling back to DefaultGuard.
func (p Permission) Guard() string {
	if p.GuardName == "" {
		return DefaultGuard
	}
	return p.GuardName
}

// List is an ordered list of permissions as stored on a package.
type List []Permission

// IDs returns the id set of the list.
func (l List) IDs() IDSet {
	s := make(IDSet, len(l))
	for _, p := range l {
		s[p.ID] = struct{}{}
	}
	return s
}

// Select returns the permissions whose id is in ids, preserving list order.
// A repeated id is returned once.
func (l List) Select(ids IDSet) List {
	out := make(List, 0, len(ids))
	seen := make(IDSet, len(ids))
	for _, p := range l {
		if !ids.Contains(p.ID) || seen.Contains(p.ID) {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Dedupe drops repeated ids, keeping the first occurrence.
func (l List) Dedupe() List {
	return l.Select(l.IDs())
}

// IDSet is a set of permission ids.
type IDSet map[ID]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Contains reports whether id is in s.
func (s IDSet) Contains(id ID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids in s.
func (s IDSet) Len() int { return len(s) }

// Difference returns s \ other.
func (s IDSet) Difference(other IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if !other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Union returns s ∪ other.
func (s IDSet) Union(other IDSet) IDSet {
	out := make(IDSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}

// Intersect returns s ∩ other.
func (s IDSet) Intersect(other IDSet) IDSet {
	out := make(IDSet)
	for id := range s {
		if other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Equal reports set equality.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Contains(id) {
			return false
		}
	}
	return true
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []ID {
	out := make([]ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Int64s returns the ids in ascending order as int64 values for driver args.
func (s IDSet) Int64s() []int64 {
	sorted := s.Sorted()
	out := make([]int64, len(sorted))
	for i, id := range sorted {
		out[i] = int64(id)
	}
	return out
}

// Delta is the change needed to move a permission table from one set to another.
type Delta struct {
	Added   List  // rows to insert, in target order
	Removed IDSet // ids present before and absent from the target
	Target  IDSet
}

// Diff computes the delta from prev to next by id.
func Diff(prev, next List) Delta {
	prevIDs := prev.IDs()
	nextIDs := next.IDs()
	return Delta{
		Added:   next.Select(nextIDs.Difference(prevIDs)),
		Removed: prevIDs.Difference(nextIDs),
		Target:  nextIDs,
	}
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}
