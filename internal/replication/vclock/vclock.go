// Package vclock implements the log position vector: a mapping from an instance identifier to
// the last log sequence number (LSN) originating from that instance. The sum of all components
// is the vector's signature, a single monotonic number used to compare replication progress.
package vclock

import (
	"fmt"
	"sort"
	"strings"
)

// Order is the result of comparing two vclocks.
type Order int

const (
	// Less means every component of the left vclock is less than or equal to the right one and
	// at least one is strictly less.
	Less Order = -1
	// Equal means all components are the same.
	Equal Order = 0
	// Greater is the inverse of Less.
	Greater Order = 1
	// Incomparable means that each vclock is ahead of the other in at least one component.
	Incomparable Order = 2
)

// VClock is a position vector. The zero value is an empty vector ready for use; a nil VClock is
// treated as empty by all read-only operations.
type VClock map[uint32]int64

// New returns an empty vclock.
func New() VClock {
	return VClock{}
}

// Get returns the LSN for the given instance.
func (vc VClock) Get(id uint32) int64 {
	return vc[id]
}

// Follow advances the component of id to lsn. It panics if lsn would move the component
// backwards since that always indicates a broken log.
func (vc VClock) Follow(id uint32, lsn int64) {
	if lsn < vc[id] {
		panic(fmt.Sprintf("vclock: LSN for %d moves backwards: %d -> %d", id, vc[id], lsn))
	}
	vc[id] = lsn
}

// Copy returns a deep copy.
func (vc VClock) Copy() VClock {
	out := make(VClock, len(vc))
	for id, lsn := range vc {
		out[id] = lsn
	}
	return out
}

// Sum returns the signature of the vclock.
func (vc VClock) Sum() int64 {
	var sum int64
	for _, lsn := range vc {
		sum += lsn
	}
	return sum
}

// Compare orders vc relative to other.
func (vc VClock) Compare(other VClock) Order {
	le, ge := true, true
	for id, lsn := range vc {
		switch o := other[id]; {
		case lsn < o:
			ge = false
		case lsn > o:
			le = false
		}
	}
	for id, lsn := range other {
		if _, ok := vc[id]; ok {
			continue
		}
		if lsn > 0 {
			ge = false
		}
	}

	switch {
	case le && ge:
		return Equal
	case le:
		return Less
	case ge:
		return Greater
	default:
		return Incomparable
	}
}

// LessOrEqual reports whether every component of vc is less than or equal to other's.
func (vc VClock) LessOrEqual(other VClock) bool {
	order := vc.Compare(other)
	return order == Less || order == Equal
}

// Equal reports whether both vclocks have identical components.
func (vc VClock) Equal(other VClock) bool {
	return vc.Compare(other) == Equal
}

// String formats the vclock as "{1: 10, 2: 4}" with ids in ascending order.
func (vc VClock) String() string {
	ids := make([]uint32, 0, len(vc))
	for id, lsn := range vc {
		if lsn != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d: %d", id, vc[id]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
