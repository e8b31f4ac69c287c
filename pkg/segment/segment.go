// Package segment implements the byte-range arithmetic shared by the
// file queue, the download scheduler, and the transfer state machine:
// a Segment is a half-open [start, start+size) byte range.
package segment

import "sort"

// Segment is a contiguous byte range [Start, Start+Size) on a file.
// Overlapped marks a segment duplicated onto a second connection under
// the overlap-slow-source rule (§4.6); it carries no arithmetic weight
// of its own.
type Segment struct {
	Start      int64
	Size       int64
	Overlapped bool
}

// Empty is the zero-size segment returned when no work is available.
var Empty = Segment{}

// New returns a segment, panicking if start or size is negative —
// callers are expected to have validated these against the file size
// before construction.
func New(start, size int64) Segment {
	if start < 0 || size < 0 {
		panic("segment: negative start or size")
	}
	return Segment{Start: start, Size: size}
}

// IsEmpty reports whether the segment has zero size.
func (s Segment) IsEmpty() bool {
	return s.Size == 0
}

// End returns the exclusive end offset, start+size.
func (s Segment) End() int64 {
	return s.Start + s.Size
}

// Overlaps reports whether the two segments' intervals intersect.
func (s Segment) Overlaps(o Segment) bool {
	return s.Start < o.End() && o.Start < s.End()
}

// Contains reports whether s fully contains o.
func (s Segment) Contains(o Segment) bool {
	return s.Start <= o.Start && s.End() >= o.End()
}

// Trim clips s so that it no longer intersects o. If o splits s into
// two disjoint pieces, only the leading piece is returned (callers
// that need the remainder should call Trim again against the
// remaining segment after re-deriving it). If o does not overlap s,
// s is returned unchanged.
func (s Segment) Trim(o Segment) Segment {
	if !s.Overlaps(o) {
		return s
	}
	switch {
	case o.Start <= s.Start && o.End() < s.End():
		// o covers the head of s; keep the tail.
		return Segment{Start: o.End(), Size: s.End() - o.End()}
	case o.Start > s.Start:
		// o covers the tail (or middle) of s; keep the head.
		return Segment{Start: s.Start, Size: o.Start - s.Start}
	default:
		// o fully contains s.
		return Segment{Start: s.Start, Size: 0}
	}
}

// InSet reports whether some element of an ordered, disjoint segment
// set fully contains s. The set must be sorted by Start as produced by
// Set.
func (s Segment) InSet(set []Segment) bool {
	for _, o := range set {
		if o.Start > s.Start {
			break
		}
		if o.Contains(s) {
			return true
		}
	}
	return false
}

// Less orders segments by (start, size) for use in a sorted set.
func Less(a, b Segment) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.Size < b.Size
}

// Set is a disjoint, sorted collection of segments, e.g. a
// QueuedFile's "done" ranges.
type Set struct {
	segs []Segment
}

// NewSet builds a Set from the given segments, merging any that touch
// or overlap.
func NewSet(segs ...Segment) *Set {
	s := &Set{}
	for _, seg := range segs {
		s.Add(seg)
	}
	return s
}

// Add inserts seg into the set, merging with any adjacent or
// overlapping segments so the set stays disjoint.
func (s *Set) Add(seg Segment) {
	if seg.IsEmpty() {
		return
	}
	merged := []Segment{seg}
	remaining := make([]Segment, 0, len(s.segs))
	for _, existing := range s.segs {
		if existing.Start <= merged[0].End() && merged[0].Start <= existing.End() {
			start := merged[0].Start
			if existing.Start < start {
				start = existing.Start
			}
			end := merged[0].End()
			if existing.End() > end {
				end = existing.End()
			}
			merged[0] = Segment{Start: start, Size: end - start}
			continue
		}
		remaining = append(remaining, existing)
	}
	remaining = append(remaining, merged[0])
	sort.Slice(remaining, func(i, j int) bool { return Less(remaining[i], remaining[j]) })
	s.segs = remaining
}

// Segments returns the sorted, disjoint segments backing the set.
// Callers must not mutate the returned slice.
func (s *Set) Segments() []Segment {
	return s.segs
}

// Covers reports whether the set covers [0, size) exactly, i.e. the
// union of segments is a single [0, size) range.
func (s *Set) Covers(size int64) bool {
	if size <= 0 {
		return true
	}
	return len(s.segs) == 1 && s.segs[0].Start == 0 && s.segs[0].Size == size
}

// TotalSize returns the sum of all segment sizes in the set.
func (s *Set) TotalSize() int64 {
	var total int64
	for _, seg := range s.segs {
		total += seg.Size
	}
	return total
}
