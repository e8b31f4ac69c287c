package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlaps(t *testing.T) {
	a := New(0, 100)
	b := New(50, 100)
	c := New(100, 100)

	assert.True(t, a.Overlaps(b))
	assert.True(t, b.Overlaps(a))
	assert.False(t, a.Overlaps(c)) // touching, not overlapping
}

func TestContains(t *testing.T) {
	outer := New(0, 100)
	inner := New(10, 20)
	assert.True(t, outer.Contains(inner))
	assert.False(t, inner.Contains(outer))
	assert.True(t, outer.Contains(outer))
}

func TestTrimNoOverlap(t *testing.T) {
	a := New(0, 100)
	b := New(200, 50)
	assert.Equal(t, a, a.Trim(b))
}

func TestTrimHeadCovered(t *testing.T) {
	s := New(0, 100)
	covering := New(0, 40)
	trimmed := s.Trim(covering)
	assert.Equal(t, New(40, 60), trimmed)
}

func TestTrimTailCovered(t *testing.T) {
	s := New(0, 100)
	covering := New(60, 40)
	trimmed := s.Trim(covering)
	assert.Equal(t, New(0, 60), trimmed)
}

func TestTrimFullyCovered(t *testing.T) {
	s := New(10, 20)
	covering := New(0, 100)
	trimmed := s.Trim(covering)
	assert.True(t, trimmed.IsEmpty())
}

func TestInSet(t *testing.T) {
	set := []Segment{New(0, 100), New(200, 100)}
	assert.True(t, New(10, 20).InSet(set))
	assert.False(t, New(90, 20).InSet(set)) // straddles the gap
	assert.False(t, New(150, 10).InSet(set))
}

func TestSetAddMergesAdjacent(t *testing.T) {
	s := NewSet()
	s.Add(New(0, 50))
	s.Add(New(50, 50))
	assert.Equal(t, []Segment{New(0, 100)}, s.Segments())
}

func TestSetAddMergesOverlapping(t *testing.T) {
	s := NewSet()
	s.Add(New(0, 60))
	s.Add(New(40, 60))
	assert.Equal(t, []Segment{New(0, 100)}, s.Segments())
}

func TestSetAddKeepsDisjointSegmentsSeparate(t *testing.T) {
	s := NewSet()
	s.Add(New(0, 50))
	s.Add(New(100, 50))
	assert.Equal(t, []Segment{New(0, 50), New(100, 50)}, s.Segments())
}

func TestSetCoversExact(t *testing.T) {
	s := NewSet(New(0, 100))
	assert.True(t, s.Covers(100))

	s2 := NewSet(New(0, 50), New(60, 40))
	assert.False(t, s2.Covers(100))
}

func TestSetCoversEmptyFile(t *testing.T) {
	s := NewSet()
	assert.True(t, s.Covers(0))
}

func TestSetTotalSize(t *testing.T) {
	s := NewSet(New(0, 50), New(100, 25))
	assert.Equal(t, int64(75), s.TotalSize())
}

func TestNewPanicsOnNegative(t *testing.T) {
	assert.Panics(t, func() { New(-1, 10) })
	assert.Panics(t, func() { New(0, -1) })
}
