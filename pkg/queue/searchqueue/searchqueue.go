// Package searchqueue implements the priority-ordered bundle search
// queue used by the alternate-source search driver (§4.11, §9). The
// spec only pins down a contract — "bundles partitioned by age into
// two priority-ordered queues; each call to next() returns the
// next-due bundle across both, subject to its own scheduling interval"
// — leaving the concrete structure open. This implementation uses two
// container/heap min-heaps ordered by next-search-time, grounded on
// the unfinishedDownloadChunk heap pattern from Sia's renter package:
// a heap.Interface ordered primarily by schedule, with ties broken by
// insertion order so the scan stays deterministic under test.
package searchqueue

import (
	"container/heap"
	"time"
)

// recentWindow is the age boundary between the "recent" and "old"
// partitions (§4.11: "recent (added < 7 days)").
const recentWindow = 7 * 24 * time.Hour

// defaultInterval is the search interval MarkSearched applies when it
// is given a non-positive interval. A newly added bundle does not use
// it: Add sets its next-search-time to its added time.
const defaultInterval = time.Minute

type entry struct {
	token      uint32
	added      time.Time
	nextSearch time.Time
	inOld      bool // partition assigned at Add time; fixed for the entry's lifetime
	seq        int  // insertion order, for stable tie-breaking
	index      int  // heap.Interface bookkeeping
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].nextSearch.Equal(h[j].nextSearch) {
		return h[i].nextSearch.Before(h[j].nextSearch)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue partitions bundles into a recent heap and an old heap, each
// ordered by next-search-time, and serves the globally next-due
// bundle across both partitions.
type Queue struct {
	recent  entryHeap
	old     entryHeap
	byToken map[uint32]*entry
	seq     int
}

// New returns an empty search queue.
func New() *Queue {
	return &Queue{byToken: make(map[uint32]*entry)}
}

// Add registers a bundle, partitioning it by age against addedAt and
// making it immediately eligible for its first search.
func (q *Queue) Add(token uint32, addedAt time.Time) {
	if _, exists := q.byToken[token]; exists {
		return
	}
	q.seq++
	e := &entry{
		token:      token,
		added:      addedAt,
		nextSearch: addedAt,
		inOld:      time.Since(addedAt) >= recentWindow,
		seq:        q.seq,
	}
	q.byToken[token] = e
	heap.Push(q.partitionFor(e), e)
}

// Remove drops a bundle from the queue.
func (q *Queue) Remove(token uint32) {
	e, ok := q.byToken[token]
	if !ok {
		return
	}
	delete(q.byToken, token)
	h := q.partitionFor(e)
	if e.index >= 0 && e.index < len(*h) && (*h)[e.index] == e {
		heap.Remove(h, e.index)
	}
}

// partitionFor returns the heap a bundle belongs in. The partition is
// decided once, at Add time, from the bundle's age; it does not
// migrate between heaps as the bundle ages further, since a bundle's
// fairness class should not change mid-lifetime just because a later
// MarkSearched call happens to land after the recent-window boundary.
func (q *Queue) partitionFor(e *entry) *entryHeap {
	if e.inOld {
		return &q.old
	}
	return &q.recent
}

// Next returns the token of the next-due bundle across both
// partitions, preferring the recent partition on a tie, or false if
// nothing is due yet.
func (q *Queue) Next(now time.Time) (uint32, bool) {
	var best *entry

	if len(q.recent) > 0 && !q.recent[0].nextSearch.After(now) {
		best = q.recent[0]
	}
	if len(q.old) > 0 && !q.old[0].nextSearch.After(now) {
		if best == nil || q.old[0].nextSearch.Before(best.nextSearch) {
			best = q.old[0]
		}
	}
	if best == nil {
		return 0, false
	}
	return best.token, true
}

// MarkSearched reschedules a bundle's next-search-time to now+interval
// (or defaultInterval if interval is zero).
func (q *Queue) MarkSearched(token uint32, now time.Time, interval time.Duration) {
	e, ok := q.byToken[token]
	if !ok {
		return
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	h := q.partitionFor(e)
	e.nextSearch = now.Add(interval)
	heap.Fix(h, e.index)
}

// Len returns the total number of bundles tracked across both partitions.
func (q *Queue) Len() int {
	return len(q.byToken)
}
