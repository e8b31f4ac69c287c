package queue

import "github.com/dcqueue/qengine/pkg/segment"

// SegmentPickOptions parameterizes QueuedFile.GetNextSegment (§4.6).
type SegmentPickOptions struct {
	// WantedSize is the caller's requested chunk length; 0 means "no
	// preference, use the file's own estimate".
	WantedSize int64
	// LastSpeed is the connection's most recent measured throughput
	// in bytes/sec, used to estimate a reasonable chunk length.
	LastSpeed int64
	// ConnChunkEstimate is the connection's exponentially recalibrated
	// chunk-size estimate (§3 UserConnection).
	ConnChunkEstimate int64
	// Partial restricts the candidate segment to ranges the remote
	// partial source advertises, expressed in block units.
	Partial *PartsInfo
	// AllowOverlap permits duplicating an already-running segment
	// when its estimated time remaining exceeds OverlapThreshold.
	AllowOverlap bool
	// OverlapThresholdSeconds is the estimated-seconds-left floor
	// above which a running segment becomes a duplication candidate.
	OverlapThresholdSeconds float64
	// RunningSpeeds maps a currently-running segment (by start offset)
	// to its estimated bytes/sec, used to compute seconds-left for the
	// overlap decision.
	RunningSpeeds map[int64]int64
}

// GetNextSegment returns the next segment to request on this file
// given wantedSize/lastSpeed/partial/allowOverlap (§4.6). Returns
// segment.Empty if the file is paused or no segment is available.
func (f *QueuedFile) GetNextSegment(opts SegmentPickOptions) segment.Segment {
	f.mu.Lock()
	size, blockSize, paused := f.Size, f.BlockSize, f.Priority.IsPaused()
	doneSegs := append([]segment.Segment(nil), f.done.Segments()...)
	running := make([]segment.Segment, 0, len(f.downloads))
	for _, s := range f.downloads {
		running = append(running, s)
	}
	maxSegments := f.MaxSegments
	f.mu.Unlock()

	if paused || size <= 0 {
		return segment.Empty
	}
	if len(running) >= maxSegments && !opts.AllowOverlap {
		return segment.Empty
	}

	target := blockSize
	if opts.WantedSize > target {
		target = opts.WantedSize
	}
	if opts.ConnChunkEstimate > target {
		target = opts.ConnChunkEstimate
	}
	if target > size {
		target = size
	}

	candidates := candidateGaps(size, doneSegs, running)

	for _, c := range candidates {
		seg := alignToBlock(c, blockSize, size, target)
		if seg.IsEmpty() {
			continue
		}
		if opts.Partial != nil {
			seg = intersectPartial(seg, opts.Partial, blockSize, size)
			if seg.IsEmpty() {
				continue
			}
		}
		return seg
	}

	if opts.AllowOverlap {
		if seg, ok := pickOverlapCandidate(running, opts); ok {
			seg.Overlapped = true
			return seg
		}
	}

	return segment.Empty
}

// candidateGaps returns the regions of [0,size) not covered by done
// segments and not held by a running download, in ascending order.
func candidateGaps(size int64, done, running []segment.Segment) []segment.Segment {
	blocked := segment.NewSet(append(append([]segment.Segment(nil), done...), running...)...)
	covered := blocked.Segments()

	var gaps []segment.Segment
	cursor := int64(0)
	for _, c := range covered {
		if c.Start > cursor {
			gaps = append(gaps, segment.New(cursor, c.Start-cursor))
		}
		if c.End() > cursor {
			cursor = c.End()
		}
	}
	if cursor < size {
		gaps = append(gaps, segment.New(cursor, size-cursor))
	}
	return gaps
}

// alignToBlock clips a gap to at most wanted bytes, aligned to block
// boundaries except for a final segment that may end at size.
func alignToBlock(gap segment.Segment, blockSize, size, wanted int64) segment.Segment {
	start := gap.Start
	if blockSize > 0 {
		start -= start % blockSize
		if start < gap.Start {
			start += blockSize
		}
	}
	if start >= gap.End() {
		return segment.Empty
	}

	length := wanted
	if length <= 0 || length > gap.End()-start {
		length = gap.End() - start
	}
	end := start + length
	if end < gap.End() && blockSize > 0 {
		end -= end % blockSize
		if end <= start {
			end = start + blockSize
		}
	}
	if end > size {
		end = size
	}
	if end <= start {
		return segment.Empty
	}
	return segment.New(start, end-start)
}

// intersectPartial clips seg to the ranges a partial source advertises.
func intersectPartial(seg segment.Segment, parts *PartsInfo, blockSize, size int64) segment.Segment {
	if blockSize <= 0 {
		return segment.Empty
	}
	startBlock := uint32(seg.Start / blockSize)
	endBlock := uint32((seg.End() + blockSize - 1) / blockSize)
	for _, r := range parts.Ranges {
		lo, hi := r.StartBlock, r.EndBlock
		if lo >= endBlock || hi <= startBlock {
			continue
		}
		clippedStartBlock := startBlock
		if lo > clippedStartBlock {
			clippedStartBlock = lo
		}
		clippedEndBlock := endBlock
		if hi < clippedEndBlock {
			clippedEndBlock = hi
		}
		start := int64(clippedStartBlock) * blockSize
		end := int64(clippedEndBlock) * blockSize
		if end > size {
			end = size
		}
		if start < seg.Start {
			start = seg.Start
		}
		if end > start {
			return segment.New(start, end-start)
		}
	}
	return segment.Empty
}

// pickOverlapCandidate finds a running segment whose estimated
// seconds-left exceeds the overlap threshold and returns a duplicate
// request for it.
func pickOverlapCandidate(running []segment.Segment, opts SegmentPickOptions) (segment.Segment, bool) {
	for _, r := range running {
		speed, ok := opts.RunningSpeeds[r.Start]
		if !ok || speed <= 0 {
			continue
		}
		secondsLeft := float64(r.Size) / float64(speed)
		if secondsLeft > opts.OverlapThresholdSeconds {
			return r, true
		}
	}
	return segment.Empty, false
}
