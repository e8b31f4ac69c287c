// Package partial implements the partial file sharing protocol
// (§4.8): peers exchange PartsInfo advertisements over the search-UDP
// channel so a file still being downloaded by one user can serve the
// blocks it already has to another.
package partial

import (
	"context"
	"time"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/dcqueue/qengine/pkg/tth"
)

// MinSize is the smallest file size eligible for partial sharing; any
// file below this threshold is never partially shared.
const MinSize = 20 * 1024 * 1024

// RefreshInterval is how often requestPartialSourceInfo is driven.
const RefreshInterval = 5 * time.Minute

// MaxRefreshBatch bounds the number of partial sources queried per tick.
const MaxRefreshBatch = 10

// Engine implements the partial-share request/reply and periodic
// refresh logic against a shared Context.
type Engine struct {
	ctx *corectx.Context
}

// New constructs a partial-share Engine bound to ctx.
func New(ctx *corectx.Context) *Engine {
	return &Engine{ctx: ctx}
}

func eligible(f *queue.QueuedFile) bool {
	return f != nil && !f.IsFinished() && f.Size >= MinSize && !f.HasFlag(queue.FlagPrivate)
}

// HandlePartialResult processes a remote peer's PartsInfo reply for t
// (§4.8 handlePartialResult): it reports whether this file still needs
// any block the remote advertises, registers the remote as a partial
// source when it does, and fills the caller's own advertisement.
func (e *Engine) HandlePartialResult(user string, t tth.TTH, remote *queue.PartsInfo) (mine *queue.PartsInfo, ok bool) {
	file := findEligible(e.ctx, t)
	if file == nil {
		return nil, false
	}

	undone := undoneBlockRanges(file.Done(), file.Size, file.BlockSize)
	needed := isNeededPart(remote, undone)
	if !needed {
		return nil, false
	}

	if _, hasSrc := file.GetSource(user); !hasSrc {
		src, err := file.AddSource(user)
		if err == nil {
			src.Flags |= queue.SourceFlagPartial
			src.Parts = remote
			src.NextQueryTime = corectx.Now().Add(RefreshInterval)
		}
	}

	mine = doneBlockRanges(file.Done(), file.BlockSize)
	return mine, true
}

// HandlePartialSearch answers a remote peer's partial-bundle search
// for t (§4.8 handlePartialSearch): it reports whether this file has
// any shareable data at all and, if so, fills the caller's own
// advertisement plus the owning bundle token for a PBD reply.
func (e *Engine) HandlePartialSearch(t tth.TTH) (mine *queue.PartsInfo, bundleToken uint32, hasCompletedFilesInBundle bool, ok bool) {
	file := findEligible(e.ctx, t)
	if file == nil {
		return nil, 0, false, false
	}

	mine = doneBlockRanges(file.Done(), file.BlockSize)
	bundleToken = file.BundleToken

	if bundle := e.ctx.Bundles.FindBundleByToken(bundleToken); bundle != nil {
		for _, token := range bundle.FileTokens() {
			if sibling := e.ctx.Files.FindByToken(token); sibling != nil && sibling.IsFinished() {
				hasCompletedFilesInBundle = true
				break
			}
		}
	}
	return mine, bundleToken, hasCompletedFilesInBundle, true
}

func findEligible(ctx *corectx.Context, t tth.TTH) *queue.QueuedFile {
	for _, f := range ctx.Files.FindByTTH(t) {
		if eligible(f) {
			return f
		}
	}
	return nil
}

// RefreshDue sends a UDP parts-info request to up to MaxRefreshBatch
// partial sources whose backoff has elapsed (§4.8 periodic
// requestPartialSourceInfo), dispatched through the background task
// queue so UDP sends never occur inside a listener lock.
func (e *Engine) RefreshDue(ctx context.Context, now time.Time) int {
	candidates := e.ctx.Files.FindPFSSources(now, MaxRefreshBatch)
	for _, c := range candidates {
		cand := c
		cand.Source.NextQueryTime = now.Add(RefreshInterval)
		cand.Source.PendingQueries++
		e.ctx.Tasks.Enqueue(func() {
			if e.ctx.Collaborators.UDP == nil {
				return
			}
			payload := encodePartsRequest(cand.File.TTH)
			_ = e.ctx.Collaborators.UDP.SendUDP(ctx, cand.Source.HubIPPort, payload)
		})
	}
	return len(candidates)
}

func encodePartsRequest(t tth.TTH) []byte {
	return []byte("PSR TH" + t.String())
}

// undoneBlockRanges returns the block-unit ranges of [0,size) not
// covered by done, the complement the remote side needs to check its
// advertisement against.
func undoneBlockRanges(done []segment.Segment, size, blockSize int64) []queue.PartRange {
	if blockSize <= 0 {
		return nil
	}
	var ranges []queue.PartRange
	cursor := int64(0)
	for _, d := range done {
		if d.Start > cursor {
			ranges = append(ranges, byteGapToBlockRange(cursor, d.Start, blockSize))
		}
		if d.End() > cursor {
			cursor = d.End()
		}
	}
	if cursor < size {
		ranges = append(ranges, byteGapToBlockRange(cursor, size, blockSize))
	}
	return ranges
}

func byteGapToBlockRange(start, end, blockSize int64) queue.PartRange {
	startBlock := uint32(start / blockSize)
	endBlock := uint32((end + blockSize - 1) / blockSize)
	return queue.PartRange{StartBlock: startBlock, EndBlock: endBlock}
}

// doneBlockRanges converts the completed byte segments of a file into
// block-unit PartRanges, capped at queue.MaxPartsInfoRanges.
func doneBlockRanges(done []segment.Segment, blockSize int64) *queue.PartsInfo {
	if blockSize <= 0 {
		return &queue.PartsInfo{}
	}
	ranges := make([]queue.PartRange, 0, len(done))
	for _, d := range done {
		if len(ranges) >= queue.MaxPartsInfoRanges {
			break
		}
		startBlock := uint32(d.Start / blockSize)
		endBlock := uint32((d.End() + blockSize - 1) / blockSize)
		if endBlock > startBlock {
			ranges = append(ranges, queue.PartRange{StartBlock: startBlock, EndBlock: endBlock})
		}
	}
	return &queue.PartsInfo{Ranges: ranges}
}

// isNeededPart reports whether any remote-advertised range intersects
// the local undone set.
func isNeededPart(remote *queue.PartsInfo, undone []queue.PartRange) bool {
	if remote == nil {
		return false
	}
	for _, r := range remote.Ranges {
		for _, u := range undone {
			if r.StartBlock < u.EndBlock && u.StartBlock < r.EndBlock {
				return true
			}
		}
	}
	return false
}
