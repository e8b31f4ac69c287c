// Package autoprio implements the auto-priority controller (§4.10):
// on a timer, it re-ranks auto-priority bundles (and the auto-priority
// files inside them) using either a progress-based or a balanced
// speed/source-count scoring mode.
package autoprio

import (
	"sort"
	"time"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
)

// Mode selects the scoring algorithm (§6.5 autoprio_type).
type Mode int8

const (
	ModeDisabled Mode = iota
	ModeProgress
	ModeBalanced
)

// DefaultInterval is AUTOPRIO_INTERVAL, the tick period between runs.
const DefaultInterval = 60 * time.Second

// Assignment is one priority change to apply under the write lock.
type Assignment struct {
	Bundle *queue.Bundle
	File   *queue.QueuedFile // nil when the assignment targets the bundle itself
	Prio   queue.Priority
}

// Controller runs the periodic auto-priority sweep against a shared
// Context.
type Controller struct {
	ctx  *corectx.Context
	mode Mode
}

// New constructs a Controller in the given mode.
func New(ctx *corectx.Context, mode Mode) *Controller {
	return &Controller{ctx: ctx, mode: mode}
}

// Tick collects candidate priority assignments under a read lock and
// applies them under the write lock (§4.10 "collection... under a
// read lock... applied... under the write lock"). It returns the
// assignments actually applied, for callers that want to log or test
// the outcome. Reconnect/disconnect side effects are left to the
// caller via the returned assignments: PAUSED_FORCE disconnects active
// downloads, raising from PAUSED/LOWEST should trigger a reconnect.
func (c *Controller) Tick(now time.Time) []Assignment {
	if c.mode == ModeDisabled {
		return nil
	}

	c.ctx.RLock()
	bundles := c.ctx.Bundles.AllBundles()
	var assignments []Assignment
	switch c.mode {
	case ModeProgress:
		assignments = c.collectProgress(bundles, now)
	case ModeBalanced:
		assignments = c.collectBalanced(bundles)
	}
	c.ctx.RUnlock()

	c.ctx.Lock()
	for _, a := range assignments {
		if a.File != nil {
			a.File.Priority = a.Prio
		} else {
			a.Bundle.Priority = a.Prio
		}
	}
	c.ctx.Unlock()

	for _, a := range assignments {
		if a.File == nil {
			c.ctx.Fire(corectx.Event{Kind: corectx.EventPriorityChanged, BundleToken: a.Bundle.Token, Status: int8(a.Prio)})
		}
	}
	return assignments
}

func (c *Controller) collectProgress(bundles []*queue.Bundle, now time.Time) []Assignment {
	var out []Assignment
	for _, b := range bundles {
		if !b.AutoPriority || b.IsPaused() {
			continue
		}
		prio := calculateProgressPriority(b, now)
		out = append(out, Assignment{Bundle: b, Prio: prio})

		if b.IsFile || b.IsPaused() {
			continue
		}
		for _, token := range b.FileTokens() {
			f := c.ctx.Files.FindByToken(token)
			if f == nil || !f.AutoPriority || len(f.RunningSegments()) == 0 {
				continue
			}
			out = append(out, Assignment{Bundle: b, File: f, Prio: calculateProgressPriority(b, now)})
		}
	}
	return out
}

// calculateProgressPriority is a monotone function of completion ratio
// and remaining time: further-along, faster-finishing bundles rank
// higher so the queue concentrates effort near completion.
func calculateProgressPriority(b *queue.Bundle, now time.Time) queue.Priority {
	if b.Size <= 0 {
		return queue.PriorityNormal
	}
	ratio := float64(b.DownloadedBytes) / float64(b.Size)
	switch {
	case ratio >= 0.9:
		return queue.PriorityHighest
	case ratio >= 0.6:
		return queue.PriorityHigh
	case ratio >= 0.25:
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

// candidate gathers the normalized scoring inputs for one bundle or
// file in balanced mode.
type candidate struct {
	bundle *queue.Bundle
	file   *queue.QueuedFile // nil for a bundle-level candidate
	speed  int64
	srcs   int
}

func (c *Controller) collectBalanced(bundles []*queue.Bundle) []Assignment {
	var cands []candidate
	for _, b := range bundles {
		if !b.AutoPriority || b.IsPaused() {
			continue
		}
		speed, srcs := bundleSpeedAndSources(c.ctx, b)
		cands = append(cands, candidate{bundle: b, speed: speed, srcs: srcs})
	}
	tiers := scoreAndTier(cands)

	var out []Assignment
	for i, cand := range cands {
		out = append(out, Assignment{Bundle: cand.bundle, Prio: tiers[i]})
	}

	for _, b := range bundles {
		if b.IsFile || !b.AutoPriority || b.IsPaused() {
			continue
		}
		var fileCands []candidate
		var files []*queue.QueuedFile
		for _, token := range b.FileTokens() {
			f := c.ctx.Files.FindByToken(token)
			if f == nil || !f.AutoPriority {
				continue
			}
			files = append(files, f)
			fileCands = append(fileCands, candidate{bundle: b, file: f, srcs: f.SourceCount()})
		}
		fileTiers := scoreAndTier(fileCands)
		for i, f := range files {
			out = append(out, Assignment{Bundle: b, File: f, Prio: fileTiers[i]})
		}
	}
	return out
}

func bundleSpeedAndSources(ctx *corectx.Context, b *queue.Bundle) (speed int64, sources int) {
	for _, token := range b.FileTokens() {
		f := ctx.Files.FindByToken(token)
		if f == nil {
			continue
		}
		sources += f.SourceCount()
	}
	return b.Speed, sources
}

// scoreAndTier normalizes speed and source-count to 0-100, sums them,
// and partitions the ranked candidates into three tiers (HIGH/NORMAL/
// LOW). Ties receive the same tier; a tier is advanced only once its
// group is exhausted (§4.10 Balanced).
func scoreAndTier(cands []candidate) map[int]queue.Priority {
	result := make(map[int]queue.Priority, len(cands))
	n := len(cands)
	if n == 0 {
		return result
	}

	maxSpeed, maxSrcs := int64(0), 0
	for _, c := range cands {
		if c.speed > maxSpeed {
			maxSpeed = c.speed
		}
		if c.srcs > maxSrcs {
			maxSrcs = c.srcs
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, n)
	for i, c := range cands {
		speedPts := 0.0
		if maxSpeed > 0 {
			speedPts = 100 * float64(c.speed) / float64(maxSpeed)
		}
		srcPts := 0.0
		if maxSrcs > 0 {
			srcPts = 100 * float64(c.srcs) / float64(maxSrcs)
		}
		scores[i] = scored{idx: i, score: speedPts + srcPts}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	// Partition into three equal-ish tiers by rank, advancing a tier
	// only after exhausting the current group's tied members.
	tierSize := (n + 2) / 3
	tierBoundaries := []int{tierSize, 2 * tierSize}
	tiers := []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow}

	tier := 0
	for rank, s := range scores {
		for tier < len(tierBoundaries) && rank >= tierBoundaries[tier] {
			if rank > 0 && scores[rank-1].score == s.score {
				// Tied with the previous entry: stay in the same tier
				// even though the boundary was crossed.
				break
			}
			tier++
		}
		if tier >= len(tiers) {
			tier = len(tiers) - 1
		}
		result[s.idx] = tiers[tier]
	}
	return result
}
