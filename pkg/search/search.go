// Package search implements the alternate-source search driver
// (§4.11): it drives the bundle queue's priority search schedule,
// issues searches for representative files, and buffers asynchronous
// SR results behind a per-bundle debounce before adding new sources.
package search

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/tth"
	"github.com/dcqueue/qengine/pkg/useridx"
)

// TickInterval is how often the driver checks for a due bundle.
const TickInterval = time.Minute

// ResultDebounce is the coalescing window per bundle before buffered
// SR results are processed (§4.11, §5 "result-pick debounce").
const ResultDebounce = 2 * time.Second

// MaxAutoMatchSources caps how many sources an incomplete bundle may
// accumulate through automatic search matching.
const MaxAutoMatchSources = 20

// MaxResultsPerRound bounds how many buffered results are applied per
// debounce firing.
const MaxResultsPerRound = 5

// searchItemPicker adapts ctx.Files to the BundleQueue's
// SearchItemPicker interface for representative-file selection.
type searchItemPicker struct {
	ctx  *corectx.Context
	root string
}

func (p searchItemPicker) PickRepresentative(dir string) *queue.QueuedFile {
	return p.ctx.Files.PickRepresentative(dir)
}

// result is one buffered SR reply awaiting the debounce window.
type result struct {
	user      string
	connToken string
	t         tth.TTH
}

// Driver runs the periodic search tick and the SR-result debounce.
type Driver struct {
	ctx   *corectx.Context
	users *useridx.Cache // optional warm cache of recently-seen users, consulted for a reconnect hub hint

	mu      sync.Mutex
	pending map[uint32][]result   // bundleToken -> buffered results
	seen    map[uint32]map[string]struct{} // bundleToken -> "tth|connToken" already recorded
	timers  map[uint32]*time.Timer
}

// New constructs a search Driver bound to ctx.
func New(ctx *corectx.Context) *Driver {
	return &Driver{
		ctx:     ctx,
		pending: make(map[uint32][]result),
		seen:    make(map[uint32]map[string]struct{}),
		timers:  make(map[uint32]*time.Timer),
	}
}

// WithUserCache attaches a warm user cache the driver consults for a
// reconnect hub hint and keeps fresh with every SR reply it sees. A
// nil cache (the default) disables both behaviors.
func (d *Driver) WithUserCache(users *useridx.Cache) *Driver {
	d.users = users
	return d
}

// allowAutoSearch reports whether b is currently eligible for an
// automatic search: not paused, and not already downloaded or
// completed.
func allowAutoSearch(b *queue.Bundle) bool {
	return !b.IsPaused() && b.GetStatus() != queue.BundleStatusDownloaded && b.GetStatus() != queue.BundleStatusCompleted
}

// Tick picks the next-due bundle (if any) and issues a search per
// representative file (§4.11). It returns the bundle token searched,
// or false if nothing was due.
func (d *Driver) Tick(ctx context.Context, now time.Time) (uint32, bool) {
	token, due := d.ctx.Bundles.NextSearchDue(now)
	if !due {
		return 0, false
	}

	b := d.ctx.Bundles.FindBundleByToken(token)
	if b == nil {
		d.ctx.Bundles.MarkSearched(token, now, TickInterval)
		return token, true
	}
	if !allowAutoSearch(b) {
		d.ctx.Bundles.MarkSearched(token, now, TickInterval)
		return token, true
	}

	items := d.ctx.Bundles.GetSearchItems(b, searchItemPicker{ctx: d.ctx, root: b.Target})
	if b.IsFile {
		if f := d.ctx.Files.FindByToken(firstFileToken(b)); f != nil {
			items = []*queue.QueuedFile{f}
		}
	}

	if d.ctx.Collaborators.SearchService != nil {
		for _, f := range items {
			_ = d.ctx.Collaborators.SearchService.Search(ctx, b.Token, f.TTH, f.Size)
		}
	}

	d.ctx.Bundles.MarkSearched(token, now, TickInterval)
	return token, true
}

func firstFileToken(b *queue.Bundle) uint32 {
	tokens := b.FileTokens()
	if len(tokens) == 0 {
		return 0
	}
	return tokens[0]
}

// HandleSearchResult buffers an asynchronous SR reply for t from user
// on connToken (§4.11 "Results arrive asynchronously via SR
// listener"). It applies the filters described there before buffering
// and schedules (or reschedules) the bundle's debounce timer.
func (d *Driver) HandleSearchResult(ctx context.Context, user, connToken string, t tth.TTH) bool {
	files := d.ctx.Files.FindByTTH(t)
	if len(files) == 0 {
		return false
	}
	f := files[0]
	b := d.ctx.Bundles.FindBundleByToken(f.BundleToken)
	if b == nil {
		return false
	}
	if !allowAutoSearch(b) {
		return false
	}
	if f.SourceCount() >= MaxAutoMatchSources {
		return false
	}

	key := t.String() + "|" + connToken
	d.mu.Lock()
	if d.seen[b.Token] == nil {
		d.seen[b.Token] = make(map[string]struct{})
	}
	if _, dup := d.seen[b.Token][key]; dup {
		d.mu.Unlock()
		return false
	}
	d.seen[b.Token][key] = struct{}{}
	d.pending[b.Token] = append(d.pending[b.Token], result{user: user, connToken: connToken, t: t})
	if d.users != nil {
		d.users.Refresh(user)
	}

	token := b.Token
	if timer, ok := d.timers[token]; ok {
		timer.Stop()
	}
	d.timers[token] = time.AfterFunc(ResultDebounce, func() {
		d.flush(ctx, token)
	})
	d.mu.Unlock()
	return true
}

// flush applies up to MaxResultsPerRound randomly chosen buffered
// results for a bundle, once its debounce window has elapsed.
func (d *Driver) flush(ctx context.Context, bundleToken uint32) {
	d.mu.Lock()
	results := d.pending[bundleToken]
	delete(d.pending, bundleToken)
	delete(d.seen, bundleToken)
	delete(d.timers, bundleToken)
	d.mu.Unlock()

	if len(results) == 0 {
		return
	}
	rand.Shuffle(len(results), func(i, j int) { results[i], results[j] = results[j], results[i] })
	if len(results) > MaxResultsPerRound {
		results = results[:MaxResultsPerRound]
	}

	b := d.ctx.Bundles.FindBundleByToken(bundleToken)
	if b == nil {
		return
	}

	for _, r := range results {
		files := d.ctx.Files.FindByTTH(r.t)
		for _, f := range files {
			if f.BundleToken != bundleToken {
				continue
			}
			if b.IsFile {
				// Path matching doesn't apply to a single-file bundle:
				// add the replying peer directly as a source.
				f.AddSource(r.user)
				continue
			}
			// Directory bundles need the peer's filelist to match
			// their structure; initiate a connection so the (external)
			// hub layer can fetch and match it.
			if d.ctx.Collaborators.Dialer != nil {
				var hubURL string
				if d.users != nil {
					if seen, ok := d.users.Get(r.user); ok {
						hubURL = seen.HubURL
					}
				}
				_ = d.ctx.Collaborators.Dialer.Dial(ctx, r.user, hubURL)
			}
		}
	}
}
