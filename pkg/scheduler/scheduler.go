package scheduler

import (
	"sync"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
)

// Policy gathers the global scheduling knobs of §6.5's configuration
// surface that bear on slot/speed gating.
type Policy struct {
	// MinSegmentSize is the lower bound on a requested segment length.
	MinSegmentSize int64
	// NewSegmentMinSpeed is the connection speed below which a
	// second parallel segment is not started for the same file.
	NewSegmentMinSpeed int64
	// AllowSlowOverlap enables the §4.6 overlap rule.
	AllowSlowOverlap bool
	// OverlapThresholdSeconds is the estimated-seconds-left floor for
	// overlap eligibility.
	OverlapThresholdSeconds float64
	// MaxSlots bounds the number of globally concurrent downloads.
	MaxSlots int
	// MaxSpeed bounds aggregate download throughput in bytes/sec; 0
	// disables the ceiling.
	MaxSpeed int64
	// ExtraSlotsHighest is the number of additional concurrent
	// downloads permitted above MaxSlots, usable only by
	// PriorityHighest files.
	ExtraSlotsHighest int
	// SmallFileThreshold exempts files at or below this size (and
	// partial-list/client-view items) from slot accounting entirely.
	SmallFileThreshold int64
}

// DefaultPolicy returns conservative defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinSegmentSize:          65536,
		NewSegmentMinSpeed:      102400,
		AllowSlowOverlap:        true,
		OverlapThresholdSeconds: 45,
		MaxSlots:                16,
		MaxSpeed:                0,
		ExtraSlotsHighest:       2,
		SmallFileThreshold:      65536,
	}
}

// GlobalState tracks process-wide slot and speed usage that
// allowStartQI gates against. The transfer state machine updates it
// as downloads start, progress, and finish.
type GlobalState struct {
	mu          sync.Mutex
	ActiveSlots int
	ActiveSpeed int64
}

// AddSlot records a newly started download.
func (g *GlobalState) AddSlot(speed int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ActiveSlots++
	g.ActiveSpeed += speed
}

// RemoveSlot records a finished or cancelled download.
func (g *GlobalState) RemoveSlot(speed int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ActiveSlots > 0 {
		g.ActiveSlots--
	}
	g.ActiveSpeed -= speed
	if g.ActiveSpeed < 0 {
		g.ActiveSpeed = 0
	}
}

func (g *GlobalState) snapshot() (slots int, speed int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ActiveSlots, g.ActiveSpeed
}

// Reasons returned by allowStartQI/StartDownload when a download
// cannot start immediately.
const (
	ReasonNone               = ""
	ReasonNoFreeSlots        = "NO_FREE_SLOTS"
	ReasonMaxSpeedReached    = "MAX_SPEED_REACHED"
	ReasonLowestPrioBundles  = "LOWEST_PRIO_ERR_BUNDLES"
	ReasonLowestPrioFiles    = "LOWEST_PRIO_ERR_FILES"
	ReasonNoCandidate        = "NO_CANDIDATE"
	ReasonNoNeedParts        = "NO_NEED_PARTS"
)

// ConnectionContext is the caller-supplied view of the requesting
// connection (§4.5's "connection context (user, hub, speed, slot
// budget)").
type ConnectionContext struct {
	User              string
	HubURL            string
	OnlineHubs        []string
	LastSpeed         int64
	ChunkEstimate     int64
	WantedSize        int64
	RunningBundles    map[uint32]bool
	IsFilelistRequest bool
	// RunningSpeeds maps a currently-running segment (by start offset)
	// on the requested file to its estimated bytes/sec, feeding the
	// §4.6 overlap decision when this connection allows overlap.
	RunningSpeeds map[int64]int64
}

// Scheduler implements §4.5's getDownload/allowStartQI/startDownload.
type Scheduler struct {
	ctx    *corectx.Context
	policy Policy
	state  *GlobalState

	handleMu  sync.Mutex
	nextToken uint64
}

// New constructs a Scheduler bound to ctx with the given policy.
func New(ctx *corectx.Context, policy Policy, state *GlobalState) *Scheduler {
	if state == nil {
		state = &GlobalState{}
	}
	return &Scheduler{ctx: ctx, policy: policy, state: state}
}

func (s *Scheduler) nextHandle() queue.DownloadHandle {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	s.nextToken++
	return queue.DownloadHandle(s.nextToken)
}

// GetDownload implements §4.5's getDownload: it resolves the next
// candidate file/segment for cc and allocates a Download, or returns
// (nil, reason) if nothing is assignable. Must be called with the
// primary lock held for writing by the caller (it mutates indexes).
func (s *Scheduler) GetDownload(cc ConnectionContext, dlType queue.DownloadType) (*Download, string) {
	opts := queue.SegmentPickOptions{
		WantedSize:              cc.WantedSize,
		LastSpeed:               cc.LastSpeed,
		ConnChunkEstimate:       cc.ChunkEstimate,
		OverlapThresholdSeconds: s.policy.OverlapThresholdSeconds,
		RunningSpeeds:           cc.RunningSpeeds,
	}

	file := s.ctx.Users.GetNext(cc.User, cc.OnlineHubs, queue.PriorityLowest, opts, dlType)
	if file == nil {
		return nil, ReasonNoCandidate
	}

	src, hasSrc := file.GetSource(cc.User)
	if !hasSrc {
		return nil, ReasonNoCandidate
	}

	hubURL := cc.HubURL
	if !containsHub(cc.OnlineHubs, hubURL) {
		if cc.IsFilelistRequest {
			// Filelists are restricted to the original hub hint; no
			// fallback hub is acceptable.
			return nil, ReasonNoCandidate
		}
		if len(cc.OnlineHubs) > 0 {
			hubURL = cc.OnlineHubs[0]
		}
	}

	segOpts := opts
	segOpts.AllowOverlap = s.policy.AllowSlowOverlap
	if src.Flags.Has(queue.SourceFlagPartial) {
		segOpts.Partial = src.Parts
	}
	seg := file.GetNextSegment(segOpts)
	if seg.IsEmpty() {
		if src.Flags.Has(queue.SourceFlagPartial) {
			// The partial source's advertised parts no longer
			// intersect the file's undone ranges: remove the user as
			// a source and flag it, signalling the caller to
			// disconnect this connection (§4.5 step 3).
			file.MarkSourceBad(cc.User, queue.SourceFlagNoNeedParts)
			return nil, ReasonNoNeedParts
		}
		return nil, ReasonNoCandidate
	}

	if s.ctx.Collaborators.Disk != nil && !s.ctx.Collaborators.Disk.Exists(file.TempPath) {
		file.ResetDone()
		segOpts2 := segOpts
		seg = file.GetNextSegment(segOpts2)
		if seg.IsEmpty() {
			return nil, ReasonNoCandidate
		}
	}

	handle := s.nextHandle()
	dl := &Download{
		Handle:    handle,
		Type:      dlType,
		File:      file,
		User:      cc.User,
		HubURL:    hubURL,
		Segment:   seg,
		StartedAt: corectx.Now(),
	}
	if seg.Overlapped {
		dl.Flags |= DownloadFlagOverlap
	}
	if file.Priority == queue.PriorityHighest {
		dl.Flags |= DownloadFlagHighestPrio
	}

	file.AddDownload(handle, seg)
	s.ctx.Users.AddDownload(cc.User, file)
	return dl, ReasonNone
}

func containsHub(hubs []string, target string) bool {
	if target == "" {
		return false
	}
	for _, h := range hubs {
		if h == target {
			return true
		}
	}
	return false
}

// AllowStartQI enforces the global policy gate independent of
// candidate selection (§4.5's allowStartQI): slot/speed ceilings, and
// the LOWEST-priority bundle/file locality rules.
func (s *Scheduler) AllowStartQI(file *queue.QueuedFile, bundle *queue.Bundle, cc ConnectionContext) (bool, string) {
	if file.HasFlag(queue.FlagClientView) || file.HasFlag(queue.FlagPartialList) || file.Size <= s.policy.SmallFileThreshold {
		return true, ReasonNone
	}

	if file.Priority == queue.PriorityLowest && bundle != nil {
		runningOther := false
		for token, running := range cc.RunningBundles {
			if running && token != bundle.Token {
				runningOther = true
				break
			}
		}
		if runningOther {
			return false, ReasonLowestPrioBundles
		}
		if bundleHasOtherRunningFiles(bundle, file) {
			return false, ReasonLowestPrioFiles
		}
	}

	slots, speed := s.state.snapshot()
	extra := 0
	if file.Priority == queue.PriorityHighest {
		extra = s.policy.ExtraSlotsHighest
	}
	if s.policy.MaxSlots > 0 && slots >= s.policy.MaxSlots+extra {
		return false, ReasonNoFreeSlots
	}
	if s.policy.MaxSpeed > 0 && speed >= s.policy.MaxSpeed && extra == 0 {
		return false, ReasonMaxSpeedReached
	}
	return true, ReasonNone
}

// bundleHasOtherRunningFiles reports whether any file other than
// excluding is currently running within bundle (§4.5: "a LOWEST file
// runs only when no other files in the same bundle are running").
func bundleHasOtherRunningFiles(bundle *queue.Bundle, excluding *queue.QueuedFile) bool {
	return bundle.RunningUserCount() > 0 && !onlySelfRunning(bundle, excluding)
}

func onlySelfRunning(bundle *queue.Bundle, self *queue.QueuedFile) bool {
	// Conservative: the bundle-level running-users map does not track
	// per-file assignment, so any running user on the bundle
	// (including the one requesting self) counts as "other running
	// files" unless self has no sources at all.
	return self.SourceCount() == 0
}

// StartResult is the combined outcome of GetDownload + AllowStartQI
// (§4.5 startDownload).
type StartResult struct {
	HasDownload bool
	StartNow    bool
	Reason      string
	Download    *Download
}

// StartDownload combines GetDownload and AllowStartQI into the single
// decision the connection layer needs (§4.5).
func (s *Scheduler) StartDownload(cc ConnectionContext, bundleOf func(*queue.QueuedFile) *queue.Bundle, dlType queue.DownloadType) StartResult {
	dl, reason := s.GetDownload(cc, dlType)
	if dl == nil {
		return StartResult{HasDownload: false, Reason: reason}
	}

	var bundle *queue.Bundle
	if bundleOf != nil {
		bundle = bundleOf(dl.File)
	}
	ok, gateReason := s.AllowStartQI(dl.File, bundle, cc)
	if !ok {
		return StartResult{HasDownload: true, StartNow: false, Reason: gateReason, Download: dl}
	}
	s.state.AddSlot(cc.LastSpeed)
	return StartResult{HasDownload: true, StartNow: true, Download: dl}
}

// Retire unregisters a finished/cancelled download from both the file
// and the user queue, and releases its global slot.
func (s *Scheduler) Retire(dl *Download) {
	dl.File.RemoveDownload(dl.Handle)
	s.ctx.Users.RemoveDownload(dl.User, dl.File)
	s.state.RemoveSlot(dl.AvgSpeed)
}
