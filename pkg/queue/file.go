package queue

import (
	"sync"
	"time"

	"github.com/dcqueue/qengine/pkg/qerrors"
	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/dcqueue/qengine/pkg/tth"
)

// Flag marks per-file conditions orthogonal to priority and state.
type Flag uint32

const (
	FlagNone Flag = 0
	// FlagUserList marks a file representing another user's file
	// listing rather than ordinary content.
	FlagUserList Flag = 1 << iota
	// FlagPartialList marks a partial (directory-scoped) file listing.
	FlagPartialList
	// FlagFinished marks a file whose done set covers [0, size).
	FlagFinished
	// FlagMoved marks a file whose temp target has been renamed to
	// its final target.
	FlagMoved
	// FlagHashed marks a file whose tiger tree has been verified.
	FlagHashed
	// FlagPrivate marks a file that must never be partially shared
	// or appear in search results.
	FlagPrivate
	// FlagClientView marks a file fetched for local display only
	// (e.g. a preview), bypassing slot accounting.
	FlagClientView
	// FlagText marks a text-mode transfer (NMDC legacy).
	FlagText
	// FlagMatchQueue marks a file queued as the result of a filelist
	// match rather than a direct user action.
	FlagMatchQueue
)

// Has reports whether f is set in the flag bitmask.
func (flags Flag) Has(f Flag) bool {
	return flags&f != 0
}

// DownloadHandle is a stable, process-wide-unique identifier for a
// live Download (§3 Download), used so a QueuedFile can reference
// active downloads without owning them (UserConnection owns Download).
type DownloadHandle uint64

// QueuedFile is one file being downloaded (§3 QueuedFile). FileQueue
// exclusively owns QueuedFile records; every other index holds
// back-references by Token only.
type QueuedFile struct {
	mu sync.Mutex

	Token        uint32
	Path         string // absolute target path
	TempPath     string // temporary target path, possibly == Path
	Size         int64
	TTH          tth.TTH
	BlockSize    int64
	Priority     Priority
	AutoPriority bool
	Flags        Flag

	done *segment.Set

	// Sources holds peers known to serve this file; BadSources holds
	// peers previously removed for a reason that should not be
	// retried automatically. A user appears in at most one of the two.
	Sources    map[string]*Source
	BadSources map[string]*Source

	// downloads tracks live Download handles assigned against this
	// file, keyed by handle, purely for visualisation/cancellation;
	// the UserConnection that created each Download is its owner.
	downloads map[DownloadHandle]segment.Segment

	MaxSegments int

	// BundleToken is a non-owning handle into BundleQueue; zero means
	// the file does not belong to a bundle (a utility item).
	BundleToken uint32

	Added    time.Time
	Finished time.Time
}

// NewQueuedFile constructs a file record with an empty done set and
// source maps ready for use.
func NewQueuedFile(token uint32, path, tempPath string, size int64, flags Flag, prio Priority, added time.Time, t tth.TTH) *QueuedFile {
	return &QueuedFile{
		Token:       token,
		Path:        path,
		TempPath:    tempPath,
		Size:        size,
		TTH:         t,
		BlockSize:   tth.BlockSize(size),
		Priority:    prio,
		Flags:       flags,
		done:        segment.NewSet(),
		Sources:     make(map[string]*Source),
		BadSources:  make(map[string]*Source),
		downloads:   make(map[DownloadHandle]segment.Segment),
		MaxSegments: 1,
		Added:       added,
	}
}

// Done returns the disjoint, sorted set of completed segments.
// Callers must not mutate the returned slice.
func (f *QueuedFile) Done() []segment.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done.Segments()
}

// CommitSegment merges seg into the done set and, if it now covers
// [0, Size), marks the file FINISHED and records the finish time.
func (f *QueuedFile) CommitSegment(seg segment.Segment, now time.Time) (finished bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done.Add(seg)
	if f.done.Covers(f.Size) && !f.Flags.Has(FlagFinished) {
		f.Flags |= FlagFinished
		f.Finished = now
		return true
	}
	return false
}

// RemoveRange removes a previously-committed range from done, used
// when a block fails hash verification during the tree-arrival
// rehash (ErrHashMismatch recovery, §7).
func (f *QueuedFile) RemoveRange(seg segment.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remaining := f.done.Segments()
	rebuilt := segment.NewSet()
	for _, d := range remaining {
		trimmed := d.Trim(seg)
		if !trimmed.IsEmpty() {
			rebuilt.Add(trimmed)
		}
		// Trim only returns the leading remainder; if seg splits d in
		// two we additionally keep d's tail past seg's end.
		if seg.End() < d.End() && seg.Start > d.Start {
			rebuilt.Add(segment.New(seg.End(), d.End()-seg.End()))
		}
	}
	f.done = rebuilt
	f.Flags &^= FlagFinished
}

// ResetDone clears the done set entirely, used when the temp target
// has gone missing on disk (scheduler step §4.5.4).
func (f *QueuedFile) ResetDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done = segment.NewSet()
	f.Flags &^= FlagFinished
}

// IsFinished reports whether the file's done set covers [0, Size).
func (f *QueuedFile) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Flags.Has(FlagFinished)
}

// SetHashed marks the file's tiger tree as verified.
func (f *QueuedFile) SetHashed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Flags |= FlagHashed
}

// HasFlag reports whether f has the given flag set, synchronized
// against concurrent flag mutations.
func (f *QueuedFile) HasFlag(flag Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Flags.Has(flag)
}

// AddDownload registers a live download's segment against this file
// for visualisation/cancellation purposes.
func (f *QueuedFile) AddDownload(h DownloadHandle, seg segment.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads[h] = seg
}

// RemoveDownload unregisters a download handle.
func (f *QueuedFile) RemoveDownload(h DownloadHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.downloads, h)
}

// RunningSegments returns the segments currently held by in-flight
// downloads of this file.
func (f *QueuedFile) RunningSegments() []segment.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]segment.Segment, 0, len(f.downloads))
	for _, seg := range f.downloads {
		out = append(out, seg)
	}
	return out
}

// AddSource adds user as a full source, moving them out of BadSources
// if present there. Returns qerrors.ErrDuplicate if the user is
// already a source.
func (f *QueuedFile) AddSource(user string) (*Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Sources[user]; ok {
		return nil, qerrors.ErrDuplicate
	}
	delete(f.BadSources, user)
	src := NewSource(user)
	f.Sources[user] = src
	return src, nil
}

// RemoveSource removes user from both Sources and BadSources.
func (f *QueuedFile) RemoveSource(user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Sources, user)
	delete(f.BadSources, user)
}

// MarkSourceBad moves user from Sources to BadSources with the given
// flag recorded, so automatic retry is suppressed.
func (f *QueuedFile) MarkSourceBad(user string, flag SourceFlag) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.Sources[user]
	if !ok {
		src = NewSource(user)
	} else {
		delete(f.Sources, user)
	}
	src.Flags |= flag
	f.BadSources[user] = src
}

// GetSource returns the (good) source record for user, if any.
func (f *QueuedFile) GetSource(user string) (*Source, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.Sources[user]
	return src, ok
}

// SourceCount returns the number of (good) sources.
func (f *QueuedFile) SourceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sources)
}

// IsPaused reports whether the file's priority is one of the paused levels.
func (f *QueuedFile) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Priority.IsPaused()
}
