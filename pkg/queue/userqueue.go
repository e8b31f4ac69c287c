package queue

import (
	"sync"

	"github.com/dcqueue/qengine/pkg/qerrors"
)

// DownloadType distinguishes the kind of transfer being scheduled,
// mirroring Download.Type (§3).
type DownloadType int8

const (
	DownloadTypeFile DownloadType = iota
	DownloadTypeTree
	DownloadTypePartialList
	DownloadTypeFullList
)

// deque is a minimal doubly-ended queue of file tokens, preserving
// arrival order and supporting rotate-to-back.
type deque struct {
	tokens []uint32
}

func (d *deque) pushBack(token uint32) {
	d.tokens = append(d.tokens, token)
}

func (d *deque) remove(token uint32) bool {
	for i, t := range d.tokens {
		if t == token {
			d.tokens = append(d.tokens[:i], d.tokens[i+1:]...)
			return true
		}
	}
	return false
}

func (d *deque) rotateToBack(token uint32) {
	if d.remove(token) {
		d.pushBack(token)
	}
}

// UserQueue maintains, for each priority level, a map of user to
// ordered deque of candidate file tokens (§4.4), feeding the download
// scheduler's getNext.
type UserQueue struct {
	mu sync.Mutex

	// buckets[priority][user] = deque of file tokens
	buckets map[Priority]map[string]*deque

	// running[user] = set of file tokens currently being downloaded
	// from that user, across any connection.
	running map[string]map[uint32]struct{}

	files *FileQueue
}

// NewUserQueue returns an empty user queue backed by files for
// resolving tokens to QueuedFile records.
func NewUserQueue(files *FileQueue) *UserQueue {
	uq := &UserQueue{
		buckets: make(map[Priority]map[string]*deque),
		running: make(map[string]map[uint32]struct{}),
		files:   files,
	}
	for _, p := range Levels() {
		uq.buckets[p] = make(map[string]*deque)
	}
	return uq
}

func (uq *UserQueue) bucketFor(prio Priority, user string) *deque {
	byUser := uq.buckets[prio]
	if byUser == nil {
		byUser = make(map[string]*deque)
		uq.buckets[prio] = byUser
	}
	d := byUser[user]
	if d == nil {
		d = &deque{}
		byUser[user] = d
	}
	return d
}

// AddFile appends file to the given user's deque at the file's
// priority. If user is empty, it is appended for every current source.
func (uq *UserQueue) AddFile(file *QueuedFile, user string) {
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if file.Priority.IsPaused() {
		return
	}

	if user != "" {
		uq.bucketFor(file.Priority, user).pushBack(file.Token)
		return
	}
	for u := range file.Sources {
		uq.bucketFor(file.Priority, u).pushBack(file.Token)
	}
}

// RemoveFile removes file from every (or one specific) user's deque.
func (uq *UserQueue) RemoveFile(file *QueuedFile, user string) {
	uq.mu.Lock()
	defer uq.mu.Unlock()

	if user != "" {
		uq.bucketFor(file.Priority, user).remove(file.Token)
		return
	}
	for _, byUser := range uq.buckets {
		for _, d := range byUser {
			d.remove(file.Token)
		}
	}
}

// AddDownload marks file as running for user.
func (uq *UserQueue) AddDownload(user string, file *QueuedFile) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	set, ok := uq.running[user]
	if !ok {
		set = make(map[uint32]struct{})
		uq.running[user] = set
	}
	set[file.Token] = struct{}{}
}

// RemoveDownload clears file's running marker for user.
func (uq *UserQueue) RemoveDownload(user string, file *QueuedFile) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	if set, ok := uq.running[user]; ok {
		delete(set, file.Token)
		if len(set) == 0 {
			delete(uq.running, user)
		}
	}
}

// RotateUserQueue moves file to the back of user's (user, priority)
// deque, used after a slow-disconnect so other candidates try next.
func (uq *UserQueue) RotateUserQueue(file *QueuedFile, user string) {
	uq.mu.Lock()
	defer uq.mu.Unlock()
	uq.bucketFor(file.Priority, user).rotateToBack(file.Token)
}

// SetQIPriority moves file from its current bucket to newPrio's bucket
// for every user it's queued under.
func (uq *UserQueue) SetQIPriority(file *QueuedFile, newPrio Priority) {
	uq.mu.Lock()
	defer uq.mu.Unlock()

	oldPrio := file.Priority
	if oldPrio == newPrio {
		return
	}

	oldByUser := uq.buckets[oldPrio]
	for user, d := range oldByUser {
		if d.remove(file.Token) {
			uq.bucketFor(newPrio, user).pushBack(file.Token)
		}
	}
	file.Priority = newPrio
}

// hasSegment implements the per-file eligibility test used by GetNext:
// not paused, user is a source, not blocked on every online hub, and
// the segment picker returns a non-empty candidate.
func hasSegment(file *QueuedFile, user string, onlineHubs []string, opts SegmentPickOptions, allowOverlap bool) bool {
	file.mu.Lock()
	if file.Priority.IsPaused() {
		file.mu.Unlock()
		return false
	}
	src, isSource := file.Sources[user]
	if !isSource {
		file.mu.Unlock()
		return false
	}
	if src.IsBlockedOnAllHubs(onlineHubs) {
		file.mu.Unlock()
		return false
	}
	file.mu.Unlock()

	opts.AllowOverlap = allowOverlap
	seg := file.GetNextSegment(opts)
	return !seg.IsEmpty()
}

// GetNext scans priority buckets from HIGHEST down to minPrio and
// returns the first file in user's deque (at each priority) whose
// hasSegment succeeds without overlap, retrying with overlap allowed
// if the first pass finds nothing (§4.4).
func (uq *UserQueue) GetNext(user string, onlineHubs []string, minPrio Priority, opts SegmentPickOptions, dlType DownloadType) *QueuedFile {
	uq.mu.Lock()
	defer uq.mu.Unlock()

	for _, allowOverlap := range []bool{false, true} {
		for _, prio := range Levels() {
			if prio < minPrio {
				continue
			}
			byUser := uq.buckets[prio]
			d, ok := byUser[user]
			if !ok {
				continue
			}
			for _, token := range d.tokens {
				file := uq.files.FindByToken(token)
				if file == nil {
					continue
				}
				if hasSegment(file, user, onlineHubs, opts, allowOverlap) {
					return file
				}
			}
		}
	}
	return nil
}

// ErrNoCandidate is returned by callers (not UserQueue itself) when
// GetNext finds nothing; kept here for discoverability alongside the
// rest of the package's error surface.
var ErrNoCandidate = qerrors.ErrNoWork
