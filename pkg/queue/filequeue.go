package queue

import (
	"sync"
	"time"

	"github.com/dcqueue/qengine/pkg/qerrors"
	"github.com/dcqueue/qengine/pkg/tth"
)

// DupeType classifies whether a file or directory is already known to
// the queue, fully or partially, queued or finished.
type DupeType int8

const (
	DupeNone DupeType = iota
	DupeQueuePartial
	DupeQueueFull
	DupeFinishedPartial
	DupeFinishedFull
)

// BloomFilter is the narrow interface the file queue needs from an
// external bloom filter implementation (owned by the share indexer).
type BloomFilter interface {
	Add(key []byte)
}

// FileQueue owns every QueuedFile record. Other indexes (BundleQueue,
// UserQueue, source matching) hold back-references by token or path
// only; FileQueue is the sole place a *QueuedFile is created or freed.
type FileQueue struct {
	mu sync.RWMutex

	byPath  map[string]*QueuedFile
	byToken map[uint32]*QueuedFile
	byTTH   map[tth.TTH]map[uint32]*QueuedFile // tth -> token -> file

	nextToken uint32
}

// NewFileQueue returns an empty file queue.
func NewFileQueue() *FileQueue {
	return &FileQueue{
		byPath:  make(map[string]*QueuedFile),
		byToken: make(map[uint32]*QueuedFile),
		byTTH:   make(map[tth.TTH]map[uint32]*QueuedFile),
	}
}

// Add inserts a new queued file, or returns the existing record for
// path unchanged (inserted=false) if one is already present.
func (q *FileQueue) Add(path, tempPath string, size int64, flags Flag, prio Priority, added time.Time, t tth.TTH) (file *QueuedFile, inserted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byPath[path]; ok {
		return existing, false
	}

	q.nextToken++
	token := q.nextToken

	f := NewQueuedFile(token, path, tempPath, size, flags, prio, added, t)
	q.byPath[path] = f
	q.byToken[token] = f
	if q.byTTH[t] == nil {
		q.byTTH[t] = make(map[uint32]*QueuedFile)
	}
	q.byTTH[t][token] = f
	return f, true
}

// FindByPath returns the file at path, or nil.
func (q *FileQueue) FindByPath(path string) *QueuedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.byPath[path]
}

// FindByToken returns the file with the given token, or nil.
func (q *FileQueue) FindByToken(token uint32) *QueuedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.byToken[token]
}

// FindByTTH returns every file sharing the given content hash.
func (q *FileQueue) FindByTTH(t tth.TTH) []*QueuedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	byToken := q.byTTH[t]
	out := make([]*QueuedFile, 0, len(byToken))
	for _, f := range byToken {
		out = append(out, f)
	}
	return out
}

// All returns every queued file, in no particular order. Used to
// rebuild secondary indexes (e.g. the local token/path/TTH cache)
// after a queue load.
func (q *FileQueue) All() []*QueuedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*QueuedFile, 0, len(q.byToken))
	for _, f := range q.byToken {
		out = append(out, f)
	}
	return out
}

// Remove deletes file from every index.
func (q *FileQueue) Remove(file *QueuedFile) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byToken[file.Token]; !ok {
		return qerrors.ErrNotFound
	}
	delete(q.byPath, file.Path)
	delete(q.byToken, file.Token)
	if byToken := q.byTTH[file.TTH]; byToken != nil {
		delete(byToken, file.Token)
		if len(byToken) == 0 {
			delete(q.byTTH, file.TTH)
		}
	}
	return nil
}

// GetBloom adds the TTH of every finished file to bloom, for the
// external share indexer's dupe-checking bloom filter.
func (q *FileQueue) GetBloom(bloom BloomFilter) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for t, byToken := range q.byTTH {
		for _, f := range byToken {
			if f.IsFinished() {
				raw := t
				bloom.Add(raw[:])
				break
			}
		}
	}
}

// IsFileQueued classifies a TTH against the queue: not present at
// all, queued (DupeQueueFull; DupeQueuePartial is never returned), or
// partially or fully finished.
func (q *FileQueue) IsFileQueued(t tth.TTH) DupeType {
	q.mu.RLock()
	defer q.mu.RUnlock()

	byToken := q.byTTH[t]
	if len(byToken) == 0 {
		return DupeNone
	}

	anyFinished, allFinished := false, true
	for _, f := range byToken {
		if f.IsFinished() {
			anyFinished = true
		} else {
			allFinished = false
		}
	}
	switch {
	case allFinished:
		return DupeFinishedFull
	case anyFinished:
		return DupeFinishedPartial
	default:
		return DupeQueueFull
	}
}

// PFSCandidate pairs a partial source due for a refresh query with
// the file it serves.
type PFSCandidate struct {
	Source *Source
	File   *QueuedFile
}

// FindPFSSources returns up to max partial sources across the whole
// queue whose NextQueryTime has elapsed, for the periodic
// requestPartialSourceInfo sweep (§4.8).
func (q *FileQueue) FindPFSSources(now time.Time, max int) []PFSCandidate {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]PFSCandidate, 0, max)
	for _, f := range q.byToken {
		f.mu.Lock()
		for _, src := range f.Sources {
			if len(out) >= max {
				f.mu.Unlock()
				return out
			}
			if !src.Flags.Has(SourceFlagPartial) {
				continue
			}
			if src.NextQueryTime.After(now) {
				continue
			}
			out = append(out, PFSCandidate{Source: src, File: f})
		}
		f.mu.Unlock()
		if len(out) >= max {
			break
		}
	}
	return out
}

// ListedFile is the narrow view of a remote filelist entry needed to
// match it against queued files by TTH.
type ListedFile struct {
	Path string
	TTH  tth.TTH
}

// MatchListing returns queued files whose TTH matches any entry in a
// parsed remote filelist.
func (q *FileQueue) MatchListing(entries []ListedFile) []*QueuedFile {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*QueuedFile
	seen := make(map[uint32]struct{})
	for _, e := range entries {
		for _, f := range q.byTTH[e.TTH] {
			if _, dup := seen[f.Token]; dup {
				continue
			}
			seen[f.Token] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
