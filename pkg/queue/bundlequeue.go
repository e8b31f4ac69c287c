package queue

import (
	"math/rand"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dcqueue/qengine/pkg/qerrors"
	"github.com/dcqueue/qengine/pkg/queue/searchqueue"
)

// BundleQueue owns every Bundle and PathInfo record (§4.3). Secondary
// indexes support fast directory-name lookups and subtree enumeration;
// the priority search queue (searchqueue.Queue) feeds the
// alternate-source search driver.
type BundleQueue struct {
	mu sync.RWMutex

	byToken  map[uint32]*Bundle
	byTarget map[string]*Bundle // target path -> bundle, for file bundles and exact dir matches

	// lastDirName indexes PathInfos by their final path component, for
	// isNmdcDirQueued's trailing-component match.
	lastDirName map[string]map[string]*PathInfo // dirName -> full path -> info

	// paths indexes PathInfos by bundle token then full path, for
	// subtree enumeration and forEachPath walks.
	paths map[uint32]map[string]*PathInfo

	search *searchqueue.Queue

	nextToken uint32
}

// NewBundleQueue returns an empty bundle queue.
func NewBundleQueue() *BundleQueue {
	return &BundleQueue{
		byToken:     make(map[uint32]*Bundle),
		byTarget:    make(map[string]*Bundle),
		lastDirName: make(map[string]map[string]*PathInfo),
		paths:       make(map[uint32]map[string]*PathInfo),
		search:      searchqueue.New(),
	}
}

// normalizeTarget strips a trailing slash so prefix comparisons treat
// "/a/b" and "/a/b/" identically.
func normalizeTarget(target string) string {
	if len(target) > 1 {
		target = strings.TrimRight(target, "/")
	}
	return target
}

// isStrictPrefix reports whether parent is a strict ancestor directory
// of child (parent != child and child lies under parent/).
func isStrictPrefix(parent, child string) bool {
	parent = normalizeTarget(parent)
	child = normalizeTarget(child)
	if parent == child {
		return false
	}
	return strings.HasPrefix(child, parent+"/")
}

// AddBundle inserts a new bundle, rejecting targets that violate the
// no-nested-bundles invariant (§8 property 5).
func (q *BundleQueue) AddBundle(b *Bundle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := normalizeTarget(b.Target)
	for _, existing := range q.byToken {
		existingTarget := normalizeTarget(existing.Target)
		if existingTarget == target {
			return qerrors.ErrDuplicate
		}
		if isStrictPrefix(existingTarget, target) || isStrictPrefix(target, existingTarget) {
			return qerrors.ErrDuplicate
		}
	}

	q.byToken[b.Token] = b
	q.byTarget[target] = b
	q.paths[b.Token] = make(map[string]*PathInfo)
	q.search.Add(b.Token, b.Added)
	return nil
}

// RemoveBundle deletes a bundle and all of its PathInfos.
func (q *BundleQueue) RemoveBundle(b *Bundle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := normalizeTarget(b.Target)
	delete(q.byToken, b.Token)
	delete(q.byTarget, target)
	q.search.Remove(b.Token)

	for p, info := range q.paths[b.Token] {
		dirName := path.Base(p)
		if byPath := q.lastDirName[dirName]; byPath != nil {
			delete(byPath, p)
			if len(byPath) == 0 {
				delete(q.lastDirName, dirName)
			}
		}
		_ = info
	}
	delete(q.paths, b.Token)
}

// ancestorDirs returns every directory path from filePath's parent up
// to and including bundleRoot, ordered from closest-to-file to root.
func ancestorDirs(bundleRoot, filePath string) []string {
	root := normalizeTarget(bundleRoot)
	dir := path.Dir(filePath)
	var dirs []string
	for {
		dirs = append(dirs, dir)
		if dir == root || dir == "." || dir == "/" {
			break
		}
		parent := path.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return dirs
}

// AddBundleItem links file to bundle and updates every PathInfo from
// the file's parent directory up to the bundle root (forEachPath,
// §4.3). Empty PathInfos are created as needed; none are deleted here
// since adding only increases counters.
func (q *BundleQueue) AddBundleItem(file *QueuedFile, b *Bundle) {
	q.mu.Lock()
	defer q.mu.Unlock()

	file.BundleToken = b.Token
	b.addFileToken(file.Token)

	if b.IsFile {
		return
	}

	byPath := q.paths[b.Token]
	if byPath == nil {
		byPath = make(map[string]*PathInfo)
		q.paths[b.Token] = byPath
	}

	for _, dir := range ancestorDirs(b.Target, file.Path) {
		info, ok := byPath[dir]
		if !ok {
			info = &PathInfo{Path: dir, BundleToken: b.Token}
			byPath[dir] = info
			dirName := path.Base(dir)
			if q.lastDirName[dirName] == nil {
				q.lastDirName[dirName] = make(map[string]*PathInfo)
			}
			q.lastDirName[dirName][dir] = info
		}
		info.QueuedFiles++
		info.Size += file.Size
	}
}

// RemoveBundleItem unlinks file from its bundle, decrementing (and
// possibly deleting) every affected PathInfo. When finished is true,
// the file's contribution moves from QueuedFiles to FinishedFiles
// instead of disappearing, since the directory still has completed
// content under it until the bundle itself is torn down.
func (q *BundleQueue) RemoveBundleItem(file *QueuedFile, finished bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.byToken[file.BundleToken]
	if !ok {
		return
	}
	b.removeFileToken(file.Token)

	if b.IsFile {
		return
	}

	byPath := q.paths[b.Token]
	if byPath == nil {
		return
	}

	for _, dir := range ancestorDirs(b.Target, file.Path) {
		info, ok := byPath[dir]
		if !ok {
			continue
		}
		info.QueuedFiles--
		if finished {
			info.FinishedFiles++
		}
		info.Size -= file.Size
		if info.IsEmpty() {
			delete(byPath, dir)
			dirName := path.Base(dir)
			if names := q.lastDirName[dirName]; names != nil {
				delete(names, dir)
				if len(names) == 0 {
					delete(q.lastDirName, dirName)
				}
			}
		}
	}
}

// AllBundles returns every bundle currently queued, for callers that
// need to sweep the whole set (e.g. the auto-priority controller).
func (q *BundleQueue) AllBundles() []*Bundle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Bundle, 0, len(q.byToken))
	for _, b := range q.byToken {
		out = append(out, b)
	}
	return out
}

// FindBundleByToken returns the bundle with the given token, or nil.
func (q *BundleQueue) FindBundleByToken(token uint32) *Bundle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.byToken[token]
}

// FindBundleByTarget returns the bundle whose normalized target
// exactly matches path, or nil.
func (q *BundleQueue) FindBundleByTarget(target string) *Bundle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.byTarget[normalizeTarget(target)]
}

// GetMergeBundle returns a bundle whose target is a prefix of
// newTarget (or, for file bundles, exactly equal), so that a new item
// under newTarget should merge into it rather than create a new
// bundle. Strict subtrees of existing bundles are also rejected by
// AddBundle, so callers should treat a non-nil return as "merge here".
func (q *BundleQueue) GetMergeBundle(newTarget string) *Bundle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	target := normalizeTarget(newTarget)
	for _, b := range q.byToken {
		bTarget := normalizeTarget(b.Target)
		if bTarget == target {
			return b
		}
		if !b.IsFile && isStrictPrefix(bTarget, target) {
			return b
		}
	}
	return nil
}

// GetSubBundles returns bundles strictly inside target.
func (q *BundleQueue) GetSubBundles(target string) []*Bundle {
	q.mu.RLock()
	defer q.mu.RUnlock()
	norm := normalizeTarget(target)
	var out []*Bundle
	for _, b := range q.byToken {
		if isStrictPrefix(norm, normalizeTarget(b.Target)) {
			out = append(out, b)
		}
	}
	return out
}

// IsNmdcDirQueued classifies whether a directory is already (fully or
// partially) queued or finished, matched by trailing path-component
// name the way legacy NMDC dupe checks work (no full-path match
// available for NMDC search results).
func (q *BundleQueue) IsNmdcDirQueued(dirPath string, size int64) DupeType {
	q.mu.RLock()
	defer q.mu.RUnlock()

	dirName := path.Base(normalizeTarget(dirPath))
	candidates := q.lastDirName[dirName]
	if len(candidates) == 0 {
		return DupeNone
	}

	anyFinished, allQueued := false, true
	for _, info := range candidates {
		if info.Size != size {
			continue
		}
		if info.FinishedFiles > 0 {
			anyFinished = true
		}
		if info.QueuedFiles > 0 {
			allQueued = allQueued && true
		} else {
			allQueued = false
		}
	}
	switch {
	case anyFinished && allQueued:
		return DupeFinishedPartial
	case anyFinished:
		return DupeFinishedFull
	case allQueued:
		return DupeQueuePartial
	default:
		return DupeNone
	}
}

// SearchItemPicker is the narrow view FileQueue-side code provides to
// pick a representative queued file for a directory.
type SearchItemPicker interface {
	// PickRepresentative returns the best queued file under dir
	// (preferring a running file, then any non-paused file, then any
	// file), or nil if none qualifies.
	PickRepresentative(dir string) *QueuedFile
}

// GetSearchItems selects up to 5 representative files from randomly
// chosen "main" directories of a bundle (release-like ancestors), one
// file per directory, de-duplicated by TTH (§4.3). For file bundles it
// returns nil: it does not look up the bundle's single file, which the
// caller resolves itself.
func (q *BundleQueue) GetSearchItems(b *Bundle, picker SearchItemPicker) []*QueuedFile {
	if b.IsFile {
		// File bundles have exactly one QueuedFile; the caller
		// already holds it and doesn't need a representative pick.
		return nil
	}

	q.mu.RLock()
	byPath := q.paths[b.Token]
	dirs := make([]string, 0, len(byPath))
	for d := range byPath {
		dirs = append(dirs, d)
	}
	q.mu.RUnlock()

	mains := mainDirectories(dirs, normalizeTarget(b.Target))
	rand.Shuffle(len(mains), func(i, j int) { mains[i], mains[j] = mains[j], mains[i] })

	const maxDirs = 5
	if len(mains) > maxDirs {
		mains = mains[:maxDirs]
	}

	seenTTH := make(map[string]struct{})
	var out []*QueuedFile
	for _, dir := range mains {
		f := picker.PickRepresentative(dir)
		if f == nil {
			continue
		}
		key := f.TTH.String()
		if _, dup := seenTTH[key]; dup {
			continue
		}
		seenTTH[key] = struct{}{}
		out = append(out, f)
	}
	return out
}

// mainDirectories filters dirs down to release-like ancestors of
// root: the immediate children of root, which stand in for "release
// directories" absent an explicit release-name heuristic.
func mainDirectories(dirs []string, root string) []string {
	var out []string
	for _, d := range dirs {
		if path.Dir(d) == root || d == root {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = dirs
	}
	return out
}

// NextSearchDue returns the next bundle token due for an
// alternate-source search, or false if none is due yet (§4.11).
func (q *BundleQueue) NextSearchDue(now time.Time) (uint32, bool) {
	return q.search.Next(now)
}

// MarkSearched records that token was just searched, rescheduling its
// next-search-time.
func (q *BundleQueue) MarkSearched(token uint32, now time.Time, interval time.Duration) {
	q.search.MarkSearched(token, now, interval)
}

// ResolveBundle returns the bundle with the given token, or nil; it is
// the same lookup as FindBundleByToken, for callers that hold a file's
// BundleToken.
func (q *BundleQueue) ResolveBundle(token uint32) *Bundle {
	return q.FindBundleByToken(token)
}
