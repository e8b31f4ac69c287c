package queue

import (
	"sync"
	"time"
)

// BundleStatus tracks a bundle through its download and validation
// lifecycle (§3 Bundle).
type BundleStatus int8

const (
	BundleStatusNew BundleStatus = iota
	BundleStatusQueued
	BundleStatusDownloadError
	BundleStatusDownloaded
	BundleStatusValidationRunning
	BundleStatusValidationError
	BundleStatusCompleted
	BundleStatusShared
)

func (s BundleStatus) String() string {
	switch s {
	case BundleStatusNew:
		return "NEW"
	case BundleStatusQueued:
		return "QUEUED"
	case BundleStatusDownloadError:
		return "DOWNLOAD_ERROR"
	case BundleStatusDownloaded:
		return "DOWNLOADED"
	case BundleStatusValidationRunning:
		return "VALIDATION_RUNNING"
	case BundleStatusValidationError:
		return "VALIDATION_ERROR"
	case BundleStatusCompleted:
		return "COMPLETED"
	case BundleStatusShared:
		return "SHARED"
	default:
		return "UNKNOWN"
	}
}

// BundleFlag marks per-bundle conditions orthogonal to status.
type BundleFlag uint8

const (
	BundleFlagNone BundleFlag = 0
	// BundleFlagUpdateSize marks a bundle whose size needs
	// recomputation before the next UBN size update is sent.
	BundleFlagUpdateSize BundleFlag = 1 << iota
	// BundleFlagScheduleSearch marks a bundle due for an
	// alternate-source search on the next driver tick.
	BundleFlagScheduleSearch
	// BundleFlagAutodrop marks a bundle eligible for automatic
	// removal once it stalls with no sources.
	BundleFlagAutodrop
)

// Has reports whether f is set in the flag bitmask.
func (flags BundleFlag) Has(f BundleFlag) bool {
	return flags&f != 0
}

// Bundle is a directory (or single file) grouping one or more
// QueuedFiles sharing a target root (§3 Bundle). BundleQueue
// exclusively owns Bundle records.
type Bundle struct {
	mu sync.Mutex

	Token        uint32
	Target       string // root path; for file bundles, the file's own path
	Name         string
	Date         time.Time // remote modification time
	Priority     Priority
	AutoPriority bool
	Status       BundleStatus
	Flags        BundleFlag

	DownloadedBytes int64
	Size            int64
	Speed           int64 // bytes/sec, instantaneous estimate

	// RunningUsers maps a serving user to the set of connection
	// tokens currently transferring files in this bundle.
	RunningUsers map[string]map[string]struct{}

	// FinishedNotify holds users awaiting a PBD message once this
	// bundle's next file finishes (§4.9/§6.2).
	FinishedNotify map[string]struct{}

	LastSearch time.Time
	Added      time.Time

	// ResumeTime is an optional scheduled wake time set when the
	// bundle is paused with a timer (0 = no scheduled resume).
	ResumeTime time.Time

	// IsFile is true for single-file bundles, where exactly one
	// QueuedFile exists and its priority always mirrors the bundle's.
	IsFile bool

	// fileTokens is the set of QueuedFile tokens belonging to this
	// bundle; BundleQueue keeps it in sync via AddBundleItem/RemoveBundleItem.
	fileTokens map[uint32]struct{}
}

// NewBundle constructs an empty bundle in NEW status.
func NewBundle(token uint32, target, name string, added time.Time, isFile bool) *Bundle {
	return &Bundle{
		Token:          token,
		Target:         target,
		Name:           name,
		Added:          added,
		Status:         BundleStatusNew,
		IsFile:         isFile,
		RunningUsers:   make(map[string]map[string]struct{}),
		FinishedNotify: make(map[string]struct{}),
		fileTokens:     make(map[uint32]struct{}),
	}
}

// FileTokens returns the tokens of every QueuedFile in this bundle.
func (b *Bundle) FileTokens() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, 0, len(b.fileTokens))
	for t := range b.fileTokens {
		out = append(out, t)
	}
	return out
}

// FileCount returns the number of files belonging to this bundle.
func (b *Bundle) FileCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fileTokens)
}

// addFileToken records that a file now belongs to this bundle.
// Called only by BundleQueue under its own lock.
func (b *Bundle) addFileToken(token uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fileTokens[token] = struct{}{}
}

// removeFileToken forgets a file's membership. Called only by
// BundleQueue under its own lock.
func (b *Bundle) removeFileToken(token uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.fileTokens, token)
}

// AddRunningUser records that user is actively transferring a file in
// this bundle over connToken. Returns true if user was not already
// serving the bundle; the 0 -> 1 and 1 -> 2 distinct-user transitions
// among these are the UBN mode switch triggers (§4.9).
func (b *Bundle) AddRunningUser(user, connToken string) (newUser bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.RunningUsers[user]
	if !ok {
		conns = make(map[string]struct{})
		b.RunningUsers[user] = conns
		newUser = true
	}
	conns[connToken] = struct{}{}
	return newUser
}

// RemoveRunningConn unlinks a connection from a user's running set;
// if the user has no more running connections afterward they are
// dropped from RunningUsers. Returns the remaining distinct user
// count and whether user was fully removed.
func (b *Bundle) RemoveRunningConn(user, connToken string) (remainingUsers int, userRemoved bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns, ok := b.RunningUsers[user]
	if ok {
		delete(conns, connToken)
		if len(conns) == 0 {
			delete(b.RunningUsers, user)
			userRemoved = true
		}
	}
	return len(b.RunningUsers), userRemoved
}

// RunningUserCount returns the number of distinct users currently
// serving this bundle.
func (b *Bundle) RunningUserCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.RunningUsers)
}

// RunningUserList returns a snapshot of the users currently serving
// this bundle, each with its set of active connection tokens. Callers
// must not mutate the returned maps.
func (b *Bundle) RunningUserList() map[string]map[string]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]map[string]struct{}, len(b.RunningUsers))
	for user, conns := range b.RunningUsers {
		connsCopy := make(map[string]struct{}, len(conns))
		for c := range conns {
			connsCopy[c] = struct{}{}
		}
		out[user] = connsCopy
	}
	return out
}

// SetStatus transitions the bundle to a new status.
func (b *Bundle) SetStatus(s BundleStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Status = s
}

// GetStatus returns the current status.
func (b *Bundle) GetStatus() BundleStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Status
}

// IsPaused reports whether the bundle's priority is one of the paused
// levels.
func (b *Bundle) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Priority.IsPaused()
}

// SortKey returns the tuple used to order bundles of equal priority:
// added-time ascending (Bundle::SortOrder, §4.5).
func (b *Bundle) SortKey() time.Time {
	return b.Added
}
