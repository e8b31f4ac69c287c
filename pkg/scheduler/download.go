// Package scheduler implements the download scheduler (§4.5): given a
// connection context, it picks the next file, user, and byte segment
// to request, subject to slot, speed, priority, and bundle-locality
// constraints.
package scheduler

import (
	"time"

	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/segment"
)

// DownloadFlag marks per-download conditions (§3 Download).
type DownloadFlag uint16

const (
	DownloadFlagNone DownloadFlag = 0
	// DownloadFlagXMLBZList marks a bzip2-compressed full filelist transfer.
	DownloadFlagXMLBZList DownloadFlag = 1 << iota
	// DownloadFlagTTHList marks a TTH-only filelist transfer.
	DownloadFlagTTHList
	// DownloadFlagSlowUser marks a download whose throughput has
	// fallen below REMOVE_SPEED for the disconnect-eligibility window.
	DownloadFlagSlowUser
	// DownloadFlagOverlap marks a download duplicating an
	// already-running segment under the allow-overlap rule (§4.6).
	DownloadFlagOverlap
	// DownloadFlagChunked marks a download using ADC chunked transfer.
	DownloadFlagChunked
	// DownloadFlagHighestPrio marks a download exempted from the
	// global speed ceiling by the extra-slots allowance (§4.5).
	DownloadFlagHighestPrio
)

// Has reports whether f is set in the flag bitmask.
func (flags DownloadFlag) Has(f DownloadFlag) bool {
	return flags&f != 0
}

// Download is a live segment request on a connection (§3 Download).
// It is exclusively owned by its UserConnection; the QueuedFile holds
// only a weak (handle) reference for visualisation/cancellation via
// QueuedFile.downloads.
type Download struct {
	Handle  queue.DownloadHandle
	Type    queue.DownloadType
	File    *queue.QueuedFile
	User    string
	HubURL  string
	Segment segment.Segment

	Pos       int64
	AvgSpeed  int64
	StartedAt time.Time
	Flags     DownloadFlag
}

// Remaining returns the number of bytes left to transfer in this
// download's segment given its current position.
func (d *Download) Remaining() int64 {
	return d.Segment.End() - d.Pos
}
