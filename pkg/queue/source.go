package queue

import "time"

// SourceFlag marks per-user conditions on a Source record.
type SourceFlag uint16

const (
	SourceFlagNone SourceFlag = 0
	// SourceFlagBadTree marks a source whose delivered tiger tree
	// failed to verify against the file's TTH.
	SourceFlagBadTree SourceFlag = 1 << iota
	// SourceFlagFileNotAvailable marks a source that reported the
	// file no longer exists remotely.
	SourceFlagFileNotAvailable
	// SourceFlagNoFileAccess marks a source blocked on a specific hub
	// after an access-denied reply.
	SourceFlagNoFileAccess
	// SourceFlagNoNeedParts marks a partial source whose advertised
	// parts no longer intersect the file's undone ranges.
	SourceFlagNoNeedParts
	// SourceFlagPartial marks a source that advertises a PartsInfo
	// rather than claiming to hold the complete file.
	SourceFlagPartial
)

// Has reports whether f is set in the flag bitmask.
func (flags SourceFlag) Has(f SourceFlag) bool {
	return flags&f != 0
}

// PartRange is a [StartBlock, EndBlock) range expressed in block-sized
// chunks, the wire unit for partial-share PartsInfo exchange.
type PartRange struct {
	StartBlock uint32
	EndBlock   uint32
}

// PartsInfo is a partial source's advertised coverage: an ordered,
// disjoint sequence of block ranges it holds. The wire format caps
// this at 255 range pairs (§9 open question, resolved below).
type PartsInfo struct {
	Ranges []PartRange
}

// MaxPartsInfoRanges is the upper bound on PartsInfo.Ranges.
//
// Open question resolution: the spec notes the "255 pairs" figure
// needs confirming against ADC-standard and partial-share extension
// docs; this repository pins it at 255, matching the partial-share
// extension's single-byte range count field, and truncates any
// advertisement that would exceed it rather than rejecting it outright.
const MaxPartsInfoRanges = 255

// Covers reports whether any range in p fully contains [startBlock,
// endBlock).
func (p *PartsInfo) Covers(startBlock, endBlock uint32) bool {
	for _, r := range p.Ranges {
		if r.StartBlock <= startBlock && r.EndBlock >= endBlock {
			return true
		}
	}
	return false
}

// Source is a (user, file, flags) triple: a peer known to serve a
// queued file. Partial sources additionally carry the remote's
// advertised PartsInfo and UDP contact details for the search-UDP
// partial-share protocol (§4.8).
type Source struct {
	User  string // CID or nick identifying the remote peer
	Flags SourceFlag

	// Partial-source bookkeeping, valid only when Flags.Has(SourceFlagPartial).
	Parts            *PartsInfo
	HubIPPort        string // hub-ip:port label for UDP contact
	LocalNickEcho    string
	UDPPort          uint16
	NextQueryTime    time.Time
	PendingQueries   int
	BlockedHubURLs   map[string]struct{}
}

// NewSource creates a full (non-partial) source for user.
func NewSource(user string) *Source {
	return &Source{User: user, BlockedHubURLs: make(map[string]struct{})}
}

// IsBlockedOnAllHubs reports whether every URL in onlineHubs is in the
// source's blocked set (used by hasSegment in §4.4).
func (s *Source) IsBlockedOnAllHubs(onlineHubs []string) bool {
	if len(onlineHubs) == 0 {
		return false
	}
	for _, hub := range onlineHubs {
		if _, blocked := s.BlockedHubURLs[hub]; !blocked {
			return false
		}
	}
	return true
}

// BlockOnHub adds hub to the source's blocked-hub set.
func (s *Source) BlockOnHub(hub string) {
	if s.BlockedHubURLs == nil {
		s.BlockedHubURLs = make(map[string]struct{})
	}
	s.BlockedHubURLs[hub] = struct{}{}
}
