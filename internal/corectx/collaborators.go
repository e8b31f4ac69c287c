package corectx

import (
	"context"

	"github.com/dcqueue/qengine/pkg/tth"
)

// Collaborators gathers every external system the core reaches out to
// but does not own (§1 Out of scope / §6 External Interfaces): hub
// protocol parsers, the hash database, the share indexer, the
// TLS/socket layer, UI, configuration persistence, and filelist
// parsing. The core depends only on these narrow interfaces so that
// production wiring, tests, and simulation can each supply their own
// implementation.
type Collaborators struct {
	// HashStore verifies and publishes tiger-tree hashes. Owned by
	// the external hash database.
	HashStore HashStore
	// SearchService issues searches and delivers results over the
	// hub protocol. Owned by the external hub protocol layer.
	SearchService SearchService
	// Dialer opens outbound peer connections for source reconnects.
	// Owned by the external TLS/socket layer.
	Dialer ConnectionDialer
	// UDP sends unreliable datagrams for PBD/UBN/partial-source
	// protocol messages. Owned by the external socket layer.
	UDP UDPSender
	// Disk answers filesystem questions the scheduler and transfer
	// state machine need without owning storage themselves.
	Disk DiskProbe
}

// HashStore is the external hash database collaborator (§1, §4.7
// endData TREE branch).
type HashStore interface {
	// VerifyRoot reports whether a just-downloaded tiger tree's
	// leaves hash to root.
	VerifyRoot(ctx context.Context, root tth.TTH, leaves [][]byte) bool
	// Publish stores a verified tree so future share/verify
	// operations can reuse it.
	Publish(ctx context.Context, root tth.TTH, leaves [][]byte) error
}

// SearchService is the external hub protocol collaborator used by the
// alternate-source search driver (§4.11) to issue searches.
type SearchService interface {
	// Search issues a TTH search for file on every online hub,
	// tagged with bundleToken so results can be correlated back.
	Search(ctx context.Context, bundleToken uint32, t tth.TTH, sizeHint int64) error
}

// ConnectionDialer is the external TLS/socket layer collaborator used
// to open connections to sources when reconnecting after a priority
// change or auto-search match (§4.10, §4.11).
type ConnectionDialer interface {
	Dial(ctx context.Context, user, hubURL string) error
}

// UDPSender is the external socket layer collaborator used by the
// partial-share and UBN protocols (§4.8, §4.9) to send unreliable
// datagrams without blocking the primary lock.
type UDPSender interface {
	SendUDP(ctx context.Context, addr string, payload []byte) error
}

// DiskProbe answers filesystem existence questions without the core
// owning a storage layer (§4.5 step 4: "if the temp target file has
// gone missing on disk, reset done to empty").
type DiskProbe interface {
	Exists(path string) bool
	FreeSpace(path string) (int64, error)
}
