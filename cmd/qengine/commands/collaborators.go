package commands

import (
	"context"
	"os"

	"github.com/dcqueue/qengine/internal/logger"
	"github.com/dcqueue/qengine/pkg/tth"
)

// The hub protocol layer, hash database, TLS/socket layer, and UDP
// transport are external collaborators (SPEC_FULL §1): real
// implementations live in the hub client, not in this engine. Running
// qengine standalone (no protocol layer attached) still needs
// something satisfying internal/corectx.Collaborators, so the types
// below log what would have happened and return the "nothing to do
// yet" answer. A protocol-layer binary embedding this engine replaces
// all of them at construction time.

type loggingHashStore struct{}

func (loggingHashStore) VerifyRoot(ctx context.Context, root tth.TTH, leaves [][]byte) bool {
	logger.Warn("hash store not wired; cannot verify tree", "tth", root.String())
	return false
}

func (loggingHashStore) Publish(ctx context.Context, root tth.TTH, leaves [][]byte) error {
	logger.Warn("hash store not wired; dropping verified tree", "tth", root.String())
	return nil
}

type loggingSearchService struct{}

func (loggingSearchService) Search(ctx context.Context, bundleToken uint32, t tth.TTH, sizeHint int64) error {
	logger.Debug("search service not wired; skipping alternate-source search", "bundle_token", bundleToken, "tth", t.String())
	return nil
}

type loggingDialer struct{}

func (loggingDialer) Dial(ctx context.Context, user, hubURL string) error {
	logger.Debug("connection dialer not wired; skipping reconnect", "user", user, "hub", hubURL)
	return nil
}

type loggingUDPSender struct{}

func (loggingUDPSender) SendUDP(ctx context.Context, addr string, payload []byte) error {
	logger.Debug("UDP sender not wired; dropping datagram", "addr", addr, "bytes", len(payload))
	return nil
}

// osDiskProbe answers filesystem questions for real: unlike the
// protocol-layer collaborators above, disk access has no external
// owner in standalone mode, so it is backed directly by os.
type osDiskProbe struct{}

func (osDiskProbe) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osDiskProbe) FreeSpace(path string) (int64, error) {
	return diskFreeSpace(path)
}
