// Package useridx implements the warm user cache (SPEC_FULL §2.21): a
// small TTL cache of online/seen user records, backed by
// dgraph-io/ristretto. It implements the "offline users expire from
// caches after inactivity" half of §5's shared-resource policy; the
// user records themselves (sources, hub membership) are owned by the
// queue/source index, not by this package.
package useridx

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultTTL is how long a user record stays warm after its last
// observed activity before it is evicted and must be rehydrated from
// the hub protocol layer.
const DefaultTTL = 10 * time.Minute

// Seen is a lightweight record of a user last observed online,
// enough to avoid re-resolving hub/nick/udp-port on every scheduler
// pass for an active source.
type Seen struct {
	User     string
	HubURL   string
	Nick     string
	UDPPort  int
	LastSeen time.Time
}

// cost reports the admission cost ristretto uses for eviction
// accounting; every entry is small and fixed-size, so a constant
// works as well as a byte-accurate estimate here.
const cost = 1

// Cache is a TTL-bounded warm cache of Seen records, keyed by user.
// A nil *Cache is not valid; New always returns a usable cache.
type Cache struct {
	c   *ristretto.Cache[string, Seen]
	ttl time.Duration
}

// Config controls cache sizing.
type Config struct {
	// MaxCost bounds the cache's total admission cost; with the
	// fixed per-entry cost above this is effectively a max entry
	// count. Default: 100_000.
	MaxCost int64
	// TTL is how long an entry survives without being re-touched.
	// Default: DefaultTTL.
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for a single-process DC
// client tracking a few thousand concurrent hub users.
func DefaultConfig() Config {
	return Config{MaxCost: 100_000, TTL: DefaultTTL}
}

// New constructs a warm user cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 100_000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, Seen]{
		NumCounters: cfg.MaxCost * 10,
		MaxCost:     cfg.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c, ttl: cfg.TTL}, nil
}

// Touch records (or refreshes) a user's warm entry.
func (c *Cache) Touch(s Seen) {
	if s.LastSeen.IsZero() {
		s.LastSeen = time.Now()
	}
	c.c.SetWithTTL(s.User, s, cost, c.ttl)
}

// Refresh updates LastSeen for user without disturbing its other
// fields, creating a bare record (hub/nick/port unknown) if none is
// cached yet. Callers that only observe liveness (e.g. an SR reply
// naming a user, with no hub context of its own) should use this
// instead of Touch, which would otherwise overwrite HubURL/Nick/UDPPort
// with their zero values.
func (c *Cache) Refresh(user string) {
	s, ok := c.c.Get(user)
	if !ok {
		s = Seen{User: user}
	}
	s.LastSeen = time.Now()
	c.c.SetWithTTL(user, s, cost, c.ttl)
}

// Get returns the warm record for user, if still within TTL.
func (c *Cache) Get(user string) (Seen, bool) {
	return c.c.Get(user)
}

// Forget evicts user immediately, e.g. on explicit hub disconnect
// notice rather than waiting out the TTL.
func (c *Cache) Forget(user string) {
	c.c.Del(user)
}

// Close releases background goroutines owned by the underlying
// ristretto cache.
func (c *Cache) Close() {
	c.c.Close()
}

// Wait blocks until ristretto's internal async buffers have drained,
// so a just-completed Touch/Refresh is guaranteed visible to Get. Only
// needed by tests; production callers tolerate the normal async delay.
func (c *Cache) Wait() {
	c.c.Wait()
}
