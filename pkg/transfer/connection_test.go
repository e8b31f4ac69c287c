package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserConnectionTransitions(t *testing.T) {
	c := NewUserConnection("tok", "alice", "adc://hub")
	assert.Equal(t, StateConnect, c.State())

	assert.True(t, c.Transition(StateSupNick))
	assert.True(t, c.Transition(StateInf))
	assert.True(t, c.Transition(StateGet))
	assert.True(t, c.Transition(StateSnd))
	assert.True(t, c.Transition(StateRunning))
	assert.True(t, c.Transition(StateIdle))
	assert.Equal(t, StateIdle, c.State())

	// IDLE -> GET loops for the next segment.
	assert.True(t, c.Transition(StateGet))

	// Illegal: SUPNICK is not reachable from GET.
	assert.False(t, c.Transition(StateSupNick))
}

func TestUserConnectionTransitionToFailedAlwaysAllowed(t *testing.T) {
	c := NewUserConnection("tok", "bob", "adc://hub")
	assert.True(t, c.Transition(StateFailed))
	assert.Equal(t, StateFailed, c.State())
}

func TestUserConnectionRecalibrateChunk(t *testing.T) {
	c := NewUserConnection("tok", "carol", "adc://hub")
	c.RecalibrateChunk(65536, time.Second)
	first := c.ChunkEstimate()
	assert.Greater(t, first, int64(0))

	c.RecalibrateChunk(131072, time.Second)
	second := c.ChunkEstimate()
	assert.NotEqual(t, first, second)
	assert.Greater(t, second, first)
}

func TestUserConnectionSupports(t *testing.T) {
	c := NewUserConnection("tok", "dave", "adc://hub")
	assert.False(t, c.Has("ZLIG"))
	c.AddSupport("ZLIG")
	assert.True(t, c.Has("ZLIG"))
}
