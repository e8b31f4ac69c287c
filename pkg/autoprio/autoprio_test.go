package autoprio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/tth"
)

func newBundle(ctx *corectx.Context, token uint32, target string, size, downloaded int64) *queue.Bundle {
	b := queue.NewBundle(token, target, target, time.Now(), false)
	b.AutoPriority = true
	b.Size = size
	b.DownloadedBytes = downloaded
	_ = ctx.Bundles.AddBundle(b)
	return b
}

func TestCalculateProgressPriorityMonotone(t *testing.T) {
	ctx := corectx.New(corectx.Collaborators{})
	b := newBundle(ctx, 1, "/a", 1000, 950)
	assert.Equal(t, queue.PriorityHighest, calculateProgressPriority(b, time.Now()))

	b2 := newBundle(ctx, 2, "/b", 1000, 100)
	assert.Equal(t, queue.PriorityLow, calculateProgressPriority(b2, time.Now()))
}

func TestControllerProgressTickAppliesUnderWriteLock(t *testing.T) {
	ctx := corectx.New(corectx.Collaborators{})
	b := newBundle(ctx, 3, "/c", 1000, 980)
	b.Priority = queue.PriorityNormal

	c := New(ctx, ModeProgress)
	assignments := c.Tick(time.Now())
	require.NotEmpty(t, assignments)
	assert.Equal(t, queue.PriorityHighest, b.Priority)
}

func TestBalancedModeRanksBySpeedAndSources(t *testing.T) {
	ctx := corectx.New(corectx.Collaborators{})
	fast := newBundle(ctx, 4, "/fast", 1000, 0)
	fast.Speed = 1_000_000

	slow := newBundle(ctx, 5, "/slow", 1000, 0)
	slow.Speed = 100

	tt := tth.TTH{}
	f1, _ := ctx.Files.Add("/fast/a.bin", "/tmp/a.bin", 500, queue.FlagNone, queue.PriorityNormal, time.Now(), tt)
	ctx.Bundles.AddBundleItem(f1, fast)
	for _, u := range []string{"u1", "u2", "u3"} {
		f1.AddSource(u)
	}

	tt2 := tth.TTH{}
	tt2[0] = 1
	f2, _ := ctx.Files.Add("/slow/b.bin", "/tmp/b.bin", 500, queue.FlagNone, queue.PriorityNormal, time.Now(), tt2)
	ctx.Bundles.AddBundleItem(f2, slow)
	f2.AddSource("u4")

	c := New(ctx, ModeBalanced)
	c.Tick(time.Now())

	assert.Equal(t, queue.PriorityHigh, fast.Priority)
	assert.NotEqual(t, fast.Priority, slow.Priority)
}

func TestScoreAndTierHandlesEmpty(t *testing.T) {
	tiers := scoreAndTier(nil)
	assert.Empty(t, tiers)
}
