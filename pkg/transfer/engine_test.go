package transfer

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcqueue/qengine/internal/corectx"
	"github.com/dcqueue/qengine/pkg/queue"
	"github.com/dcqueue/qengine/pkg/scheduler"
	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/dcqueue/qengine/pkg/tth"
	"github.com/dcqueue/qengine/pkg/ubn"
)

type memOpener struct {
	buf *bytes.Buffer
}

func (m *memOpener) OpenAt(path string, offset int64) (io.WriteCloser, error) {
	return nopCloserWriter{m.buf}, nil
}

type nopCloserWriter struct{ w io.Writer }

func (n nopCloserWriter) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopCloserWriter) Close() error                { return nil }

type fakeHashStore struct {
	verifyOK bool
	published bool
}

func (f *fakeHashStore) VerifyRoot(ctx context.Context, root tth.TTH, leaves [][]byte) bool {
	return f.verifyOK
}

func (f *fakeHashStore) Publish(ctx context.Context, root tth.TTH, leaves [][]byte) error {
	f.published = true
	return nil
}

func newTestContext() *corectx.Context {
	return corectx.New(corectx.Collaborators{})
}

func TestEngineRunFileDownloadCommitsSegment(t *testing.T) {
	ctx := newTestContext()
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	buf := &bytes.Buffer{}
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: buf})

	file := queue.NewQueuedFile(1, "/share/a.bin", "/tmp/a.bin.part", 1024, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	file.BlockSize = 1024

	dl := &scheduler.Download{
		Handle:    1,
		Type:      queue.DownloadTypeFile,
		File:      file,
		User:      "alice",
		Segment:   segment.New(0, 1024),
		StartedAt: time.Now(),
	}
	conn := NewUserConnection("c1", "alice", "adc://hub")

	payload := bytes.Repeat([]byte{0x42}, 1024)
	err := eng.RunDownload(context.Background(), dl, conn, bytes.NewReader(payload), 1024, false)
	require.NoError(t, err)
	assert.True(t, file.IsFinished())
	assert.Equal(t, payload, buf.Bytes())
	assert.Equal(t, StateIdle, conn.State())
}

func TestEngineRunDownloadRejectsSizeMismatch(t *testing.T) {
	ctx := newTestContext()
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: &bytes.Buffer{}})

	file := queue.NewQueuedFile(2, "/share/b.bin", "/tmp/b.bin.part", 100, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	dl := &scheduler.Download{
		Handle:  2,
		Type:    queue.DownloadTypeFile,
		File:    file,
		User:    "bob",
		Segment: segment.New(0, 100),
	}
	conn := NewUserConnection("c2", "bob", "adc://hub")

	err := eng.RunDownload(context.Background(), dl, conn, bytes.NewReader(nil), 50, false)
	require.Error(t, err)
	assert.Equal(t, StateFailed, conn.State())
}

func TestEngineRunTreeDownloadVerifiesAndPublishes(t *testing.T) {
	hs := &fakeHashStore{verifyOK: true}
	ctx := corectx.New(corectx.Collaborators{HashStore: hs})
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: &bytes.Buffer{}})

	file := queue.NewQueuedFile(3, "/share/c.bin", "/tmp/c.bin.part", 5000, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	leaves := bytes.Repeat([]byte{0x01}, leafSize*3)
	dl := &scheduler.Download{
		Handle:  3,
		Type:    queue.DownloadTypeTree,
		File:    file,
		User:    "carol",
		Segment: segment.New(0, int64(len(leaves))),
	}
	conn := NewUserConnection("c3", "carol", "adc://hub")

	err := eng.RunDownload(context.Background(), dl, conn, bytes.NewReader(leaves), int64(len(leaves)), false)
	require.NoError(t, err)
	assert.True(t, hs.published)
	assert.True(t, file.HasFlag(queue.FlagHashed))
}

func TestEngineRunTreeDownloadMarksBadTreeOnMismatch(t *testing.T) {
	hs := &fakeHashStore{verifyOK: false}
	ctx := corectx.New(corectx.Collaborators{HashStore: hs})
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: &bytes.Buffer{}})

	file := queue.NewQueuedFile(4, "/share/d.bin", "/tmp/d.bin.part", 5000, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	file.AddSource("dave")
	leaves := bytes.Repeat([]byte{0x02}, leafSize*2)
	dl := &scheduler.Download{
		Handle:  4,
		Type:    queue.DownloadTypeTree,
		File:    file,
		User:    "dave",
		Segment: segment.New(0, int64(len(leaves))),
	}
	conn := NewUserConnection("c4", "dave", "adc://hub")

	err := eng.RunDownload(context.Background(), dl, conn, bytes.NewReader(leaves), int64(len(leaves)), false)
	require.Error(t, err)
	_, stillGood := file.GetSource("dave")
	assert.False(t, stillGood)
}

func TestEngineWithUBNPublisherTracksBundleMembership(t *testing.T) {
	ctx := newTestContext()
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	publisher := ubn.New(ctx)
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: &bytes.Buffer{}}).WithUBNPublisher(publisher)

	b := queue.NewBundle(1, "/share", "bundle", time.Now(), false)
	file := queue.NewQueuedFile(5, "/share/e.bin", "/tmp/e.bin.part", 1024, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	file.BlockSize = 1024
	ctx.Bundles.AddBundleItem(file, b)
	require.NoError(t, ctx.Bundles.AddBundle(b))

	dl := &scheduler.Download{
		Handle:    5,
		Type:      queue.DownloadTypeFile,
		File:      file,
		User:      "erin",
		Segment:   segment.New(0, 1024),
		StartedAt: time.Now(),
	}
	conn := NewUserConnection("c5", "erin", "adc://hub")

	payload := bytes.Repeat([]byte{0x09}, 1024)
	err := eng.RunDownload(context.Background(), dl, conn, bytes.NewReader(payload), 1024, false)
	require.NoError(t, err)

	assert.Equal(t, 0, b.RunningUserCount())
}

func setupSlowSourceBundle(t *testing.T) (*corectx.Context, *Engine, *queue.Bundle, *queue.QueuedFile, *queue.QueuedFile) {
	t.Helper()
	ctx := newTestContext()
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: &bytes.Buffer{}})

	b := queue.NewBundle(9, "/share/set", "set", time.Now(), false)
	f1 := queue.NewQueuedFile(10, "/share/set/a.bin", "/tmp/a.bin.part", 1<<20, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	f2 := queue.NewQueuedFile(11, "/share/set/b.bin", "/tmp/b.bin.part", 1<<20, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	ctx.Bundles.AddBundleItem(f1, b)
	ctx.Bundles.AddBundleItem(f2, b)
	require.NoError(t, ctx.Bundles.AddBundle(b))

	_, err := f1.AddSource("erin")
	require.NoError(t, err)
	_, err = f1.AddSource("carl")
	require.NoError(t, err)
	_, err = f2.AddSource("erin")
	require.NoError(t, err)

	b.AddRunningUser("erin", "c9")
	b.AddRunningUser("carl", "c10")

	return ctx, eng, b, f1, f2
}

func trackSlowSession(eng *Engine, f *queue.QueuedFile, handle queue.DownloadHandle) *scheduler.Download {
	dl := &scheduler.Download{
		Handle:    handle,
		Type:      queue.DownloadTypeFile,
		File:      f,
		User:      "erin",
		Segment:   segment.New(0, 1<<20),
		StartedAt: time.Now().Add(-time.Minute),
		Pos:       10,
	}
	eng.track(NewUserConnection("c9", "erin", "adc://hub"), dl)
	return dl
}

func TestCheckSlowSourcesFileModeOnlyDropsTrackedFile(t *testing.T) {
	_, eng, b, f1, f2 := setupSlowSourceBundle(t)
	trackSlowSession(eng, f1, 100)

	eng.CheckSlowSources(AutoDisconnectFile)

	_, f1HasErin := f1.GetSource("erin")
	_, f2HasErin := f2.GetSource("erin")
	assert.False(t, f1HasErin)
	assert.True(t, f2HasErin)
	assert.Equal(t, 2, b.RunningUserCount())
}

func TestCheckSlowSourcesBundleModeDropsEveryFile(t *testing.T) {
	_, eng, _, f1, f2 := setupSlowSourceBundle(t)
	trackSlowSession(eng, f1, 101)

	eng.CheckSlowSources(AutoDisconnectBundle)

	_, f1HasErin := f1.GetSource("erin")
	_, f2HasErin := f2.GetSource("erin")
	assert.False(t, f1HasErin)
	assert.False(t, f2HasErin)
}

func TestCheckSlowSourcesAllModeSparesSingleSourceFile(t *testing.T) {
	_, eng, _, f1, f2 := setupSlowSourceBundle(t)
	trackSlowSession(eng, f1, 102)

	eng.CheckSlowSources(AutoDisconnectAll)

	_, f1HasErin := f1.GetSource("erin")
	_, f2HasErin := f2.GetSource("erin")
	assert.False(t, f1HasErin, "erin has a co-source on f1, so ALL mode drops her there")
	assert.True(t, f2HasErin, "erin is f2's only source, so ALL mode must spare her there")
}

func TestCheckSlowSourcesSkipsWhenBundleHasFewerThanTwoRunningUsers(t *testing.T) {
	ctx := newTestContext()
	sched := scheduler.New(ctx, scheduler.DefaultPolicy(), nil)
	eng := New(ctx, sched, DefaultSlowSourcePolicy(), &memOpener{buf: &bytes.Buffer{}})

	b := queue.NewBundle(12, "/share/solo", "solo", time.Now(), false)
	f := queue.NewQueuedFile(20, "/share/solo/a.bin", "/tmp/solo.part", 1<<20, queue.FlagNone, queue.PriorityNormal, time.Now(), tth.TTH{})
	ctx.Bundles.AddBundleItem(f, b)
	require.NoError(t, ctx.Bundles.AddBundle(b))
	_, err := f.AddSource("erin")
	require.NoError(t, err)
	b.AddRunningUser("erin", "c1")

	trackSlowSession(eng, f, 200)
	eng.CheckSlowSources(AutoDisconnectFile)

	_, hasErin := f.GetSource("erin")
	assert.True(t, hasErin, "a single-running-user bundle must never be disconnected by the slow-source policy")
}

func TestAlignDownToBlock(t *testing.T) {
	assert.Equal(t, int64(0), alignDownToBlock(500, 1024))
	assert.Equal(t, int64(1024), alignDownToBlock(1500, 1024))
	assert.Equal(t, int64(100), alignDownToBlock(100, 0))
}
