package queue

import (
	"testing"
	"time"

	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/dcqueue/qengine/pkg/tth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTTH(b byte) tth.TTH {
	var raw [tth.Size]byte
	raw[0] = b
	t, _ := tth.FromBytes(raw[:])
	return t
}

func TestCommitSegmentMarksFinishedWhenComplete(t *testing.T) {
	f := NewQueuedFile(1, "/a/b.iso", "/a/b.iso.tmp", 100, FlagNone, PriorityNormal, time.Now(), testTTH(1))

	finished := f.CommitSegment(segment.New(0, 60), time.Now())
	assert.False(t, finished)
	assert.False(t, f.IsFinished())

	finished = f.CommitSegment(segment.New(60, 40), time.Now())
	assert.True(t, finished)
	assert.True(t, f.IsFinished())
}

func TestDoneNeverExceedsFileSize(t *testing.T) {
	f := NewQueuedFile(1, "/a", "/a.tmp", 100, FlagNone, PriorityNormal, time.Now(), testTTH(1))
	f.CommitSegment(segment.New(0, 100), time.Now())

	total := int64(0)
	for _, s := range f.Done() {
		total += s.Size
	}
	assert.LessOrEqual(t, total, f.Size)
}

func TestSourceAppearsInAtMostOneList(t *testing.T) {
	f := NewQueuedFile(1, "/a", "/a.tmp", 100, FlagNone, PriorityNormal, time.Now(), testTTH(1))

	_, err := f.AddSource("alice")
	require.NoError(t, err)
	assert.Contains(t, f.Sources, "alice")
	assert.NotContains(t, f.BadSources, "alice")

	f.MarkSourceBad("alice", SourceFlagBadTree)
	assert.NotContains(t, f.Sources, "alice")
	assert.Contains(t, f.BadSources, "alice")
}

func TestAddSourceRejectsDuplicate(t *testing.T) {
	f := NewQueuedFile(1, "/a", "/a.tmp", 100, FlagNone, PriorityNormal, time.Now(), testTTH(1))
	_, err := f.AddSource("alice")
	require.NoError(t, err)

	_, err = f.AddSource("alice")
	assert.Error(t, err)
}

func TestRemoveRangeUnmarksFinished(t *testing.T) {
	f := NewQueuedFile(1, "/a", "/a.tmp", 100, FlagNone, PriorityNormal, time.Now(), testTTH(1))
	f.CommitSegment(segment.New(0, 100), time.Now())
	require.True(t, f.IsFinished())

	f.RemoveRange(segment.New(40, 20))
	assert.False(t, f.IsFinished())

	done := f.Done()
	assert.Equal(t, []segment.Segment{segment.New(0, 40), segment.New(60, 40)}, done)
}

func TestZeroSizeFileNeverSchedules(t *testing.T) {
	f := NewQueuedFile(1, "/a", "/a.tmp", 0, FlagNone, PriorityNormal, time.Now(), testTTH(1))
	_, _ = f.AddSource("alice")
	seg := f.GetNextSegment(SegmentPickOptions{WantedSize: 1024})
	assert.True(t, seg.IsEmpty())
}
