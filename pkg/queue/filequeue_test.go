package queue

import (
	"testing"
	"time"

	"github.com/dcqueue/qengine/pkg/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotentOnPath(t *testing.T) {
	fq := NewFileQueue()
	now := time.Now()

	f1, inserted1 := fq.Add("/a/b.iso", "/a/b.iso.tmp", 100, FlagNone, PriorityNormal, now, testTTH(1))
	assert.True(t, inserted1)

	f2, inserted2 := fq.Add("/a/b.iso", "/a/b.iso.tmp", 100, FlagNone, PriorityNormal, now, testTTH(1))
	assert.False(t, inserted2)
	assert.Same(t, f1, f2)
}

func TestFindByTokenAndPathAreBijective(t *testing.T) {
	fq := NewFileQueue()
	f, _ := fq.Add("/a", "/a.tmp", 10, FlagNone, PriorityNormal, time.Now(), testTTH(1))

	assert.Same(t, f, fq.FindByToken(f.Token))
	assert.Same(t, f, fq.FindByPath(f.Path))
}

func TestFindByTTHReturnsEveryFileOnce(t *testing.T) {
	fq := NewFileQueue()
	shared := testTTH(7)
	f1, _ := fq.Add("/a", "/a.tmp", 10, FlagNone, PriorityNormal, time.Now(), shared)
	f2, _ := fq.Add("/b", "/b.tmp", 10, FlagNone, PriorityNormal, time.Now(), shared)

	files := fq.FindByTTH(shared)
	assert.Len(t, files, 2)
	assert.ElementsMatch(t, []uint32{f1.Token, f2.Token}, []uint32{files[0].Token, files[1].Token})
}

func TestRemoveClearsAllIndexes(t *testing.T) {
	fq := NewFileQueue()
	f, _ := fq.Add("/a", "/a.tmp", 10, FlagNone, PriorityNormal, time.Now(), testTTH(1))

	require.NoError(t, fq.Remove(f))
	assert.Nil(t, fq.FindByPath("/a"))
	assert.Nil(t, fq.FindByToken(f.Token))
	assert.Empty(t, fq.FindByTTH(f.TTH))
}

func TestIsFileQueuedClassifiesDupeType(t *testing.T) {
	fq := NewFileQueue()
	t1 := testTTH(9)

	assert.Equal(t, DupeNone, fq.IsFileQueued(t1))

	f, _ := fq.Add("/a", "/a.tmp", 10, FlagNone, PriorityNormal, time.Now(), t1)
	assert.Equal(t, DupeQueueFull, fq.IsFileQueued(t1))

	f.CommitSegment(segment.New(0, f.Size), time.Now())
	assert.Equal(t, DupeFinishedFull, fq.IsFileQueued(t1))
}
