package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBundleRejectsNestedTargets(t *testing.T) {
	bq := NewBundleQueue()
	b1 := NewBundle(1, "/downloads/release", "release", time.Now(), false)
	require.NoError(t, bq.AddBundle(b1))

	b2 := NewBundle(2, "/downloads/release/subdir", "subdir", time.Now(), false)
	assert.Error(t, bq.AddBundle(b2))

	b3 := NewBundle(3, "/downloads", "downloads", time.Now(), false)
	assert.Error(t, bq.AddBundle(b3))
}

func TestAddBundleRejectsDuplicateFileTarget(t *testing.T) {
	bq := NewBundleQueue()
	b1 := NewBundle(1, "/downloads/file.iso", "file.iso", time.Now(), true)
	require.NoError(t, bq.AddBundle(b1))

	b2 := NewBundle(2, "/downloads/file.iso", "file.iso", time.Now(), true)
	assert.Error(t, bq.AddBundle(b2))
}

func TestPathInfoTracksFileAddAndRemove(t *testing.T) {
	bq := NewBundleQueue()
	b := NewBundle(1, "/downloads/release", "release", time.Now(), false)
	require.NoError(t, bq.AddBundle(b))

	f := NewQueuedFile(1, "/downloads/release/sub/file.bin", "/downloads/release/sub/file.bin.tmp", 100, FlagNone, PriorityNormal, time.Now(), testTTH(1))
	bq.AddBundleItem(f, b)

	info, ok := bq.paths[b.Token]["/downloads/release/sub"]
	require.True(t, ok)
	assert.Equal(t, 1, info.QueuedFiles)
	assert.Equal(t, int64(100), info.Size)

	rootInfo, ok := bq.paths[b.Token]["/downloads/release"]
	require.True(t, ok)
	assert.Equal(t, 1, rootInfo.QueuedFiles)

	bq.RemoveBundleItem(f, false)
	_, stillExists := bq.paths[b.Token]["/downloads/release/sub"]
	assert.False(t, stillExists, "empty PathInfo must be deleted")
}

func TestGetMergeBundleFindsPrefixMatch(t *testing.T) {
	bq := NewBundleQueue()
	b := NewBundle(1, "/downloads/release", "release", time.Now(), false)
	require.NoError(t, bq.AddBundle(b))

	merge := bq.GetMergeBundle("/downloads/release/sub/new-file.bin")
	require.NotNil(t, merge)
	assert.Equal(t, uint32(1), merge.Token)
}

func TestGetSubBundles(t *testing.T) {
	bq := NewBundleQueue()
	parent := NewBundle(1, "/downloads", "downloads", time.Now(), false)
	// Manually register without triggering the nested-bundle rejection,
	// to exercise GetSubBundles in isolation.
	bq.byToken[parent.Token] = parent
	bq.byTarget[normalizeTarget(parent.Target)] = parent
	bq.paths[parent.Token] = make(map[string]*PathInfo)

	child := NewBundle(2, "/downloads/release", "release", time.Now(), false)
	bq.byToken[child.Token] = child
	bq.byTarget[normalizeTarget(child.Target)] = child
	bq.paths[child.Token] = make(map[string]*PathInfo)

	subs := bq.GetSubBundles("/downloads")
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(2), subs[0].Token)
}
