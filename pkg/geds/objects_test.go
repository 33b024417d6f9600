package geds

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/geds/internal/relocation"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

func keysOf(entries []types.FileStatus) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func TestMkdirs_ListFolder(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	require.NoError(t, c.Mkdirs(ctx, "b", "a/b"))
	// existing markers are kept
	require.NoError(t, c.Mkdirs(ctx, "b", "a"))

	entries, err := c.ListFolder(ctx, "b", "a/")
	require.NoError(t, err)
	assert.Equal(t, []types.FileStatus{{Key: "a/b", IsDirectory: true}}, entries)

	st, err := c.Status(ctx, "b", "a/b")
	require.NoError(t, err)
	assert.Equal(t, types.FileStatus{Key: "a/b", IsDirectory: true}, st)

	st, err = c.Status(ctx, "b", "a/")
	require.NoError(t, err)
	assert.True(t, st.IsDirectory)
	assert.Equal(t, "a", st.Key)

	err = c.Mkdirs(ctx, "b", "/")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidArgument))
}

func TestListFolder_FilesAndFolders(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	writeSealed(t, c, "b", "dir/one", "1")
	writeSealed(t, c, "b", "dir/two", "22")
	writeSealed(t, c, "b", "dir/sub/three", "333")
	writeSealed(t, c, "b", "other", "x")

	entries, err := c.ListFolder(ctx, "b", "dir")
	require.NoError(t, err)
	assert.Equal(t, []types.FileStatus{
		{Key: "dir/one", Size: 1},
		{Key: "dir/sub", IsDirectory: true},
		{Key: "dir/two", Size: 2},
	}, entries)

	entries, err = c.List(ctx, "b", "dir/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/one", "dir/sub/three", "dir/two"}, keysOf(entries))
}

func TestStatus_Errors(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	_, err := c.Status(ctx, "missing", "")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
	_, err = c.Status(ctx, "b", "nothing")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
	_, err = c.Status(ctx, "", "k")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidArgument))
}

func TestOpen_Missing(t *testing.T) {
	c := newBucketClient(t)
	_, err := c.Open(context.Background(), "b", "nothing")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
}

func TestCreateBucket_Twice(t *testing.T) {
	c := newBucketClient(t)
	err := c.CreateBucket(context.Background(), "b")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeAlreadyExists))
}

func TestRename_Local(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	writeSealed(t, c, "b", "src", "payload")
	writeSealed(t, c, "b", "dst", "replaced")
	dstHandle, err := c.Open(ctx, "b", "dst")
	require.NoError(t, err)

	require.NoError(t, c.Rename(ctx, "b", "src", "b", "dst"))

	_, err = c.Status(ctx, "b", "src")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
	_, err = dstHandle.Read(ctx, make([]byte, 1), 0)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState))

	f, err := c.Open(ctx, "b", "dst")
	require.NoError(t, err)
	assert.Equal(t, "payload", readAll(t, f))
}

func TestRename_Unsealed(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	f, err := c.Create(ctx, "b", "open", false)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, []byte("x"), 0))

	err = c.Rename(ctx, "b", "open", "b", "other")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState))
	err = c.Copy(ctx, "b", "open", "b", "other")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState))
}

func TestCopy_Local(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	src, err := c.Create(ctx, "b", "src", false)
	require.NoError(t, err)
	require.NoError(t, src.Write(ctx, bytes.Repeat([]byte("ab"), 20), 0))
	require.NoError(t, src.SetMetadata(ctx, "meta", true))

	require.NoError(t, c.Copy(ctx, "b", "src", "b", "dst"))

	dst, err := c.Open(ctx, "b", "dst")
	require.NoError(t, err)
	assert.Equal(t, readAll(t, src), readAll(t, dst))
	assert.Equal(t, "meta", dst.Metadata())
	assert.False(t, dst.IsWriteable())

	// the source is untouched
	assert.Equal(t, string(bytes.Repeat([]byte("ab"), 20)), readAll(t, src))
}

func TestRelocation_OtherNodeReadsFromStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	a := h.client(t, "node-a", nil)
	registerStore(t, a, "s")
	b := h.client(t, "node-b", nil)

	f, err := a.Create(ctx, "s", "k", false)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, []byte("written on a"), 0))

	_, err = b.Open(ctx, "s", "k")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable))

	require.NoError(t, f.SetMetadata(ctx, "from-a", true))
	_, err = b.Open(ctx, "s", "k")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable))

	require.NoError(t, a.Relocate(ctx, true))
	stats, err := a.RelocationStats()
	require.NoError(t, err)
	assert.NotZero(t, stats.Objects)

	remote, err := b.Open(ctx, "s", "k")
	require.NoError(t, err)
	assert.Equal(t, "written on a", readAll(t, remote))
	assert.Equal(t, "from-a", remote.Metadata())

	info, err := h.stores.get("s").Head(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "from-a", info.Metadata[relocation.MetadataKey])
}

func TestRelocation_CachedRemoteReads(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	a := h.client(t, "node-a", nil)
	registerStore(t, a, "s")
	writeSealed(t, a, "s", "k", "0123456789abcdefghij")
	require.NoError(t, a.Relocate(ctx, true))

	cfg := testConfig(t)
	cfg.CacheObjectsFromS3 = true
	b := h.client(t, "node-b", cfg)

	f, err := b.Open(ctx, "s", "k")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghij", readAll(t, f))
	assert.Equal(t, "0123456789abcdefghij", readAll(t, f))

	stats, err := b.CacheStats()
	require.NoError(t, err)
	assert.NotZero(t, stats.Misses)
	assert.NotZero(t, stats.Hits)
}

func TestSealAfterPartialUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.client(t, "node-a", nil)
	registerStore(t, c, "s")

	f, err := c.Create(ctx, "s", "k", false)
	require.NoError(t, err)
	require.NoError(t, f.Write(ctx, []byte("partial"), 0))
	require.NoError(t, c.Relocate(ctx, true))

	require.NoError(t, f.Write(ctx, []byte(" and final"), 7))
	require.NoError(t, f.Seal(ctx))

	data, err := h.stores.get("s").GetRange(ctx, "k", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "partial and final", string(data))
}

func TestOpen_AdoptsStoreOnlyObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.client(t, "node-a", nil)
	registerStore(t, c, "s")

	data := []byte("uploaded elsewhere")
	require.NoError(t, h.stores.get("s").Put(ctx, "dir/remote", bytes.NewReader(data), int64(len(data)),
		map[string]string{relocation.MetadataKey: "external"}))

	entries, err := c.List(ctx, "s", "dir/")
	require.NoError(t, err)
	assert.Equal(t, []types.FileStatus{{Key: "dir/remote", Size: int64(len(data))}}, entries)

	st, err := c.Status(ctx, "s", "dir/remote")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), st.Size)

	f, err := c.Open(ctx, "s", "dir/remote")
	require.NoError(t, err)
	assert.Equal(t, string(data), readAll(t, f))
	assert.Equal(t, "external", f.Metadata())
	assert.False(t, f.IsWriteable())
}

func TestRenameCopy_InStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.client(t, "node-a", nil)
	registerStore(t, c, "s")
	registerStore(t, c, "t")

	writeSealed(t, c, "s", "a", "stored bytes")
	require.NoError(t, c.Relocate(ctx, true))

	require.NoError(t, c.Copy(ctx, "s", "a", "t", "copy"))
	require.NoError(t, c.Rename(ctx, "s", "a", "s", "b"))

	assert.Equal(t, []string{"b"}, h.stores.get("s").Keys())
	assert.Equal(t, []string{"copy"}, h.stores.get("t").Keys())

	for _, id := range [][2]string{{"s", "b"}, {"t", "copy"}} {
		f, err := c.Open(ctx, id[0], id[1])
		require.NoError(t, err)
		assert.Equal(t, "stored bytes", readAll(t, f))
	}
	_, err := c.Status(ctx, "s", "a")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
}

func TestDeleteObject_RemovesFromStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	c := h.client(t, "node-a", nil)
	registerStore(t, c, "s")

	writeSealed(t, c, "s", "k", "bytes")
	require.NoError(t, c.Relocate(ctx, true))
	require.NoError(t, c.DeleteObject(ctx, "s", "k"))
	assert.Empty(t, h.stores.get("s").Keys())

	err := c.DeleteObject(ctx, "s", "k")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
}

func TestPrefixOperations(t *testing.T) {
	ctx := context.Background()
	c := newBucketClient(t)

	writeSealed(t, c, "b", "d/1", "one")
	writeSealed(t, c, "b", "d/2", "two")
	writeSealed(t, c, "b", "e", "three")

	require.NoError(t, c.CopyPrefix(ctx, "b", "d/", "b", "c/"))
	entries, err := c.List(ctx, "b", "c/")
	require.NoError(t, err)
	assert.Equal(t, []string{"c/1", "c/2"}, keysOf(entries))

	require.NoError(t, c.RenamePrefix(ctx, "b", "c/", "b", "r/"))
	entries, err = c.List(ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"d/1", "d/2", "e", "r/1", "r/2"}, keysOf(entries))

	f, err := c.Open(ctx, "b", "r/2")
	require.NoError(t, err)
	assert.Equal(t, "two", readAll(t, f))

	require.NoError(t, c.DeleteObjectPrefix(ctx, "b", "d/"))
	entries, err = c.List(ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "r/1", "r/2"}, keysOf(entries))

	err = c.RenamePrefix(ctx, "b", "r/", "b", "r/")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeInvalidArgument))
}

func TestLocalPath(t *testing.T) {
	c := newBucketClient(t)
	path, err := c.LocalPath("b", "k")
	require.NoError(t, err)
	assert.Contains(t, path, c.localDir)
}
