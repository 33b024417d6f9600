// Package metadatatest holds behaviour tests shared by every metadata.Client
// implementation.
package metadatatest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/geds/internal/metadata"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

// Connect returns two sessions on the same fresh service.
type Connect func(t *testing.T) (a, b metadata.Client)

// Run runs the shared behaviour tests.
func Run(t *testing.T, connect Connect) {
	tests := []struct {
		name string
		fn   func(t *testing.T, a, b metadata.Client)
	}{
		{"Buckets", testBuckets},
		{"CreateObject", testCreateObject},
		{"UpdateObject", testUpdateObject},
		{"DeleteObject", testDeleteObject},
		{"List", testList},
		{"Rename", testRename},
		{"ObjectStoreConfigs", testObjectStoreConfigs},
		{"Events", testEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := connect(t)
			tt.fn(t, a, b)
		})
	}
}

func assertCode(t *testing.T, err error, code gedserrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, gedserrors.CodeOf(err), "got %v", err)
}

func testBuckets(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()

	require.NoError(t, a.CreateBucket(ctx, "beta"))
	require.NoError(t, a.CreateBucket(ctx, "alpha"))
	assertCode(t, b.CreateBucket(ctx, "alpha"), gedserrors.ErrCodeAlreadyExists)

	assert.NoError(t, b.LookupBucket(ctx, "alpha"))
	assertCode(t, b.LookupBucket(ctx, "gamma"), gedserrors.ErrCodeNotFound)

	names, err := b.ListBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func testCreateObject(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()

	_, err := a.CreateObject(ctx, metadata.Object{Bucket: "missing", Key: "k"}, false)
	assertCode(t, err, gedserrors.ErrCodeNotFound)

	require.NoError(t, a.CreateBucket(ctx, "b"))
	first, err := a.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k", Location: metadata.LocationLocal, Node: "a"}, false)
	require.NoError(t, err)
	assert.NotZero(t, first.Generation)
	assert.False(t, first.ModifiedAt.IsZero())

	_, err = b.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k"}, false)
	assertCode(t, err, gedserrors.ErrCodeAlreadyExists)

	second, err := b.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k", Node: "b"}, true)
	require.NoError(t, err)
	assert.NotEqual(t, first.Generation, second.Generation)

	got, err := a.Lookup(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Node)
	assert.Equal(t, second.Generation, got.Generation)

	_, err = a.Lookup(ctx, "b", "nope")
	assertCode(t, err, gedserrors.ErrCodeNotFound)
}

func testUpdateObject(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()
	require.NoError(t, a.CreateBucket(ctx, "b"))

	obj, err := a.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k"}, false)
	require.NoError(t, err)

	obj.Size = 12
	obj.Sealed = true
	obj.Metadata = "tag"
	obj.HasMetadata = true
	updated, err := a.UpdateObject(ctx, obj)
	require.NoError(t, err)
	assert.Equal(t, obj.Generation, updated.Generation)

	got, err := b.Lookup(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Size)
	assert.True(t, got.Sealed)
	assert.Equal(t, "tag", got.Metadata)
	assert.True(t, got.HasMetadata)

	for _, change := range []func(*metadata.Object){
		func(o *metadata.Object) { o.Sealed = false },
		func(o *metadata.Object) { o.Size = 20 },
		func(o *metadata.Object) { o.Metadata = "other" },
	} {
		next := obj
		change(&next)
		_, err = b.UpdateObject(ctx, next)
		assertCode(t, err, gedserrors.ErrCodeInvalidState)
	}
	relocated := obj
	relocated.Location = metadata.LocationStore
	_, err = b.UpdateObject(ctx, relocated)
	require.NoError(t, err)
	got, err = a.Lookup(ctx, "b", "k")
	require.NoError(t, err)
	assert.True(t, got.Sealed)
	assert.Equal(t, int64(12), got.Size)

	_, err = b.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k"}, true)
	require.NoError(t, err)
	_, err = a.UpdateObject(ctx, obj)
	assertCode(t, err, gedserrors.ErrCodeInvalidState)

	require.NoError(t, b.Delete(ctx, "b", "k"))
	_, err = a.UpdateObject(ctx, obj)
	assertCode(t, err, gedserrors.ErrCodeNotFound)
}

func testDeleteObject(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()
	require.NoError(t, a.CreateBucket(ctx, "b"))

	_, err := a.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k"}, false)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "b", "k"))
	assertCode(t, a.Delete(ctx, "b", "k"), gedserrors.ErrCodeNotFound)
	assertCode(t, a.Delete(ctx, "nobucket", "k"), gedserrors.ErrCodeNotFound)

	_, err = a.Lookup(ctx, "b", "k")
	assertCode(t, err, gedserrors.ErrCodeNotFound)
}

func testList(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()
	require.NoError(t, a.CreateBucket(ctx, "b"))

	for _, key := range []string{"dir/z", "dir/a", "dir/sub/x", "dirt", "other"} {
		_, err := a.CreateObject(ctx, metadata.Object{Bucket: "b", Key: key, Size: int64(len(key))}, false)
		require.NoError(t, err)
	}

	objects, err := b.List(ctx, "b", "dir/")
	require.NoError(t, err)
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	assert.Equal(t, []string{"dir/a", "dir/sub/x", "dir/z"}, keys)
	assert.Equal(t, int64(5), objects[0].Size)

	all, err := b.List(ctx, "b", "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := b.List(ctx, "b", "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = b.List(ctx, "missing", "")
	assertCode(t, err, gedserrors.ErrCodeNotFound)
}

func testRename(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()
	require.NoError(t, a.CreateBucket(ctx, "src"))
	require.NoError(t, a.CreateBucket(ctx, "dst"))

	src, err := a.CreateObject(ctx, metadata.Object{Bucket: "src", Key: "k", Size: 3, Sealed: true}, false)
	require.NoError(t, err)
	_, err = a.CreateObject(ctx, metadata.Object{Bucket: "dst", Key: "k2", Size: 99, Sealed: true}, false)
	require.NoError(t, err)

	moved, err := b.Rename(ctx, "src", "k", "dst", "k2")
	require.NoError(t, err)
	assert.Equal(t, "dst", moved.Bucket)
	assert.Equal(t, "k2", moved.Key)
	assert.Equal(t, int64(3), moved.Size)
	assert.NotEqual(t, src.Generation, moved.Generation)

	_, err = a.Lookup(ctx, "src", "k")
	assertCode(t, err, gedserrors.ErrCodeNotFound)

	got, err := a.Lookup(ctx, "dst", "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Size)

	_, err = b.Rename(ctx, "src", "k", "dst", "k3")
	assertCode(t, err, gedserrors.ErrCodeNotFound)
	_, err = b.Rename(ctx, "dst", "k2", "nobucket", "k")
	assertCode(t, err, gedserrors.ErrCodeNotFound)
}

func testObjectStoreConfigs(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()

	require.NoError(t, a.RegisterObjectStoreConfig(ctx, types.ObjectStoreConfig{Bucket: "y", EndpointURL: "http://s3:9000"}))
	require.NoError(t, a.RegisterObjectStoreConfig(ctx, types.ObjectStoreConfig{Bucket: "x", EndpointURL: "http://old"}))
	require.NoError(t, b.RegisterObjectStoreConfig(ctx, types.ObjectStoreConfig{Bucket: "x", EndpointURL: "http://new", AccessKey: "ak", SecretKey: "sk"}))

	cfgs, err := a.ListObjectStoreConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, cfgs, 2)
	assert.Equal(t, types.ObjectStoreConfig{Bucket: "x", EndpointURL: "http://new", AccessKey: "ak", SecretKey: "sk"}, cfgs[0])
	assert.Equal(t, "y", cfgs[1].Bucket)
}

func testEvents(t *testing.T, a, b metadata.Client) {
	ctx := context.Background()
	require.NoError(t, a.CreateBucket(ctx, "b"))
	require.NoError(t, a.CreateBucket(ctx, "quiet"))
	require.NoError(t, b.Watch(ctx, "b"))

	obj, err := a.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "k"}, false)
	require.NoError(t, err)
	_, err = a.CreateObject(ctx, metadata.Object{Bucket: "quiet", Key: "k"}, false)
	require.NoError(t, err)

	obj.Sealed = true
	obj.Size = 7
	_, err = a.UpdateObject(ctx, obj)
	require.NoError(t, err)
	require.NoError(t, a.Delete(ctx, "b", "k"))

	want := []types.EventKind{types.EventCreated, types.EventSealed, types.EventDeleted}
	for _, kind := range want {
		select {
		case event := <-b.Events():
			assert.Equal(t, "b", event.Bucket)
			assert.Equal(t, "k", event.Key)
			assert.Equal(t, kind, event.Kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}

	require.NoError(t, b.Unwatch(ctx, "b"))
	_, err = a.CreateObject(ctx, metadata.Object{Bucket: "b", Key: "after"}, false)
	require.NoError(t, err)

	select {
	case event := <-b.Events():
		t.Fatalf("unexpected event after unwatch: %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
