package memstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gedserrors "github.com/objectfs/geds/pkg/errors"
)

func put(t *testing.T, s *Store, key, data string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, bytes.NewReader([]byte(data)), int64(len(data)), map[string]string{"k": "v"}))
}

func TestStore_RoundTrip(t *testing.T) {
	s := New("b")
	ctx := context.Background()
	put(t, s, "x", "hello world")

	data, err := s.GetRange(ctx, "x", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	data, err = s.GetRange(ctx, "x", 6, 100)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	info, err := s.Head(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "v", info.Metadata["k"])
	assert.Equal(t, 1, s.Puts())

	_, err = s.GetRange(ctx, "x", 11, 1)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeOutOfRange))
}

func TestStore_ListCopyDelete(t *testing.T) {
	s := New("b")
	ctx := context.Background()
	put(t, s, "a/2", "2")
	put(t, s, "a/1", "1")
	put(t, s, "b/1", "3")

	objects, err := s.List(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "a/1", objects[0].Key)

	require.NoError(t, s.Copy(ctx, "a/1", "c/1"))
	assert.Equal(t, []string{"a/1", "a/2", "b/1", "c/1"}, s.Keys())

	require.NoError(t, s.Delete(ctx, "a/1"))
	require.NoError(t, s.Delete(ctx, "a/1"))
	_, err = s.Head(ctx, "a/1")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))

	err = s.Copy(ctx, "missing", "d")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeNotFound))
}

func TestStore_FailuresAndBucket(t *testing.T) {
	s := New("b")
	ctx := context.Background()

	require.NoError(t, s.CreateBucket(ctx))
	assert.True(t, gedserrors.IsCode(s.CreateBucket(ctx), gedserrors.ErrCodeAlreadyExists))

	s.FailOn("put", gedserrors.Unavailable("store down"))
	err := s.Put(ctx, "x", bytes.NewReader(nil), 0, nil)
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable))

	s.FailOn("put", nil)
	assert.NoError(t, s.Put(ctx, "x", bytes.NewReader(nil), 0, nil))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Head(canceled, "x")
	assert.True(t, gedserrors.IsCode(err, gedserrors.ErrCodeUnavailable))
}
