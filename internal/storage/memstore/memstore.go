// Package memstore is an in-process types.ObjectStore. It backs tests and
// clients that run without a reachable object store.
package memstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

type object struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// Store holds the objects of one bucket in memory.
type Store struct {
	mu      sync.RWMutex
	bucket  string
	created bool
	objects map[string]*object

	failures map[string]error
	puts     int
}

var _ types.ObjectStore = (*Store)(nil)

// New returns an empty store for bucket.
func New(bucket string) *Store {
	return &Store{
		bucket:   bucket,
		objects:  make(map[string]*object),
		failures: make(map[string]error),
	}
}

// FailOn makes every call of operation ("get", "put", "head", "list", "copy",
// "delete", "create") return err until cleared with a nil err.
func (s *Store) FailOn(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, operation)
		return
	}
	s.failures[operation] = err
}

// Puts returns the number of successful uploads.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Keys returns all stored keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) check(ctx context.Context, operation string) error {
	if err := ctx.Err(); err != nil {
		return gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, operation)
	}
	if err, ok := s.failures[operation]; ok {
		return err
	}
	return nil
}

func (s *Store) GetRange(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "get"); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, gedserrors.NotFound("object %s/%s not found in store", s.bucket, key).WithKey(key)
	}

	length := int64(len(obj.data))
	if offset < 0 || (offset >= length && length > 0) || (length == 0 && offset > 0) {
		return nil, gedserrors.OutOfRange("offset %d beyond object size %d", offset, length)
	}
	end := length
	if size > 0 && offset+size < end {
		end = offset + size
	}

	out := make([]byte, end-offset)
	copy(out, obj.data[offset:end])
	return out, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.ReaderAt, size int64, metadata map[string]string) error {
	data := make([]byte, size)
	if size > 0 {
		if _, err := body.ReadAt(data, 0); err != nil && err != io.EOF {
			return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "read upload body")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "put"); err != nil {
		return err
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	s.objects[key] = &object{data: data, metadata: md, modified: time.Now()}
	s.puts++
	return nil
}

func (s *Store) Head(ctx context.Context, key string) (*types.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "head"); err != nil {
		return nil, err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, gedserrors.NotFound("object %s/%s not found in store", s.bucket, key).WithKey(key)
	}
	return s.info(key, obj), nil
}

func (s *Store) info(key string, obj *object) *types.ObjectInfo {
	sum := md5.Sum(obj.data)
	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return &types.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.modified,
		ETag:         hex.EncodeToString(sum[:]),
		Metadata:     md,
	}
}

func (s *Store) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx, "list"); err != nil {
		return nil, err
	}

	var out []types.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *s.info(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "copy"); err != nil {
		return err
	}
	obj, ok := s.objects[srcKey]
	if !ok {
		return gedserrors.NotFound("object %s/%s not found in store", s.bucket, srcKey).WithKey(srcKey)
	}

	dup := &object{
		data:     append([]byte(nil), obj.data...),
		metadata: make(map[string]string, len(obj.metadata)),
		modified: time.Now(),
	}
	for k, v := range obj.metadata {
		dup.metadata[k] = v
	}
	s.objects[dstKey] = dup
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "delete"); err != nil {
		return err
	}
	delete(s.objects, key)
	return nil
}

func (s *Store) CreateBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx, "create"); err != nil {
		return err
	}
	if s.created {
		return gedserrors.AlreadyExists("bucket %s already exists in store", s.bucket)
	}
	s.created = true
	return nil
}
