// Package memory is an in-process metadata service. A Server holds the
// shared state; every client connects its own Session, so several clients in
// one process observe each other the way they would through a real service.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/objectfs/geds/internal/metadata"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

const eventBuffer = 256

// Server holds buckets, records and object store configs.
type Server struct {
	mu         sync.RWMutex
	buckets    map[string]map[string]metadata.Object
	stores     map[string]types.ObjectStoreConfig
	generation uint64
	sessions   map[*Session]struct{}
	logger     *slog.Logger
}

// NewServer creates an empty server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		buckets:  make(map[string]map[string]metadata.Object),
		stores:   make(map[string]types.ObjectStoreConfig),
		sessions: make(map[*Session]struct{}),
		logger:   logger.With("component", "metadata-memory"),
	}
}

// Connect opens a session for node.
func (s *Server) Connect(node string) *Session {
	session := &Session{
		server:  s,
		node:    node,
		watched: make(map[string]bool),
		events:  make(chan types.Event, eventBuffer),
	}

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
	return session
}

// publish must be called with s.mu held.
func (s *Server) publish(event types.Event) {
	for session := range s.sessions {
		session.deliver(event, s.logger)
	}
}

func (s *Server) nextGeneration() uint64 {
	s.generation++
	return s.generation
}

// Session is one client's view of a Server.
type Session struct {
	server *Server
	node   string

	mu      sync.Mutex
	watched map[string]bool
	events  chan types.Event
	closed  bool
}

var _ metadata.Client = (*Session)(nil)

func (c *Session) deliver(event types.Event, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || !c.watched[event.Bucket] {
		return
	}
	select {
	case c.events <- event:
	default:
		logger.Warn("event dropped, subscriber is slow", "node", c.node, "bucket", event.Bucket, "key", event.Key)
	}
}

func (c *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return gedserrors.Unavailable("metadata request interrupted").WithComponent("metadata").WithCause(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return gedserrors.Unavailable("metadata session closed").WithComponent("metadata")
	}
	return nil
}

func bucketNotFound(bucket string) error {
	return gedserrors.NotFound("bucket %s does not exist", bucket).WithComponent("metadata").WithKey(bucket)
}

func objectNotFound(bucket, key string) error {
	return gedserrors.NotFound("object %s/%s does not exist", bucket, key).WithComponent("metadata").WithKey(key)
}

// CreateBucket creates bucket.
func (c *Session) CreateBucket(ctx context.Context, bucket string) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; ok {
		return gedserrors.AlreadyExists("bucket %s already exists", bucket).WithComponent("metadata").WithKey(bucket)
	}
	s.buckets[bucket] = make(map[string]metadata.Object)
	return nil
}

// LookupBucket fails with NOT_FOUND if bucket does not exist.
func (c *Session) LookupBucket(ctx context.Context, bucket string) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.buckets[bucket]; !ok {
		return bucketNotFound(bucket)
	}
	return nil
}

// ListBuckets returns all bucket names, sorted.
func (c *Session) ListBuckets(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateObject stores obj under a fresh generation.
func (c *Session) CreateObject(ctx context.Context, obj metadata.Object, overwrite bool) (metadata.Object, error) {
	if err := c.check(ctx); err != nil {
		return metadata.Object{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[obj.Bucket]
	if !ok {
		return metadata.Object{}, bucketNotFound(obj.Bucket)
	}
	if _, exists := objects[obj.Key]; exists && !overwrite {
		return metadata.Object{}, gedserrors.AlreadyExists("object %s/%s already exists", obj.Bucket, obj.Key).
			WithComponent("metadata").
			WithKey(obj.Key)
	}

	obj.Generation = s.nextGeneration()
	obj.ModifiedAt = time.Now().UTC()
	objects[obj.Key] = obj

	kind := types.EventCreated
	if obj.Sealed {
		kind = types.EventSealed
	}
	s.publish(types.Event{Bucket: obj.Bucket, Key: obj.Key, Kind: kind, Size: obj.Size, Node: c.node})
	return obj, nil
}

// UpdateObject replaces the record if its generation matches.
func (c *Session) UpdateObject(ctx context.Context, obj metadata.Object) (metadata.Object, error) {
	if err := c.check(ctx); err != nil {
		return metadata.Object{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[obj.Bucket]
	if !ok {
		return metadata.Object{}, bucketNotFound(obj.Bucket)
	}
	prev, ok := objects[obj.Key]
	if !ok {
		return metadata.Object{}, objectNotFound(obj.Bucket, obj.Key)
	}
	if err := metadata.CheckUpdate(prev, obj); err != nil {
		return metadata.Object{}, err
	}

	obj.ModifiedAt = time.Now().UTC()
	objects[obj.Key] = obj

	if obj.Sealed && !prev.Sealed {
		s.publish(types.Event{Bucket: obj.Bucket, Key: obj.Key, Kind: types.EventSealed, Size: obj.Size, Node: c.node})
	}
	return obj, nil
}

// Lookup returns the record for key.
func (c *Session) Lookup(ctx context.Context, bucket, key string) (metadata.Object, error) {
	if err := c.check(ctx); err != nil {
		return metadata.Object{}, err
	}

	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return metadata.Object{}, bucketNotFound(bucket)
	}
	obj, ok := objects[key]
	if !ok {
		return metadata.Object{}, objectNotFound(bucket, key)
	}
	return obj, nil
}

// Delete removes the record for key.
func (c *Session) Delete(ctx context.Context, bucket, key string) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return bucketNotFound(bucket)
	}
	obj, ok := objects[key]
	if !ok {
		return objectNotFound(bucket, key)
	}
	delete(objects, key)

	s.publish(types.Event{Bucket: bucket, Key: key, Kind: types.EventDeleted, Size: obj.Size, Node: c.node})
	return nil
}

// List returns the records under prefix sorted by key.
func (c *Session) List(ctx context.Context, bucket, prefix string) ([]metadata.Object, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		return nil, bucketNotFound(bucket)
	}

	var out []metadata.Object
	for key, obj := range objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Rename moves a record atomically. The destination gets a new generation.
func (c *Session) Rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (metadata.Object, error) {
	if err := c.check(ctx); err != nil {
		return metadata.Object{}, err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.buckets[srcBucket]
	if !ok {
		return metadata.Object{}, bucketNotFound(srcBucket)
	}
	dst, ok := s.buckets[dstBucket]
	if !ok {
		return metadata.Object{}, bucketNotFound(dstBucket)
	}
	obj, ok := src[srcKey]
	if !ok {
		return metadata.Object{}, objectNotFound(srcBucket, srcKey)
	}

	delete(src, srcKey)
	obj.Bucket = dstBucket
	obj.Key = dstKey
	obj.Generation = s.nextGeneration()
	obj.ModifiedAt = time.Now().UTC()
	dst[dstKey] = obj

	s.publish(types.Event{Bucket: srcBucket, Key: srcKey, Kind: types.EventRenamed, Size: obj.Size, Node: c.node})
	s.publish(types.Event{Bucket: dstBucket, Key: dstKey, Kind: types.EventSealed, Size: obj.Size, Node: c.node})
	return obj, nil
}

// RegisterObjectStoreConfig adds or overwrites the config of cfg.Bucket.
func (c *Session) RegisterObjectStoreConfig(ctx context.Context, cfg types.ObjectStoreConfig) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stores[cfg.Bucket] = cfg
	return nil
}

// ListObjectStoreConfigs returns every registered config sorted by bucket.
func (c *Session) ListObjectStoreConfigs(ctx context.Context) ([]types.ObjectStoreConfig, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}

	s := c.server
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.ObjectStoreConfig, 0, len(s.stores))
	for _, cfg := range s.stores {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out, nil
}

// Watch delivers the events of bucket on Events.
func (c *Session) Watch(ctx context.Context, bucket string) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched[bucket] = true
	return nil
}

// Unwatch stops delivering the events of bucket.
func (c *Session) Unwatch(ctx context.Context, bucket string) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watched, bucket)
	return nil
}

// Events returns the channel events are delivered on. It is closed by Close.
func (c *Session) Events() <-chan types.Event {
	return c.events
}

// Close ends the session.
func (c *Session) Close() error {
	s := c.server
	s.mu.Lock()
	delete(s.sessions, c)
	s.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}
