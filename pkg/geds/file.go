package geds

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/geds/internal/metadata"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
)

// fileState is shared by every File of one object in one client.
type fileState struct {
	client *Client
	id     string
	bucket string
	key    string

	// io is shared by reads and writes and exclusive for truncate and seal
	io sync.RWMutex

	mu          sync.RWMutex
	record      metadata.Object
	size        int64
	metadata    string
	hasMetadata bool
	stale       bool
	// an unsealed copy reached the object store
	uploaded bool
	// non-nil when reads bypass the cache
	direct types.ObjectStore

	// guarded by client.filesMu
	refs int
}

func newFileState(c *Client, rec metadata.Object) *fileState {
	return &fileState{
		client:      c,
		id:          rec.Identifier(),
		bucket:      rec.Bucket,
		key:         rec.Key,
		record:      rec,
		size:        rec.Size,
		metadata:    rec.Metadata,
		hasMetadata: rec.HasMetadata,
	}
}

// current reports whether st still represents rec.
func (st *fileState) current(rec metadata.Object) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return !st.stale && st.record.Generation == rec.Generation
}

func (st *fileState) invalidate() {
	st.mu.Lock()
	st.stale = true
	st.mu.Unlock()
}

func (st *fileState) staleError() error {
	return gedserrors.InvalidState("stale handle: %s was deleted, renamed or overwritten", st.id).
		WithComponent("file").
		WithKey(st.key)
}

// writable fails unless the object can still be modified. Callers hold
// st.mu.
func (st *fileState) writableLocked() error {
	if st.stale {
		return st.staleError()
	}
	if st.record.Sealed {
		return gedserrors.InvalidState("%s is sealed", st.id).WithComponent("file").WithKey(st.key)
	}
	return nil
}

// droppable reports whether the state can be rebuilt from the metadata
// service once no handle refers to it.
func (st *fileState) droppable() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.stale || st.direct != nil || (st.record.Sealed && st.record.Location == metadata.LocationStore)
}

// File is a handle on an object. It is safe for concurrent use; handles
// of the same object share their state.
type File struct {
	state  *fileState
	closed atomic.Bool
}

func (f *File) check() (*fileState, error) {
	if f.closed.Load() {
		return nil, gedserrors.InvalidState("file handle is closed").WithComponent("file").WithKey(f.state.key)
	}
	if f.state.client.state.Load() != stateStarted {
		return nil, notStarted()
	}
	return f.state, nil
}

// Identifier returns "bucket/key".
func (f *File) Identifier() string {
	return f.state.id
}

// Bucket returns the bucket of the object.
func (f *File) Bucket() string {
	return f.state.bucket
}

// Key returns the key of the object.
func (f *File) Key() string {
	return f.state.key
}

// Size returns the current size.
func (f *File) Size() int64 {
	f.state.mu.RLock()
	defer f.state.mu.RUnlock()
	return f.state.size
}

// IsWriteable reports whether the object is neither sealed nor stale.
func (f *File) IsWriteable() bool {
	f.state.mu.RLock()
	defer f.state.mu.RUnlock()
	return f.state.writableLocked() == nil
}

// Metadata returns the user metadata. It is empty when none was set.
func (f *File) Metadata() string {
	f.state.mu.RLock()
	defer f.state.mu.RUnlock()
	return f.state.metadata
}

// HasMetadata reports whether metadata was set.
func (f *File) HasMetadata() bool {
	f.state.mu.RLock()
	defer f.state.mu.RUnlock()
	return f.state.hasMetadata
}

// Write stores p at position, growing the file if needed. When the cache
// is full the client flushes to the object store and retries once.
func (f *File) Write(ctx context.Context, p []byte, position int64) (err error) {
	st, err := f.check()
	if err != nil {
		return err
	}
	if position < 0 {
		return gedserrors.OutOfRange("negative position %d", position).WithKey(st.key)
	}
	if int64(len(p)) > math.MaxInt64-position {
		return gedserrors.OutOfRange("write of %d bytes at %d overflows", len(p), position).WithKey(st.key)
	}

	c := st.client
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("write", start, int64(len(p)), err) }()

	st.io.RLock()
	defer st.io.RUnlock()

	st.mu.RLock()
	err = st.writableLocked()
	st.mu.RUnlock()
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	if err := c.writeCache(ctx, st, p, position); err != nil {
		return err
	}

	st.mu.Lock()
	st.size = max(st.size, position+int64(len(p)))
	st.mu.Unlock()
	return nil
}

// Read fills p from position and returns the number of bytes read, which
// is short only at the end of the file. Ranges never written read as zero.
func (f *File) Read(ctx context.Context, p []byte, position int64) (n int, err error) {
	st, err := f.check()
	if err != nil {
		return 0, err
	}

	c := st.client
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("read", start, int64(n), err) }()

	st.io.RLock()
	defer st.io.RUnlock()

	st.mu.RLock()
	stale, size, direct := st.stale, st.size, st.direct
	st.mu.RUnlock()
	if stale {
		return 0, st.staleError()
	}
	if position < 0 || position > size {
		return 0, gedserrors.OutOfRange("position %d outside of %s (size %d)", position, st.id, size).
			WithComponent("file").
			WithKey(st.key)
	}

	count := min(int64(len(p)), size-position)
	if count == 0 {
		return 0, nil
	}
	dst := p[:count]

	if direct != nil {
		data, err := direct.GetRange(ctx, st.key, position, count)
		if err != nil {
			return 0, err
		}
		copied := copy(dst, data)
		clear(dst[copied:])
		return int(count), nil
	}

	if err := c.cache.ReadAt(ctx, st.id, dst, position); err != nil {
		return 0, err
	}
	return int(count), nil
}

// Truncate sets the size. Bytes past a smaller size are dropped; a larger
// size reads as zero.
func (f *File) Truncate(ctx context.Context, size int64) (err error) {
	st, err := f.check()
	if err != nil {
		return err
	}
	if size < 0 {
		return gedserrors.OutOfRange("negative size %d", size).WithKey(st.key)
	}
	c := st.client
	start := time.Now()
	defer func() { c.record("truncate", start, 0, err) }()

	st.io.Lock()
	defer st.io.Unlock()

	st.mu.RLock()
	current := st.size
	err = st.writableLocked()
	st.mu.RUnlock()
	if err != nil {
		return err
	}

	if size < current {
		if err := c.cache.Truncate(st.id, size); err != nil {
			return err
		}
	}

	st.mu.Lock()
	st.size = size
	st.mu.Unlock()
	return nil
}

// Seal makes size and metadata immutable and publishes the object. Sealing
// a sealed file does nothing.
func (f *File) Seal(ctx context.Context) (err error) {
	st, err := f.check()
	if err != nil {
		return err
	}

	st.io.Lock()
	defer st.io.Unlock()

	st.mu.RLock()
	stale, sealed := st.stale, st.record.Sealed
	st.mu.RUnlock()
	if stale {
		return st.staleError()
	}
	if sealed {
		return nil
	}
	return st.publish(ctx, true, nil)
}

// SetMetadata replaces the user metadata and seals the file if seal is set.
func (f *File) SetMetadata(ctx context.Context, metadata string, seal bool) error {
	st, err := f.check()
	if err != nil {
		return err
	}

	st.io.Lock()
	defer st.io.Unlock()

	st.mu.RLock()
	err = st.writableLocked()
	st.mu.RUnlock()
	if err != nil {
		return err
	}
	return st.publish(ctx, seal, &metadata)
}

// publish writes the file state to the metadata service. Callers hold
// st.io exclusively.
func (st *fileState) publish(ctx context.Context, seal bool, md *string) (err error) {
	c := st.client
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	operation := "set_metadata"
	if seal {
		operation = "seal"
	}
	start := time.Now()
	defer func() { c.record(operation, start, 0, err) }()

	st.mu.RLock()
	rec := st.record
	rec.Size = st.size
	rec.Metadata, rec.HasMetadata = st.metadata, st.hasMetadata
	st.mu.RUnlock()

	if md != nil {
		rec.Metadata, rec.HasMetadata = *md, true
	}
	rec.Sealed = seal
	rec.Location = metadata.LocationLocal
	rec.Node = c.node

	updated, err := c.meta.UpdateObject(ctx, rec)
	if err != nil {
		if gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState) || gedserrors.IsCode(err, gedserrors.ErrCodeNotFound) {
			st.invalidate()
			return gedserrors.InvalidState("stale handle: %s was replaced", st.id).
				WithComponent("file").
				WithKey(st.key).
				WithCause(err)
		}
		return err
	}

	st.mu.Lock()
	st.record = updated
	st.metadata, st.hasMetadata = updated.Metadata, updated.HasMetadata
	uploaded := st.uploaded
	st.mu.Unlock()

	if updated.Sealed {
		c.logger.Debug("object sealed", "identifier", st.id, "size", updated.Size)
		if uploaded {
			// the store holds an unsealed copy; replace it with the final one
			if _, err := c.relocator.Flush(ctx, st.id); err != nil {
				c.logger.Warn("flush after seal failed", "identifier", st.id, "error", err)
			}
		}
	}
	return nil
}

// Close releases the handle. Other handles of the object stay valid.
func (f *File) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.state.client.release(f.state)
	return nil
}

// writeCache writes p to the cache. A full cache is relieved by a
// relocation run and the write is retried once. A failed write leaves the
// cache unchanged.
func (c *Client) writeCache(ctx context.Context, st *fileState, p []byte, off int64) error {
	err := c.cache.WriteAt(ctx, st.id, p, off)
	if !gedserrors.IsCode(err, gedserrors.ErrCodeResourceExhausted) {
		return err
	}

	c.logger.Debug("cache full, relocating", "identifier", st.id, "bytes", len(p))
	if rerr := c.relocator.Relocate(ctx, false); rerr != nil {
		c.logger.Warn("relocation for write failed", "identifier", st.id, "error", rerr)
	}
	return c.cache.WriteAt(ctx, st.id, p, off)
}
