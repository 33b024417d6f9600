package geds

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/objectfs/geds/internal/cache"
	"github.com/objectfs/geds/internal/metadata"
	"github.com/objectfs/geds/internal/relocation"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

func validateObject(bucket, key string) error {
	if err := utils.ValidateBucket(bucket); err != nil {
		return err
	}
	return utils.ValidateKey(key)
}

// CreateBucket creates bucket in the metadata service and, when an object
// store is registered for it, in the store.
func (c *Client) CreateBucket(ctx context.Context, bucket string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("create_bucket", start, 0, err) }()

	if err := utils.ValidateBucket(bucket); err != nil {
		return err
	}
	if err := c.meta.CreateBucket(ctx, bucket); err != nil {
		return err
	}
	if !c.stores.Has(bucket) {
		return nil
	}
	store, err := c.stores.Store(ctx, bucket)
	if err != nil {
		return err
	}
	if err := store.CreateBucket(ctx); err != nil && !gedserrors.IsCode(err, gedserrors.ErrCodeAlreadyExists) {
		return err
	}
	return nil
}

// Mkdirs creates the marker of path and of each of its parents. Existing
// markers are kept.
func (c *Client) Mkdirs(ctx context.Context, bucket, path string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("mkdirs", start, 0, err) }()

	if err := utils.ValidateBucket(bucket); err != nil {
		return err
	}
	folders := utils.ParentFolders(path)
	if len(folders) == 0 {
		return gedserrors.InvalidArgument("mkdirs needs a folder path")
	}

	for _, folder := range folders {
		marker := metadata.Object{
			Bucket:   bucket,
			Key:      utils.MarkerKey(folder),
			Sealed:   true,
			Location: metadata.LocationLocal,
			Node:     c.node,
		}
		_, err := c.meta.CreateObject(ctx, marker, false)
		if err != nil && !gedserrors.IsCode(err, gedserrors.ErrCodeAlreadyExists) {
			return err
		}
	}
	return nil
}

// Create creates a writable file. An existing object fails with
// ALREADY_EXISTS unless overwrite is set, in which case its handles in this
// client become stale.
func (c *Client) Create(ctx context.Context, bucket, key string, overwrite bool) (f *File, err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("create", start, 0, err) }()

	return c.create(ctx, bucket, key, overwrite)
}

func (c *Client) create(ctx context.Context, bucket, key string, overwrite bool) (*File, error) {
	if err := validateObject(bucket, key); err != nil {
		return nil, err
	}

	rec, err := c.meta.CreateObject(ctx, metadata.Object{
		Bucket:   bucket,
		Key:      key,
		Location: metadata.LocationLocal,
		Node:     c.node,
	}, overwrite)
	if err != nil {
		return nil, err
	}

	id := rec.Identifier()
	c.forget(id)

	st := newFileState(c, rec)
	c.filesMu.Lock()
	c.files[id] = st
	st.refs++
	c.filesMu.Unlock()

	c.logger.Debug("object created", "identifier", id, "overwrite", overwrite)
	return &File{state: st}, nil
}

// Open returns a handle on an existing object. Objects that only exist in
// the bucket's object store are registered with the metadata service on
// first open.
func (c *Client) Open(ctx context.Context, bucket, key string) (f *File, err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("open", start, 0, err) }()

	if err := validateObject(bucket, key); err != nil {
		return nil, err
	}
	rec, err := c.lookup(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return c.open(ctx, rec)
}

func (c *Client) open(ctx context.Context, rec metadata.Object) (*File, error) {
	id := rec.Identifier()
	if f := c.reuse(id, rec); f != nil {
		return f, nil
	}

	st, err := c.remoteState(ctx, rec)
	if err != nil {
		return nil, err
	}

	c.filesMu.Lock()
	if cur := c.files[id]; cur != nil && cur.current(rec) {
		// another open won the race
		cur.refs++
		c.filesMu.Unlock()
		return &File{state: cur}, nil
	}
	old := c.files[id]
	c.files[id] = st
	st.refs++
	c.filesMu.Unlock()

	if old != nil {
		old.invalidate()
	}
	// cached blocks may belong to an older generation
	if err := c.cache.Remove(id); err != nil {
		c.logger.Warn("drop cached blocks", "identifier", id, "error", err)
	}
	if st.direct == nil && rec.Size > 0 {
		store, err := c.stores.Store(ctx, rec.Bucket)
		if err == nil {
			err = c.cache.SetBacking(id, rec.Size, cache.StoreFill(store, rec.Key))
		}
		if err != nil {
			c.release(st)
			return nil, err
		}
	}
	return &File{state: st}, nil
}

// reuse returns a new handle on the state of id if it still matches rec.
func (c *Client) reuse(id string, rec metadata.Object) *File {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()

	st := c.files[id]
	if st == nil || !st.current(rec) {
		return nil
	}
	st.refs++
	return &File{state: st}
}

// remoteState builds the state of an object this client holds no bytes
// of.
func (c *Client) remoteState(ctx context.Context, rec metadata.Object) (*fileState, error) {
	id := rec.Identifier()
	switch {
	case !rec.Sealed:
		return nil, gedserrors.Unavailable("%s is being written on node %s", id, rec.Node).
			WithComponent("geds").
			WithKey(rec.Key)
	case rec.Size == 0:
		// markers and empty objects carry no bytes
		return newFileState(c, rec), nil
	case rec.Location == metadata.LocationLocal:
		return nil, gedserrors.Unavailable("%s is only cached on node %s", id, rec.Node).
			WithComponent("geds").
			WithKey(rec.Key)
	}

	if !c.stores.Has(rec.Bucket) {
		return nil, gedserrors.Unavailable("no object store registered for bucket %s", rec.Bucket).
			WithComponent("geds").
			WithKey(rec.Key)
	}
	st := newFileState(c, rec)
	if !c.config.CacheObjectsFromS3 {
		store, err := c.stores.Store(ctx, rec.Bucket)
		if err != nil {
			return nil, err
		}
		st.direct = store
	}
	return st, nil
}

// lookup returns the record of key. A key missing from the metadata
// service but present in the bucket's store is registered as a sealed,
// store-resident object.
func (c *Client) lookup(ctx context.Context, bucket, key string) (metadata.Object, error) {
	rec, err := c.meta.Lookup(ctx, bucket, key)
	if !gedserrors.IsCode(err, gedserrors.ErrCodeNotFound) {
		return rec, err
	}
	info, herr := c.storeHead(ctx, bucket, key)
	if herr != nil {
		if gedserrors.IsCode(herr, gedserrors.ErrCodeNotFound) {
			return metadata.Object{}, err
		}
		return metadata.Object{}, herr
	}

	adopted := metadata.Object{
		Bucket:   bucket,
		Key:      key,
		Size:     info.Size,
		Sealed:   true,
		Location: metadata.LocationStore,
		Node:     c.node,
	}
	if md, ok := info.Metadata[relocation.MetadataKey]; ok {
		adopted.Metadata, adopted.HasMetadata = md, true
	}
	rec, err = c.meta.CreateObject(ctx, adopted, false)
	if gedserrors.IsCode(err, gedserrors.ErrCodeAlreadyExists) {
		return c.meta.Lookup(ctx, bucket, key)
	}
	return rec, err
}

// storeHead stats key in the bucket's store. It fails with NOT_FOUND when
// the bucket has no store.
func (c *Client) storeHead(ctx context.Context, bucket, key string) (*types.ObjectInfo, error) {
	if !c.stores.Has(bucket) {
		return nil, gedserrors.NotFound("no object store registered for bucket %s", bucket)
	}
	store, err := c.stores.Store(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return store.Head(ctx, key)
}

// Status describes a sealed object or a folder.
func (c *Client) Status(ctx context.Context, bucket, key string) (status types.FileStatus, err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return types.FileStatus{}, err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("status", start, 0, err) }()

	if err := utils.ValidateBucket(bucket); err != nil {
		return types.FileStatus{}, err
	}
	if key == "" {
		if err := c.meta.LookupBucket(ctx, bucket); err != nil {
			return types.FileStatus{}, err
		}
	}

	if key != "" && !strings.HasSuffix(key, utils.Delimiter) {
		rec, err := c.meta.Lookup(ctx, bucket, key)
		switch {
		case err == nil && rec.Sealed:
			return types.FileStatus{Key: key, Size: rec.Size}, nil
		case err != nil && !gedserrors.IsCode(err, gedserrors.ErrCodeNotFound):
			return types.FileStatus{}, err
		case err != nil:
			info, herr := c.storeHead(ctx, bucket, key)
			if herr == nil {
				return types.FileStatus{Key: key, Size: info.Size}, nil
			}
			if !gedserrors.IsCode(herr, gedserrors.ErrCodeNotFound) {
				return types.FileStatus{}, herr
			}
		}
	}

	folder, err := c.prefixes.IsFolder(ctx, bucket, key)
	if err != nil {
		return types.FileStatus{}, err
	}
	if folder {
		return types.FileStatus{Key: strings.TrimSuffix(key, utils.Delimiter), IsDirectory: true}, nil
	}
	return types.FileStatus{}, gedserrors.NotFound("%s does not exist", utils.Identifier(bucket, key)).
		WithComponent("geds").
		WithKey(key)
}

// DeleteObject removes key from the metadata service, the local cache and
// the bucket's object store. Open handles become stale.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("delete", start, 0, err) }()

	return c.deleteObject(ctx, bucket, key)
}

func (c *Client) deleteObject(ctx context.Context, bucket, key string) error {
	if err := validateObject(bucket, key); err != nil {
		return err
	}

	err := c.meta.Delete(ctx, bucket, key)
	found := err == nil
	if err != nil && !gedserrors.IsCode(err, gedserrors.ErrCodeNotFound) {
		return err
	}

	if !c.stores.Has(bucket) {
		c.forget(utils.Identifier(bucket, key))
		return err
	}
	store, serr := c.stores.Store(ctx, bucket)
	if serr != nil {
		return serr
	}
	if !found {
		if _, herr := store.Head(ctx, key); herr != nil {
			if gedserrors.IsCode(herr, gedserrors.ErrCodeNotFound) {
				return err
			}
			return herr
		}
	}
	return c.dropFromStore(ctx, store, bucket, key)
}

// dropFromStore forgets the local state of key and deletes it from store
// while no upload can race with the delete.
func (c *Client) dropFromStore(ctx context.Context, store types.ObjectStore, bucket, key string) error {
	var err error
	c.relocator.Exclusive(func() {
		c.forget(utils.Identifier(bucket, key))
		err = store.Delete(ctx, key)
	})
	return err
}

// forget invalidates the local state of id and drops its cached bytes.
func (c *Client) forget(id string) {
	c.filesMu.Lock()
	st := c.files[id]
	delete(c.files, id)
	c.filesMu.Unlock()

	if st != nil {
		st.invalidate()
	}
	if err := c.cache.Remove(id); err != nil {
		c.logger.Warn("drop cached blocks", "identifier", id, "error", err)
	}
}

// release drops one reference of st. States that can be rebuilt from the
// metadata service are forgotten with their last handle.
func (c *Client) release(st *fileState) {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()

	st.refs--
	if st.refs <= 0 && c.files[st.id] == st && st.droppable() {
		delete(c.files, st.id)
	}
}

// transfer is how the bytes of a sealed object reach a new key.
type transfer int

const (
	// copy inside the object stores
	transferStore transfer = iota
	// re-key the cached bytes
	transferMove
	// stream through a new local object
	transferStream
)

func (c *Client) planTransfer(rec metadata.Object, dstBucket string) transfer {
	switch {
	case rec.Location == metadata.LocationStore && rec.Size > 0 && c.stores.Has(rec.Bucket) && c.stores.Has(dstBucket):
		return transferStore
	case rec.Location == metadata.LocationLocal && rec.Node == c.node && !c.stores.Has(rec.Bucket):
		return transferMove
	default:
		return transferStream
	}
}

// Rename moves a sealed object, replacing the destination.
func (c *Client) Rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("rename", start, 0, err) }()

	return c.rename(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

func (c *Client) rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	rec, err := c.sealedSource(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil || (srcBucket == dstBucket && srcKey == dstKey) {
		return err
	}
	srcID := rec.Identifier()
	dstID := utils.Identifier(dstBucket, dstKey)

	switch c.planTransfer(rec, dstBucket) {
	case transferStore:
		if err := c.storeCopy(ctx, rec, dstBucket, dstKey); err != nil {
			return err
		}
		if _, err := c.meta.Rename(ctx, srcBucket, srcKey, dstBucket, dstKey); err != nil {
			return err
		}
		c.forget(dstID)
		store, err := c.stores.Store(ctx, srcBucket)
		if err != nil {
			return err
		}
		return c.dropFromStore(ctx, store, srcBucket, srcKey)

	case transferMove:
		renamed, err := c.meta.Rename(ctx, srcBucket, srcKey, dstBucket, dstKey)
		if err != nil {
			return err
		}
		c.moveLocal(srcID, dstID, renamed)
		return nil

	default:
		if _, err := c.stream(ctx, rec, dstBucket, dstKey); err != nil {
			return err
		}
		return c.deleteObject(ctx, srcBucket, srcKey)
	}
}

// moveLocal re-keys the cached bytes and the state of src.
func (c *Client) moveLocal(srcID, dstID string, renamed metadata.Object) {
	c.filesMu.Lock()
	src := c.files[srcID]
	delete(c.files, srcID)
	old := c.files[dstID]
	delete(c.files, dstID)
	c.filesMu.Unlock()

	for _, st := range []*fileState{src, old} {
		if st != nil {
			st.invalidate()
		}
	}
	if err := c.cache.Move(srcID, dstID); err != nil {
		c.logger.Warn("move cached blocks", "from", srcID, "to", dstID, "error", err)
	}

	if src != nil {
		st := newFileState(c, renamed)
		c.filesMu.Lock()
		c.files[dstID] = st
		c.filesMu.Unlock()
	}
}

// Copy duplicates a sealed object, replacing the destination.
func (c *Client) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("copy", start, 0, err) }()

	return c.copy(ctx, srcBucket, srcKey, dstBucket, dstKey)
}

func (c *Client) copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	rec, err := c.sealedSource(ctx, srcBucket, srcKey, dstBucket, dstKey)
	if err != nil || (srcBucket == dstBucket && srcKey == dstKey) {
		return err
	}

	if c.planTransfer(rec, dstBucket) != transferStore {
		_, err := c.stream(ctx, rec, dstBucket, dstKey)
		return err
	}

	if err := c.storeCopy(ctx, rec, dstBucket, dstKey); err != nil {
		return err
	}
	copied := metadata.Object{
		Bucket:      dstBucket,
		Key:         dstKey,
		Size:        rec.Size,
		Sealed:      true,
		Metadata:    rec.Metadata,
		HasMetadata: rec.HasMetadata,
		Location:    metadata.LocationStore,
		Node:        c.node,
	}
	if _, err := c.meta.CreateObject(ctx, copied, true); err != nil {
		return err
	}
	c.forget(utils.Identifier(dstBucket, dstKey))
	return nil
}

// sealedSource validates a rename or copy and returns the source record.
func (c *Client) sealedSource(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (metadata.Object, error) {
	if err := validateObject(srcBucket, srcKey); err != nil {
		return metadata.Object{}, err
	}
	if err := validateObject(dstBucket, dstKey); err != nil {
		return metadata.Object{}, err
	}
	rec, err := c.lookup(ctx, srcBucket, srcKey)
	if err != nil {
		return metadata.Object{}, err
	}
	if !rec.Sealed {
		return metadata.Object{}, gedserrors.InvalidState("%s is not sealed", rec.Identifier()).
			WithComponent("geds").
			WithKey(srcKey)
	}
	return rec, nil
}

// storeCopy copies the stored bytes of rec to dstKey in dstBucket's store.
func (c *Client) storeCopy(ctx context.Context, rec metadata.Object, dstBucket, dstKey string) error {
	src, err := c.stores.Store(ctx, rec.Bucket)
	if err != nil {
		return err
	}
	if rec.Bucket == dstBucket {
		return src.Copy(ctx, rec.Key, dstKey)
	}

	dst, err := c.stores.Store(ctx, dstBucket)
	if err != nil {
		return err
	}
	data, err := src.GetRange(ctx, rec.Key, 0, 0)
	if err != nil {
		return err
	}
	var md map[string]string
	if rec.HasMetadata {
		md = map[string]string{relocation.MetadataKey: rec.Metadata}
	}
	return dst.Put(ctx, dstKey, bytes.NewReader(data), int64(len(data)), md)
}

// stream copies rec into a new sealed object through the local cache.
func (c *Client) stream(ctx context.Context, rec metadata.Object, dstBucket, dstKey string) (metadata.Object, error) {
	src, err := c.open(ctx, rec)
	if err != nil {
		return metadata.Object{}, err
	}
	defer func() { _ = src.Close() }()

	dst, err := c.create(ctx, dstBucket, dstKey, true)
	if err != nil {
		return metadata.Object{}, err
	}
	defer func() { _ = dst.Close() }()

	buf := make([]byte, min(c.cache.BlockSize(), max(rec.Size, 1)))
	for off := int64(0); off < rec.Size; {
		n, err := src.Read(ctx, buf, off)
		if err == nil && n == 0 {
			err = gedserrors.OutOfRange("%s shrank while copying", rec.Identifier())
		}
		if err == nil {
			err = dst.Write(ctx, buf[:n], off)
		}
		if err != nil {
			if derr := c.deleteObject(ctx, dstBucket, dstKey); derr != nil {
				c.logger.Warn("drop partial copy", "identifier", dst.Identifier(), "error", derr)
			}
			return metadata.Object{}, err
		}
		off += int64(n)
	}

	if rec.HasMetadata {
		err = dst.SetMetadata(ctx, rec.Metadata, true)
	} else {
		err = dst.Seal(ctx)
	}
	if err != nil {
		return metadata.Object{}, err
	}

	dst.state.mu.RLock()
	defer dst.state.mu.RUnlock()
	return dst.state.record, nil
}

// LocalPath returns the local storage file of an object. The file exists
// only while blocks of the object sit in the storage tier.
func (c *Client) LocalPath(bucket, key string) (string, error) {
	if c.state.Load() != stateStarted {
		return "", notStarted()
	}
	if err := validateObject(bucket, key); err != nil {
		return "", err
	}
	return c.cache.LocalPath(utils.Identifier(bucket, key))
}
