package geds

import (
	"context"
	"time"

	"github.com/objectfs/geds/internal/metadata"
	"github.com/objectfs/geds/internal/relocation"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// RegisterObjectStoreConfig binds a bucket to an S3-compatible endpoint for
// every client of the metadata service. The bucket is created in the
// metadata service if needed.
func (c *Client) RegisterObjectStoreConfig(ctx context.Context, cfg types.ObjectStoreConfig) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("register_store", start, 0, err) }()

	if err := utils.ValidateBucket(cfg.Bucket); err != nil {
		return err
	}
	if err := c.meta.RegisterObjectStoreConfig(ctx, cfg); err != nil {
		return err
	}
	if err := c.stores.Register(cfg); err != nil {
		return err
	}
	if err := c.meta.CreateBucket(ctx, cfg.Bucket); err != nil && !gedserrors.IsCode(err, gedserrors.ErrCodeAlreadyExists) {
		return err
	}
	return nil
}

// SyncObjectStoreConfigs replaces the local store bindings with the ones
// held by the metadata service.
func (c *Client) SyncObjectStoreConfigs(ctx context.Context) (err error) {
	ctx, cancel, err := c.request(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	start := time.Now()
	defer func() { c.record("sync_stores", start, 0, err) }()

	return c.syncObjectStoreConfigs(ctx)
}

func (c *Client) syncObjectStoreConfigs(ctx context.Context) error {
	cfgs, err := c.meta.ListObjectStoreConfigs(ctx)
	if err != nil {
		return err
	}
	c.stores.Sync(cfgs)
	c.logger.Debug("object store configs synced", "count", len(cfgs))
	return nil
}

// ObjectStoreConfigs returns the store bindings known to this client.
func (c *Client) ObjectStoreConfigs() ([]types.ObjectStoreConfig, error) {
	if c.state.Load() != stateStarted {
		return nil, notStarted()
	}
	return c.stores.Configs(), nil
}

// Relocate flushes cached objects to their object stores. Without force it
// only acts above the cache high watermark.
func (c *Client) Relocate(ctx context.Context, force bool) (err error) {
	if c.state.Load() != stateStarted {
		return notStarted()
	}
	start := time.Now()
	defer func() { c.record("relocate", start, 0, err) }()

	return c.relocator.Relocate(ctx, force)
}

// RelocationStats returns the relocation counters.
func (c *Client) RelocationStats() (relocation.Stats, error) {
	if c.state.Load() != stateStarted {
		return relocation.Stats{}, notStarted()
	}
	return c.relocator.Stats(), nil
}

// CacheStats returns the sparse cache statistics.
func (c *Client) CacheStats() (types.CacheStats, error) {
	if c.state.Load() != stateStarted {
		return types.CacheStats{}, notStarted()
	}
	stats := c.cache.Stats()
	c.metrics.UpdateCacheSize("memory", stats.MemoryUsed)
	c.metrics.UpdateCacheSize("storage", stats.StorageUsed)
	return stats, nil
}

// Subscribe registers interest in the changes of a bucket, an object or a
// prefix. SubscriptionNone removes the registration of (bucket, key).
func (c *Client) Subscribe(ctx context.Context, bucket, key string, t types.SubscriptionType) error {
	subs, err := c.subscriptions()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return subs.Subscribe(ctx, bucket, key, t)
}

// Unsubscribe removes the registration of (bucket, key).
func (c *Client) Unsubscribe(ctx context.Context, bucket, key string) error {
	subs, err := c.subscriptions()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return subs.Unsubscribe(ctx, bucket, key)
}

func (c *Client) subscriptions() (subscriber, error) {
	if c.state.Load() != stateStarted {
		return nil, notStarted()
	}
	if c.subs == nil {
		return nil, gedserrors.InvalidState("pub/sub is disabled").WithComponent("geds")
	}
	return c.subs, nil
}

type subscriber interface {
	Subscribe(ctx context.Context, bucket, key string, t types.SubscriptionType) error
	Unsubscribe(ctx context.Context, bucket, key string) error
}

// onEvent drops local state that another node replaced, then hands the
// event to the application.
func (c *Client) onEvent(ev types.Event) {
	if ev.Node != c.node {
		switch ev.Kind {
		case types.EventCreated, types.EventDeleted, types.EventRenamed:
			c.forget(utils.Identifier(ev.Bucket, ev.Key))
		}
	}
	if c.opts.handler != nil {
		c.opts.handler(ev)
	}
}

// relocationObjects lets the relocation manager see file state.
type relocationObjects struct {
	c *Client
}

func (r relocationObjects) Describe(id string) (relocation.Object, bool) {
	r.c.filesMu.Lock()
	st := r.c.files[id]
	r.c.filesMu.Unlock()
	if st == nil {
		return relocation.Object{}, false
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.stale || st.direct != nil {
		return relocation.Object{}, false
	}
	return relocation.Object{
		Bucket:      st.bucket,
		Key:         st.key,
		Size:        st.size,
		Sealed:      st.record.Sealed,
		Metadata:    st.metadata,
		HasMetadata: st.hasMetadata,
	}, true
}

// Relocated records that a sealed object now lives in its store. For an
// unsealed object it only remembers that the store holds a partial copy.
func (r relocationObjects) Relocated(ctx context.Context, obj relocation.Object) error {
	c := r.c
	id := utils.Identifier(obj.Bucket, obj.Key)
	c.filesMu.Lock()
	st := c.files[id]
	c.filesMu.Unlock()
	if st == nil {
		return nil
	}

	st.mu.Lock()
	if st.stale {
		st.mu.Unlock()
		return nil
	}
	if !obj.Sealed {
		st.uploaded = true
		st.mu.Unlock()
		return nil
	}
	rec := st.record
	st.mu.Unlock()

	rec.Location = metadata.LocationStore
	updated, err := c.meta.UpdateObject(ctx, rec)
	if err != nil {
		if gedserrors.IsCode(err, gedserrors.ErrCodeInvalidState) || gedserrors.IsCode(err, gedserrors.ErrCodeNotFound) {
			st.invalidate()
			return nil
		}
		return err
	}

	st.mu.Lock()
	if st.record.Generation == updated.Generation {
		st.record = updated
		st.uploaded = false
	}
	st.mu.Unlock()
	return nil
}
