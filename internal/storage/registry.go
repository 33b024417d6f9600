// Package storage maps buckets to their backing object stores. Each bucket
// may be bound to an S3-compatible endpoint; backends are built lazily on
// first use and guarded by a per-bucket circuit breaker.
package storage

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/objectfs/geds/internal/circuit"
	"github.com/objectfs/geds/internal/config"
	"github.com/objectfs/geds/internal/storage/s3"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// Factory builds the backend for one bucket.
type Factory func(ctx context.Context, cfg types.ObjectStoreConfig) (types.ObjectStore, error)

// S3Factory returns a Factory that builds aws-sdk backends from the shared
// storage settings and the per-bucket endpoint and credentials.
func S3Factory(settings config.StorageConfig, logger *slog.Logger) Factory {
	return func(ctx context.Context, cfg types.ObjectStoreConfig) (types.ObjectStore, error) {
		return s3.NewBackend(ctx, cfg.Bucket, &s3.Config{
			Endpoint:           cfg.EndpointURL,
			Region:             settings.Region,
			AccessKeyID:        cfg.AccessKey,
			SecretAccessKey:    cfg.SecretKey,
			ForcePathStyle:     settings.ForcePathStyle,
			UseTransporter:     settings.UseTransporter,
			MultipartThreshold: int64(settings.MultipartThreshold),
			MultipartChunkSize: int64(settings.MultipartChunkSize),
			Concurrency:        settings.UploadConcurrency,
		}, logger)
	}
}

// Registry holds the ObjectStoreConfig of every bucket known to the client.
type Registry struct {
	mu       sync.RWMutex
	configs  map[string]types.ObjectStoreConfig
	stores   map[string]types.ObjectStore
	factory  Factory
	breakers *circuit.Manager
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. breakers may be nil to disable
// circuit breaking.
func NewRegistry(factory Factory, breakers *circuit.Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		configs:  make(map[string]types.ObjectStoreConfig),
		stores:   make(map[string]types.ObjectStore),
		factory:  factory,
		breakers: breakers,
		logger:   logger.With("component", "storage-registry"),
	}
}

// Register adds or overwrites the config for cfg.Bucket.
func (r *Registry) Register(cfg types.ObjectStoreConfig) error {
	if err := utils.ValidateBucket(cfg.Bucket); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.setLocked(cfg)
	return nil
}

func (r *Registry) setLocked(cfg types.ObjectStoreConfig) {
	if prev, ok := r.configs[cfg.Bucket]; ok && prev == cfg {
		return
	}
	r.configs[cfg.Bucket] = cfg
	delete(r.stores, cfg.Bucket)
	if r.breakers != nil {
		r.breakers.RemoveBreaker(cfg.Bucket)
	}
	r.logger.Info("object store registered", "bucket", cfg.Bucket, "endpoint", cfg.EndpointURL)
}

// Sync replaces the registered set with cfgs. Backends whose config did not
// change are kept.
func (r *Registry) Sync(cfgs []types.ObjectStoreConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		if utils.ValidateBucket(cfg.Bucket) != nil {
			continue
		}
		seen[cfg.Bucket] = true
		r.setLocked(cfg)
	}
	for bucket := range r.configs {
		if !seen[bucket] {
			delete(r.configs, bucket)
			delete(r.stores, bucket)
		}
	}
}

// Config returns the config registered for bucket.
func (r *Registry) Config(bucket string) (types.ObjectStoreConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[bucket]
	return cfg, ok
}

// Has reports whether bucket has a backing store.
func (r *Registry) Has(bucket string) bool {
	_, ok := r.Config(bucket)
	return ok
}

// Configs returns all registered configs sorted by bucket.
func (r *Registry) Configs() []types.ObjectStoreConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ObjectStoreConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}

// Store returns the backend for bucket, building it on first use.
func (r *Registry) Store(ctx context.Context, bucket string) (types.ObjectStore, error) {
	r.mu.RLock()
	store, ok := r.stores[bucket]
	r.mu.RUnlock()
	if ok {
		return store, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if store, ok := r.stores[bucket]; ok {
		return store, nil
	}
	cfg, ok := r.configs[bucket]
	if !ok {
		return nil, gedserrors.NotFound("no object store registered for bucket %s", bucket).
			WithComponent("storage").
			WithKey(bucket)
	}

	backend, err := r.factory(ctx, cfg)
	if err != nil {
		return nil, gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, "create object store backend")
	}

	store = backend
	if r.breakers != nil {
		store = &guardedStore{store: backend, breaker: r.breakers.GetBreaker(bucket)}
	}
	r.stores[bucket] = store
	return store, nil
}

// guardedStore runs every call through the bucket's circuit breaker.
type guardedStore struct {
	store   types.ObjectStore
	breaker *circuit.CircuitBreaker
}

func (g *guardedStore) GetRange(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	var data []byte
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		data, err = g.store.GetRange(ctx, key, offset, size)
		return err
	})
	return data, err
}

func (g *guardedStore) Put(ctx context.Context, key string, body io.ReaderAt, size int64, metadata map[string]string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Put(ctx, key, body, size, metadata)
	})
}

func (g *guardedStore) Head(ctx context.Context, key string) (*types.ObjectInfo, error) {
	var info *types.ObjectInfo
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		info, err = g.store.Head(ctx, key)
		return err
	})
	return info, err
}

func (g *guardedStore) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	var objects []types.ObjectInfo
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		objects, err = g.store.List(ctx, prefix)
		return err
	})
	return objects, err
}

func (g *guardedStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Copy(ctx, srcKey, dstKey)
	})
}

func (g *guardedStore) Delete(ctx context.Context, key string) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Delete(ctx, key)
	})
}

func (g *guardedStore) CreateBucket(ctx context.Context) error {
	return g.breaker.Execute(ctx, g.store.CreateBucket)
}
