// Package redis implements the metadata service on top of a Redis server.
//
// Layout:
//
//	geds:buckets            SET of bucket names
//	geds:obj:<bucket>/<key> cbor encoded metadata.Object
//	geds:idx:<bucket>       ZSET of keys (score 0) for lexicographic prefix scans
//	geds:stores             HASH bucket -> cbor encoded ObjectStoreConfig
//	geds:gen                generation counter
//	geds:events:<bucket>    pub/sub channel of cbor encoded events
//
// Multi-key mutations run inside WATCH/MULTI/EXEC and are retried when a
// concurrent writer invalidates the watch.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/objectfs/geds/internal/metadata"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/retry"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

const (
	bucketsKey    = "geds:buckets"
	objectPrefix  = "geds:obj:"
	indexPrefix   = "geds:idx:"
	storesKey     = "geds:stores"
	generationKey = "geds:gen"
	channelPrefix = "geds:events:"

	maxTxRetries = 16
	eventBuffer  = 256
)

// Options configures the connection.
type Options struct {
	// Address is host:port or a redis:// URL
	Address     string
	Node        string
	DialTimeout time.Duration
	Logger      *slog.Logger

	// Retry governs the initial PING; zero values take the retry defaults.
	Retry retry.Config
}

// Client is a metadata session backed by Redis.
type Client struct {
	rdb    *goredis.Client
	node   string
	logger *slog.Logger

	mu       sync.Mutex
	watched  map[string]bool
	pubsub   *goredis.PubSub
	events   chan types.Event
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
	closeErr error
}

var _ metadata.Client = (*Client)(nil)

// Connect dials the server and verifies it answers.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}

	var redisOpts *goredis.Options
	if strings.Contains(opts.Address, "://") {
		parsed, err := goredis.ParseURL(opts.Address)
		if err != nil {
			return nil, gedserrors.InvalidArgument("invalid metadata service address %q", opts.Address).WithCause(err)
		}
		redisOpts = parsed
	} else {
		redisOpts = &goredis.Options{Addr: opts.Address}
	}
	redisOpts.DialTimeout = opts.DialTimeout

	rdb := goredis.NewClient(redisOpts)

	err := retry.New(opts.Retry).Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return gedserrors.Unavailable("failed to connect to metadata service at %s", opts.Address).
				WithComponent("metadata").
				WithCause(err)
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	return &Client{
		rdb:     rdb,
		node:    opts.Node,
		logger:  opts.Logger.With("component", "metadata-redis", "address", opts.Address),
		watched: make(map[string]bool),
		events:  make(chan types.Event, eventBuffer),
		done:    make(chan struct{}),
	}, nil
}

func objectKey(bucket, key string) string {
	return objectPrefix + utils.Identifier(bucket, key)
}

func indexKey(bucket string) string {
	return indexPrefix + bucket
}

func channel(bucket string) string {
	return channelPrefix + bucket
}

// translate maps client errors onto GEDS codes. Errors that already carry a
// code pass through.
func translate(err error, operation string) error {
	if err == nil {
		return nil
	}
	var gerr *gedserrors.GedsError
	if errors.As(err, &gerr) {
		return err
	}
	return gedserrors.Unavailable("metadata %s failed", operation).
		WithComponent("metadata").
		WithOperation(operation).
		WithCause(err)
}

// transact runs fn under WATCH on keys, retrying on conflicts.
func (c *Client) transact(ctx context.Context, operation string, fn func(tx *goredis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := c.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return translate(err, operation)
		}
		c.logger.Debug("transaction conflict, retrying", "operation", operation, "attempt", attempt+1)
	}
	return gedserrors.Unavailable("metadata %s kept conflicting", operation).
		WithComponent("metadata").
		WithOperation(operation)
}

func (c *Client) event(bucket, key string, kind types.EventKind, size int64) []byte {
	data, err := metadata.EncodeEvent(types.Event{Bucket: bucket, Key: key, Kind: kind, Size: size, Node: c.node})
	if err != nil {
		c.logger.Warn("failed to encode event", "bucket", bucket, "key", key, "error", err)
	}
	return data
}

func bucketNotFound(bucket string) error {
	return gedserrors.NotFound("bucket %s does not exist", bucket).WithComponent("metadata").WithKey(bucket)
}

func objectNotFound(bucket, key string) error {
	return gedserrors.NotFound("object %s/%s does not exist", bucket, key).WithComponent("metadata").WithKey(key)
}

func requireBucket(ctx context.Context, cmd goredis.Cmdable, bucket string) error {
	ok, err := cmd.SIsMember(ctx, bucketsKey, bucket).Result()
	if err != nil {
		return err
	}
	if !ok {
		return bucketNotFound(bucket)
	}
	return nil
}

// getObject returns the stored record, or found=false.
func getObject(ctx context.Context, cmd goredis.Cmdable, bucket, key string) (metadata.Object, bool, error) {
	data, err := cmd.Get(ctx, objectKey(bucket, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return metadata.Object{}, false, nil
	}
	if err != nil {
		return metadata.Object{}, false, err
	}
	obj, err := metadata.DecodeObject(data)
	if err != nil {
		return metadata.Object{}, false, gedserrors.Newf(gedserrors.ErrCodeInternal, "corrupt record for %s/%s", bucket, key).
			WithComponent("metadata").
			WithCause(err)
	}
	return obj, true, nil
}

// CreateBucket creates bucket.
func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	added, err := c.rdb.SAdd(ctx, bucketsKey, bucket).Result()
	if err != nil {
		return translate(err, "create_bucket")
	}
	if added == 0 {
		return gedserrors.AlreadyExists("bucket %s already exists", bucket).WithComponent("metadata").WithKey(bucket)
	}
	return nil
}

// LookupBucket fails with NOT_FOUND if bucket does not exist.
func (c *Client) LookupBucket(ctx context.Context, bucket string) error {
	return translate(requireBucket(ctx, c.rdb, bucket), "lookup_bucket")
}

// ListBuckets returns all bucket names, sorted.
func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, bucketsKey).Result()
	if err != nil {
		return nil, translate(err, "list_buckets")
	}
	sort.Strings(names)
	return names, nil
}

// CreateObject stores obj under a fresh generation.
func (c *Client) CreateObject(ctx context.Context, obj metadata.Object, overwrite bool) (metadata.Object, error) {
	key := objectKey(obj.Bucket, obj.Key)

	var created metadata.Object
	err := c.transact(ctx, "create_object", func(tx *goredis.Tx) error {
		if err := requireBucket(ctx, tx, obj.Bucket); err != nil {
			return err
		}
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 && !overwrite {
			return gedserrors.AlreadyExists("object %s/%s already exists", obj.Bucket, obj.Key).
				WithComponent("metadata").
				WithKey(obj.Key)
		}

		gen, err := tx.Incr(ctx, generationKey).Result()
		if err != nil {
			return err
		}
		created = obj
		created.Generation = uint64(gen)
		created.ModifiedAt = time.Now().UTC()
		data, err := metadata.EncodeObject(created)
		if err != nil {
			return err
		}

		kind := types.EventCreated
		if created.Sealed {
			kind = types.EventSealed
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, indexKey(obj.Bucket), goredis.Z{Member: obj.Key})
			pipe.Publish(ctx, channel(obj.Bucket), c.event(obj.Bucket, obj.Key, kind, created.Size))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return metadata.Object{}, err
	}
	return created, nil
}

// UpdateObject replaces the record if its generation matches.
func (c *Client) UpdateObject(ctx context.Context, obj metadata.Object) (metadata.Object, error) {
	key := objectKey(obj.Bucket, obj.Key)

	var updated metadata.Object
	err := c.transact(ctx, "update_object", func(tx *goredis.Tx) error {
		prev, found, err := getObject(ctx, tx, obj.Bucket, obj.Key)
		if err != nil {
			return err
		}
		if !found {
			if err := requireBucket(ctx, tx, obj.Bucket); err != nil {
				return err
			}
			return objectNotFound(obj.Bucket, obj.Key)
		}
		if err := metadata.CheckUpdate(prev, obj); err != nil {
			return err
		}

		updated = obj
		updated.ModifiedAt = time.Now().UTC()
		data, err := metadata.EncodeObject(updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if updated.Sealed && !prev.Sealed {
				pipe.Publish(ctx, channel(obj.Bucket), c.event(obj.Bucket, obj.Key, types.EventSealed, updated.Size))
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return metadata.Object{}, err
	}
	return updated, nil
}

// Lookup returns the record for key.
func (c *Client) Lookup(ctx context.Context, bucket, key string) (metadata.Object, error) {
	obj, found, err := getObject(ctx, c.rdb, bucket, key)
	if err != nil {
		return metadata.Object{}, translate(err, "lookup")
	}
	if !found {
		if err := requireBucket(ctx, c.rdb, bucket); err != nil {
			return metadata.Object{}, translate(err, "lookup")
		}
		return metadata.Object{}, objectNotFound(bucket, key)
	}
	return obj, nil
}

// Delete removes the record for key.
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	okey := objectKey(bucket, key)

	return c.transact(ctx, "delete", func(tx *goredis.Tx) error {
		prev, found, err := getObject(ctx, tx, bucket, key)
		if err != nil {
			return err
		}
		if !found {
			if err := requireBucket(ctx, tx, bucket); err != nil {
				return err
			}
			return objectNotFound(bucket, key)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, okey)
			pipe.ZRem(ctx, indexKey(bucket), key)
			pipe.Publish(ctx, channel(bucket), c.event(bucket, key, types.EventDeleted, prev.Size))
			return nil
		})
		return err
	}, okey)
}

// lexRange returns the ZRANGEBYLEX bounds covering every key with prefix.
func lexRange(prefix string) *goredis.ZRangeBy {
	if prefix == "" {
		return &goredis.ZRangeBy{Min: "-", Max: "+"}
	}
	return &goredis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}
}

// List returns the records under prefix sorted by key.
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]metadata.Object, error) {
	if err := requireBucket(ctx, c.rdb, bucket); err != nil {
		return nil, translate(err, "list")
	}

	keys, err := c.rdb.ZRangeByLex(ctx, indexKey(bucket), lexRange(prefix)).Result()
	if err != nil {
		return nil, translate(err, "list")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = objectKey(bucket, key)
	}
	values, err := c.rdb.MGet(ctx, names...).Result()
	if err != nil {
		return nil, translate(err, "list")
	}

	objects := make([]metadata.Object, 0, len(values))
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			// deleted between the index scan and the read
			continue
		}
		obj, err := metadata.DecodeObject([]byte(data))
		if err != nil {
			c.logger.Warn("skipping corrupt record", "bucket", bucket, "key", keys[i], "error", err)
			continue
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// Rename moves a record atomically. The destination gets a new generation.
func (c *Client) Rename(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (metadata.Object, error) {
	src := objectKey(srcBucket, srcKey)
	dst := objectKey(dstBucket, dstKey)

	var moved metadata.Object
	err := c.transact(ctx, "rename", func(tx *goredis.Tx) error {
		if err := requireBucket(ctx, tx, dstBucket); err != nil {
			return err
		}
		obj, found, err := getObject(ctx, tx, srcBucket, srcKey)
		if err != nil {
			return err
		}
		if !found {
			if err := requireBucket(ctx, tx, srcBucket); err != nil {
				return err
			}
			return objectNotFound(srcBucket, srcKey)
		}

		gen, err := tx.Incr(ctx, generationKey).Result()
		if err != nil {
			return err
		}
		moved = obj
		moved.Bucket = dstBucket
		moved.Key = dstKey
		moved.Generation = uint64(gen)
		moved.ModifiedAt = time.Now().UTC()
		data, err := metadata.EncodeObject(moved)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, src)
			pipe.ZRem(ctx, indexKey(srcBucket), srcKey)
			pipe.Set(ctx, dst, data, 0)
			pipe.ZAdd(ctx, indexKey(dstBucket), goredis.Z{Member: dstKey})
			pipe.Publish(ctx, channel(srcBucket), c.event(srcBucket, srcKey, types.EventRenamed, obj.Size))
			pipe.Publish(ctx, channel(dstBucket), c.event(dstBucket, dstKey, types.EventSealed, obj.Size))
			return nil
		})
		return err
	}, src, dst)
	if err != nil {
		return metadata.Object{}, err
	}
	return moved, nil
}

// RegisterObjectStoreConfig adds or overwrites the config of cfg.Bucket.
func (c *Client) RegisterObjectStoreConfig(ctx context.Context, cfg types.ObjectStoreConfig) error {
	data, err := metadata.EncodeStoreConfig(cfg)
	if err != nil {
		return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "encode object store config")
	}
	return translate(c.rdb.HSet(ctx, storesKey, cfg.Bucket, data).Err(), "register_object_store_config")
}

// ListObjectStoreConfigs returns every registered config sorted by bucket.
func (c *Client) ListObjectStoreConfigs(ctx context.Context) ([]types.ObjectStoreConfig, error) {
	entries, err := c.rdb.HGetAll(ctx, storesKey).Result()
	if err != nil {
		return nil, translate(err, "list_object_store_configs")
	}

	cfgs := make([]types.ObjectStoreConfig, 0, len(entries))
	for bucket, data := range entries {
		cfg, err := metadata.DecodeStoreConfig([]byte(data))
		if err != nil {
			c.logger.Warn("skipping corrupt object store config", "bucket", bucket, "error", err)
			continue
		}
		cfgs = append(cfgs, cfg)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Bucket < cfgs[j].Bucket })
	return cfgs, nil
}

// Watch delivers the events of bucket on Events. The first call subscribes
// to every GEDS channel; buckets are filtered locally.
func (c *Client) Watch(ctx context.Context, bucket string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return gedserrors.Unavailable("metadata session closed").WithComponent("metadata")
	}
	if c.pubsub == nil {
		ps := c.rdb.PSubscribe(ctx, channelPrefix+"*")
		// Wait for the subscription to be confirmed so no event published
		// after Watch returns is missed.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return translate(err, "watch")
		}
		c.pubsub = ps
		c.wg.Add(1)
		go c.receiveLoop(ps.Channel())
	}
	c.watched[bucket] = true
	return nil
}

// Unwatch stops delivering the events of bucket.
func (c *Client) Unwatch(ctx context.Context, bucket string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.watched, bucket)
	return nil
}

func (c *Client) receiveLoop(messages <-chan *goredis.Message) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			event, err := metadata.DecodeEvent([]byte(msg.Payload))
			if err != nil {
				c.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
				continue
			}

			c.mu.Lock()
			watched := c.watched[event.Bucket]
			c.mu.Unlock()
			if !watched {
				continue
			}

			select {
			case c.events <- event:
			case <-c.done:
				return
			default:
				c.logger.Warn("event dropped, subscriber is slow", "bucket", event.Bucket, "key", event.Key)
			}
		}
	}
}

// Events returns the channel events are delivered on. It is closed by Close.
func (c *Client) Events() <-chan types.Event {
	return c.events
}

// Close ends the session and releases the connection pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	close(c.done)
	ps := c.pubsub
	c.mu.Unlock()

	var errs []error
	if ps != nil {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	close(c.events)

	if err := c.rdb.Close(); err != nil {
		errs = append(errs, err)
	}
	var err error
	if len(errs) > 0 {
		err = fmt.Errorf("close metadata session: %w", errors.Join(errs...))
	}

	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
	return err
}
