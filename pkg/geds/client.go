package geds

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/geds/internal/cache"
	"github.com/objectfs/geds/internal/circuit"
	"github.com/objectfs/geds/internal/config"
	"github.com/objectfs/geds/internal/metadata"
	"github.com/objectfs/geds/internal/metadata/memory"
	"github.com/objectfs/geds/internal/metadata/redis"
	"github.com/objectfs/geds/internal/metrics"
	"github.com/objectfs/geds/internal/prefix"
	"github.com/objectfs/geds/internal/pubsub"
	"github.com/objectfs/geds/internal/relocation"
	"github.com/objectfs/geds/internal/storage"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/health"
	"github.com/objectfs/geds/pkg/utils"
)

// tempSuffix in the local storage path is replaced by a random suffix.
const tempSuffix = "XXXXXX"

const (
	stateCreated int32 = iota
	stateStarting
	stateStarted
	stateStopping
	stateStopped
)

// Client is a GEDS instance. It is safe for concurrent use.
type Client struct {
	config *config.Configuration
	opts   options
	logger *slog.Logger
	state  atomic.Int32

	node     string
	localDir string
	ownsDir  bool

	meta      metadata.Client
	stores    *storage.Registry
	cache     *cache.Cache
	relocator *relocation.Manager
	prefixes  *prefix.Engine
	subs      *pubsub.Manager
	metrics   *metrics.Collector
	health    *health.Tracker

	filesMu sync.Mutex
	files   map[string]*fileState
}

// New creates a client for cfg. A nil cfg uses the defaults. The client
// does nothing until Start.
func New(cfg *config.Configuration, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, gedserrors.InvalidArgument("invalid configuration").WithCause(err)
	}
	// immutable from here on
	frozen := *cfg

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		l, err := utils.NewLogger(utils.LoggerConfig{
			Level:  frozen.Logging.Level,
			Format: utils.LogFormat(frozen.Logging.Format),
			File:   frozen.Logging.File,
		})
		if err != nil {
			return nil, gedserrors.InvalidArgument("invalid logging configuration").WithCause(err)
		}
		logger = l
	}

	return &Client{
		config: &frozen,
		opts:   o,
		logger: logger.With("component", "geds"),
	}, nil
}

func notStarted() error {
	return gedserrors.NewError(gedserrors.ErrCodeNotStarted, "GEDS client is not started").WithComponent("geds")
}

// Start connects to the metadata service, prepares the local cache and
// launches the background loops. A stopped client can be started again.
func (c *Client) Start(ctx context.Context) (err error) {
	if !c.state.CompareAndSwap(stateCreated, stateStarting) && !c.state.CompareAndSwap(stateStopped, stateStarting) {
		return gedserrors.InvalidState("GEDS client is already started").WithComponent("geds")
	}
	defer func() {
		if err != nil {
			if terr := c.teardown(context.Background()); terr != nil {
				c.logger.Warn("cleanup after failed start", "error", terr)
			}
			c.state.Store(stateStopped)
		}
	}()

	cfg := c.config
	c.node = c.nodeID()
	c.meta, c.subs, c.relocator, c.cache, c.metrics = nil, nil, nil, nil, nil
	c.health = health.NewTracker(health.DefaultConfig(), c.onHealthChange)
	c.filesMu.Lock()
	c.files = make(map[string]*fileState)
	c.filesMu.Unlock()

	dir, owned, err := prepareLocalDir(cfg.LocalStoragePath)
	if err != nil {
		return err
	}
	c.localDir, c.ownsDir = dir, owned

	c.metrics, err = metrics.NewCollector(&metrics.Config{
		Enabled:     true,
		Address:     net.JoinHostPort(cfg.ListenAddress, strconv.Itoa(cfg.PortHTTPServer)),
		Namespace:   "geds",
		GoCollector: true,
	}, c.logger)
	if err != nil {
		return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "create metrics collector")
	}
	if cfg.PortHTTPServer > 0 {
		if err := c.metrics.Start(ctx); err != nil {
			return err
		}
	}

	if err := c.connectMetadata(ctx); err != nil {
		return err
	}

	var breakers *circuit.Manager
	if cfg.Storage.CircuitBreaker.Enabled {
		breakers = circuit.NewManager(circuit.Config{
			FailureThreshold: uint32(cfg.Storage.CircuitBreaker.FailureThreshold),
			Timeout:          cfg.Storage.CircuitBreaker.Timeout,
		})
	}
	factory := c.opts.factory
	if factory == nil {
		factory = storage.S3Factory(cfg.Storage, c.logger)
	}
	c.stores = storage.NewRegistry(factory, breakers, c.logger)

	c.cache, err = cache.New(cache.Config{
		BlockSize:       int64(cfg.CacheBlockSize),
		MemoryCapacity:  int64(cfg.AvailableLocalMemory),
		StorageCapacity: int64(cfg.AvailableLocalStorage),
		Directory:       dir,
		OnPressure:      c.kickRelocation,
		Metrics:         c.metrics,
		Logger:          c.logger,
	})
	if err != nil {
		return err
	}
	c.relocator = relocation.NewManager(relocation.Config{
		Interval: cfg.RelocationInterval,
	}, c.cache, c.stores, relocationObjects{c}, c.metrics, c.logger)
	c.prefixes = prefix.New(prefixOperations{c}, cfg.PrefixConcurrency, c.metrics, c.logger)

	syncCtx, cancel := c.withTimeout(ctx)
	err = c.syncObjectStoreConfigs(syncCtx)
	cancel()
	if err != nil {
		return err
	}

	c.relocator.Start()
	if cfg.PubSubEnabled {
		c.subs = pubsub.NewManager(c.meta, c.onEvent, c.logger)
		c.subs.Start()
	}

	c.state.Store(stateStarted)
	c.logger.Info("GEDS started",
		"node", c.node,
		"local_storage", dir,
		"block_size", cfg.CacheBlockSize.String(),
		"memory", cfg.AvailableLocalMemory.String(),
		"storage", cfg.AvailableLocalStorage.String(),
		"pubsub", cfg.PubSubEnabled)
	return nil
}

// Stop shuts the client down. With force_relocation_when_stopping every
// dirty object is flushed first.
func (c *Client) Stop(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateStarted, stateStopping) {
		return notStarted()
	}

	var errs []error
	if c.config.ForceRelocationWhenStopping {
		if err := c.relocator.Relocate(ctx, true); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, c.teardown(ctx))
	c.state.Store(stateStopped)

	c.logger.Info("GEDS stopped", "node", c.node)
	return errors.Join(errs...)
}

// teardown releases whatever Start acquired. Fields left nil by a failed
// start are skipped.
func (c *Client) teardown(ctx context.Context) error {
	var errs []error

	if c.subs != nil {
		c.subs.Stop()
	}
	if c.relocator != nil {
		c.relocator.Stop()
	}

	c.filesMu.Lock()
	for _, st := range c.files {
		st.invalidate()
	}
	c.files = make(map[string]*fileState)
	c.filesMu.Unlock()

	if c.meta != nil {
		if err := c.meta.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.metrics != nil {
		if err := c.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ownsDir && c.localDir != "" {
		if err := os.RemoveAll(c.localDir); err != nil {
			errs = append(errs, gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "remove local storage"))
		}
		c.ownsDir = false
	}
	return errors.Join(errs...)
}

func (c *Client) connectMetadata(ctx context.Context) error {
	if c.opts.metadata != nil {
		c.meta = c.opts.metadata
		return nil
	}

	switch c.config.MetadataBackend {
	case config.MetadataBackendMemory:
		server := c.opts.server
		if server == nil {
			server = memory.NewServer(c.logger)
		}
		c.meta = server.Connect(c.node)
	default:
		session, err := redis.Connect(ctx, redis.Options{
			Address: c.config.MetadataServiceAddress,
			Node:    c.node,
			Logger:  c.logger,
		})
		if err != nil {
			return err
		}
		c.meta = session
	}
	return nil
}

func (c *Client) nodeID() string {
	if c.opts.node != "" {
		return c.opts.node
	}
	if c.config.HasHostname() {
		return net.JoinHostPort(c.config.Hostname, strconv.Itoa(c.config.Port))
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "geds"
	}
	return host + "-" + uuid.NewString()[:8]
}

// prepareLocalDir creates the local storage directory. A path ending in
// XXXXXX becomes a fresh directory owned, and removed, by the client.
func prepareLocalDir(path string) (string, bool, error) {
	if strings.HasSuffix(path, tempSuffix) {
		parent := filepath.Dir(path)
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return "", false, gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "create local storage parent")
		}
		pattern := strings.TrimSuffix(filepath.Base(path), tempSuffix) + "*"
		dir, err := os.MkdirTemp(parent, pattern)
		if err != nil {
			return "", false, gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "create local storage")
		}
		return dir, true, nil
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", false, gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "create local storage")
	}
	return path, false, nil
}

func (c *Client) kickRelocation() {
	if c.relocator != nil {
		c.relocator.Kick()
	}
}

// request checks that the client runs and bounds ctx by the request timeout
// unless it already has a deadline.
func (c *Client) request(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.state.Load() != stateStarted {
		return nil, nil, notStarted()
	}
	ctx, cancel := c.withTimeout(ctx)
	return ctx, cancel, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

func (c *Client) record(operation string, start time.Time, size int64, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordOperation(operation, time.Since(start), size, err == nil)
	if err != nil {
		c.metrics.RecordError(operation, err)
	}
}

// Node returns the name this client publishes in object records.
func (c *Client) Node() string {
	return c.node
}

// Metrics returns the collector of a started client.
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}
