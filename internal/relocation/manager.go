// Package relocation spills cache-resident objects to their backing object
// store. A background loop flushes the least recently used dirty objects
// whenever the cache crosses its high watermark; a forced run flushes
// everything, e.g. before the client stops.
package relocation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/objectfs/geds/internal/cache"
	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/retry"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// MetadataKey carries the user metadata of a file in the store.
const MetadataKey = "geds-metadata"

// Object is the state of a file at the time it is flushed.
type Object struct {
	Bucket      string
	Key         string
	Size        int64
	Sealed      bool
	Metadata    string
	HasMetadata bool
}

// Objects resolves identifiers of dirty cache entries to file state.
type Objects interface {
	// Describe returns the current state of id; false means the cache entry
	// is not backed by a live file and should be left alone.
	Describe(id string) (Object, bool)

	// Relocated is called once the bytes of obj are durable in the store.
	Relocated(ctx context.Context, obj Object) error
}

// Stores resolves a bucket to its backing store.
type Stores interface {
	Has(bucket string) bool
	Store(ctx context.Context, bucket string) (types.ObjectStore, error)
}

// Config configures a Manager.
type Config struct {
	// Interval between background runs. Zero disables the ticker; kicks
	// still trigger runs.
	Interval time.Duration

	// HighWatermark is the cache fill ratio above which a run flushes.
	HighWatermark float64

	// LowWatermark is the fill ratio a run tries to get under.
	LowWatermark float64

	// Timeout bounds one background run.
	Timeout time.Duration

	// Retry governs repeated uploads of one object.
	Retry retry.Config
}

func (c Config) withDefaults() Config {
	if c.HighWatermark <= 0 || c.HighWatermark > 1 {
		c.HighWatermark = 0.9
	}
	if c.LowWatermark <= 0 || c.LowWatermark > c.HighWatermark {
		c.LowWatermark = 0.7
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	return c
}

// Stats reports relocation activity.
type Stats struct {
	Runs     uint64 `json:"runs"`
	Objects  uint64 `json:"objects"`
	Bytes    uint64 `json:"bytes"`
	Skipped  uint64 `json:"skipped"`
	Failures uint64 `json:"failures"`
}

// Manager flushes dirty cache entries to object stores.
type Manager struct {
	config  Config
	cache   *cache.Cache
	stores  Stores
	objects Objects
	metrics types.MetricsCollector
	logger  *slog.Logger
	retry   *retry.Retryer

	// runs never overlap
	runMu sync.Mutex

	kickCh  chan struct{}
	stopCh  chan struct{}
	stopped chan struct{}
	started atomic.Bool
	stop    sync.Once

	runs     atomic.Uint64
	flushed  atomic.Uint64
	bytes    atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
}

// NewManager creates a manager. Start launches its background loop.
func NewManager(cfg Config, c *cache.Cache, stores Stores, objects Objects, metrics types.MetricsCollector, logger *slog.Logger) *Manager {
	if metrics == nil {
		metrics = types.NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:  cfg.withDefaults(),
		cache:   c,
		stores:  stores,
		objects: objects,
		metrics: metrics,
		logger:  logger.With("component", "relocation"),
		retry:   retry.New(cfg.Retry),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the background loop.
func (m *Manager) Start() {
	if m.started.Swap(true) {
		return
	}
	go m.loop()
}

// Stop ends the background loop and waits for a running flush to finish.
func (m *Manager) Stop() {
	m.stop.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.stopped
		}
	})
}

// Kick requests a background run without waiting for it. It never blocks
// and can be used as the cache pressure callback.
func (m *Manager) Kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
		// a run is already pending
	}
}

func (m *Manager) loop() {
	defer close(m.stopped)

	var tick <-chan time.Time
	if m.config.Interval > 0 {
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.kickCh:
			m.background()
		case <-tick:
			m.background()
		}
	}
}

func (m *Manager) background() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	// abort uploads when the manager stops
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := m.Relocate(ctx, false); err != nil {
		m.logger.Warn("background relocation failed", "error", err)
	}
}

// Relocate flushes dirty objects to their stores. Without force it only
// acts when the cache is above the high watermark and stops once usage is
// under the low watermark. With force it flushes every dirty object and
// returns the first failure after trying all of them.
func (m *Manager) Relocate(ctx context.Context, force bool) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !force {
		if m.cache.Usage().Ratio() < m.config.HighWatermark {
			return nil
		}
		// clean blocks go first, they cost no upload
		m.cache.Reclaim(m.config.LowWatermark)
		if m.cache.Usage().Ratio() <= m.config.LowWatermark {
			return nil
		}
	}

	m.runs.Add(1)
	start := time.Now()
	dirty := m.cache.DirtyObjects()
	m.logger.Debug("relocation started", "force", force, "dirty_objects", len(dirty))

	var firstErr error
	var count int
	for _, entry := range dirty {
		if err := ctx.Err(); err != nil {
			return gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, "relocation interrupted")
		}

		flushed, err := m.flush(ctx, entry.ID)
		if err != nil {
			m.failures.Add(1)
			m.logger.Warn("object relocation failed", "identifier", entry.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if flushed {
			count++
		}

		if !force {
			m.cache.Reclaim(m.config.LowWatermark)
			if m.cache.Usage().Ratio() <= m.config.LowWatermark {
				break
			}
		}
	}

	m.logger.Debug("relocation finished",
		"force", force,
		"objects", count,
		"duration", time.Since(start))
	return firstErr
}

// Flush uploads id now, whether or not it has dirty blocks. It reports
// false when the object was skipped.
func (m *Manager) Flush(ctx context.Context, id string) (bool, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	return m.flush(ctx, id)
}

// Exclusive runs fn while no flush is in progress. Callers use it to drop
// an object so that a concurrent upload cannot resurrect it in the store.
func (m *Manager) Exclusive(fn func()) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	fn()
}

// flush uploads one object. It reports false when the object was skipped.
// An object sealed while its unsealed copy was uploading is uploaded again,
// since the seal did not see the upload and nothing else will flush it.
func (m *Manager) flush(ctx context.Context, id string) (bool, error) {
	for {
		obj, flushed, err := m.flushOnce(ctx, id)
		if err != nil || !flushed || obj.Sealed {
			return flushed, err
		}
		now, ok := m.objects.Describe(id)
		if !ok || !now.Sealed {
			return true, nil
		}
		m.logger.Debug("object sealed during upload, flushing again", "identifier", id)
	}
}

func (m *Manager) flushOnce(ctx context.Context, id string) (Object, bool, error) {
	bucket, _, ok := utils.SplitIdentifier(id)
	if !ok || !m.stores.Has(bucket) {
		m.skipped.Add(1)
		return Object{}, false, nil
	}
	obj, ok := m.objects.Describe(id)
	if !ok {
		m.skipped.Add(1)
		return Object{}, false, nil
	}
	// the snapshot must follow Describe: anything written before it is read
	// by the upload below
	snap, ok := m.cache.Snapshot(id)
	if !ok {
		m.skipped.Add(1)
		return Object{}, false, nil
	}

	store, err := m.stores.Store(ctx, bucket)
	if err != nil {
		return Object{}, false, err
	}

	var metadata map[string]string
	if obj.HasMetadata {
		metadata = map[string]string{MetadataKey: obj.Metadata}
	}

	start := time.Now()
	err = m.retry.Do(ctx, func(ctx context.Context) error {
		return store.Put(ctx, obj.Key, m.cache.Reader(ctx, id), obj.Size, metadata)
	})
	m.metrics.RecordRelocation(obj.Size, time.Since(start), err == nil)
	if err != nil {
		return Object{}, false, gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, "upload "+id)
	}

	if !m.cache.MarkClean(snap, obj.Size, cache.StoreFill(store, obj.Key)) {
		// truncated, moved or removed during the upload
		m.skipped.Add(1)
		return Object{}, false, nil
	}
	if err := m.objects.Relocated(ctx, obj); err != nil {
		return Object{}, false, err
	}

	m.flushed.Add(1)
	m.bytes.Add(uint64(obj.Size))
	m.logger.Debug("object relocated", "identifier", id, "size", obj.Size, "sealed", obj.Sealed)
	return obj, true, nil
}

// Stats returns relocation counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Runs:     m.runs.Load(),
		Objects:  m.flushed.Load(),
		Bytes:    m.bytes.Load(),
		Skipped:  m.skipped.Load(),
		Failures: m.failures.Load(),
	}
}
