package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// FillFunc fetches length bytes at off from the backing store. It may return
// fewer bytes at the end of the object.
type FillFunc func(ctx context.Context, off, length int64) ([]byte, error)

// Config configures a Cache.
type Config struct {
	BlockSize       int64
	MemoryCapacity  int64
	StorageCapacity int64

	// Directory holds the storage tier files. It must exist.
	Directory string

	// HighWatermark is the fill ratio above which OnPressure is called.
	HighWatermark float64

	// OnPressure is called, without locks held, when a tier crosses the high
	// watermark or an allocation fails. It must not block.
	OnPressure func()

	Metrics types.MetricsCollector
	Logger  *slog.Logger
}

// Cache is the sparse block cache. It is safe for concurrent use.
type Cache struct {
	blockSize int64
	dir       string
	highMark  float64
	onPress   func()
	metrics   types.MetricsCollector
	logger    *slog.Logger

	mu       sync.Mutex
	objects  map[string]*object
	lru      [2]*list.List
	used     [2]int64
	capacity [2]int64

	generation atomic.Uint64
	fills      singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	demotions atomic.Uint64
}

// New creates a cache.
func New(cfg Config) (*Cache, error) {
	if cfg.BlockSize <= 0 {
		return nil, gedserrors.InvalidArgument("block size must be positive, got %d", cfg.BlockSize)
	}
	if cfg.MemoryCapacity < 0 || cfg.StorageCapacity < 0 {
		return nil, gedserrors.InvalidArgument("cache capacities cannot be negative")
	}
	if cfg.Directory == "" {
		return nil, gedserrors.InvalidArgument("cache directory cannot be empty")
	}
	if cfg.HighWatermark <= 0 || cfg.HighWatermark > 1 {
		cfg.HighWatermark = 0.9
	}
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Cache{
		blockSize: cfg.BlockSize,
		dir:       cfg.Directory,
		highMark:  cfg.HighWatermark,
		onPress:   cfg.OnPressure,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "cache"),
		objects:   make(map[string]*object),
		lru:       [2]*list.List{list.New(), list.New()},
		capacity:  [2]int64{cfg.MemoryCapacity, cfg.StorageCapacity},
	}
	return c, nil
}

// BlockSize returns the block size.
func (c *Cache) BlockSize() int64 {
	return c.blockSize
}

// LocalPath returns the storage tier file of id. The file exists only once a
// block of id was placed in the storage tier.
func (c *Cache) LocalPath(id string) (string, error) {
	return utils.LocalFilePath(c.dir, id)
}

func exhausted(id string, tier Tier) error {
	return gedserrors.ResourceExhausted("no cache space left for %s", id).
		WithComponent("cache").
		WithKey(id).
		WithDetail("tier", tier.String())
}

func (c *Cache) pressure() {
	if c.onPress != nil {
		c.onPress()
	}
}

// objectLocked returns the object for id, creating it when create is set.
func (c *Cache) objectLocked(id string, create bool) (*object, error) {
	if obj, ok := c.objects[id]; ok {
		return obj, nil
	}
	if !create {
		return nil, nil
	}
	path, err := c.LocalPath(id)
	if err != nil {
		return nil, gedserrors.InvalidArgument("no local path for %s", id).WithCause(err)
	}
	obj := &object{
		id:     id,
		blocks: make(map[int64]*block),
		epoch:  c.generation.Add(1),
		path:   path,
	}
	c.objects[id] = obj
	return obj, nil
}

func (c *Cache) touchLocked(obj *object, b *block) {
	obj.lastAccess = time.Now()
	if b != nil && b.element != nil {
		c.lru[b.tier].MoveToFront(b.element)
	}
}

// insertLocked places a new block, returning it locked. It returns nil if no
// tier has room; clean blocks are evicted and dirty ones demoted to make room
// unless cleanOnly is set.
func (c *Cache) insertLocked(obj *object, index int64, cleanOnly bool) *block {
	tier, ok := c.reserveLocked(cleanOnly)
	if !ok {
		return nil
	}

	b := &block{obj: obj, index: index, tier: tier}
	b.mu.Lock()
	b.element = c.lru[tier].PushFront(b)
	obj.blocks[index] = b
	c.touchLocked(obj, nil)
	return b
}

// detachLocked removes b from its object and releases its budget. The caller
// must hold b.mu or have made b unreachable otherwise.
func (c *Cache) detachLocked(b *block) {
	if b.removed.Swap(true) {
		return
	}
	if b.element != nil {
		c.lru[b.tier].Remove(b.element)
		b.element = nil
	}
	if cur, ok := b.obj.blocks[b.index]; ok && cur == b {
		delete(b.obj.blocks, b.index)
	}
	c.used[b.tier] -= c.blockSize
	c.metrics.UpdateCacheSize(b.tier.String(), c.used[b.tier])
}

func (c *Cache) overHighWatermarkLocked() bool {
	for tier := range c.used {
		if c.capacity[tier] > 0 && float64(c.used[tier]) > c.highMark*float64(c.capacity[tier]) {
			return true
		}
	}
	return false
}

// acquire returns block index of id locked, creating it when create is set.
// A created block is empty; fresh reports whether it was just created.
func (c *Cache) acquire(id string, index int64, create bool) (b *block, obj *object, fresh bool, err error) {
	for {
		c.mu.Lock()
		obj, err = c.objectLocked(id, create)
		if err != nil || obj == nil {
			c.mu.Unlock()
			return nil, nil, false, err
		}

		if b = obj.blocks[index]; b != nil {
			c.touchLocked(obj, b)
			c.mu.Unlock()

			b.mu.Lock()
			if b.removed.Load() {
				b.mu.Unlock()
				continue
			}
			return b, obj, false, nil
		}

		if !create {
			c.mu.Unlock()
			return nil, obj, false, nil
		}

		b = c.insertLocked(obj, index, false)
		press := b == nil || c.overHighWatermarkLocked()
		c.mu.Unlock()

		if press {
			c.pressure()
		}
		if b == nil {
			return nil, obj, false, exhausted(id, TierStorage)
		}
		return b, obj, true, nil
	}
}

// backing returns what a fill of obj may use, together with the epoch it
// belongs to.
func (c *Cache) backing(obj *object) (backed int64, fill FillFunc, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return obj.backed, obj.fill, obj.epoch
}

// fetch fetches block index of id through fill, sharing concurrent fetches of
// the same block.
func (c *Cache) fetch(ctx context.Context, id string, epoch uint64, index, backed int64, fill FillFunc) ([]byte, error) {
	start := index * c.blockSize
	length := min(c.blockSize, backed-start)
	key := id + "#" + strconv.FormatUint(epoch, 10) + "#" + strconv.FormatInt(index, 10)

	v, err, _ := c.fills.Do(key, func() (interface{}, error) {
		return fill(ctx, start, length)
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	if int64(len(data)) > length {
		data = data[:length]
	}
	return data, nil
}

// populateLocked fills a fresh block from the backing store if its range is
// backed. It reports whether the block was filled.
func (c *Cache) populateLocked(ctx context.Context, b *block, obj *object) (bool, error) {
	backed, fill, epoch := c.backing(obj)
	if fill == nil || b.index*c.blockSize >= backed {
		return false, nil
	}

	data, err := c.fetch(ctx, obj.id, epoch, b.index, backed, fill)
	if err != nil {
		return false, err
	}
	if err := b.writeLocked(data, 0, c.blockSize); err != nil {
		return false, err
	}
	return true, nil
}

// discard drops a fresh block that could not be populated.
func (c *Cache) discard(b *block) {
	c.mu.Lock()
	c.detachLocked(b)
	c.mu.Unlock()
	b.mu.Unlock()
}

// span is the part of a write that falls into one block.
type span struct {
	b     *block
	fresh bool
	from  int64
	n     int64

	// contents before the write, kept while a later span can still fail
	undo      []byte
	undoLen   int64
	undoValid bool
}

// WriteAt stores p at off in id. Every block the write touches is acquired
// and locked before any byte changes, so a write that fails leaves the
// cache as it was. A block that was evicted but is backed by the store is
// fetched before it is modified.
func (c *Cache) WriteAt(ctx context.Context, id string, p []byte, off int64) error {
	if off < 0 {
		return gedserrors.OutOfRange("negative offset %d", off).WithKey(id)
	}
	if len(p) == 0 {
		return nil
	}

	spans, err := c.acquireRange(ctx, id, off, int64(len(p)))
	if err != nil {
		return err
	}
	defer func() {
		for _, sp := range spans {
			sp.b.mu.Unlock()
		}
	}()

	// memory blocks cannot fail to write; storage blocks can
	guard := false
	for _, sp := range spans {
		guard = guard || sp.b.tier == TierStorage
	}

	pos := int64(0)
	for i := range spans {
		sp := &spans[i]
		if guard && !sp.fresh {
			sp.undo = make([]byte, sp.n)
			sp.undoLen = sp.b.length
			sp.undoValid = sp.b.readLocked(sp.undo, sp.from, c.blockSize) == nil
		}
		if err := sp.b.writeLocked(p[pos:pos+sp.n], sp.from, c.blockSize); err != nil {
			c.rollback(id, spans[:i+1])
			spans = c.dropFresh(spans)
			return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "write cache block")
		}
		pos += sp.n
	}

	for _, sp := range spans {
		sp.b.gen.Store(c.generation.Add(1))
		sp.b.dirty.Store(true)
	}
	return nil
}

// acquireRange locks every block of [off, off+length) of id in ascending
// index order. On failure nothing stays locked and fresh blocks are
// dropped again.
func (c *Cache) acquireRange(ctx context.Context, id string, off, length int64) ([]span, error) {
	first := off / c.blockSize
	last := (off + length - 1) / c.blockSize
	spans := make([]span, 0, last-first+1)

	release := func() {
		for _, sp := range spans {
			if sp.fresh {
				c.discard(sp.b)
			} else {
				sp.b.mu.Unlock()
			}
		}
	}

	for index := first; index <= last; index++ {
		b, obj, fresh, err := c.acquire(id, index, true)
		if err != nil {
			release()
			return nil, err
		}
		sp := span{b: b, fresh: fresh}
		spans = append(spans, sp)

		if fresh {
			if _, err := c.populateLocked(ctx, b, obj); err != nil {
				release()
				return nil, gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, "fill block before write")
			}
		}
	}

	end := off + length
	for i := range spans {
		blockStart := spans[i].b.index * c.blockSize
		from := max(off, blockStart)
		spans[i].from = from - blockStart
		spans[i].n = min(end, blockStart+c.blockSize) - from
	}
	return spans, nil
}

// rollback restores the blocks of spans that were already written.
func (c *Cache) rollback(id string, spans []span) {
	for _, sp := range spans {
		if sp.fresh || sp.undo == nil {
			continue
		}
		if !sp.undoValid {
			c.logger.Warn("cannot restore block after failed write", "id", id, "index", sp.b.index)
			continue
		}
		if err := sp.b.writeLocked(sp.undo, sp.from, c.blockSize); err != nil {
			c.logger.Warn("failed to restore block after failed write", "id", id, "index", sp.b.index, "error", err)
			continue
		}
		sp.b.shrinkLocked(sp.undoLen)
	}
}

// dropFresh detaches and unlocks the fresh blocks of spans and returns the
// others, which stay locked.
func (c *Cache) dropFresh(spans []span) []span {
	kept := spans[:0]
	for _, sp := range spans {
		if sp.fresh {
			c.discard(sp.b)
			continue
		}
		kept = append(kept, sp)
	}
	return kept
}

// ReadAt fills p with the bytes at off of id. Blocks that are neither
// resident nor backed read as zeros; the caller bounds p by the object size.
func (c *Cache) ReadAt(ctx context.Context, id string, p []byte, off int64) error {
	if off < 0 {
		return gedserrors.OutOfRange("negative offset %d", off).WithKey(id)
	}

	for len(p) > 0 {
		index := off / c.blockSize
		from := off % c.blockSize
		n := min(int64(len(p)), c.blockSize-from)

		if err := c.readBlock(ctx, id, index, p[:n], from); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}
	return nil
}

func (c *Cache) readBlock(ctx context.Context, id string, index int64, dst []byte, from int64) error {
	for {
		b, obj, _, err := c.acquire(id, index, false)
		if err != nil {
			return err
		}
		if b != nil {
			defer b.mu.Unlock()
			c.hits.Add(1)
			c.metrics.RecordCacheHit(b.tier.String(), int64(len(dst)))
			return b.readLocked(dst, from, c.blockSize)
		}
		if obj == nil {
			clear(dst)
			return nil
		}

		backed, fill, epoch := c.backing(obj)
		if fill == nil || index*c.blockSize >= backed {
			clear(dst)
			return nil
		}

		b, retry := c.insertClean(obj, index, epoch)
		if retry {
			continue
		}

		c.misses.Add(1)
		c.metrics.RecordCacheMiss(TierMemory.String(), int64(len(dst)))
		if b != nil {
			return c.fillAndRead(ctx, b, obj, dst, from)
		}

		// no room: serve the read without caching
		data, err := c.fetch(ctx, id, epoch, index, backed, fill)
		if err != nil {
			return gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, "read from backing store")
		}
		n := 0
		if from < int64(len(data)) {
			n = copy(dst, data[from:])
		}
		clear(dst[n:])
		return nil
	}
}

// fillAndRead populates a fresh clean block and reads from it.
func (c *Cache) fillAndRead(ctx context.Context, b *block, obj *object, dst []byte, from int64) error {
	defer b.mu.Unlock()

	filled, err := c.populateLocked(ctx, b, obj)
	if err != nil || !filled {
		c.mu.Lock()
		c.detachLocked(b)
		c.mu.Unlock()
		if err != nil {
			return gedserrors.Wrap(err, gedserrors.ErrCodeUnavailable, "fill cache block")
		}
		clear(dst)
		return nil
	}
	b.gen.Store(c.generation.Add(1))
	return b.readLocked(dst, from, c.blockSize)
}

// insertClean reserves a block for a fill, only evicting clean blocks. It
// asks for a retry when the block appeared or the object changed meanwhile,
// and returns nil when there is no room.
func (c *Cache) insertClean(obj *object, index int64, epoch uint64) (*block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.objects[obj.id]; !ok || cur != obj || obj.epoch != epoch {
		return nil, true
	}
	if _, ok := obj.blocks[index]; ok {
		return nil, true
	}
	return c.insertLocked(obj, index, true), false
}

// Truncate drops every byte of id at or past size.
func (c *Cache) Truncate(id string, size int64) error {
	if size < 0 {
		return gedserrors.OutOfRange("negative size %d", size).WithKey(id)
	}

	c.mu.Lock()
	obj := c.objects[id]
	if obj == nil {
		c.mu.Unlock()
		return nil
	}

	var dropped []*block
	boundary := size / c.blockSize
	for index, b := range obj.blocks {
		if index*c.blockSize >= size {
			dropped = append(dropped, b)
		}
	}
	for _, b := range dropped {
		c.detachLocked(b)
	}
	edge := obj.blocks[boundary]
	obj.epoch = c.generation.Add(1)
	obj.backed = min(obj.backed, size)
	c.mu.Unlock()

	// wait for in-flight I/O on the dropped blocks
	for _, b := range dropped {
		b.wait()
	}

	if edge != nil {
		edge.mu.Lock()
		defer edge.mu.Unlock()
		if !edge.removed.Load() {
			edge.shrinkLocked(size - boundary*c.blockSize)
			edge.gen.Store(c.generation.Add(1))
			edge.dirty.Store(true)
		}
	}

	if err := obj.truncateFile(size); err != nil {
		return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "truncate cache file")
	}
	return nil
}

// detachObjectLocked unlinks obj and all its blocks.
func (c *Cache) detachObjectLocked(obj *object) []*block {
	blocks := make([]*block, 0, len(obj.blocks))
	for _, b := range obj.blocks {
		blocks = append(blocks, b)
	}
	for _, b := range blocks {
		c.detachLocked(b)
	}
	delete(c.objects, obj.id)
	obj.epoch = c.generation.Add(1)
	return blocks
}

func (c *Cache) release(obj *object, blocks []*block) error {
	for _, b := range blocks {
		b.wait()
	}
	return obj.removeFile()
}

// Remove drops id and deletes its storage file.
func (c *Cache) Remove(id string) error {
	c.mu.Lock()
	obj := c.objects[id]
	if obj == nil {
		c.mu.Unlock()
		return nil
	}
	blocks := c.detachObjectLocked(obj)
	c.mu.Unlock()

	if err := c.release(obj, blocks); err != nil {
		return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "remove cache file")
	}
	return nil
}

// Move re-keys the cached bytes of src to dst, replacing anything cached for
// dst.
func (c *Cache) Move(src, dst string) error {
	if src == dst {
		return nil
	}
	path, err := c.LocalPath(dst)
	if err != nil {
		return gedserrors.InvalidArgument("no local path for %s", dst).WithCause(err)
	}

	c.mu.Lock()
	var replaced *object
	var replacedBlocks []*block
	if old := c.objects[dst]; old != nil {
		replaced = old
		replacedBlocks = c.detachObjectLocked(old)
	}
	obj := c.objects[src]
	if obj != nil {
		delete(c.objects, src)
		obj.id = dst
		obj.epoch = c.generation.Add(1)
		c.objects[dst] = obj
	}
	c.mu.Unlock()

	var errs []error
	if replaced != nil {
		errs = append(errs, c.release(replaced, replacedBlocks))
	}
	if obj != nil {
		errs = append(errs, obj.renameFile(path))
	}
	if err := errors.Join(errs...); err != nil {
		return gedserrors.Wrap(err, gedserrors.ErrCodeInternal, "move cache file")
	}
	return nil
}

// SetBacking declares that bytes [0, size) of id can be fetched with fill.
func (c *Cache) SetBacking(id string, size int64, fill FillFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, err := c.objectLocked(id, true)
	if err != nil {
		return err
	}
	obj.backed = size
	obj.fill = fill
	return nil
}

// Snapshot records the write generation of every block of an object.
type Snapshot struct {
	ID    string
	epoch uint64
	gens  map[int64]uint64
}

// Snapshot captures id before an upload. It returns false if nothing is
// cached for id.
func (c *Cache) Snapshot(id string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj := c.objects[id]
	if obj == nil {
		return Snapshot{}, false
	}
	snap := Snapshot{ID: id, epoch: obj.epoch, gens: make(map[int64]uint64, len(obj.blocks))}
	for index, b := range obj.blocks {
		snap.gens[index] = b.gen.Load()
	}
	return snap, true
}

// MarkClean marks the blocks of snap that were not written since the
// snapshot and lie within size as clean, and records that [0, size) is now
// in the store. It reports false if the object was truncated, moved or
// removed in between, in which case nothing changes.
func (c *Cache) MarkClean(snap Snapshot, size int64, fill FillFunc) bool {
	c.mu.Lock()
	obj := c.objects[snap.ID]
	if obj == nil || obj.epoch != snap.epoch {
		c.mu.Unlock()
		return false
	}
	obj.backed = size
	obj.fill = fill

	blocks := make([]*block, 0, len(snap.gens))
	for index := range snap.gens {
		if b := obj.blocks[index]; b != nil {
			blocks = append(blocks, b)
		}
	}
	c.mu.Unlock()

	for _, b := range blocks {
		b.mu.Lock()
		// bytes past size were not part of the upload
		covered := b.index*c.blockSize+b.length <= size
		if covered && b.gen.Load() == snap.gens[b.index] {
			b.dirty.Store(false)
		}
		b.mu.Unlock()
	}
	return true
}

// StoreFill returns a FillFunc reading key from store.
func StoreFill(store types.ObjectStore, key string) FillFunc {
	return func(ctx context.Context, off, length int64) ([]byte, error) {
		data, err := store.GetRange(ctx, key, off, length)
		if gedserrors.IsCode(err, gedserrors.ErrCodeOutOfRange) {
			return nil, nil
		}
		return data, err
	}
}

// Reader returns an io.ReaderAt over the cached bytes of id.
func (c *Cache) Reader(ctx context.Context, id string) io.ReaderAt {
	return &reader{ctx: ctx, cache: c, id: id}
}

type reader struct {
	ctx   context.Context
	cache *Cache
	id    string
}

func (r *reader) ReadAt(p []byte, off int64) (int, error) {
	if err := r.cache.ReadAt(r.ctx, r.id, p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// DirtyObject describes an object with dirty blocks.
type DirtyObject struct {
	ID         string
	DirtyBytes int64
	LastAccess time.Time
}

// DirtyObjects lists objects with dirty blocks, least recently used first.
func (c *Cache) DirtyObjects() []DirtyObject {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []DirtyObject
	for id, obj := range c.objects {
		var dirty int64
		for _, b := range obj.blocks {
			if b.dirty.Load() {
				dirty += c.blockSize
			}
		}
		if dirty > 0 {
			out = append(out, DirtyObject{ID: id, DirtyBytes: dirty, LastAccess: obj.lastAccess})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastAccess.Equal(out[j].LastAccess) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastAccess.Before(out[j].LastAccess)
	})
	return out
}

// Usage reports residency and capacity of both tiers.
type Usage struct {
	MemoryUsed      int64
	MemoryCapacity  int64
	StorageUsed     int64
	StorageCapacity int64
}

// Ratio returns the fill ratio of the fuller tier.
func (u Usage) Ratio() float64 {
	ratio := 0.0
	if u.MemoryCapacity > 0 {
		ratio = float64(u.MemoryUsed) / float64(u.MemoryCapacity)
	}
	if u.StorageCapacity > 0 {
		ratio = max(ratio, float64(u.StorageUsed)/float64(u.StorageCapacity))
	}
	return ratio
}

// Usage returns the current residency.
func (c *Cache) Usage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Usage{
		MemoryUsed:      c.used[TierMemory],
		MemoryCapacity:  c.capacity[TierMemory],
		StorageUsed:     c.used[TierStorage],
		StorageCapacity: c.capacity[TierStorage],
	}
}

// Stats returns cache statistics.
func (c *Cache) Stats() types.CacheStats {
	c.mu.Lock()
	stats := types.CacheStats{
		MemoryUsed:      c.used[TierMemory],
		MemoryCapacity:  c.capacity[TierMemory],
		StorageUsed:     c.used[TierStorage],
		StorageCapacity: c.capacity[TierStorage],
	}
	for _, obj := range c.objects {
		stats.Blocks += len(obj.blocks)
		for _, b := range obj.blocks {
			if b.dirty.Load() {
				stats.DirtyBlocks++
			}
		}
	}
	c.mu.Unlock()

	stats.Hits = c.hits.Load()
	stats.Misses = c.misses.Load()
	stats.Evictions = c.evictions.Load()
	stats.Demotions = c.demotions.Load()
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close closes every storage file. Cached state is kept.
func (c *Cache) Close() error {
	c.mu.Lock()
	objects := make([]*object, 0, len(c.objects))
	for _, obj := range c.objects {
		objects = append(objects, obj)
	}
	c.mu.Unlock()

	var errs []error
	for _, obj := range objects {
		if err := obj.closeFile(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", obj.id, err))
		}
	}
	return errors.Join(errs...)
}
