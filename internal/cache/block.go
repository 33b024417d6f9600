package cache

import (
	"container/list"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Tier is where a resident block lives.
type Tier int

const (
	TierMemory Tier = iota
	TierStorage
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierStorage:
		return "storage"
	default:
		return "unknown"
	}
}

var zeroPage = make([]byte, 64*1024)

// object is the cache state of one identifier.
type object struct {
	id     string
	blocks map[int64]*block

	// epoch changes when the object is truncated, moved or recreated, which
	// invalidates snapshots and in-flight fills
	epoch uint64

	// bytes [0, backed) can be fetched with fill
	backed int64
	fill   FillFunc

	lastAccess time.Time

	fileMu sync.Mutex
	path   string
	file   *os.File
}

// openFile returns the sparse file of the object, creating it on first use.
func (o *object) openFile() (*os.File, error) {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.file != nil {
		return o.file, nil
	}
	f, err := os.OpenFile(o.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	o.file = f
	return f, nil
}

func (o *object) truncateFile(size int64) error {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.file == nil {
		return nil
	}
	return o.file.Truncate(size)
}

func (o *object) removeFile() error {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	var errs []error
	if o.file != nil {
		errs = append(errs, o.file.Close())
		o.file = nil
	}
	if err := os.Remove(o.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *object) renameFile(path string) error {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	old := o.path
	o.path = path
	if err := os.Rename(old, path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (o *object) closeFile() error {
	o.fileMu.Lock()
	defer o.fileMu.Unlock()

	if o.file == nil {
		return nil
	}
	err := o.file.Close()
	o.file = nil
	return err
}

// block is one resident block. mu guards data and length; tier changes only
// with both the cache mutex and mu held.
type block struct {
	mu    sync.Mutex
	obj   *object
	index int64
	tier  Tier

	// memory tier contents; data[len(data):cap(data)] is always zero
	data []byte
	// valid prefix of the block, bytes beyond it read as zeros
	length int64

	dirty   atomic.Bool
	gen     atomic.Uint64
	removed atomic.Bool

	// guarded by the cache mutex
	element *list.Element
}

// wait blocks until I/O in flight on b has finished.
func (b *block) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
}

// readLocked copies the bytes at from into dst, zero filling past length.
func (b *block) readLocked(dst []byte, from, blockSize int64) error {
	n := int64(0)
	if from < b.length {
		n = min(int64(len(dst)), b.length-from)
	}

	if n > 0 {
		switch b.tier {
		case TierMemory:
			copy(dst[:n], b.data[from:from+n])
		case TierStorage:
			f, err := b.obj.openFile()
			if err != nil {
				return err
			}
			read, err := f.ReadAt(dst[:n], b.index*blockSize+from)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			clear(dst[read:n])
		}
	}
	clear(dst[n:])
	return nil
}

// writeLocked stores src at from, zero filling any gap after length.
func (b *block) writeLocked(src []byte, from, blockSize int64) error {
	end := from + int64(len(src))

	switch b.tier {
	case TierMemory:
		b.extend(end, blockSize)
		copy(b.data[from:end], src)
	case TierStorage:
		f, err := b.obj.openFile()
		if err != nil {
			return err
		}
		base := b.index * blockSize
		for gap := b.length; gap < from; {
			n := min(from-gap, int64(len(zeroPage)))
			if _, err := f.WriteAt(zeroPage[:n], base+gap); err != nil {
				return err
			}
			gap += n
		}
		if _, err := f.WriteAt(src, base+from); err != nil {
			return err
		}
	}

	if end > b.length {
		b.length = end
	}
	return nil
}

// extend grows the memory buffer to n bytes.
func (b *block) extend(n, blockSize int64) {
	if n <= int64(len(b.data)) {
		return
	}
	if n <= int64(cap(b.data)) {
		b.data = b.data[:n]
		return
	}
	capacity := min(blockSize, max(n, 2*int64(cap(b.data))))
	data := make([]byte, n, capacity)
	copy(data, b.data)
	b.data = data
}

// shrinkLocked drops everything at or past n.
func (b *block) shrinkLocked(n int64) {
	if n >= b.length {
		return
	}
	if b.tier == TierMemory && n < int64(len(b.data)) {
		clear(b.data[n:])
		b.data = b.data[:n]
	}
	b.length = n
}

// demoteLocked moves the block from memory to the storage file.
func (b *block) demoteLocked(blockSize int64) error {
	f, err := b.obj.openFile()
	if err != nil {
		return err
	}
	if b.length > 0 {
		if _, err := f.WriteAt(b.data[:b.length], b.index*blockSize); err != nil {
			return err
		}
	}
	b.data = nil
	b.tier = TierStorage
	return nil
}
