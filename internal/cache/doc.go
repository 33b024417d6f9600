/*
Package cache implements the sparse block cache that sits between GEDS file
handles and the backing object stores.

Objects are addressed by identifier ("bucket/key") and split into blocks of
a fixed size. Only blocks that were written, or read from a backing store,
are resident; everything else reads as zeros up to the object size known to
the caller.

# Tiers

Two tiers hold resident blocks, each with its own byte budget:

	memory   blocks kept in process memory
	storage  blocks kept in one sparse file per object under the local
	         storage directory (see LocalPath)

New blocks go to memory. When memory is full, dirty blocks are demoted to
the storage tier and clean blocks are dropped.

# Dirty and clean blocks

A block is dirty when it holds bytes the backing store does not have. Dirty
blocks are never evicted. Relocation uploads an object, then calls
MarkClean with the Snapshot it took before the upload; only blocks that were
not written again in the meantime become clean. Clean blocks can be evicted
at any time and are fetched again through the object's FillFunc.

When neither tier can make room the cache fails with RESOURCE_EXHAUSTED and
calls Config.OnPressure so that relocation can produce clean blocks.

# Locking

The cache mutex guards the object map, the LRU lists and the budget
counters. Each block has its own mutex held for the duration of a read or
write on that block, so a single write is never torn within a block and
I/O on different blocks proceeds in parallel. Eviction only ever takes
block locks with TryLock while holding the cache mutex; every other path
takes block locks without the cache mutex held. A write locks all of its
blocks in ascending index order before changing any of them, and is the
only path that holds more than one block lock.
*/
package cache
