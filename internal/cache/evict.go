package cache

func (c *Cache) fitsLocked(tier Tier) bool {
	return c.used[tier]+c.blockSize <= c.capacity[tier]
}

// reserveLocked charges one block to the memory tier, or to the storage tier
// when memory cannot make room.
func (c *Cache) reserveLocked(cleanOnly bool) (Tier, bool) {
	for _, tier := range []Tier{TierMemory, TierStorage} {
		if c.makeRoomLocked(tier, cleanOnly) {
			c.used[tier] += c.blockSize
			c.metrics.UpdateCacheSize(tier.String(), c.used[tier])
			return tier, true
		}
	}
	return 0, false
}

// makeRoomLocked frees space for one block in tier. Clean blocks are evicted
// least recently used first. For the memory tier, dirty blocks are then
// demoted to storage unless cleanOnly is set.
func (c *Cache) makeRoomLocked(tier Tier, cleanOnly bool) bool {
	if c.fitsLocked(tier) {
		return true
	}

	c.evictCleanLocked(tier, func() bool { return c.fitsLocked(tier) })
	if c.fitsLocked(tier) {
		return true
	}
	if tier != TierMemory || cleanOnly {
		return false
	}

	for e := c.lru[TierMemory].Back(); e != nil && !c.fitsLocked(TierMemory); {
		prev := e.Prev()
		b := e.Value.(*block)
		if b.mu.TryLock() {
			if b.dirty.Load() {
				c.demoteBlockLocked(b)
			} else {
				c.evictLocked(b)
			}
			b.mu.Unlock()
		}
		e = prev
	}
	return c.fitsLocked(TierMemory)
}

// evictCleanLocked evicts clean blocks of tier from the LRU end until done
// reports true. Blocks in use are skipped.
func (c *Cache) evictCleanLocked(tier Tier, done func() bool) int64 {
	var freed int64
	for e := c.lru[tier].Back(); e != nil && !done(); {
		prev := e.Prev()
		b := e.Value.(*block)
		if !b.dirty.Load() && b.mu.TryLock() {
			if !b.dirty.Load() {
				c.evictLocked(b)
				freed += c.blockSize
			}
			b.mu.Unlock()
		}
		e = prev
	}
	return freed
}

func (c *Cache) evictLocked(b *block) {
	tier := b.tier
	c.detachLocked(b)
	c.evictions.Add(1)
	c.metrics.RecordEviction(tier.String(), c.blockSize)
}

// demoteBlockLocked moves a dirty memory block to the storage tier. Both the
// cache mutex and b.mu must be held.
func (c *Cache) demoteBlockLocked(b *block) bool {
	if !c.makeRoomLocked(TierStorage, true) {
		return false
	}
	if err := b.demoteLocked(c.blockSize); err != nil {
		c.logger.Warn("failed to demote block", "id", b.obj.id, "index", b.index, "error", err)
		return false
	}

	c.lru[TierMemory].Remove(b.element)
	c.used[TierMemory] -= c.blockSize
	c.used[TierStorage] += c.blockSize
	b.element = c.lru[TierStorage].PushFront(b)
	c.demotions.Add(1)

	c.metrics.UpdateCacheSize(TierMemory.String(), c.used[TierMemory])
	c.metrics.UpdateCacheSize(TierStorage.String(), c.used[TierStorage])
	return true
}

// Reclaim evicts clean blocks until every tier is at or below ratio of its
// capacity, or no clean block is left. It returns the bytes freed.
func (c *Cache) Reclaim(ratio float64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var freed int64
	for _, tier := range []Tier{TierMemory, TierStorage} {
		limit := int64(ratio * float64(c.capacity[tier]))
		freed += c.evictCleanLocked(tier, func() bool { return c.used[tier] <= limit })
	}
	return freed
}
