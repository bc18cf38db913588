// Package memsys provides the buffer cache that backs receive buffers for
// the object core (spec §4.2): reference-counted slots that are recycled
// rather than freed, in the spirit of the teacher's slab/SGL pooling but cut
// down to the exact alloc/compact/flush contract the core needs.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"sync"
)

// Buffer is a reference-counted, growable byte buffer. The cache owns the
// backing slice; Buffer only hands out shared references and tracks the
// strong-reference count so the cache can notice when a buffer becomes idle.
type Buffer struct {
	cache *BufferCache
	slot  int
	b     []byte
	refs  int32
}

// Bytes returns the buffer's current (size, not capacity) contents.
func (buf *Buffer) Bytes() []byte { return buf.b }

// Resize sets the logical size, which must not exceed cap(buf.b); growth
// beyond capacity is a programmer error and panics.
func (buf *Buffer) Resize(n int) {
	if n > cap(buf.b) {
		panic("memsys: Buffer.Resize beyond capacity")
	}
	buf.b = buf.b[:n]
}

// Retain adds a strong reference; paired with Release.
func (buf *Buffer) Retain() *Buffer {
	buf.cache.mu.Lock()
	buf.refs++
	buf.cache.mu.Unlock()
	return buf
}

// Release drops a strong reference; at zero the cache is notified via its
// listener callback and the slot is marked free (not deallocated).
func (buf *Buffer) Release() {
	cache := buf.cache
	cache.mu.Lock()
	buf.refs--
	n := buf.refs
	cache.mu.Unlock()
	if n == 0 {
		cache.onZero(buf.slot)
	}
}

type slot struct {
	buf  *Buffer
	free bool
}

// BufferCache allocates, retains, and recycles receive buffers per spec
// §4.2. Every method and Buffer.Retain/Release take the one mutex, so the
// cache may be used from several goroutines at once (LocalNode allocates from
// each connection's receiver, compacts from hk and releases from the command
// thread).
type BufferCache struct {
	mu      sync.Mutex
	slots   []slot
	cursor  int
	minFree int
}

// NewBufferCache constructs a cache that keeps at least minFree free slots
// after a compact() pass.
func NewBufferCache(minFree int) *BufferCache {
	return &BufferCache{minFree: minFree}
}

// Alloc returns a buffer with at least minSize capacity and size 0, carrying
// exactly one strong reference. Allocation prefers the first free slot
// following a rotating cursor; on miss, one new slot is appended whose
// capacity is grow(minSize).
func (c *BufferCache) Alloc(minSize int) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.slots)
	for i := 0; i < n; i++ {
		idx := (c.cursor + i) % n
		s := &c.slots[idx]
		if s.free && cap(s.buf.b) >= minSize {
			s.free = false
			s.buf.refs = 1
			s.buf.b = s.buf.b[:0]
			c.cursor = (idx + 1) % n
			return s.buf
		}
	}

	size := c.grow(minSize)
	buf := &Buffer{cache: c, slot: len(c.slots), b: make([]byte, 0, size), refs: 1}
	c.slots = append(c.slots, slot{buf: buf, free: false})
	c.cursor = len(c.slots) % max1(len(c.slots))
	return buf
}

// grow computes the next allocation size: new = size + ceil(size/8) + 1,
// amortising allocations while keeping the working set small.
func (c *BufferCache) grow(minSize int) int {
	size := minSize
	if size < 1 {
		size = 1
	}
	return size + (size+7)/8 + 1
}

func max1(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

// onZero is the listener callback invoked when a buffer's strong-reference
// count drops to zero: the slot is marked free but its allocation is kept.
func (c *BufferCache) onZero(slotIdx int) {
	c.mu.Lock()
	if slotIdx >= 0 && slotIdx < len(c.slots) {
		c.slots[slotIdx].free = true
	}
	c.mu.Unlock()
}

// Compact is idempotent and invoked between network-event batches (via hk).
// It frees slots beyond a water-mark, keeping at least minFree slots and
// targeting minFree + size/4 free slots after compaction.
func (c *BufferCache) Compact() {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.minFree + len(c.slots)/4
	free := 0
	for i := range c.slots {
		if c.slots[i].free {
			free++
		}
	}
	if free <= target {
		return
	}

	kept := c.slots[:0]
	dropped := free - target
	for i := range c.slots {
		if dropped > 0 && c.slots[i].free {
			dropped--
			continue
		}
		kept = append(kept, c.slots[i])
	}
	for i := range kept {
		kept[i].buf.slot = i
	}
	c.slots = kept
	c.cursor = 0
}

// Flush deallocates everything; used at shutdown.
func (c *BufferCache) Flush() {
	c.mu.Lock()
	c.slots = nil
	c.cursor = 0
	c.mu.Unlock()
}

// NumAllocated reports the number of distinct underlying byte allocations
// currently tracked, for the buffer-recycling test property (spec §8.1).
func (c *BufferCache) NumAllocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
