/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
)

// InstanceCacheEntry is one cached object's retained instance/delta streams
// (spec §4.7). The node id and last-touched time are what RemoveNode and
// Expire test while they scan every entry of every shard.
type InstanceCacheEntry struct {
	ObjectID       ID
	MasterInstance uint32
	NodeID         ID // the connection this data arrived on
	streams        []cachedStream
	pins           int32
	lastTouched    time.Time
}

type cachedStream struct {
	version Version
	data    []byte
	at      time.Time
}

// OldestNewest returns the version window currently retained for the entry,
// or (VersionNone, VersionNone) if empty.
func (e *InstanceCacheEntry) OldestNewest() (oldest, newest Version) {
	if len(e.streams) == 0 {
		return VersionNone, VersionNone
	}
	return e.streams[0].version, e.streams[len(e.streams)-1].version
}

// StreamAt returns the retained stream data for exactly version, if still
// resident (spec §8 testable property #7 "instance-cache hit").
func (e *InstanceCacheEntry) StreamAt(version Version) ([]byte, bool) {
	for _, st := range e.streams {
		if st.version == version {
			return st.data, true
		}
	}
	return nil, false
}

// shard keeps one bucket's entries behind its own mutex; shard index is
// derived by hashing the object id (spec §4.7, grounded on the teacher's
// xxhash-keyed bucket layout for its own caches).
type instanceCacheShard struct {
	mu      sync.Mutex
	entries map[ID]*InstanceCacheEntry
	lru     []ID // least-recently-touched first
	used    int64
}

const instanceCacheShardCount = 16

// InstanceCache is the bounded, byte-budgeted store of retained instance
// data a receiver thread hands off for a newly mapped object before the
// application has picked it up (spec §4.7).
type InstanceCache struct {
	shards  [instanceCacheShardCount]*instanceCacheShard
	budget  int64
	enabled bool
	mu      sync.Mutex // guards enabled only, toggled pre-listen
}

// NewInstanceCache builds a cache with the given total byte budget, split
// evenly across shards.
func NewInstanceCache(budgetBytes int64) *InstanceCache {
	c := &InstanceCache{budget: budgetBytes, enabled: true}
	for i := range c.shards {
		c.shards[i] = &instanceCacheShard{entries: make(map[ID]*InstanceCacheEntry)}
	}
	return c
}

// Disable turns the cache permanently off; only valid before the owning
// LocalNode starts listening (spec §4.7 "Explicit cache disable").
func (c *InstanceCache) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

func (c *InstanceCache) shardFor(id ID) *instanceCacheShard {
	h := xxhash.Checksum64(id[:])
	return c.shards[h%instanceCacheShardCount]
}

// Insert takes ownership of a newly observed instance stream (spec §4.7
// "Insertion"). If the shard exceeds its budget share, unpinned entries are
// evicted in LRU order until it fits again; pinned entries are skipped.
func (c *InstanceCache) Insert(objectID ID, masterInstance uint32, nodeID ID, version Version, data []byte) {
	c.mu.Lock()
	enabled := c.enabled
	c.mu.Unlock()
	if !enabled {
		return
	}

	s := c.shardFor(objectID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[objectID]
	if !ok {
		e = &InstanceCacheEntry{ObjectID: objectID, MasterInstance: masterInstance, NodeID: nodeID}
		s.entries[objectID] = e
	}
	e.streams = append(e.streams, cachedStream{version: version, data: data, at: time.Now()})
	e.lastTouched = time.Now()
	s.used += int64(len(data))
	s.touch(objectID)

	shardBudget := c.budget / instanceCacheShardCount
	for s.used > shardBudget {
		if !s.evictOldestUnpinned() {
			break
		}
	}
}

func (s *instanceCacheShard) touch(id ID) {
	for i, v := range s.lru {
		if v == id {
			s.lru = append(s.lru[:i], s.lru[i+1:]...)
			break
		}
	}
	s.lru = append(s.lru, id)
}

func (s *instanceCacheShard) evictOldestUnpinned() bool {
	for i, id := range s.lru {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		if e.pins > 0 {
			continue
		}
		for _, st := range e.streams {
			s.used -= int64(len(st.data))
		}
		delete(s.entries, id)
		s.lru = append(s.lru[:i:i], s.lru[i+1:]...)
		return true
	}
	return false
}

// Pin/Unpin guard an entry against eviction while a mapping is in progress
// (spec §4.7 "concurrent mappings do not evict mid-use").
func (c *InstanceCache) Pin(objectID ID) {
	s := c.shardFor(objectID)
	s.mu.Lock()
	if e, ok := s.entries[objectID]; ok {
		e.pins++
	}
	s.mu.Unlock()
}

func (c *InstanceCache) Unpin(objectID ID) {
	s := c.shardFor(objectID)
	s.mu.Lock()
	if e, ok := s.entries[objectID]; ok && e.pins > 0 {
		e.pins--
	}
	s.mu.Unlock()
}

// Lookup returns (entry, true) if there's any data for objectID, or
// (nil, false) for NONE (spec §4.7 "Lookup").
func (c *InstanceCache) Lookup(objectID ID) (*InstanceCacheEntry, bool) {
	s := c.shardFor(objectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[objectID]
	if !ok {
		return nil, false
	}
	cp := *e
	cp.streams = append([]cachedStream(nil), e.streams...)
	return &cp, true
}

// Expire removes every entry untouched for longer than age (spec §4.7
// "expire(age_ms)").
func (c *InstanceCache) Expire(age time.Duration) {
	cutoff := time.Now().Add(-age)
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.pins == 0 && e.lastTouched.Before(cutoff) {
				for _, st := range e.streams {
					s.used -= int64(len(st.data))
				}
				delete(s.entries, id)
				s.removeFromLRU(id)
			}
		}
		s.mu.Unlock()
	}
}

func (s *instanceCacheShard) removeFromLRU(id ID) {
	for i, v := range s.lru {
		if v == id {
			s.lru = append(s.lru[:i:i], s.lru[i+1:]...)
			return
		}
	}
}

// RemoveNode purges all entries whose data arrived from nodeID, used on
// disconnect (spec §4.7 "On node disconnect").
func (c *InstanceCache) RemoveNode(nodeID ID) {
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if e.NodeID == nodeID {
				for _, st := range e.streams {
					s.used -= int64(len(st.data))
				}
				delete(s.entries, id)
				s.removeFromLRU(id)
			}
		}
		s.mu.Unlock()
	}
}
