/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"
	"time"

	"github.com/Eyescale/Collage-sub000/cmn/atomic"
)

// RequestTable is a LocalNode's registry of outstanding one-shot
// asynchronous operations: FIND_MASTER_NODE_ID, MAP_OBJECT, SYNC_OBJECT and
// barrier ENTER (spec glossary "Request table").
type RequestTable struct {
	mu      sync.Mutex
	counter atomic.Uint32
	slots   map[uint32]*requestSlot
}

type requestSlot struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
	nodeID ID // target node, for node-disconnect cancellation
}

func NewRequestTable() *RequestTable {
	return &RequestTable{slots: make(map[uint32]*requestSlot)}
}

// New allocates a fresh request id and slot targeted at nodeID (ID.none if
// the request has no single target, e.g. a find-master broadcast).
func (t *RequestTable) New(nodeID ID) uint32 {
	id := t.counter.Add(1)
	t.mu.Lock()
	t.slots[id] = &requestSlot{done: make(chan struct{}), nodeID: nodeID}
	t.mu.Unlock()
	return id
}

// Serve completes a pending request with a result, waking its waiter.
func (t *RequestTable) Serve(id uint32, result any, err error) {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	s.once.Do(func() {
		s.result, s.err = result, err
		close(s.done)
	})
}

// Wait blocks for id's result until deadline fires, then releases the slot.
func (t *RequestTable) Wait(id uint32, deadline <-chan time.Time) (any, error) {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return nil, NewError(KindProgrammerError, "request %d not registered", id)
	}
	defer func() {
		t.mu.Lock()
		delete(t.slots, id)
		t.mu.Unlock()
	}()

	select {
	case <-s.done:
		return s.result, s.err
	case <-deadline:
		s.once.Do(func() { close(s.done) })
		return nil, NewError(KindTimeout, "request %d timed out", id)
	}
}

// CancelForNode fails every outstanding request targeted at nodeID,
// implementing "node disconnect cancels all outstanding requests targeted
// at that node's id" (spec §5 "Ordering guarantees").
func (t *RequestTable) CancelForNode(nodeID ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.slots {
		if s.nodeID == nodeID {
			s.once.Do(func() {
				s.err = NewError(KindUnreachablePeer, "node disconnected")
				close(s.done)
			})
		}
	}
}
