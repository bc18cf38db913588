/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sort"
	"sync"
	"time"

	"github.com/Eyescale/Collage-sub000/cmn/nlog"
	"github.com/Eyescale/Collage-sub000/hk"
)

// barrierHeight is the DELTA-replicated payload of a Barrier (spec §4.8
// "worked example"): the number of participants required to release one
// incarnation. Every node mapping the barrier sees the same height.
type barrierHeight struct {
	mu     sync.Mutex
	height uint32
	dirty  bool
}

func (h *barrierHeight) GetInstanceData(o *DataOStream) {
	h.mu.Lock()
	o.WriteUint32(h.height)
	h.mu.Unlock()
}

func (h *barrierHeight) ApplyInstanceData(i *DataIStream) error {
	v, err := i.ReadUint32()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.height, h.dirty = v, false
	h.mu.Unlock()
	return nil
}

func (h *barrierHeight) IsDirty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

func (h *barrierHeight) Pack(o *DataOStream)        { h.GetInstanceData(o) }
func (h *barrierHeight) Unpack(i *DataIStream) error { return h.ApplyInstanceData(i) }

func (h *barrierHeight) get() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.height
}

func (h *barrierHeight) set(n uint32) {
	h.mu.Lock()
	h.height, h.dirty = n, true
	h.mu.Unlock()
}

// barrierEntrant is one node waiting in a barrierEntry, addressed either by
// a pending outbound request id (remote) or directly through the request
// table of the local LocalNode (when the entrant is the master itself).
type barrierEntrant struct {
	nodeID ID
	reqID  uint32
}

// barrierEntry is spec §4.8's per-version Request: { time, timeout,
// incarnation, nodes[] }.
type barrierEntry struct {
	at          time.Time
	timeout     time.Duration
	incarnation uint32
	nodes       []barrierEntrant
}

func (e *barrierEntry) addEntrant(nodeID ID, reqID uint32) {
	for i, n := range e.nodes {
		if n.nodeID == nodeID {
			e.nodes[i].reqID = reqID
			return
		}
	}
	e.nodes = append(e.nodes, barrierEntrant{nodeID: nodeID, reqID: reqID})
}

// barrierMasterState is the master-side tracking table for one barrier
// object, keyed by the host LocalNode's barriers map (spec §4.8
// "Master-side handling").
type barrierMasterState struct {
	mu      sync.Mutex
	obj     *Object
	value   *barrierHeight
	entries map[uint64]*barrierEntry // keyed by version counter
}

func newBarrierMasterState(obj *Object, value *barrierHeight) *barrierMasterState {
	return &barrierMasterState{obj: obj, value: value, entries: make(map[uint64]*barrierEntry)}
}

// handle runs one ENTER against this barrier's master state and, when a
// round completes or resolves immediately, replies through ln (locally via
// the request table, or over the wire to a remote node).
func (s *barrierMasterState) handle(ln *LocalNode, fromID ID, reqID uint32, version Version, incFromClient uint32, timeout time.Duration) {
	expected := incFromClient + 1
	current := s.obj.GetVersion()

	s.mu.Lock()

	// version > current: the sender is ahead of what this master has
	// committed so far; buffer it, "works provided the next barrier will
	// reach this version" (spec §4.8).
	if version.Counter() > current.Counter() {
		key := version.Counter()
		e, ok := s.entries[key]
		if !ok {
			e = &barrierEntry{at: time.Now(), timeout: timeout, incarnation: expected}
			s.entries[key] = e
		}
		e.addEntrant(fromID, reqID)
		s.mu.Unlock()
		return
	}

	// version < current with a finite timeout: a late entrant for a round
	// that has already moved on; unblock it immediately.
	if version.Counter() < current.Counter() && timeout != 0 {
		s.mu.Unlock()
		ln.replyBarrierEnter(fromID, reqID, version, expected, true)
		return
	}

	key := version.Counter()
	e, ok := s.entries[key]
	switch {
	case !ok:
		e = &barrierEntry{at: time.Now(), timeout: timeout, incarnation: expected}
		s.entries[key] = e
	case expected < e.incarnation:
		// older incarnation than already observed: the sender already
		// left under its own timeout: reply-unblock directly.
		s.mu.Unlock()
		ln.replyBarrierEnter(fromID, reqID, version, e.incarnation, true)
		return
	case expected > e.incarnation:
		// newer incarnation racing an older one still in flight: same
		// version is the same group, so reset rather than run both.
		e.incarnation = expected
		e.nodes = nil
		e.at = time.Now()
		e.timeout = timeout
	}
	e.addEntrant(fromID, reqID)

	height := s.value.get()
	var release []barrierEntrant
	var releasedIncarnation uint32
	if height > 0 && uint32(len(e.nodes)) >= height {
		sort.Slice(e.nodes, func(i, j int) bool {
			return string(e.nodes[i].nodeID[:]) < string(e.nodes[j].nodeID[:])
		})
		release = e.nodes
		releasedIncarnation = e.incarnation
		delete(s.entries, key)
	}
	s.mu.Unlock()

	for _, ent := range release {
		ln.replyBarrierEnter(ent.nodeID, ent.reqID, version, releasedIncarnation, true)
	}
	if len(release) > 0 {
		metricBarrierEnters.Add(float64(len(release)))
	}
}

// sweep evicts entries whose age exceeds their timeout (or defaultTimeout,
// when the entry's own timeout is indefinite), reply-unblocking whoever is
// still waiting in them with a failure (spec §4.8 "Periodically sweep").
func (s *barrierMasterState) sweep(ln *LocalNode, defaultTimeout time.Duration) {
	now := time.Now()
	s.mu.Lock()
	var stale []*barrierEntry
	for key, e := range s.entries {
		effective := e.timeout
		if effective == 0 {
			effective = defaultTimeout
		}
		if now.Sub(e.at) > effective {
			stale = append(stale, e)
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		for _, ent := range e.nodes {
			ln.replyBarrierEnter(ent.nodeID, ent.reqID, VersionNone, e.incarnation, false)
		}
	}
}

// replyBarrierEnter unblocks one waiting entrant, either through the local
// request table (the entrant is this same LocalNode) or by sending
// ENTER_REPLY over the wire.
func (ln *LocalNode) replyBarrierEnter(nodeID ID, reqID uint32, version Version, incarnation uint32, success bool) {
	if nodeID == ln.ID {
		if success {
			ln.requests.Serve(reqID, incarnation, nil)
		} else {
			ln.requests.Serve(reqID, incarnation, ErrTimeoutBarrier)
		}
		return
	}
	peer, ok := ln.peers.get(nodeID)
	if !ok || peer.conn == nil {
		return
	}
	frame := EncodeFrame(FrameHeader{BigEndian: peer.BigEndian, Type: CommandTypeNode, Command: CmdBarrierEnterReply},
		encodeBarrierEnterReply(reqID, version, incarnation, success))
	ln.sendFrame(peer, frame)
}

func (ln *LocalNode) registerBarrierMaster(obj *Object, value *barrierHeight) {
	ln.barriersMu.Lock()
	ln.barriers[obj.ID()] = newBarrierMasterState(obj, value)
	ln.barriersMu.Unlock()
	hk.Reg(barrierSweepName(obj.ID()), func() time.Duration {
		ln.barriersMu.Lock()
		state, ok := ln.barriers[obj.ID()]
		ln.barriersMu.Unlock()
		if !ok {
			return -1 // object deregistered: drop the sweep
		}
		state.sweep(ln, ln.cfg.Timeout)
		return 0
	}, ln.cfg.Timeout)
}

func (ln *LocalNode) deregisterBarrierMaster(objectID ID) {
	ln.barriersMu.Lock()
	delete(ln.barriers, objectID)
	ln.barriersMu.Unlock()
	hk.Unreg(barrierSweepName(objectID))
}

func (ln *LocalNode) barrierState(objectID ID) (*barrierMasterState, bool) {
	ln.barriersMu.Lock()
	defer ln.barriersMu.Unlock()
	s, ok := ln.barriers[objectID]
	return s, ok
}

func barrierSweepName(objectID ID) string { return "barrier." + objectID.String() + hk.NameSuffix }

func handleBarrierEnter(ln *LocalNode, from *Node, payload []byte) {
	reqID, objectID, version, incarnation, timeout, err := decodeBarrierEnter(payload)
	if err != nil {
		nlog.Warningf("co: malformed BARRIER_ENTER from %s: %v", from.ID, err)
		return
	}
	state, ok := ln.barrierState(objectID)
	if !ok {
		return
	}
	state.handle(ln, from.ID, reqID, version, incarnation, timeout)
}

func handleBarrierEnterReply(ln *LocalNode, from *Node, payload []byte) {
	reqID, _, incarnation, success, err := decodeBarrierEnterReply(payload)
	if err != nil {
		return
	}
	if !success {
		ln.requests.Serve(reqID, incarnation, ErrTimeoutBarrier)
		return
	}
	ln.requests.Serve(reqID, incarnation, nil)
}

// Barrier is the client handle of spec §4.8's worked example: a DELTA
// object carrying a height, plus an enter() that blocks application threads
// until `height` nodes have entered the same incarnation.
type Barrier struct {
	obj      *Object
	value    *barrierHeight
	ln       *LocalNode
	masterID ID

	mu          sync.Mutex
	incarnation map[uint64]uint32
}

// NewBarrier builds an unattached barrier requiring height participants per
// round. Call RegisterMaster on exactly one node and Map on every other.
func NewBarrier(height uint32) *Barrier {
	v := &barrierHeight{height: height, dirty: true}
	return &Barrier{obj: NewObject(v, ChangeDelta), value: v, incarnation: make(map[uint64]uint32)}
}

// RegisterMaster attaches this barrier as the master instance hosted by ln
// and commits its initial height (spec §4.8's master role).
func (b *Barrier) RegisterMaster(ln *LocalNode) error {
	if err := ln.Store().Register(b.obj); err != nil {
		return err
	}
	b.ln, b.masterID = ln, ln.ID
	ln.registerBarrierMaster(b.obj, b.value)
	if _, err := ln.Commit(b.obj); err != nil {
		return err
	}
	return nil
}

// Map attaches this barrier as a slave of barrierID, resolving masterNode
// via find-master when it is ID.none.
func (b *Barrier) Map(ln *LocalNode, barrierID ID, masterNode ID, timeout time.Duration) error {
	ok, err := ln.Store().Map(b.obj, barrierID, VersionHead, masterNode, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return NewError(KindMappingFailure, "barrier: map %s failed", barrierID)
	}
	resolved := masterNode
	if resolved.IsNone() {
		if node, err := ln.FindMasterNode(barrierID, timeout); err == nil {
			resolved = node
		}
	}
	b.ln, b.masterID = ln, resolved
	return nil
}

// SetHeight reconfigures the number of participants required per round and
// commits the change (master side only).
func (b *Barrier) SetHeight(n uint32) error {
	b.value.set(n)
	_, err := b.ln.Commit(b.obj)
	return err
}

// Deregister detaches the master instance and stops its periodic sweep.
func (b *Barrier) Deregister() error {
	if err := b.ln.Store().Deregister(b.obj); err != nil {
		return err
	}
	b.ln.deregisterBarrierMaster(b.obj.ID())
	return nil
}

// Enter blocks the calling application thread until height participants
// have entered this barrier's current incarnation, or until timeout elapses
// (0 means wait indefinitely). Raises ErrTimeoutBarrier on timeout (spec
// §4.8 step 5).
func (b *Barrier) Enter(timeout time.Duration) error {
	if b.ln == nil || !b.obj.IsAttached() {
		return NewError(KindProgrammerError, "barrier: enter before registration or mapping")
	}
	version := b.obj.GetVersion()
	key := version.Counter()

	b.mu.Lock()
	last := b.incarnation[key]
	b.mu.Unlock()

	reqID := b.ln.Requests().New(b.masterID)
	if b.masterID == b.ln.ID {
		state, ok := b.ln.barrierState(b.obj.ID())
		if !ok {
			return NewError(KindProgrammerError, "barrier: master state missing locally")
		}
		state.handle(b.ln, b.ln.ID, reqID, version, last, timeout)
	} else {
		peer, ok := b.ln.peers.get(b.masterID)
		if !ok || peer.conn == nil {
			return NewError(KindUnreachablePeer, "barrier: master %s not connected", b.masterID)
		}
		frame := EncodeFrame(FrameHeader{BigEndian: peer.BigEndian, Type: CommandTypeNode, Command: CmdBarrierEnter},
			encodeBarrierEnter(reqID, b.obj.ID(), version, last, timeout))
		b.ln.sendFrame(peer, frame)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	} else {
		deadline = make(chan time.Time) // indefinite: never fires
	}
	result, err := b.ln.Requests().Wait(reqID, deadline)
	if err != nil {
		if IsKind(err, KindTimeout) {
			return ErrTimeoutBarrier
		}
		return err
	}
	if result == nil {
		return ErrTimeoutBarrier
	}
	b.mu.Lock()
	b.incarnation[key] = result.(uint32)
	b.mu.Unlock()
	return nil
}
