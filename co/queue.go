/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"
	"time"

	"github.com/Eyescale/Collage-sub000/cmn/atomic"
)

// defaultPrefetchMark/defaultPrefetchAmount are what a QueueSlave falls back
// to when NewQueueSlave is given zero for either.
const (
	defaultPrefetchMark   = 2
	defaultPrefetchAmount = 4
)

// queueMasterState is the producer-side FIFO backing one QueueMaster,
// drained by QUEUE_GET_ITEM requests from any number of QueueSlaves
// (supplemented feature, grounded on original_source/co/queueMaster.cpp's
// lunchbox::MTQueue of item buffers).
type queueMasterState struct {
	mu    sync.Mutex
	items [][]byte
}

func (s *queueMasterState) push(data []byte) {
	s.mu.Lock()
	s.items = append(s.items, data)
	s.mu.Unlock()
}

// pop removes and returns up to count items in FIFO order.
func (s *queueMasterState) pop(count uint32) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count > uint32(len(s.items)) {
		count = uint32(len(s.items))
	}
	out := s.items[:count:count]
	s.items = s.items[count:]
	return out
}

func (s *queueMasterState) clear() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

func (ln *LocalNode) registerQueueMaster(objectID ID, state *queueMasterState) {
	ln.queuesMu.Lock()
	ln.queues[objectID] = state
	ln.queuesMu.Unlock()
}

func (ln *LocalNode) deregisterQueueMaster(objectID ID) {
	ln.queuesMu.Lock()
	delete(ln.queues, objectID)
	ln.queuesMu.Unlock()
}

func (ln *LocalNode) queueState(objectID ID) (*queueMasterState, bool) {
	ln.queuesMu.Lock()
	defer ln.queuesMu.Unlock()
	s, ok := ln.queues[objectID]
	return s, ok
}

// queueMasterValue is the STATIC instance data a QueueMaster publishes: the
// address (instance id + node id) slaves need to send GET_ITEM requests to
// (spec's ambient STATIC change-manager already delivers this once per
// slave on map, per the original's getInstanceData).
type queueMasterValue struct {
	qm *QueueMaster
}

func (v *queueMasterValue) GetInstanceData(o *DataOStream) {
	o.WriteUint32(v.qm.obj.InstanceID())
	o.WriteFixedBytes(v.qm.ln.ID[:])
}

func (v *queueMasterValue) ApplyInstanceData(*DataIStream) error {
	return NewError(KindProgrammerError, "queue master: apply_instance_data is unreachable")
}

func (v *queueMasterValue) IsDirty() bool { return false }

// QueueMaster is the producer end of a distributed queue (spec §3.1,
// grounded on original_source/co/queueMaster.{h,cpp}): one or more
// QueueSlaves map to it and pull items with Pop.
type QueueMaster struct {
	obj   *Object
	ln    *LocalNode
	state *queueMasterState
}

// NewQueueMaster builds an unattached queue producer.
func NewQueueMaster() *QueueMaster {
	qm := &QueueMaster{state: &queueMasterState{}}
	qm.obj = NewObject(&queueMasterValue{qm: qm}, ChangeStatic)
	return qm
}

// Register attaches the queue master to ln.
func (qm *QueueMaster) Register(ln *LocalNode) error {
	qm.ln = ln
	if err := ln.Store().Register(qm.obj); err != nil {
		return err
	}
	ln.registerQueueMaster(qm.obj.ID(), qm.state)
	return nil
}

// Deregister detaches the queue master and drops its backlog.
func (qm *QueueMaster) Deregister() error {
	if err := qm.ln.Store().Deregister(qm.obj); err != nil {
		return err
	}
	qm.ln.deregisterQueueMaster(qm.obj.ID())
	return nil
}

// Push enqueues one item for consumption by any connected QueueSlave.
func (qm *QueueMaster) Push(data []byte) {
	qm.state.push(data)
	metricQueueItemsPushed.Inc()
}

// Clear removes all currently enqueued, not-yet-delivered items.
func (qm *QueueMaster) Clear() { qm.state.clear() }

func (qm *QueueMaster) ID() ID { return qm.obj.ID() }

func handleQueueGetItem(ln *LocalNode, from *Node, payload []byte) {
	reqID, objectID, slaveInstanceID, count, err := decodeQueueGetItem(payload)
	if err != nil {
		return
	}
	state, ok := ln.queueState(objectID)
	if !ok {
		return
	}
	items := state.pop(count)
	for _, item := range items {
		frame := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdQueueItem},
			encodeQueueItem(objectID, slaveInstanceID, item))
		ln.sendFrame(from, frame)
	}
	if uint32(len(items)) < count {
		frame := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdQueueEmpty},
			encodeQueueEmpty(objectID, slaveInstanceID, reqID))
		ln.sendFrame(from, frame)
	}
}

// queueSlaveValue applies the one STATIC instance stream carrying the
// master's address; it never serialises (the slave side of a STATIC
// object is never asked to, per the change manager's contract).
type queueSlaveValue struct {
	qs *QueueSlave
}

func (v *queueSlaveValue) GetInstanceData(*DataOStream) {}

func (v *queueSlaveValue) ApplyInstanceData(i *DataIStream) error {
	instanceID, err := i.ReadUint32()
	if err != nil {
		return err
	}
	raw, err := i.ReadFixedBytes(16)
	if err != nil {
		return err
	}
	var nodeID ID
	copy(nodeID[:], raw)
	v.qs.masterInstance = instanceID
	v.qs.masterNodeID = nodeID
	return nil
}

func (v *queueSlaveValue) IsDirty() bool { return false }

// QueueSlave is the consumer end of a distributed queue (spec §3.1,
// grounded on original_source/co/queueSlave.{h,cpp}): it prefetches items
// from its QueueMaster to hide request latency, refilling once its local
// backlog drops to prefetchMark.
type QueueSlave struct {
	obj            *Object
	ln             *LocalNode
	masterNodeID   ID
	masterInstance uint32
	prefetchMark   uint32
	prefetchAmount uint32
	reqCounter     atomic.Uint32

	mu      sync.Mutex
	cond    *sync.Cond
	backlog [][]byte
	empty   map[uint32]bool
}

// NewQueueSlave builds an unattached queue consumer. A zero prefetchMark or
// prefetchAmount falls back to the package defaults.
func NewQueueSlave(prefetchMark, prefetchAmount uint32) *QueueSlave {
	if prefetchMark == 0 {
		prefetchMark = defaultPrefetchMark
	}
	if prefetchAmount == 0 {
		prefetchAmount = defaultPrefetchAmount
	}
	qs := &QueueSlave{prefetchMark: prefetchMark, prefetchAmount: prefetchAmount, empty: make(map[uint32]bool)}
	qs.cond = sync.NewCond(&qs.mu)
	qs.obj = NewObject(&queueSlaveValue{qs: qs}, ChangeStatic)
	return qs
}

// Map attaches this slave to the queue master masterID, resolving
// masterNode via find-master when it is ID.none.
func (qs *QueueSlave) Map(ln *LocalNode, masterID ID, masterNode ID, timeout time.Duration) error {
	qs.ln = ln
	ok, err := ln.Store().Map(qs.obj, masterID, VersionHead, masterNode, timeout)
	if err != nil {
		return err
	}
	if !ok {
		return NewError(KindMappingFailure, "queue: map %s failed", masterID)
	}
	ln.registerQueueSlave(qs.obj.ID(), qs.obj.InstanceID(), qs)
	return nil
}

// Unmap detaches this slave.
func (qs *QueueSlave) Unmap() error {
	qs.ln.unregisterQueueSlave(qs.obj.ID(), qs.obj.InstanceID())
	return qs.ln.Store().Unmap(qs.obj)
}

func (ln *LocalNode) registerQueueSlave(objectID ID, instanceID uint32, qs *QueueSlave) {
	ln.queueSlavesMu.Lock()
	ln.queueSlaves[objKey{objectID, instanceID}] = qs
	ln.queueSlavesMu.Unlock()
}

func (ln *LocalNode) unregisterQueueSlave(objectID ID, instanceID uint32) {
	ln.queueSlavesMu.Lock()
	delete(ln.queueSlaves, objKey{objectID, instanceID})
	ln.queueSlavesMu.Unlock()
}

func (ln *LocalNode) queueSlave(objectID ID, instanceID uint32) (*QueueSlave, bool) {
	ln.queueSlavesMu.Lock()
	defer ln.queueSlavesMu.Unlock()
	qs, ok := ln.queueSlaves[objKey{objectID, instanceID}]
	return qs, ok
}

func handleQueueItem(ln *LocalNode, from *Node, payload []byte) {
	objectID, slaveInstanceID, data, err := decodeQueueItem(payload)
	if err != nil {
		return
	}
	qs, ok := ln.queueSlave(objectID, slaveInstanceID)
	if !ok {
		return
	}
	qs.mu.Lock()
	qs.backlog = append(qs.backlog, data)
	qs.cond.Broadcast()
	qs.mu.Unlock()
}

func handleQueueEmpty(ln *LocalNode, from *Node, payload []byte) {
	objectID, slaveInstanceID, reqID, err := decodeQueueEmpty(payload)
	if err != nil {
		return
	}
	qs, ok := ln.queueSlave(objectID, slaveInstanceID)
	if !ok {
		return
	}
	qs.mu.Lock()
	qs.empty[reqID] = true
	qs.cond.Broadcast()
	qs.mu.Unlock()
}

// requestItems pulls up to count items from the master. When the master is
// hosted on this same LocalNode, it is served directly in-process rather
// than round-tripping a GET_ITEM/ITEM frame pair to ourselves (mirrors
// Barrier's same-node shortcut).
func (qs *QueueSlave) requestItems(count, reqID uint32) {
	if qs.masterNodeID == qs.ln.ID {
		state, ok := qs.ln.queueState(qs.obj.ID())
		if !ok {
			return
		}
		items := state.pop(count)
		qs.mu.Lock()
		qs.backlog = append(qs.backlog, items...)
		if uint32(len(items)) < count {
			qs.empty[reqID] = true
		}
		qs.cond.Broadcast()
		qs.mu.Unlock()
		return
	}
	peer, ok := qs.ln.peers.get(qs.masterNodeID)
	if !ok || peer.conn == nil {
		return
	}
	frame := EncodeFrame(FrameHeader{BigEndian: peer.BigEndian, Type: CommandTypeNode, Command: CmdQueueGetItem},
		encodeQueueGetItem(reqID, qs.obj.ID(), qs.obj.InstanceID(), count))
	qs.ln.sendFrame(peer, frame)
}

// Pop dequeues one item, requesting a refill once the local backlog drops
// to prefetchMark. Returns (nil, false, nil) if the master's queue was
// empty when this request was served; timeout <= 0 waits indefinitely
// (spec §3.1, original's LB_TIMEOUT_INDEFINITE).
func (qs *QueueSlave) Pop(timeout time.Duration) ([]byte, bool, error) {
	reqID := qs.reqCounter.Add(1)

	qs.mu.Lock()
	needsRefill := uint32(len(qs.backlog)) <= qs.prefetchMark
	qs.mu.Unlock()
	if needsRefill {
		qs.requestItems(qs.prefetchAmount, reqID)
	}

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	qs.mu.Lock()
	defer qs.mu.Unlock()
	for {
		if len(qs.backlog) > 0 {
			item := qs.backlog[0]
			qs.backlog = qs.backlog[1:]
			metricQueueItemsPopped.Inc()
			return item, true, nil
		}
		if qs.empty[reqID] {
			delete(qs.empty, reqID)
			return nil, false, nil
		}
		if !hasDeadline {
			qs.cond.Wait()
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false, NewError(KindTimeout, "queue: pop timed out")
		}
		timer := time.AfterFunc(remaining, func() {
			qs.mu.Lock()
			qs.cond.Broadcast()
			qs.mu.Unlock()
		})
		qs.cond.Wait()
		timer.Stop()
	}
}
