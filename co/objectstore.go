/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"
	"time"

	"github.com/Eyescale/Collage-sub000/cmn/atomic"
)

type objKey struct {
	id       ID
	instance uint32
}

// pendingCommand is one object-scope frame that arrived before its target
// attached locally, parked so it can be redispatched once attachment
// changes (spec §4.5 "Dispatch").
type pendingCommand struct {
	from  ID
	kind  uint32
	frame objectDataFrame
}

// ObjectStore is the single process-wide owner of the id → object(s) table
// and the entry point for object-scope commands (spec §4.5).
type ObjectStore struct {
	ln *LocalNode

	mu          sync.Mutex
	byKey       map[objKey]*Object
	byID        map[ID][]*Object
	pending     map[ID][]pendingCommand
	instanceGen atomic.Uint32

	sendOnRegister bool
	pushHandlers   map[string]PushHandler
}

// PushHandler instantiates and locally registers a pushed object (spec
// §4.5 "push", the default policy described there).
type PushHandler func(typeTag string, data []byte) (*Object, error)

func newObjectStore(ln *LocalNode) *ObjectStore {
	return &ObjectStore{
		ln:             ln,
		byKey:          make(map[objKey]*Object),
		byID:           make(map[ID][]*Object),
		pending:        make(map[ID][]pendingCommand),
		sendOnRegister: true,
		pushHandlers:   make(map[string]PushHandler),
	}
}

// nextInstanceID advances an atomic counter into the upper half of u32, to
// minimise collisions with remote-assigned ids (spec §4.5 "register").
func (s *ObjectStore) nextInstanceID() uint32 {
	return 0x80000000 | s.instanceGen.Add(1)
}

func (s *ObjectStore) attach(obj *Object) {
	s.mu.Lock()
	s.byKey[objKey{obj.identifier, obj.instanceID}] = obj
	s.byID[obj.identifier] = append(s.byID[obj.identifier], obj)
	s.mu.Unlock()
	s.redispatchPending(obj.identifier)
}

func (s *ObjectStore) detach(obj *Object) {
	s.mu.Lock()
	delete(s.byKey, objKey{obj.identifier, obj.instanceID})
	list := s.byID[obj.identifier]
	for i, o := range list {
		if o == obj {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byID, obj.identifier)
	} else {
		s.byID[obj.identifier] = list
	}
	s.mu.Unlock()
}

func (s *ObjectStore) find(id ID, instance uint32) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byKey[objKey{id, instance}]
	return o, ok
}

// findLocalMaster returns this store's locally attached master instance of id,
// if any (spec §4.5 "A LocalNode may additionally serve itself from a
// directly-attached master").
func (s *ObjectStore) findLocalMaster(id ID) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.byID[id] {
		if o.isMaster {
			return o, true
		}
	}
	return nil, false
}

// Register attaches obj as a newly minted (or application-chosen-id)
// master object (spec §4.5 "register").
func (s *ObjectStore) Register(obj *Object) error {
	if obj.IsAttached() {
		return NewError(KindProgrammerError, "register: object already attached")
	}
	if obj.identifier.IsNone() {
		obj.identifier = NewID()
	}
	obj.instanceID = s.nextInstanceID()
	obj.isMaster = true
	obj.localNode = s.ln
	obj.cm = newChangeManager(obj, true)
	s.attach(obj)
	metricObjectsRegistered.Inc()
	return nil
}

// Deregister detaches a master object. Every outstanding slave reference is
// dropped from its change manager; this port does not push an explicit
// disconnect notice to already-mapped slaves (documented limitation).
func (s *ObjectStore) Deregister(obj *Object) error {
	if !obj.IsAttached() || !obj.isMaster {
		return NewError(KindProgrammerError, "deregister: not an attached master")
	}
	obj.cm = nullCM{}
	s.detach(obj)
	obj.instanceID = InvalidInstanceID
	obj.localNode = nil
	return nil
}

// Map attaches obj as a slave of masterID, resolving the initial version
// (spec §4.5 "map"). If masterNode is ID.none the master is discovered via
// find_master_node first.
func (s *ObjectStore) Map(obj *Object, masterID ID, requested Version, masterNode ID, timeout time.Duration) (bool, error) {
	if obj.IsAttached() {
		return false, NewError(KindProgrammerError, "map: object already attached")
	}

	// local shortcut: the master lives on this same process.
	if masterNode.IsNone() || masterNode == s.ln.ID {
		if masterObj, ok := s.findLocalMaster(masterID); ok {
			return s.mapLocal(obj, masterObj, requested)
		}
	}

	if masterNode.IsNone() {
		node, err := s.ln.FindMasterNode(masterID, timeout)
		if err != nil {
			return false, err
		}
		masterNode = node
	}

	peer, ok := s.ln.peers.get(masterNode)
	if !ok || peer.conn == nil {
		return false, NewError(KindUnreachablePeer, "map: master node %s not connected", masterNode)
	}

	cacheOldest, cacheNewest := s.cacheHint(masterID)

	reqID := s.ln.requests.New(masterNode)
	frame := EncodeFrame(FrameHeader{BigEndian: peer.BigEndian, Type: CommandTypeNode, Command: CmdMapObject},
		encodeMapObject(reqID, masterID, requested, cacheOldest, cacheNewest))
	s.ln.sendFrame(peer, frame)

	result, err := s.ln.requests.Wait(reqID, time.After(timeout))
	if err != nil {
		return false, err
	}
	reply := result.(mapObjectSuccess)
	if !reply.success {
		return false, NewError(KindMappingFailure, "map: master rejected request for %s", masterID)
	}

	obj.identifier = masterID
	obj.instanceID = s.nextInstanceID()
	obj.isMaster = false
	obj.changeType = reply.changeType
	obj.localNode = s.ln
	obj.cm = newChangeManager(obj, false)

	if err := s.applyMapReply(obj, reply); err != nil {
		return false, err
	}
	s.attach(obj)
	metricObjectsMapped.Inc()
	return true, nil
}

// cacheHint returns the version window this node's instance cache already
// holds for masterID (spec §8 testable property #7), or (NONE, NONE) if
// nothing is resident.
func (s *ObjectStore) cacheHint(masterID ID) (oldest, newest Version) {
	if s.ln.instanceCache == nil {
		return VersionNone, VersionNone
	}
	e, ok := s.ln.instanceCache.Lookup(masterID)
	if !ok {
		return VersionNone, VersionNone
	}
	return e.OldestNewest()
}

// cachedInstanceData retrieves the exact retained stream for version out of
// this node's instance cache, used when a master replies with UseCache
// instead of resending the data.
func (s *ObjectStore) cachedInstanceData(id ID, version Version) ([]byte, bool) {
	if s.ln.instanceCache == nil {
		return nil, false
	}
	e, ok := s.ln.instanceCache.Lookup(id)
	if !ok {
		return nil, false
	}
	return e.StreamAt(version)
}

// mapLocal resolves a map request against a master object hosted in this
// same process without going over the wire.
func (s *ObjectStore) mapLocal(obj *Object, masterObj *Object, requested Version) (bool, error) {
	cacheOldest, cacheNewest := s.cacheHint(masterObj.identifier)
	result, err := masterObj.cm.AddSlave(SlaveRef{NodeID: s.ln.ID, InstanceID: 0}, requested, cacheOldest, cacheNewest, 5*time.Second)
	if err != nil {
		return false, err
	}

	obj.identifier = masterObj.identifier
	obj.instanceID = s.nextInstanceID()
	obj.isMaster = false
	obj.changeType = masterObj.changeType
	obj.localNode = s.ln
	obj.cm = newChangeManager(obj, false)

	if result.UseCache {
		data, ok := s.cachedInstanceData(masterObj.identifier, result.ResolvedVersion)
		if !ok {
			return false, NewError(KindMappingFailure, "map: %s: cache hit advertised but %s no longer resident", masterObj.identifier, result.ResolvedVersion)
		}
		obj.cm.Feed(objectDataFrame{kind: CmdObjectInstance, version: result.ResolvedVersion, isLast: true, data: data})
		if err := obj.cm.Sync(obj, VersionHead); err != nil {
			return false, err
		}
		s.attach(obj)
		metricObjectsMapped.Inc()
		return true, nil
	}

	if len(result.Instance) > 0 {
		obj.cm.Feed(objectDataFrame{kind: CmdObjectInstance, version: result.ResolvedVersion, isLast: true, data: result.Instance})
	}
	for _, d := range result.Deltas {
		obj.cm.Feed(objectDataFrame{kind: CmdObjectDelta, version: result.ResolvedVersion, isLast: true, data: d})
	}
	if len(result.Instance) > 0 || len(result.Deltas) > 0 {
		if err := obj.cm.Sync(obj, VersionHead); err != nil {
			return false, err
		}
	}
	s.attach(obj)
	metricObjectsMapped.Inc()
	return true, nil
}

func (s *ObjectStore) applyMapReply(obj *Object, reply mapObjectSuccess) error {
	if reply.useCache {
		data, ok := s.cachedInstanceData(obj.identifier, reply.resolved)
		if !ok {
			return NewError(KindMappingFailure, "map: %s: cache hit advertised but %s no longer resident", obj.identifier, reply.resolved)
		}
		obj.cm.Feed(objectDataFrame{kind: CmdObjectInstance, version: reply.resolved, isLast: true, data: data})
		return obj.cm.Sync(obj, VersionHead)
	}
	if len(reply.instance) > 0 {
		obj.cm.Feed(objectDataFrame{kind: CmdObjectInstance, version: reply.resolved, isLast: true, data: reply.instance})
	}
	for _, d := range reply.deltas {
		obj.cm.Feed(objectDataFrame{kind: CmdObjectDelta, version: reply.resolved, isLast: true, data: d})
	}
	if reply.resolved == VersionNone {
		return nil // mapped before the master's first commit; nothing to sync yet
	}
	if len(reply.instance) == 0 && len(reply.deltas) == 0 {
		return NewError(KindMappingFailure, "map: empty reply for %s", obj.identifier)
	}
	return obj.cm.Sync(obj, VersionHead)
}

// Sync advances a mapped slave object to target (spec §4.5 "sync").
func (s *ObjectStore) Sync(obj *Object, target Version, timeout time.Duration) error {
	if !obj.IsAttached() || obj.isMaster {
		return NewError(KindProgrammerError, "sync: not an attached slave")
	}
	return obj.cm.Sync(obj, target)
}

// Unmap detaches a slave object locally. UNSUBSCRIBE_OBJECT goes only to the
// node masterNodeHint names, and that is always IDNone, so no remote master
// is informed and it keeps the slave in its subscriber list.
func (s *ObjectStore) Unmap(obj *Object) error {
	if !obj.IsAttached() || obj.isMaster {
		return NewError(KindProgrammerError, "unmap: not an attached slave")
	}
	if peer, ok := s.ln.peers.get(s.masterNodeHint(obj)); ok && peer.conn != nil {
		frame := EncodeFrame(FrameHeader{BigEndian: peer.BigEndian, Type: CommandTypeNode, Command: CmdUnsubscribeObject},
			encodeUnsubscribeObject(obj.identifier, obj.instanceID))
		s.ln.sendFrame(peer, frame)
	}
	s.detach(obj)
	obj.cm = nullCM{}
	obj.instanceID = InvalidInstanceID
	obj.localNode = nil
	return nil
}

// masterNodeHint always returns IDNone: a slave object does not record which
// node it mapped from, so Unmap never finds a peer to send UNSUBSCRIBE_OBJECT
// to.
func (s *ObjectStore) masterNodeHint(obj *Object) ID { return IDNone }

// redispatchPending replays any object-scope commands parked for id because
// it was not yet attached (spec §4.5 "Dispatch").
func (s *ObjectStore) redispatchPending(id ID) {
	s.mu.Lock()
	cmds := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	for _, c := range cmds {
		s.DispatchObjectFrame(c.from, id, 0, c.frame)
	}
}

// DispatchObjectFrame routes one decoded object-scope payload to its
// target's change manager, parking it if the target is not yet attached.
func (s *ObjectStore) DispatchObjectFrame(from, id ID, instance uint32, f objectDataFrame) {
	obj, ok := s.find(id, instance)
	if !ok {
		// nothing attached under exactly (id, instance): fall back to any
		// locally attached instance of id.
		s.mu.Lock()
		for _, o := range s.byID[id] {
			obj, ok = o, true
			break
		}
		s.mu.Unlock()
	}
	if !ok {
		s.mu.Lock()
		s.pending[id] = append(s.pending[id], pendingCommand{from: from, kind: f.kind, frame: f})
		s.mu.Unlock()
		if s.ln.instanceCache != nil && f.kind == CmdObjectInstance {
			s.ln.instanceCache.Insert(id, instance, from, f.version, f.data)
		}
		return
	}
	obj.cm.Feed(f)
}

// Push sends instance data of any object to an arbitrary set of nodes as one
// OBJECT_PUSH frame per node that carries the data itself (spec §4.5 "push").
func (s *ObjectStore) Push(obj *Object, group, typeTag string, nodeIDs []ID) {
	o := NewDataOStream(obj.ID(), obj.InstanceID(), nil)
	o.Enable(uint32(CmdObjectInstance), nil, obj.GetVersion())
	o.EnableSave()
	obj.snapshotInstance(o)
	_ = o.Flush(true)
	data := o.Saved()

	for _, nid := range nodeIDs {
		peer, ok := s.ln.peers.get(nid)
		if !ok || peer.conn == nil {
			continue
		}
		frame := EncodeFrame(FrameHeader{BigEndian: peer.BigEndian, Type: CommandTypeNode, Command: CmdObjectPush},
			encodeObjectPush(group, typeTag, obj.ID(), data))
		s.ln.sendFrame(peer, frame)
		metricPushes.Inc()
	}
}

// HandlePush applies an incoming OBJECT_PUSH by instantiating an object via
// the group's registered factory and registering it locally at
// VERSION_NONE (spec §4.5 "push", default policy).
func (s *ObjectStore) HandlePush(group, typeTag string, data []byte) error {
	s.mu.Lock()
	h, ok := s.pushHandlers[group]
	s.mu.Unlock()
	if !ok {
		return NewError(KindProtocolMismatch, "push: no handler registered for group %q", group)
	}
	obj, err := h(typeTag, data)
	if err != nil {
		return err
	}
	i := newDataIStreamFromRaw(false, data)
	if err := obj.applyInstance(i); err != nil {
		return err
	}
	return s.Register(obj)
}

// RegisterPushHandler binds a factory for incoming pushes tagged with group.
func (s *ObjectStore) RegisterPushHandler(group string, h PushHandler) {
	s.mu.Lock()
	s.pushHandlers[group] = h
	s.mu.Unlock()
}
