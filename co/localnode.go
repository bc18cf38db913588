/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Eyescale/Collage-sub000/cmn"
	"github.com/Eyescale/Collage-sub000/cmn/nlog"
	"github.com/Eyescale/Collage-sub000/hk"
	"github.com/Eyescale/Collage-sub000/memsys"
)

// nodeHandler processes one decoded node-scope command.
type nodeHandler func(ln *LocalNode, from *Node, payload []byte)

// LocalNode is a Node hosted in this process (spec glossary "LocalNode"): it
// owns listener connections, a receive thread per connection, a command
// thread, a buffer cache, the object store and the request table.
type LocalNode struct {
	Node

	cfg           *cmn.Config
	peers         *peerTable
	requests      *RequestTable
	store         *ObjectStore
	instanceCache *InstanceCache
	bufCache      *memsys.BufferCache

	commands chan commandJob
	group    *errgroup.Group
	stopOnce sync.Once
	stopCh   chan struct{}

	handlers map[uint32]nodeHandler

	barriersMu sync.Mutex
	barriers   map[ID]*barrierMasterState

	queuesMu      sync.Mutex
	queues        map[ID]*queueMasterState
	queueSlavesMu sync.Mutex
	queueSlaves   map[objKey]*QueueSlave
}

type commandJob struct {
	from *Node
	buf  *memsys.Buffer
}

// NewLocalNode builds a LocalNode identified by id, carrying cfg (or
// cmn.DefaultConfig() if nil).
func NewLocalNode(id ID, cfg *cmn.Config) *LocalNode {
	if cfg == nil {
		cfg = cmn.DefaultConfig()
	}
	ln := &LocalNode{
		Node:          Node{ID: id, BigEndian: false},
		cfg:           cfg,
		peers:         newPeerTable(),
		requests:      NewRequestTable(),
		instanceCache: NewInstanceCache(int64(cfg.InstanceCacheSizeMB) * 1024 * 1024),
		bufCache:      memsys.NewBufferCache(4),
		commands:      make(chan commandJob, cfg.CommandQueueLimit),
		group:         new(errgroup.Group),
		stopCh:        make(chan struct{}),
		handlers:      make(map[uint32]nodeHandler),
		barriers:      make(map[ID]*barrierMasterState),
		queues:        make(map[ID]*queueMasterState),
		queueSlaves:   make(map[objKey]*QueueSlave),
	}
	ln.store = newObjectStore(ln)
	ln.registerHandlers()
	return ln
}

// registerHandlers populates the per-(type, command) dispatch table at
// construction, replacing the teacher's runtime Dispatcher::registerCommand
// double-dispatch with a fixed map of closures.
func (ln *LocalNode) registerHandlers() {
	ln.handlers[CmdFindMasterNodeID] = handleFindMasterNodeID
	ln.handlers[CmdFindMasterNodeIDReply] = handleFindMasterNodeIDReply
	ln.handlers[CmdMapObject] = handleMapObject
	ln.handlers[CmdMapObjectReply] = handleMapObjectReply
	ln.handlers[CmdSyncObject] = handleSyncObject
	ln.handlers[CmdSyncObjectReply] = handleSyncObjectReply
	ln.handlers[CmdUnsubscribeObject] = handleUnsubscribeObject
	ln.handlers[CmdObjectPush] = handleObjectPush
	ln.handlers[CmdBarrierEnter] = handleBarrierEnter
	ln.handlers[CmdBarrierEnterReply] = handleBarrierEnterReply
	ln.handlers[CmdQueueGetItem] = handleQueueGetItem
	ln.handlers[CmdQueueItem] = handleQueueItem
	ln.handlers[CmdQueueEmpty] = handleQueueEmpty
}

func (ln *LocalNode) Store() *ObjectStore           { return ln.store }
func (ln *LocalNode) InstanceCache() *InstanceCache { return ln.instanceCache }
func (ln *LocalNode) Requests() *RequestTable       { return ln.requests }
func (ln *LocalNode) BufCache() *memsys.BufferCache { return ln.bufCache }

// AddPeerConnection registers an already-established connection to a peer
// after performing the NODE_CONNECT handshake, then starts its receiver
// goroutine. Used both for outbound Connect() and inbound accepted
// connections.
func (ln *LocalNode) AddPeerConnection(conn Connection, initiator bool) (*Node, error) {
	if initiator {
		frame := EncodeFrame(FrameHeader{BigEndian: ln.BigEndian, Type: CommandTypeNode, Command: CmdNodeConnect},
			encodeNodeConnect(ln.ID, ln.BigEndian, ln.Type))
		conn.LockSend()
		conn.Write(frame, len(frame))
		conn.UnlockSend()
	}

	payload, res := conn.ReadFrame(true, ln.cfg.Timeout)
	if res.Err != nil {
		return nil, res.Err
	}
	_, body, err := DecodeFrame(ln.BigEndian, payload)
	if err != nil {
		return nil, err
	}
	peerID, peerBig, peerType, err := decodeNodeConnect(body)
	if err != nil {
		return nil, err
	}

	if !initiator {
		reply := EncodeFrame(FrameHeader{BigEndian: ln.BigEndian, Type: CommandTypeNode, Command: CmdNodeConnectReply},
			encodeNodeConnect(ln.ID, ln.BigEndian, ln.Type))
		conn.LockSend()
		conn.Write(reply, len(reply))
		conn.UnlockSend()
	}

	node := &Node{ID: peerID, Type: peerType, BigEndian: peerBig, conn: conn}
	ln.peers.put(node)
	ln.group.Go(func() error {
		ln.receiveLoop(node)
		return nil
	})
	nlog.Infof("co: connected to node %s", peerID)
	return node, nil
}

// bufCacheCompactInterval and instanceCacheExpireAge drive the two
// housekeeping callbacks Listen registers (spec §4.2 buffer-cache
// compaction, §4.7 instance-cache expiry).
const (
	bufCacheCompactInterval = time.Second
	instanceCacheExpireAge  = 5 * time.Minute
)

func (ln *LocalNode) bufCacheCompactName() string { return "bufcache." + ln.ID.String() + hk.NameSuffix }
func (ln *LocalNode) instanceCacheExpireName() string {
	return "instcache." + ln.ID.String() + hk.NameSuffix
}

// Listen starts the command thread and prepares the node to accept
// connections handed to it via AddPeerConnection (spec §5 "Receiver
// thread"/"Command thread").
func (ln *LocalNode) Listen() {
	ln.group.Go(func() error {
		ln.commandLoop()
		return nil
	})
	go hk.DefaultHK.Run()

	if ln.bufCache != nil {
		hk.Reg(ln.bufCacheCompactName(), func() time.Duration {
			ln.bufCache.Compact()
			return 0
		}, bufCacheCompactInterval)
	}
	if ln.instanceCache != nil {
		hk.Reg(ln.instanceCacheExpireName(), func() time.Duration {
			ln.instanceCache.Expire(instanceCacheExpireAge)
			return 0
		}, instanceCacheExpireAge)
	}
}

// Close stops the command thread and every receiver goroutine.
func (ln *LocalNode) Close() {
	ln.stopOnce.Do(func() { close(ln.stopCh) })
	hk.Unreg(ln.bufCacheCompactName())
	hk.Unreg(ln.instanceCacheExpireName())
	if ln.group != nil {
		_ = ln.group.Wait()
	}
	if ln.bufCache != nil {
		ln.bufCache.Flush()
	}
}

func (ln *LocalNode) sendFrame(peer *Node, frame []byte) {
	if peer == nil || peer.conn == nil {
		return
	}
	peer.conn.LockSend()
	peer.conn.Write(frame, len(frame))
	peer.conn.UnlockSend()
}

// receiveLoop is the per-connection receiver thread (spec §5): it reads
// complete frames, classifies them, and either applies them locally
// (object-scope) or enqueues them for the command thread (node-scope).
func (ln *LocalNode) receiveLoop(peer *Node) {
	for {
		select {
		case <-ln.stopCh:
			return
		default:
		}
		frame, res := peer.conn.ReadFrame(true, ln.cfg.KeepaliveTimeout)
		if res.Err != nil {
			ln.onDisconnect(peer)
			return
		}
		if res.Timeout {
			continue
		}

		// Copy the frame into a cache-recycled buffer (spec §4.2): the
		// transport's own bytes (e.g. a pipeConnection channel send) aren't
		// ours to hold onto past this read.
		buf := ln.bufCache.Alloc(len(frame))
		buf.Resize(len(frame))
		copy(buf.Bytes(), frame)

		h, payload, err := DecodeFrame(peer.BigEndian, buf.Bytes())
		if err != nil {
			nlog.Warningf("co: malformed frame from %s: %v", peer.ID, err)
			buf.Release()
			continue
		}
		if h.Type == CommandTypeObject {
			f, err := decodeObjectDataPayload(peer.BigEndian, payload)
			buf.Release() // decodeObjectDataPayload copies out everything it keeps
			if err != nil {
				nlog.Warningf("co: malformed object frame from %s: %v", peer.ID, err)
				continue
			}
			f.kind = h.Command
			ln.store.DispatchObjectFrame(peer.ID, h.ObjectID, h.InstanceID, f)
			continue
		}
		select {
		case ln.commands <- commandJob{from: peer, buf: buf}:
		case <-ln.stopCh:
			buf.Release()
			return
		}
	}
}

func (ln *LocalNode) onDisconnect(peer *Node) {
	ln.peers.remove(peer.ID)
	ln.requests.CancelForNode(peer.ID)
	if ln.instanceCache != nil {
		ln.instanceCache.RemoveNode(peer.ID)
	}
	nlog.Infof("co: node %s (%s) disconnected", peer.Tag(), peer.ID)
}

// commandLoop is the command thread (spec §5): a FIFO of owner-parsed input
// commands, executed one at a time.
func (ln *LocalNode) commandLoop() {
	for {
		select {
		case job := <-ln.commands:
			h, payload, err := DecodeFrame(job.from.BigEndian, job.buf.Bytes())
			if err != nil {
				job.buf.Release()
				continue
			}
			if handler, ok := ln.handlers[h.Command]; ok {
				handler(ln, job.from, payload)
			}
			job.buf.Release()
		case <-ln.stopCh:
			return
		}
	}
}

// FindMasterNode implements the find-master algorithm of spec §4.5: query
// every currently connected node and take the first non-zero reply.
func (ln *LocalNode) FindMasterNode(objectID ID, timeout time.Duration) (ID, error) {
	if _, ok := ln.store.findLocalMaster(objectID); ok {
		return ln.ID, nil
	}
	peers := ln.peers.connected()
	if len(peers) == 0 {
		return IDNone, NewError(KindUnreachablePeer, "find_master: no connected peers")
	}

	type result struct {
		node ID
		err  error
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		reqID := ln.requests.New(p.ID)
		frame := EncodeFrame(FrameHeader{BigEndian: p.BigEndian, Type: CommandTypeNode, Command: CmdFindMasterNodeID},
			encodeFindMasterNodeID(reqID, objectID))
		ln.sendFrame(p, frame)
		go func(id uint32) {
			v, err := ln.requests.Wait(id, time.After(timeout))
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{node: v.(ID)}
		}(reqID)
	}

	deadline := time.After(timeout)
	for range peers {
		select {
		case r := <-results:
			if r.err == nil && !r.node.IsNone() {
				return r.node, nil
			}
		case <-deadline:
			return IDNone, NewError(KindTimeout, "find_master: timed out")
		}
	}
	return IDNone, NewError(KindMappingFailure, "find_master: no node knows %s", objectID)
}

//
// node-scope command handlers
//

func handleFindMasterNodeID(ln *LocalNode, from *Node, payload []byte) {
	reqID, objectID, err := decodeFindMasterNodeID(payload)
	if err != nil {
		return
	}
	master := IDNone
	if _, ok := ln.store.findLocalMaster(objectID); ok {
		master = ln.ID
	}
	reply := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdFindMasterNodeIDReply},
		encodeFindMasterNodeIDReply(reqID, master))
	ln.sendFrame(from, reply)
}

func handleFindMasterNodeIDReply(ln *LocalNode, from *Node, payload []byte) {
	reqID, master, err := decodeFindMasterNodeIDReply(payload)
	if err != nil {
		return
	}
	ln.requests.Serve(reqID, master, nil)
}

func handleMapObject(ln *LocalNode, from *Node, payload []byte) {
	reqID, objectID, requested, cacheOldest, cacheNewest, err := decodeMapObject(payload)
	if err != nil {
		return
	}
	masterObj, ok := ln.store.findLocalMaster(objectID)
	if !ok {
		reply := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdMapObjectReply},
			encodeMapObjectSuccess(mapObjectSuccess{reqID: reqID, success: false}))
		ln.sendFrame(from, reply)
		return
	}

	result, err := masterObj.cm.AddSlave(SlaveRef{NodeID: from.ID}, requested, cacheOldest, cacheNewest, ln.cfg.Timeout)
	if err != nil {
		reply := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdMapObjectReply},
			encodeMapObjectSuccess(mapObjectSuccess{reqID: reqID, success: false}))
		ln.sendFrame(from, reply)
		return
	}

	reply := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdMapObjectReply},
		encodeMapObjectSuccess(mapObjectSuccess{
			reqID:          reqID,
			success:        true,
			resolved:       result.ResolvedVersion,
			masterInstance: masterObj.InstanceID(),
			changeType:     masterObj.ChangeType(),
			useCache:       result.UseCache,
			instance:       result.Instance,
			deltas:         result.Deltas,
		}))
	ln.sendFrame(from, reply)
}

func handleMapObjectReply(ln *LocalNode, from *Node, payload []byte) {
	reply, err := decodeMapObjectSuccess(payload)
	if err != nil {
		return
	}
	ln.requests.Serve(reply.reqID, reply, nil)
}

func handleSyncObject(ln *LocalNode, from *Node, payload []byte) {
	reqID, objectID, _, target, err := decodeSyncObject(payload)
	if err != nil {
		return
	}
	masterObj, ok := ln.store.findLocalMaster(objectID)
	success := ok
	if ok {
		if err := masterObj.cm.Sync(masterObj, target); err != nil {
			success = false
		}
	}
	reply := EncodeFrame(FrameHeader{BigEndian: from.BigEndian, Type: CommandTypeNode, Command: CmdSyncObjectReply},
		encodeSyncObjectReply(reqID, success))
	ln.sendFrame(from, reply)
}

func handleSyncObjectReply(ln *LocalNode, from *Node, payload []byte) {
	reqID, success, err := decodeSyncObjectReply(payload)
	if err != nil {
		return
	}
	ln.requests.Serve(reqID, success, nil)
}

func handleUnsubscribeObject(ln *LocalNode, from *Node, payload []byte) {
	objectID, instanceID, err := decodeUnsubscribeObject(payload)
	if err != nil {
		return
	}
	masterObj, ok := ln.store.findLocalMaster(objectID)
	if !ok {
		return
	}
	masterObj.cm.RemoveSlave(SlaveRef{NodeID: from.ID, InstanceID: instanceID})
}

func handleObjectPush(ln *LocalNode, from *Node, payload []byte) {
	group, typeTag, _, data, err := decodeObjectPush(payload)
	if err != nil {
		return
	}
	if err := ln.store.HandlePush(group, typeTag, data); err != nil {
		nlog.Warningf("co: push handler for group %q failed: %v", group, err)
	}
}

// Commit advances obj's version and disseminates the resulting frame to
// every already-subscribed slave (spec §4.6 "push to already-subscribed
// slaves on commit").
func (ln *LocalNode) Commit(obj *Object) (Version, error) {
	v, err := obj.Commit()
	if err != nil {
		return v, err
	}
	metricCommits.Inc()
	for _, send := range obj.cm.DrainPending() {
		if send.Slave.NodeID == ln.ID {
			continue // local slave applies via the in-process mapLocal path
		}
		if peer, ok := ln.peers.get(send.Slave.NodeID); ok {
			ln.sendFrame(peer, send.Frame)
		}
	}
	return v, nil
}
