/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"encoding/binary"
	"time"
)

// Node-scope command payload codecs (spec §6.3). Each is a small,
// self-delimiting struct encoded with the same wireWriter/wireReader the
// object data streams use; trailing frame padding is simply never read.

func nodeWriter() *wireWriter { return newWireWriter(binary.LittleEndian) }

func encodeFindMasterNodeID(reqID uint32, objectID ID) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128(objectID)
	return w.Bytes()
}

func decodeFindMasterNodeID(payload []byte) (reqID uint32, objectID ID, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	objectID, err = r.u128()
	return
}

func encodeFindMasterNodeIDReply(reqID uint32, master ID) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128(master)
	return w.Bytes()
}

func decodeFindMasterNodeIDReply(payload []byte) (reqID uint32, master ID, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	master, err = r.u128()
	return
}

func encodeMapObject(reqID uint32, objectID ID, requested Version, cacheOldest, cacheNewest Version) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128(objectID)
	w.u128([16]byte(requested))
	w.u128([16]byte(cacheOldest))
	w.u128([16]byte(cacheNewest))
	return w.Bytes()
}

func decodeMapObject(payload []byte) (reqID uint32, objectID ID, requested, cacheOldest, cacheNewest Version, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	if objectID, err = r.u128(); err != nil {
		return
	}
	var v [16]byte
	if v, err = r.u128(); err != nil {
		return
	}
	requested = Version(v)
	if v, err = r.u128(); err != nil {
		return
	}
	cacheOldest = Version(v)
	if v, err = r.u128(); err != nil {
		return
	}
	cacheNewest = Version(v)
	return
}

// mapObjectSuccess bundles the fields of MAP_OBJECT_SUCCESS + the trailing
// instance/delta data + MAP_OBJECT_REPLY into one reply structure, to spare
// a three-frame round trip on the wire for this port (spec §4.5 documents
// the three logical parts; this collapses them into one payload here).
type mapObjectSuccess struct {
	reqID          uint32
	success        bool
	resolved       Version
	masterInstance uint32
	changeType     ChangeType
	useCache       bool
	instance       []byte
	deltas         [][]byte
}

func encodeMapObjectSuccess(m mapObjectSuccess) []byte {
	w := nodeWriter()
	w.u32(m.reqID)
	w.u8(boolToU8(m.success))
	if !m.success {
		return w.Bytes()
	}
	w.u128([16]byte(m.resolved))
	w.u32(m.masterInstance)
	w.u32(uint32(m.changeType))
	w.u8(boolToU8(m.useCache))
	w.str(string(m.instance))
	w.u32(uint32(len(m.deltas)))
	for _, d := range m.deltas {
		w.str(string(d))
	}
	return w.Bytes()
}

func decodeMapObjectSuccess(payload []byte) (mapObjectSuccess, error) {
	var m mapObjectSuccess
	r := newWireReader(binary.LittleEndian, payload)
	var err error
	if m.reqID, err = r.u32(); err != nil {
		return m, err
	}
	succ, err := r.u8()
	if err != nil {
		return m, err
	}
	m.success = succ != 0
	if !m.success {
		return m, nil
	}
	v, err := r.u128()
	if err != nil {
		return m, err
	}
	m.resolved = Version(v)
	if m.masterInstance, err = r.u32(); err != nil {
		return m, err
	}
	ct, err := r.u32()
	if err != nil {
		return m, err
	}
	m.changeType = ChangeType(ct)
	useCache, err := r.u8()
	if err != nil {
		return m, err
	}
	m.useCache = useCache != 0
	inst, err := r.str()
	if err != nil {
		return m, err
	}
	m.instance = []byte(inst)
	n, err := r.u32()
	if err != nil {
		return m, err
	}
	for i := uint32(0); i < n; i++ {
		d, err := r.str()
		if err != nil {
			return m, err
		}
		m.deltas = append(m.deltas, []byte(d))
	}
	return m, nil
}

func encodeSyncObject(reqID uint32, objectID ID, instance InstanceSelector, target Version) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128(objectID)
	w.u32(uint32(instance))
	w.u128([16]byte(target))
	return w.Bytes()
}

func decodeSyncObject(payload []byte) (reqID uint32, objectID ID, instance InstanceSelector, target Version, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	if objectID, err = r.u128(); err != nil {
		return
	}
	var sel uint32
	if sel, err = r.u32(); err != nil {
		return
	}
	instance = InstanceSelector(sel)
	var v [16]byte
	v, err = r.u128()
	target = Version(v)
	return
}

func encodeSyncObjectReply(reqID uint32, success bool) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u8(boolToU8(success))
	return w.Bytes()
}

func decodeSyncObjectReply(payload []byte) (reqID uint32, success bool, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	s, err := r.u8()
	success = s != 0
	return
}

func encodeUnsubscribeObject(objectID ID, instanceID uint32) []byte {
	w := nodeWriter()
	w.u128(objectID)
	w.u32(instanceID)
	return w.Bytes()
}

func decodeUnsubscribeObject(payload []byte) (objectID ID, instanceID uint32, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if objectID, err = r.u128(); err != nil {
		return
	}
	instanceID, err = r.u32()
	return
}

func encodeObjectPush(group, typeTag string, objectID ID, data []byte) []byte {
	w := nodeWriter()
	w.str(group)
	w.str(typeTag)
	w.u128(objectID)
	w.str(string(data))
	return w.Bytes()
}

func decodeObjectPush(payload []byte) (group, typeTag string, objectID ID, data []byte, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if group, err = r.str(); err != nil {
		return
	}
	if typeTag, err = r.str(); err != nil {
		return
	}
	if objectID, err = r.u128(); err != nil {
		return
	}
	var s string
	s, err = r.str()
	data = []byte(s)
	return
}

// barrierTimeoutIndefinite marks a BARRIER_ENTER request that should wait
// forever rather than a fixed duration (spec §4.8 "indefinite").
const barrierTimeoutIndefinite int64 = 0

func encodeBarrierEnter(reqID uint32, objectID ID, version Version, incarnation uint32, timeout time.Duration) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128(objectID)
	w.u128([16]byte(version))
	w.u32(incarnation)
	w.u64(uint64(timeout))
	return w.Bytes()
}

func decodeBarrierEnter(payload []byte) (reqID uint32, objectID ID, version Version, incarnation uint32, timeout time.Duration, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	if objectID, err = r.u128(); err != nil {
		return
	}
	var v [16]byte
	if v, err = r.u128(); err != nil {
		return
	}
	version = Version(v)
	if incarnation, err = r.u32(); err != nil {
		return
	}
	var ns uint64
	ns, err = r.u64()
	timeout = time.Duration(ns)
	return
}

func encodeBarrierEnterReply(reqID uint32, version Version, incarnation uint32, success bool) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128([16]byte(version))
	w.u32(incarnation)
	w.u8(boolToU8(success))
	return w.Bytes()
}

func decodeBarrierEnterReply(payload []byte) (reqID uint32, version Version, incarnation uint32, success bool, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	var v [16]byte
	if v, err = r.u128(); err != nil {
		return
	}
	version = Version(v)
	if incarnation, err = r.u32(); err != nil {
		return
	}
	s, err := r.u8()
	success = s != 0
	return
}

func encodeQueueGetItem(reqID uint32, objectID ID, slaveInstanceID, count uint32) []byte {
	w := nodeWriter()
	w.u32(reqID)
	w.u128(objectID)
	w.u32(slaveInstanceID)
	w.u32(count)
	return w.Bytes()
}

func decodeQueueGetItem(payload []byte) (reqID uint32, objectID ID, slaveInstanceID, count uint32, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if reqID, err = r.u32(); err != nil {
		return
	}
	if objectID, err = r.u128(); err != nil {
		return
	}
	if slaveInstanceID, err = r.u32(); err != nil {
		return
	}
	count, err = r.u32()
	return
}

func encodeQueueItem(objectID ID, slaveInstanceID uint32, data []byte) []byte {
	w := nodeWriter()
	w.u128(objectID)
	w.u32(slaveInstanceID)
	w.str(string(data))
	return w.Bytes()
}

func decodeQueueItem(payload []byte) (objectID ID, slaveInstanceID uint32, data []byte, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if objectID, err = r.u128(); err != nil {
		return
	}
	if slaveInstanceID, err = r.u32(); err != nil {
		return
	}
	var s string
	s, err = r.str()
	data = []byte(s)
	return
}

func encodeQueueEmpty(objectID ID, slaveInstanceID, reqID uint32) []byte {
	w := nodeWriter()
	w.u128(objectID)
	w.u32(slaveInstanceID)
	w.u32(reqID)
	return w.Bytes()
}

func decodeQueueEmpty(payload []byte) (objectID ID, slaveInstanceID, reqID uint32, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if objectID, err = r.u128(); err != nil {
		return
	}
	if slaveInstanceID, err = r.u32(); err != nil {
		return
	}
	reqID, err = r.u32()
	return
}

func encodeNodeConnect(nodeID ID, bigEndian bool, typeTag string) []byte {
	w := nodeWriter()
	w.u128(nodeID)
	w.u8(boolToU8(bigEndian))
	w.str(typeTag)
	return w.Bytes()
}

func decodeNodeConnect(payload []byte) (nodeID ID, bigEndian bool, typeTag string, err error) {
	r := newWireReader(binary.LittleEndian, payload)
	if nodeID, err = r.u128(); err != nil {
		return
	}
	be, err := r.u8()
	if err != nil {
		return
	}
	bigEndian = be != 0
	typeTag, err = r.str()
	return
}
