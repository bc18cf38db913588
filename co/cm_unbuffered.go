/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import "time"

// unbufferedMasterCM implements ChangeType UNBUFFERED (spec §4.6.5): commits
// push a delta straight to every currently subscribed slave but nothing is
// retained for replay, so a slave mapping in (or falling behind) always
// starts from a fresh instance snapshot at the current head rather than
// catching up through history.
type unbufferedMasterCM struct {
	masterBase
	headInstance []byte
}

func newUnbufferedMasterCM(obj *Object) *unbufferedMasterCM {
	return &unbufferedMasterCM{masterBase: newMasterBase(obj)}
}

func (m *unbufferedMasterCM) Sync(*Object, Version) error { return errUnreachable }

func (m *unbufferedMasterCM) Commit(obj *Object) (Version, error) {
	if !obj.Value().IsDirty() {
		return m.head, nil
	}
	m.waitForRoom()

	m.mu.Lock()
	next := VersionFirst
	if m.head != VersionNone {
		next = m.head.Next()
	}
	m.mu.Unlock()

	m.stageFrame(uint32(CmdObjectDelta), next, obj.packDelta)

	instOut := NewDataOStream(obj.ID(), obj.InstanceID(), nil)
	instOut.Enable(uint32(CmdObjectInstance), nil, next)
	instOut.EnableSave()
	obj.snapshotInstance(instOut)
	_ = instOut.Flush(true)

	m.mu.Lock()
	m.headInstance = instOut.Saved()
	m.head = next
	m.cond.Broadcast()
	m.mu.Unlock()

	return next, nil
}

// AddSlave always resolves to a fresh head instance: UNBUFFERED keeps no
// history to replay (spec §4.6.5).
func (m *unbufferedMasterCM) AddSlave(slave SlaveRef, requested, cacheOldest, cacheNewest Version, timeout time.Duration) (AddSlaveResult, error) {
	if requested != VersionNone && requested != VersionOldest && requested != VersionHead && requested.IsMaster() {
		ok := m.waitUntil(func() bool {
			return m.head != VersionNone && m.head.Counter() >= requested.Counter()
		}, timeout)
		if !ok {
			return AddSlaveResult{}, NewError(KindTimeout, "requested version %s never committed", requested)
		}
	}

	m.mu.Lock()
	defer func() { m.addSlaveRef(slave) }()
	defer m.mu.Unlock()

	if m.headInstance == nil {
		// Nothing committed yet: map_object succeeds with no data, the same
		// as VERSION_NONE's trivial case in _addSlave/_initSlave. The slave
		// catches up through the push-on-commit frames once it is recorded
		// below as a subscriber.
		return AddSlaveResult{ResolvedVersion: VersionNone}, nil
	}
	if cacheCovers(cacheOldest, cacheNewest, m.head) {
		return AddSlaveResult{ResolvedVersion: m.head, UseCache: true}, nil
	}
	return AddSlaveResult{ResolvedVersion: m.head, Instance: m.headInstance}, nil
}

func (m *unbufferedMasterCM) ApplySlaveCommit(Version, []byte) error { return errUnreachable }
func (m *unbufferedMasterCM) Feed(objectDataFrame)                  {}
