/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import "time"

const defaultRetainedVersions = 10

// fullMasterCM implements ChangeType INSTANCE (spec §4.6.3): every commit
// serialises a full instance snapshot; a bounded ring of the most recent
// snapshots is retained so late-mapping slaves can start from any version
// still in the window instead of forcing them to OLDEST.
type fullMasterCM struct {
	masterBase
	ring  []instanceSnapshot
	nKeep int
}

type instanceSnapshot struct {
	version Version
	data    []byte
}

func newFullMasterCM(obj *Object) *fullMasterCM {
	b := newMasterBase(obj)
	return &fullMasterCM{masterBase: b, nKeep: defaultRetainedVersions}
}

func (m *fullMasterCM) Sync(*Object, Version) error { return errUnreachable }

// SetAutoObsolete also bounds the retained snapshot window (spec §4.6.3
// "set_auto_obsolete caps how many versions the master keeps around").
func (m *fullMasterCM) SetAutoObsolete(n int) {
	m.masterBase.SetAutoObsolete(n)
	m.mu.Lock()
	if n > 0 {
		m.nKeep = n
	}
	for len(m.ring) > m.nKeep {
		m.ring = m.ring[1:]
	}
	m.mu.Unlock()
}

func (m *fullMasterCM) Commit(obj *Object) (Version, error) {
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

	_, raw := m.stageFrame(uint32(CmdObjectInstance), next, obj.snapshotInstance)

	m.mu.Lock()
	m.ring = append(m.ring, instanceSnapshot{version: next, data: raw})
	for len(m.ring) > m.nKeep {
		m.ring = m.ring[1:]
	}
	m.head = next
	m.cond.Broadcast()
	m.mu.Unlock()

	return next, nil
}

func (m *fullMasterCM) AddSlave(slave SlaveRef, requested, cacheOldest, cacheNewest Version, timeout time.Duration) (AddSlaveResult, error) {
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

	if len(m.ring) == 0 {
		// Nothing committed yet: map_object succeeds with no data, the same
		// as VERSION_NONE's trivial case in _addSlave/_initSlave. The slave
		// catches up through the push-on-commit frames once it is recorded
		// below as a subscriber.
		return AddSlaveResult{ResolvedVersion: VersionNone}, nil
	}

	resolved := m.ring[len(m.ring)-1]
	if requested == VersionOldest {
		resolved = m.ring[0]
	} else if requested.IsMaster() {
		for _, s := range m.ring {
			if s.version == requested {
				resolved = s
				break
			}
		}
		if requested.Counter() < m.ring[0].version.Counter() {
			resolved = m.ring[0]
		}
	}

	if cacheCovers(cacheOldest, cacheNewest, resolved.version) {
		return AddSlaveResult{ResolvedVersion: resolved.version, UseCache: true}, nil
	}
	return AddSlaveResult{ResolvedVersion: resolved.version, Instance: resolved.data}, nil
}

func (m *fullMasterCM) ApplySlaveCommit(Version, []byte) error { return errUnreachable }
func (m *fullMasterCM) Feed(objectDataFrame)                  {}
