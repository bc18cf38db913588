/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import "time"

// staticMasterCM implements ChangeType STATIC (spec §4.6.1): the value never
// changes after registration, version is always VersionFirst, and a new
// slave receives exactly one instance stream when it maps.
type staticMasterCM struct {
	masterBase
}

func newStaticMasterCM(obj *Object) *staticMasterCM {
	b := newMasterBase(obj)
	b.head = VersionFirst
	return &staticMasterCM{masterBase: b}
}

// Commit is a no-op: STATIC objects never advance past VersionFirst.
func (m *staticMasterCM) Commit(*Object) (Version, error) { return VersionFirst, nil }

func (m *staticMasterCM) Sync(*Object, Version) error { return errUnreachable }

func (m *staticMasterCM) AddSlave(slave SlaveRef, _, cacheOldest, cacheNewest Version, _ time.Duration) (AddSlaveResult, error) {
	defer m.addSlaveRef(slave)
	if cacheCovers(cacheOldest, cacheNewest, VersionFirst) {
		return AddSlaveResult{ResolvedVersion: VersionFirst, UseCache: true}, nil
	}
	_, instance := m.stageFrame(uint32(CmdObjectInstance), VersionFirst, m.obj.snapshotInstance)
	return AddSlaveResult{ResolvedVersion: VersionFirst, Instance: instance}, nil
}

func (m *staticMasterCM) ApplySlaveCommit(Version, []byte) error { return errUnreachable }
func (m *staticMasterCM) Feed(objectDataFrame)                  {}

// staticSlaveCM is the slave side of STATIC: apply the one instance stream
// ever sent, then Sync is permanently a no-op (spec §4.6.1).
type staticSlaveCM struct {
	slaveBase
}

func newStaticSlaveCM(obj *Object) *staticSlaveCM {
	return &staticSlaveCM{slaveBase: newSlaveBase(obj)}
}

func (s *staticSlaveCM) Commit(*Object) (Version, error) { return VersionNone, errUnreachable }

func (s *staticSlaveCM) Sync(obj *Object, target Version) error {
	if s.applied == VersionFirst {
		return nil
	}
	if !s.waitForStream(5 * time.Second) {
		return NewError(KindTimeout, "static slave: instance stream never arrived")
	}
	_, _, data, ok := s.popStream()
	if !ok {
		return NewError(KindMappingFailure, "static slave has no pending instance data")
	}
	i := newDataIStreamFromRaw(false, data)
	if err := obj.applyInstance(i); err != nil {
		return err
	}
	s.applied = VersionFirst
	return nil
}
