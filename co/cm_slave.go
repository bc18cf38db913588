/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import "time"

// versionedSlaveCM is the slave side shared by INSTANCE, DELTA and
// UNBUFFERED masters (spec §4.6.6): it queues incoming instance/delta
// streams in arrival order and applies them one at a time as the
// application calls Sync(NEXT|HEAD|concrete).
type versionedSlaveCM struct {
	slaveBase
}

func newVersionedSlaveCM(obj *Object) *versionedSlaveCM {
	return &versionedSlaveCM{slaveBase: newSlaveBase(obj)}
}

func (s *versionedSlaveCM) Commit(*Object) (Version, error) { return VersionNone, errUnreachable }

// apply decodes one reassembled stream and applies it as either a full
// instance (when kind is CmdObjectInstance) or a delta (spec §3 "defaults
// to instance serialisation if the object does not implement DeltaObject",
// handled by Object.unpackDelta).
func (s *versionedSlaveCM) apply(kind uint32, version Version, data []byte) error {
	i := newDataIStreamFromRaw(false, data)
	var err error
	if kind == uint32(CmdObjectInstance) {
		err = s.obj.applyInstance(i)
	} else {
		err = s.obj.unpackDelta(i)
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.applied = version
	s.mu.Unlock()
	return nil
}

// Sync advances the slave by applying queued streams in order, per spec
// §4.6.6:
//   - VERSION_NEXT applies exactly one queued stream, waiting for it if none
//     has arrived yet;
//   - VERSION_HEAD drains and applies every queued stream;
//   - a concrete version applies streams until that version (or later) is
//     reached, returning nil at once if it is already applied or behind.
func (s *versionedSlaveCM) Sync(obj *Object, target Version) error {
	switch target {
	case VersionNext:
		if !s.waitForStream(10 * time.Second) {
			return NewError(KindTimeout, "sync(NEXT): no stream arrived")
		}
		version, kind, data, ok := s.popStream()
		if !ok {
			return NewError(KindProtocolMismatch, "sync(NEXT): queue emptied concurrently")
		}
		return s.apply(kind, version, data)

	case VersionHead:
		applied := false
		for {
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				break
			}
			version, kind, data, ok := s.popStream()
			if !ok {
				break
			}
			if err := s.apply(kind, version, data); err != nil {
				return err
			}
			applied = true
		}
		if !applied && s.applied == VersionNone {
			return NewError(KindMappingFailure, "sync(HEAD): object never committed")
		}
		return nil

	default:
		if !target.IsMaster() {
			return NewError(KindProgrammerError, "sync: unsupported target %s", target)
		}
		if s.applied.IsMaster() && s.applied.Counter() >= target.Counter() {
			return nil
		}
		for {
			if !s.waitForStream(10 * time.Second) {
				return NewError(KindTimeout, "sync(%s): target never committed", target)
			}
			version, kind, data, ok := s.popStream()
			if !ok {
				continue
			}
			if err := s.apply(kind, version, data); err != nil {
				return err
			}
			if version.IsMaster() && version.Counter() >= target.Counter() {
				return nil
			}
		}
	}
}
