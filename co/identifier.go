// Package co is Collage's distributed-object core: the commit/version/map
// protocol, the change managers, the slave commit/sync path, and the
// object-aware send path built on a generic node/connection substrate.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"
)

// ID is a 128-bit identifier: either the zero sentinel ("none") or a UUID
// with its high 64 bits non-zero (spec §3 "Identifier").
type ID [16]byte

var IDNone ID

// NewID mints a fresh, non-zero identifier.
func NewID() ID {
	for {
		u := uuid.New()
		var id ID
		copy(id[:], u[:])
		if !id.IsNone() {
			return id
		}
	}
}

func (id ID) IsNone() bool { return id.high() == 0 }

func (id ID) high() uint64 { return binary.BigEndian.Uint64(id[:8]) }
func (id ID) low() uint64  { return binary.BigEndian.Uint64(id[8:]) }

func (id ID) String() string {
	if id.IsNone() {
		return "ID.none"
	}
	var u uuid.UUID
	copy(u[:], id[:])
	return u.String()
}

func (id ID) Equal(o ID) bool { return id == o }

// Version identifies a point in an object's history. Concrete master
// versions are a 64-bit counter stored in the low bits with a zero high
// half; slave-commit versions are fresh 128-bit UUIDs and are therefore
// distinguishable by a non-zero high half (spec §3).
type Version ID

var (
	VersionNone    = Version(IDNone)        // VERSION_NONE
	VersionFirst   = MasterVersion(1)       // VERSION_FIRST
	VersionOldest  = versionSentinel(1)     // VERSION_OLDEST
	VersionHead    = versionSentinel(2)     // VERSION_HEAD
	VersionNext    = versionSentinel(3)     // VERSION_NEXT
	VersionInvalid = versionSentinel(4)     // VERSION_INVALID
)

// versionSentinel builds a distinguished literal version: high bits carry a
// reserved, non-UUID marker so these never collide with a real master
// counter (high 0, low = n) or a slave-commit UUID (high != 0, not this
// marker).
func versionSentinel(n uint64) Version {
	var v Version
	binary.BigEndian.PutUint64(v[:8], 0xffffffffffffffff)
	binary.BigEndian.PutUint64(v[8:], n)
	return v
}

// MasterVersion constructs a concrete master version from a 64-bit counter.
func MasterVersion(n uint64) Version {
	var v Version
	binary.BigEndian.PutUint64(v[8:], n)
	return v
}

// SlaveCommitVersion mints a fresh UUID-tagged version for a slave commit
// (spec §3, §4.6 "slave commits").
func SlaveCommitVersion() Version {
	return Version(NewID())
}

func (v Version) high() uint64 { return binary.BigEndian.Uint64(v[:8]) }
func (v Version) low() uint64  { return binary.BigEndian.Uint64(v[8:]) }

// IsMaster reports whether v is a concrete, strictly-increasing master
// counter version (as opposed to a sentinel or a slave-commit UUID).
func (v Version) IsMaster() bool {
	return v.high() == 0 && v != VersionNone
}

// IsSlaveCommit reports whether v was minted by SlaveCommitVersion: non-zero
// high bits that are not the sentinel marker.
func (v Version) IsSlaveCommit() bool {
	return v.high() != 0 && v.high() != 0xffffffffffffffff
}

func (v Version) Counter() uint64 { return v.low() }

func (v Version) Next() Version { return MasterVersion(v.Counter() + 1) }

func (v Version) Less(o Version) bool {
	if v.IsMaster() && o.IsMaster() {
		return v.Counter() < o.Counter()
	}
	return false // slave-commit UUIDs are unordered (spec §5 "Ordering guarantees")
}

func (v Version) String() string {
	switch v {
	case VersionNone:
		return "VERSION_NONE"
	case VersionOldest:
		return "VERSION_OLDEST"
	case VersionHead:
		return "VERSION_HEAD"
	case VersionNext:
		return "VERSION_NEXT"
	case VersionInvalid:
		return "VERSION_INVALID"
	}
	if v.IsMaster() {
		return strconv.FormatUint(v.Counter(), 10)
	}
	return ID(v).String()
}

// ObjectVersion is the pair (identifier, version) used to describe mapping
// targets and nested object-by-reference serialisation (spec §3).
type ObjectVersion struct {
	ID      ID
	Version Version
}
