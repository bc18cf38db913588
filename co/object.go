/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

// ChangeType selects one of the five replication policies (spec §3, §4.6).
type ChangeType int

const (
	ChangeNone ChangeType = iota
	ChangeStatic
	ChangeInstance
	ChangeDelta
	ChangeUnbuffered
)

func (c ChangeType) String() string {
	switch c {
	case ChangeStatic:
		return "STATIC"
	case ChangeInstance:
		return "INSTANCE"
	case ChangeDelta:
		return "DELTA"
	case ChangeUnbuffered:
		return "UNBUFFERED"
	}
	return "NONE"
}

// InvalidInstanceID marks an object as unattached (spec §3 "Object" invariants).
const InvalidInstanceID uint32 = 0

// Distributed is the interface a user-defined value implements to
// participate in replication (spec glossary "Object").
type Distributed interface {
	// GetInstanceData serialises a full snapshot at the stream's current
	// version (spec §3 "Instance stream").
	GetInstanceData(o *DataOStream)
	// ApplyInstanceData deserialises a full snapshot (spec §3).
	ApplyInstanceData(i *DataIStream) error
	// IsDirty reports whether state changed since the last commit (spec §4.6.3).
	IsDirty() bool
}

// DeltaObject is implemented by objects whose change type is DELTA or
// UNBUFFERED to provide incremental pack/unpack (spec §3 "Delta stream").
// An object that does not implement this uses instance serialisation as its
// delta (spec §3 default).
type DeltaObject interface {
	Pack(o *DataOStream)
	Unpack(i *DataIStream) error
}

// Object is the attachable, versioned wrapper the object store and change
// managers operate on (spec §3 "Object").
type Object struct {
	identifier  ID
	instanceID  uint32
	changeType  ChangeType
	cm          ChangeManager
	localNode   *LocalNode
	isMaster    bool
	value       Distributed
}

// NewObject wraps a user value for registration or mapping.
func NewObject(value Distributed, changeType ChangeType) *Object {
	return &Object{value: value, changeType: changeType, cm: nullCM{}}
}

func (obj *Object) ID() ID                 { return obj.identifier }
func (obj *Object) InstanceID() uint32     { return obj.instanceID }
func (obj *Object) ChangeType() ChangeType { return obj.changeType }
func (obj *Object) IsMaster() bool         { return obj.isMaster }
func (obj *Object) IsAttached() bool       { return obj.instanceID != InvalidInstanceID }
func (obj *Object) Value() Distributed     { return obj.value }
func (obj *Object) LocalNode() *LocalNode  { return obj.localNode }
func (obj *Object) CM() ChangeManager      { return obj.cm }

// snapshotInstance always serialises the full instance (spec §3 "Instance
// stream"), used by INSTANCE/DELTA/UNBUFFERED masters to seed new slaves.
func (obj *Object) snapshotInstance(o *DataOStream) { obj.value.GetInstanceData(o) }

func (obj *Object) applyInstance(i *DataIStream) error { return obj.value.ApplyInstanceData(i) }

// packDelta serialises an incremental update, falling back to the full
// instance serialisation if the object does not implement DeltaObject
// (spec §3 "Delta stream... Defaults to instance serialisation if not
// overridden").
func (obj *Object) packDelta(o *DataOStream) {
	if d, ok := obj.value.(DeltaObject); ok {
		d.Pack(o)
		return
	}
	obj.value.GetInstanceData(o)
}

func (obj *Object) unpackDelta(i *DataIStream) error {
	if d, ok := obj.value.(DeltaObject); ok {
		return d.Unpack(i)
	}
	return obj.value.ApplyInstanceData(i)
}

// Commit advances a master object's version, delegating to its change
// manager (spec §4.6). Calling Commit on a slave or an unattached object is
// a programmer error.
func (obj *Object) Commit() (Version, error) {
	if !obj.IsAttached() || !obj.isMaster {
		return VersionNone, NewError(KindProgrammerError, "commit on unattached or non-master object")
	}
	return obj.cm.Commit(obj)
}

// Sync advances a slave object to the requested version (VersionNext,
// VersionHead, or a concrete version), applying intermediate streams in
// commit order (spec §4.6.6).
func (obj *Object) Sync(target Version) error {
	if !obj.IsAttached() || obj.isMaster {
		return NewError(KindProgrammerError, "sync on unattached or master object")
	}
	return obj.cm.Sync(obj, target)
}

// GetVersion returns the object's current applied version.
func (obj *Object) GetVersion() Version { return obj.cm.Version() }

// GetHeadVersion returns the highest version known (master: last committed;
// slave: the last applied version, the same as GetVersion).
func (obj *Object) GetHeadVersion() Version { return obj.cm.HeadVersion() }
