/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"
	"time"
)

// SlaveRef identifies one subscribed slave of a master CM (spec §4.6).
type SlaveRef struct {
	NodeID         ID
	InstanceID     uint32
	MaxVersionHint Version // caps how far the master may advance without this slave catching up
}

// AddSlaveResult is what a master CM's AddSlave returns to the object store,
// which turns it into the MAP_OBJECT_SUCCESS / instance-data / MAP_OBJECT_REPLY
// sequence of spec §4.5.
type AddSlaveResult struct {
	ResolvedVersion Version
	Instance        []byte // consolidated instance snapshot, nil if UseCache
	Deltas          [][]byte
	UseCache        bool
}

// ChangeManager is the per-object state machine implementing one of the five
// replication policies (spec §4.6). Every object has exactly one CM while
// attached; the Null CM is the sentinel used otherwise. A non-native
// operation that returns an error (Commit on a slave, Sync/AddSlave on the
// wrong side, ApplySlaveCommit) reports KindProgrammerError; the ones with no
// error result (Feed, SetAutoObsolete, RemoveSlave, DrainPending) are no-ops.
type ChangeManager interface {
	// Commit is the master-side version-advance operation (spec §4.6).
	Commit(obj *Object) (Version, error)
	// Sync is the slave-side apply-up-to-target operation (spec §4.6.6).
	Sync(obj *Object, target Version) error

	Version() Version
	HeadVersion() Version

	// AddSlave runs the master-side half of the map sub-protocol (spec §4.5,
	// §4.6.4 "add_slave"). cacheOldest/cacheNewest is the slave's advertised
	// instance-cache window (spec §8 testable property #7); when it already
	// covers the resolved version, AddSlaveResult.UseCache is set instead of
	// resending the data.
	AddSlave(slave SlaveRef, requestedVersion, cacheOldest, cacheNewest Version, timeout time.Duration) (AddSlaveResult, error)
	// ApplySlaveCommit is the master-side receipt of one SLAVE_DELTA command.
	ApplySlaveCommit(commitVersion Version, data []byte) error
	// Feed is the slave-side receipt of one OBJECT_INSTANCE/DELTA command.
	Feed(frame objectDataFrame)

	SetAutoObsolete(n int)

	// RemoveSlave drops a subscriber (spec §4.5 "unmap").
	RemoveSlave(slave SlaveRef)

	// DrainPending returns and clears frames staged for already-subscribed
	// slaves since the last call (produced by Commit); the caller (the
	// object store) is responsible for the actual connection writes.
	DrainPending() []PendingSend
}

// PendingSend is one frame a master CM staged for one subscribed slave.
type PendingSend struct {
	Slave SlaveRef
	Frame []byte
}

// slaveBase holds what's common to every slave CM variant: the wrapped
// object used to apply decoded frames, and the queue of not-yet-applied
// input frames in arrival order (spec §4.6.6 "slave side").
type slaveBase struct {
	mu      sync.Mutex
	cond    *sync.Cond
	obj     *Object
	applied Version
	queue   []objectDataFrame
}

func newSlaveBase(obj *Object) slaveBase {
	b := slaveBase{obj: obj, applied: VersionNone}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *slaveBase) Version() Version     { return b.applied }
func (b *slaveBase) HeadVersion() Version { return b.applied }

func (b *slaveBase) Feed(f objectDataFrame) {
	b.mu.Lock()
	b.queue = append(b.queue, f)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *slaveBase) AddSlave(SlaveRef, Version, Version, Version, time.Duration) (AddSlaveResult, error) {
	return AddSlaveResult{}, errUnreachable
}
func (b *slaveBase) ApplySlaveCommit(Version, []byte) error { return errUnreachable }
func (b *slaveBase) SetAutoObsolete(int)                    {}
func (b *slaveBase) RemoveSlave(SlaveRef)                   {}
func (b *slaveBase) DrainPending() []PendingSend            { return nil }

// popStream pops one complete logical stream (every sequence sharing a
// version, up to and including isLast) off the front of the queue and
// returns its command kind and reassembled, already-decompressed bytes.
func (b *slaveBase) popStream() (Version, uint32, []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return VersionNone, 0, nil, false
	}
	version := b.queue[0].version
	kind := b.queue[0].kind
	var data []byte
	i := 0
	for ; i < len(b.queue); i++ {
		f := b.queue[i]
		if f.version != version {
			break
		}
		data = append(data, f.data...)
		if f.isLast {
			i++
			break
		}
	}
	b.queue = b.queue[i:]
	return version, kind, data, true
}

// waitForStream blocks until at least one frame is queued or timeout elapses.
func (b *slaveBase) waitForStream(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
	return true
}

var errUnreachable = NewError(KindProgrammerError, "operation not valid for this change manager")

// nullCM is the singleton no-op CM used during detached periods (spec §4.6.7).
type nullCM struct{}

func (nullCM) Commit(*Object) (Version, error)                                 { return VersionNone, errUnreachable }
func (nullCM) Sync(*Object, Version) error                                     { return errUnreachable }
func (nullCM) Version() Version                                                { return VersionNone }
func (nullCM) HeadVersion() Version                                            { return VersionNone }
func (nullCM) AddSlave(SlaveRef, Version, Version, Version, time.Duration) (AddSlaveResult, error) {
	return AddSlaveResult{}, errUnreachable
}
func (nullCM) ApplySlaveCommit(Version, []byte) error                          { return errUnreachable }
func (nullCM) Feed(objectDataFrame)                                            {}
func (nullCM) SetAutoObsolete(int)                                             {}
func (nullCM) RemoveSlave(SlaveRef)                                            {}
func (nullCM) DrainPending() []PendingSend                                     { return nil }

// masterBase holds the state common to every master CM variant: the
// subscribed-slave set, the max-version-hint monitor that caps how far
// commit may advance, and the slave-commit FIFO (spec §4.6 "Master side").
type masterBase struct {
	mu          sync.Mutex
	cond        *sync.Cond
	obj         *Object
	head        Version
	counter     uint64
	slaves      map[slaveKey]SlaveRef
	slaveDeltas []slaveDelta // FIFO of received SLAVE_DELTA streams, keyed by commit UUID
	autoObs     int
	pending     []PendingSend
}

type slaveKey struct {
	node ID
	inst uint32
}

type slaveDelta struct {
	version Version
	data    []byte
}

func newMasterBase(obj *Object) masterBase {
	b := masterBase{obj: obj, slaves: make(map[slaveKey]SlaveRef)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// stageFrame builds one object-scope frame via write and queues it for every
// currently subscribed slave (spec §4.6 "push to already-subscribed slaves
// on commit"). It returns both the framed wire bytes and the raw (unframed,
// uncompressed) payload, the latter for retention by variants that need to
// replay it later (instance rings, delta queues).
func (b *masterBase) stageFrame(kind uint32, version Version, write func(*DataOStream)) (frame, raw []byte) {
	o := NewDataOStream(b.obj.ID(), b.obj.InstanceID(), nil)
	o.Enable(kind, nil, version)
	o.EnableSave()
	write(o)
	frame = o.Disable()
	raw = o.Saved()
	for _, s := range b.slaves {
		b.pending = append(b.pending, PendingSend{Slave: s, Frame: frame})
	}
	return frame, raw
}

// DrainPending returns and clears frames staged since the last call.
func (b *masterBase) DrainPending() []PendingSend {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// waitUntil blocks until pred holds or timeout elapses, returning whether
// pred held. Must be called without b.mu held.
func (b *masterBase) waitUntil(pred func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	b.mu.Lock()
	defer b.mu.Unlock()
	for !pred() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
	return true
}

// cacheCovers reports whether a slave's advertised instance-cache window
// [cacheOldest, cacheNewest] already contains resolved, meaning the master
// can tell it to reuse what it already has instead of resending the
// instance data (spec §8 testable property #7 "instance-cache hit").
func cacheCovers(cacheOldest, cacheNewest, resolved Version) bool {
	if resolved == VersionNone || cacheOldest == VersionNone || cacheNewest == VersionNone {
		return false
	}
	return resolved.Counter() >= cacheOldest.Counter() && resolved.Counter() <= cacheNewest.Counter()
}

// maxVersion is the min across all slaves' MaxVersionHint (spec §4.6
// "max_version_hint"); commit must not advance beyond it. A hint of
// VersionNone means "no cap".
func (b *masterBase) maxVersion() (Version, bool) {
	capped := false
	var min Version
	for _, s := range b.slaves {
		if s.MaxVersionHint == VersionNone {
			continue
		}
		if !capped || s.MaxVersionHint.Less(min) {
			min = s.MaxVersionHint
			capped = true
		}
	}
	return min, capped
}

// waitForRoom blocks commit until advancing past b.head would not exceed the
// current max_version cap, or until the cap is raised/removed.
func (b *masterBase) waitForRoom() {
	for {
		max, capped := b.maxVersion()
		if !capped || !b.head.IsMaster() || max.Counter() > b.head.Counter() {
			return
		}
		b.cond.Wait()
	}
}

func (b *masterBase) addSlaveRef(s SlaveRef) {
	b.mu.Lock()
	b.slaves[slaveKey{s.NodeID, s.InstanceID}] = s
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *masterBase) RemoveSlave(s SlaveRef) {
	b.mu.Lock()
	delete(b.slaves, slaveKey{s.NodeID, s.InstanceID})
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *masterBase) SetAutoObsolete(n int) {
	b.mu.Lock()
	b.autoObs = n
	b.mu.Unlock()
}

func (b *masterBase) Version() Version     { return b.head }
func (b *masterBase) HeadVersion() Version { return b.head }

// ApplySlaveCommit enqueues a received slave-commit stream (spec §4.6
// "Accepts slave commits via SLAVE_DELTA commands").
func (b *masterBase) ApplySlaveCommit(version Version, data []byte) error {
	b.mu.Lock()
	b.slaveDeltas = append(b.slaveDeltas, slaveDelta{version: version, data: append([]byte(nil), data...)})
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// newChangeManager builds the master- or slave-side change manager for a
// freshly attached object according to its change type and role (spec §4.5
// "register"/"map").
func newChangeManager(obj *Object, isMaster bool) ChangeManager {
	switch obj.changeType {
	case ChangeStatic:
		if isMaster {
			return newStaticMasterCM(obj)
		}
		return newStaticSlaveCM(obj)
	case ChangeInstance:
		if isMaster {
			return newFullMasterCM(obj)
		}
		return newVersionedSlaveCM(obj)
	case ChangeDelta:
		if isMaster {
			return newDeltaMasterCM(obj)
		}
		return newVersionedSlaveCM(obj)
	case ChangeUnbuffered:
		if isMaster {
			return newUnbufferedMasterCM(obj)
		}
		return newVersionedSlaveCM(obj)
	default:
		return nullCM{}
	}
}

// popSlaveCommit implements the master's own sync(NEXT|HEAD|concrete) over
// its slave-commit FIFO (spec §4.6 "Master side").
func (b *masterBase) popSlaveCommit(target Version) ([]slaveDelta, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch target {
	case VersionNext:
		if len(b.slaveDeltas) == 0 {
			return nil, false
		}
		d := b.slaveDeltas[0]
		b.slaveDeltas = b.slaveDeltas[1:]
		return []slaveDelta{d}, true
	case VersionHead:
		all := b.slaveDeltas
		b.slaveDeltas = nil
		return all, true
	default:
		for i, d := range b.slaveDeltas {
			if d.version == target {
				b.slaveDeltas = append(b.slaveDeltas[:i:i], b.slaveDeltas[i+1:]...)
				return []slaveDelta{d}, true
			}
		}
		return nil, false
	}
}
