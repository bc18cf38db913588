/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co_test

import (
	"sync"
	"time"

	"github.com/Eyescale/Collage-sub000/cmn"
	"github.com/Eyescale/Collage-sub000/co"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// counterValue is a minimal Distributed+DeltaObject value used to drive the
// multi-node tests below; mirrors barrierHeight's shape (co/barrier.go) but
// also counts how many times a full instance was ever applied, so a test can
// tell a one-shot snapshot apart from a catch-up replay.
type counterValue struct {
	mu      sync.Mutex
	n       uint32
	dirty   bool
	applies int
}

func (c *counterValue) GetInstanceData(o *co.DataOStream) {
	c.mu.Lock()
	o.WriteUint32(c.n)
	c.mu.Unlock()
}

func (c *counterValue) ApplyInstanceData(i *co.DataIStream) error {
	v, err := i.ReadUint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.n, c.dirty = v, false
	c.applies++
	c.mu.Unlock()
	return nil
}

func (c *counterValue) IsDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *counterValue) Pack(o *co.DataOStream)        { c.GetInstanceData(o) }
func (c *counterValue) Unpack(i *co.DataIStream) error { return c.ApplyInstanceData(i) }

func (c *counterValue) set(n uint32) {
	c.mu.Lock()
	c.n, c.dirty = n, true
	c.mu.Unlock()
}

func (c *counterValue) get() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *counterValue) applyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applies
}

// fastConfig keeps the keepalive timeout short so a two-node test's Close()
// doesn't stall on receiveLoop's blocking read.
func fastConfig() *cmn.Config {
	cfg := cmn.DefaultConfig()
	cfg.KeepaliveTimeout = 50 * time.Millisecond
	return cfg
}

// connectNodes wires a and b together over a pipeConnection pair, running
// both sides of the NODE_CONNECT handshake concurrently (spec §6.4), and
// requires both to have Listen() already called so their command threads
// are up to process what follows.
func connectNodes(a, b *co.LocalNode) {
	ca, cb := co.NewPipePair()
	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = a.AddPeerConnection(ca, true) }()
	go func() { defer wg.Done(); _, errB = b.AddPeerConnection(cb, false) }()
	wg.Wait()
	Expect(errA).NotTo(HaveOccurred())
	Expect(errB).NotTo(HaveOccurred())
}

var _ = Describe("Two-node replication", func() {
	var a, b *co.LocalNode

	BeforeEach(func() {
		a = co.NewLocalNode(co.NewID(), fastConfig())
		b = co.NewLocalNode(co.NewID(), fastConfig())
		a.Listen()
		b.Listen()
		connectNodes(a, b)
	})

	AfterEach(func() {
		a.Close()
		b.Close()
	})

	It("maps a STATIC object across a real connection (scenario S1)", func() {
		master := &counterValue{n: 7}
		masterObj := co.NewObject(master, co.ChangeStatic)
		Expect(a.Store().Register(masterObj)).To(Succeed())

		slave := &counterValue{}
		slaveObj := co.NewObject(slave, co.ChangeStatic)
		ok, err := b.Store().Map(slaveObj, masterObj.ID(), co.VersionHead, a.ID, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(slave.get()).To(Equal(uint32(7)))
	})

	It("lets a slave map before any commit and catch up through pushed deltas (scenario S2)", func() {
		master := &counterValue{}
		masterObj := co.NewObject(master, co.ChangeDelta)
		Expect(a.Store().Register(masterObj)).To(Succeed())

		slave := &counterValue{}
		slaveObj := co.NewObject(slave, co.ChangeDelta)

		// B maps before A has ever committed: per _addSlave/_initSlave, this
		// must succeed immediately with no data rather than fail.
		ok, err := b.Store().Map(slaveObj, masterObj.ID(), co.VersionHead, a.ID, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(slaveObj.GetVersion()).To(Equal(co.VersionNone))

		for _, v := range []uint32{1, 2, 3} {
			master.set(v)
			_, err := a.Commit(masterObj)
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() uint32 {
			_ = slaveObj.Sync(co.VersionHead)
			return slave.get()
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(uint32(3)))

		// every one of the three deltas was applied individually, not
		// collapsed into a single catch-up snapshot.
		Expect(slave.applyCount()).To(Equal(3))
	})

	It("gives a late UNBUFFERED slave only a fresh snapshot, never the intermediate history (scenario S3)", func() {
		master := &counterValue{}
		masterObj := co.NewObject(master, co.ChangeUnbuffered)
		Expect(a.Store().Register(masterObj)).To(Succeed())

		for _, v := range []uint32{10, 20, 30} {
			master.set(v)
			_, err := a.Commit(masterObj)
			Expect(err).NotTo(HaveOccurred())
		}

		slave := &counterValue{}
		slaveObj := co.NewObject(slave, co.ChangeUnbuffered)
		ok, err := b.Store().Map(slaveObj, masterObj.ID(), co.VersionHead, a.ID, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		// UNBUFFERED retains nothing: the slave lands directly on the
		// current head, never having seen 10 or 20.
		Expect(slave.get()).To(Equal(uint32(30)))
		Expect(slave.applyCount()).To(Equal(1))
	})

	It("serves a map request out of the slave's own instance cache instead of resending (property #7)", func() {
		master := &counterValue{}
		masterObj := co.NewObject(master, co.ChangeDelta)
		Expect(a.Store().Register(masterObj)).To(Succeed())

		master.set(99)
		_, err := a.Commit(masterObj)
		Expect(err).NotTo(HaveOccurred())

		// Pre-populate b's instance cache with a stream for VersionFirst
		// that deliberately disagrees with what a would actually resend, so
		// a slave value of 42 (rather than 99) proves the cache was used.
		cached := co.NewDataOStream(masterObj.ID(), 0, nil)
		cached.Enable(uint32(co.CmdObjectInstance), nil, co.VersionFirst)
		cached.EnableSave()
		cached.WriteUint32(42)
		cached.Flush(true)
		b.InstanceCache().Insert(masterObj.ID(), masterObj.InstanceID(), a.ID, co.VersionFirst, cached.Saved())

		slave := &counterValue{}
		slaveObj := co.NewObject(slave, co.ChangeDelta)
		ok, err := b.Store().Map(slaveObj, masterObj.ID(), co.VersionHead, a.ID, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(slave.get()).To(Equal(uint32(42)))
	})

	It("recycles receive buffers across many frames instead of growing without bound (property #1)", func() {
		master := &counterValue{}
		masterObj := co.NewObject(master, co.ChangeDelta)
		Expect(a.Store().Register(masterObj)).To(Succeed())

		slave := &counterValue{}
		slaveObj := co.NewObject(slave, co.ChangeDelta)
		_, err := b.Store().Map(slaveObj, masterObj.ID(), co.VersionHead, a.ID, time.Second)
		Expect(err).NotTo(HaveOccurred())

		const nCommits = 20
		for v := uint32(1); v <= nCommits; v++ {
			master.set(v)
			_, err := a.Commit(masterObj)
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() uint32 {
			_ = slaveObj.Sync(co.VersionHead)
			return slave.get()
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(uint32(nCommits)))

		// receiveLoop Alloc()s and Release()s one buffer per incoming frame;
		// each Release frees its slot for Alloc to reuse on the next frame,
		// so 20 same-sized frames should have recycled a small, bounded
		// number of slots rather than accumulating one per frame.
		Expect(b.BufCache().NumAllocated()).To(BeNumerically("<", nCommits))
	})
})
