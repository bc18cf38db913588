/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co_test

import (
	"time"

	"github.com/Eyescale/Collage-sub000/co"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Queue", func() {
	It("delivers pushed items to a slave mapped on the same node", func() {
		ln := co.NewLocalNode(co.NewID(), nil)

		qm := co.NewQueueMaster()
		Expect(qm.Register(ln)).To(Succeed())
		qm.Push([]byte("a"))
		qm.Push([]byte("b"))

		qs := co.NewQueueSlave(0, 0)
		Expect(qs.Map(ln, qm.ID(), ln.ID, time.Second)).To(Succeed())

		item, ok, err := qs.Pop(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(item).To(Equal([]byte("a")))

		item, ok, err = qs.Pop(time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(item).To(Equal([]byte("b")))
	})

	It("reports an empty queue rather than blocking forever", func() {
		ln := co.NewLocalNode(co.NewID(), nil)

		qm := co.NewQueueMaster()
		Expect(qm.Register(ln)).To(Succeed())

		qs := co.NewQueueSlave(0, 0)
		Expect(qs.Map(ln, qm.ID(), ln.ID, time.Second)).To(Succeed())

		_, ok, err := qs.Pop(200 * time.Millisecond)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("drops the backlog on Clear", func() {
		ln := co.NewLocalNode(co.NewID(), nil)

		qm := co.NewQueueMaster()
		Expect(qm.Register(ln)).To(Succeed())
		qm.Push([]byte("a"))
		qm.Clear()

		qs := co.NewQueueSlave(0, 0)
		Expect(qs.Map(ln, qm.ID(), ln.ID, time.Second)).To(Succeed())

		_, ok, _ := qs.Pop(200 * time.Millisecond)
		Expect(ok).To(BeFalse())
	})
})
