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

var _ = Describe("Barrier", func() {
	It("releases immediately once height is reached by the local node alone", func() {
		ln := co.NewLocalNode(co.NewID(), nil)
		b := co.NewBarrier(1)
		Expect(b.RegisterMaster(ln)).To(Succeed())

		done := make(chan error, 1)
		go func() { done <- b.Enter(time.Second) }()

		Eventually(done).Should(Receive(BeNil()))
	})

	It("raises subsequent rounds independently of earlier incarnations", func() {
		ln := co.NewLocalNode(co.NewID(), nil)
		b := co.NewBarrier(1)
		Expect(b.RegisterMaster(ln)).To(Succeed())

		Expect(b.Enter(time.Second)).To(Succeed())
		Expect(b.Enter(time.Second)).To(Succeed())
	})

	It("times out with ErrTimeoutBarrier when no one else enters", func() {
		ln := co.NewLocalNode(co.NewID(), nil)
		b := co.NewBarrier(2)
		Expect(b.RegisterMaster(ln)).To(Succeed())

		err := b.Enter(50 * time.Millisecond)
		Expect(err).To(HaveOccurred())
	})
})
