/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"io"
	"sync"
	"time"
)

// ReadResult is the outcome of a Connection.ReadSync call.
type ReadResult struct {
	N       int
	Timeout bool
	Err     error
}

// Connection is the contract consumed by the core (spec §4.1, §6.1):
// a bidirectional, ordered byte stream. Concrete transports (TCP, named
// pipes, RDMA, UDP-multicast) are out of scope; the core only ever talks to
// this interface.
type Connection interface {
	Connect() bool
	Listen() bool
	Close() error

	// ReadNB posts a non-blocking read for n bytes into buf.
	ReadNB(buf []byte, n int)
	// ReadSync blocks (optionally with a timeout) until the posted read
	// completes, or polls for completion if block is false.
	ReadSync(block bool, timeout time.Duration) ReadResult

	// Write is an ordered write of n bytes from buf; returns bytes written
	// or -1 on error.
	Write(buf []byte, n int) int

	// LockSend/UnlockSend serialise multi-part writes from one sender so a
	// chunked data stream (spec §4.3) is never interleaved with another.
	LockSend()
	UnlockSend()

	// IsMulticast signals that Write reaches many peers at once; the core
	// needs no further knowledge of protocol type.
	IsMulticast() bool

	// Notifier is the object a select-set may poll (here, a readiness
	// channel) to learn that data has arrived.
	Notifier() <-chan struct{}

	// ReadFrame is the practical read path the receiver thread (spec §5)
	// actually drives: it returns one complete, already length-delimited
	// wire frame (spec §6.2), folding the post/complete split of
	// ReadNB/ReadSync into a single call for this in-process transport.
	ReadFrame(block bool, timeout time.Duration) ([]byte, ReadResult)
}

// pipeConnection is an in-process, channel-backed Connection sufficient to
// drive the object layer end-to-end without a real transport (grounded on
// original_source/co/pipeConnection.cpp).
type pipeConnection struct {
	mu        sync.Mutex
	sendMu    sync.Mutex
	out       chan []byte
	in        chan []byte
	notify    chan struct{}
	pending   []byte
	closed    bool
	multicast bool
}

// NewPipePair returns two connected pipeConnections, each other's peer.
func NewPipePair() (a, b Connection) {
	c1 := make(chan []byte, 256)
	c2 := make(chan []byte, 256)
	pa := &pipeConnection{out: c1, in: c2, notify: make(chan struct{}, 1)}
	pb := &pipeConnection{out: c2, in: c1, notify: make(chan struct{}, 1)}
	return pa, pb
}

func (p *pipeConnection) Connect() bool { return true }
func (p *pipeConnection) Listen() bool  { return true }

func (p *pipeConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

func (p *pipeConnection) ReadNB(_ []byte, _ int) {
	// the pipe implementation has no separate posting phase: ReadSync both
	// posts and completes the read, since the channel already buffers.
}

func (p *pipeConnection) ReadSync(block bool, timeout time.Duration) ReadResult {
	if block {
		var tch <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			tch = t.C
		}
		select {
		case b, ok := <-p.in:
			if !ok {
				return ReadResult{Err: io.EOF}
			}
			p.pending = b
			return ReadResult{N: len(b)}
		case <-tch:
			return ReadResult{Timeout: true}
		}
	}
	select {
	case b, ok := <-p.in:
		if !ok {
			return ReadResult{Err: io.EOF}
		}
		p.pending = b
		return ReadResult{N: len(b)}
	default:
		return ReadResult{Timeout: true}
	}
}

// Take returns and clears the last frame delivered by ReadSync.
func (p *pipeConnection) Take() []byte {
	b := p.pending
	p.pending = nil
	return b
}

// ReadFrame returns one complete wire frame as written by the peer's Write.
func (p *pipeConnection) ReadFrame(block bool, timeout time.Duration) ([]byte, ReadResult) {
	res := p.ReadSync(block, timeout)
	if res.Err != nil || res.Timeout {
		return nil, res
	}
	return p.Take(), res
}

func (p *pipeConnection) Write(buf []byte, n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return -1
	}
	cp := make([]byte, n)
	copy(cp, buf[:n])
	p.out <- cp
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return n
}

func (p *pipeConnection) LockSend()   { p.sendMu.Lock() }
func (p *pipeConnection) UnlockSend() { p.sendMu.Unlock() }

func (p *pipeConnection) IsMulticast() bool { return p.multicast }

func (p *pipeConnection) Notifier() <-chan struct{} { return p.notify }
