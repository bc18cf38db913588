/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package co

import (
	"sync"

	"github.com/teris-io/shortid"
)

// Node is an addressable peer (spec glossary "Node"): a NodeID, a
// user-extensible type tag, an endianness flag, and at most one active
// connection plus an optional multicast connection.
type Node struct {
	ID         ID
	Type       string
	BigEndian  bool
	conn       Connection
	multicast  Connection

	tag string
}

func (n *Node) Connection() Connection          { return n.conn }
func (n *Node) MulticastConnection() Connection { return n.multicast }

// Tag is a short, human-readable label for log lines, generated once per
// Node rather than printing the full 128-bit ID (spec §7 log messages
// reference nodes by id; this keeps those lines scannable).
func (n *Node) Tag() string {
	if n.tag == "" {
		id, err := shortid.Generate()
		if err != nil {
			return n.ID.String()
		}
		n.tag = id
	}
	return n.tag
}

// peerTable is the LocalNode's map of known remote Nodes, keyed by NodeID.
type peerTable struct {
	mu    sync.RWMutex
	peers map[ID]*Node
}

func newPeerTable() *peerTable { return &peerTable{peers: make(map[ID]*Node)} }

func (t *peerTable) put(n *Node) {
	t.mu.Lock()
	t.peers[n.ID] = n
	t.mu.Unlock()
}

func (t *peerTable) get(id ID) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.peers[id]
	return n, ok
}

func (t *peerTable) remove(id ID) {
	t.mu.Lock()
	delete(t.peers, id)
	t.mu.Unlock()
}

// connected lists every currently connected peer, used by the find-master
// broadcast (spec §4.5 "Find-master algorithm").
func (t *peerTable) connected() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Node, 0, len(t.peers))
	for _, n := range t.peers {
		if n.conn != nil {
			out = append(out, n)
		}
	}
	return out
}
