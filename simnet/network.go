// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package simnet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/node"
	"github.com/btcsuite/txrelay/peer"
)

var (
	// ErrUnknownNode is returned when a node name is not part of the
	// network.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateNode is returned when a node name is already taken.
	ErrDuplicateNode = errors.New("node already exists")

	// ErrAlreadyConnected is returned when two nodes are already linked.
	ErrAlreadyConnected = errors.New("nodes already connected")

	// ErrNotConnected is returned when sending over a missing link.
	ErrNotConnected = errors.New("peer not connected")

	// ErrDropped is returned for an announcement dropped on the wire.
	ErrDropped = errors.New("announcement dropped")
)

// endpoint is one side of a link: a node and the id it knows its peer by.
type endpoint struct {
	node string
	id   peer.ID
}

// pairKey identifies the link between two nodes regardless of direction.
type pairKey struct {
	a, b string
}

func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// Stats houses counters of the traffic carried by the network.
type Stats struct {
	Invs         uint64
	Requests     uint64
	Transactions uint64
	Dropped      uint64
}

// Network is an in-memory network linking nodes.  Announcements are delivered
// synchronously: the receiving node's inventory handler runs, any requested
// transactions are fetched from the sender and handed to the receiver before
// Announce returns.
type Network struct {
	invs         uint64
	requests     uint64
	transactions uint64
	dropped      uint64

	mtx    sync.RWMutex
	nodes  map[string]*node.Node
	links  map[endpoint]endpoint
	pairs  map[pairKey][2]endpoint
	drops  map[endpoint]int
	nextID peer.ID
}

// New returns an empty network.
func New() *Network {
	return &Network{
		nodes: make(map[string]*node.Node),
		links: make(map[endpoint]endpoint),
		pairs: make(map[pairKey][2]endpoint),
		drops: make(map[endpoint]int),
	}
}

// announcer sends the announcements of a single node over the network.
type announcer struct {
	net  *Network
	name string
}

// Announce delivers the inventory message over the link known locally by id.
func (a *announcer) Announce(id peer.ID, msg *wire.MsgInv) error {
	return a.net.deliver(endpoint{node: a.name, id: id}, msg)
}

// AddNode creates a node with the passed configuration and attaches it to the
// network.
func (net *Network) AddNode(name string, cfg node.Config) (*node.Node, error) {
	net.mtx.Lock()
	defer net.mtx.Unlock()

	if _, ok := net.nodes[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	n, err := node.New(name, cfg, &announcer{net: net, name: name})
	if err != nil {
		return nil, err
	}
	net.nodes[name] = n
	log.Debugf("Added node %s", name)
	return n, nil
}

// Node returns the named node or nil.
func (net *Network) Node(name string) *node.Node {
	net.mtx.RLock()
	defer net.mtx.RUnlock()

	return net.nodes[name]
}

// Nodes returns all nodes ordered by name.
func (net *Network) Nodes() []*node.Node {
	net.mtx.RLock()
	nodes := make([]*node.Node, 0, len(net.nodes))
	for _, n := range net.nodes {
		nodes = append(nodes, n)
	}
	net.mtx.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Name() < nodes[j].Name()
	})
	return nodes
}

// Connect links the two named nodes and notifies both of the new peer.  Each
// connection gets fresh peer ids on both sides.
func (net *Network) Connect(a, b string) error {
	net.mtx.Lock()
	nodeA, okA := net.nodes[a]
	nodeB, okB := net.nodes[b]
	if !okA || !okB || a == b {
		net.mtx.Unlock()
		return fmt.Errorf("%w: %s-%s", ErrUnknownNode, a, b)
	}
	key := newPairKey(a, b)
	if _, ok := net.pairs[key]; ok {
		net.mtx.Unlock()
		return fmt.Errorf("%w: %s-%s", ErrAlreadyConnected, a, b)
	}
	net.nextID++
	sideA := endpoint{node: a, id: net.nextID}
	net.nextID++
	sideB := endpoint{node: b, id: net.nextID}
	net.links[sideA] = sideB
	net.links[sideB] = sideA
	net.pairs[key] = [2]endpoint{sideA, sideB}
	net.mtx.Unlock()

	nodeA.PeerConnected(sideA.id)
	nodeB.PeerConnected(sideB.id)
	log.Infof("Connected %s (peer %d) and %s (peer %d)", a, sideA.id, b,
		sideB.id)
	return nil
}

// Disconnect removes the link between the two named nodes and notifies both.
func (net *Network) Disconnect(a, b string) error {
	net.mtx.Lock()
	key := newPairKey(a, b)
	sides, ok := net.pairs[key]
	if !ok {
		net.mtx.Unlock()
		return fmt.Errorf("%w: %s-%s", ErrNotConnected, a, b)
	}
	delete(net.pairs, key)
	for _, side := range sides {
		delete(net.links, side)
		delete(net.drops, side)
	}
	nodes := [2]*node.Node{net.nodes[sides[0].node], net.nodes[sides[1].node]}
	net.mtx.Unlock()

	for i, side := range sides {
		nodes[i].PeerDisconnected(side.id)
	}
	log.Infof("Disconnected %s and %s", a, b)
	return nil
}

// Connected returns whether the two named nodes are linked.
func (net *Network) Connected(a, b string) bool {
	net.mtx.RLock()
	defer net.mtx.RUnlock()

	_, ok := net.pairs[newPairKey(a, b)]
	return ok
}

// PeerID returns the id node from knows node to by.
func (net *Network) PeerID(from, to string) (peer.ID, bool) {
	net.mtx.RLock()
	defer net.mtx.RUnlock()

	sides, ok := net.pairs[newPairKey(from, to)]
	if !ok {
		return 0, false
	}
	if sides[0].node == from {
		return sides[0].id, true
	}
	return sides[1].id, true
}

// DropNext makes the next count announcements sent from node from to node to
// fail as if the connection had reset.
func (net *Network) DropNext(from, to string, count int) error {
	net.mtx.Lock()
	defer net.mtx.Unlock()

	sides, ok := net.pairs[newPairKey(from, to)]
	if !ok {
		return fmt.Errorf("%w: %s-%s", ErrNotConnected, from, to)
	}
	side := sides[0]
	if side.node != from {
		side = sides[1]
	}
	net.drops[side] += count
	return nil
}

// deliver carries an announcement from the sending side to its peer and runs
// the request and transaction exchange that follows.
func (net *Network) deliver(from endpoint, msg *wire.MsgInv) error {
	net.mtx.Lock()
	to, ok := net.links[from]
	if !ok {
		net.mtx.Unlock()
		return fmt.Errorf("%w: %s peer %d", ErrNotConnected, from.node,
			from.id)
	}
	if net.drops[from] > 0 {
		net.drops[from]--
		net.mtx.Unlock()
		atomic.AddUint64(&net.dropped, 1)
		return ErrDropped
	}
	sender, receiver := net.nodes[from.node], net.nodes[to.node]
	net.mtx.Unlock()

	atomic.AddUint64(&net.invs, 1)
	getData := receiver.HandleInv(to.id, msg)
	if len(getData.InvList) == 0 {
		return nil
	}

	atomic.AddUint64(&net.requests, 1)
	descs := sender.HandleGetData(from.id, getData)
	for _, desc := range descs {
		err := receiver.ProcessTransaction(to.id, desc)
		if err != nil {
			var rerr mempool.TxRuleError
			if errors.As(err, &rerr) &&
				rerr.ErrorCode == mempool.ErrDuplicateTx {
				continue
			}
			log.Debugf("%s rejected %v from %s: %v", to.node,
				desc.Hash, from.node, err)
			continue
		}
		atomic.AddUint64(&net.transactions, 1)
	}
	return nil
}

// Flush sends every due announcement of every node and returns the number of
// announced transactions.
func (net *Network) Flush() int {
	var sent int
	for _, n := range net.Nodes() {
		sent += n.FlushAnnouncements()
	}
	return sent
}

// Stats returns the traffic counters.
func (net *Network) Stats() Stats {
	return Stats{
		Invs:         atomic.LoadUint64(&net.invs),
		Requests:     atomic.LoadUint64(&net.requests),
		Transactions: atomic.LoadUint64(&net.transactions),
		Dropped:      atomic.LoadUint64(&net.dropped),
	}
}
