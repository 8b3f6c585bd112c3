// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ID identifies a peer connection.  A peer that reconnects is given a new ID.
type ID int32

// Acknowledger is notified when a peer requests the full data of a
// transaction, which is the only delivery acknowledgment the protocol offers.
type Acknowledger interface {
	// Remove forgets the passed transaction and reports whether it was
	// tracked.
	Remove(hash *chainhash.Hash) bool
}

// InventoryRelay keeps the per-peer record of which transactions have already
// been announced to each connected peer so no transaction is announced to the
// same connection twice.
//
// State is partitioned by peer: the table lock only guards membership of the
// table while each peer's set carries its own lock.
type InventoryRelay struct {
	mtx   sync.RWMutex
	peers map[ID]*announcedInventory
	acks  Acknowledger
}

// NewInventoryRelay returns an empty relay.  The acknowledger, which may be
// nil, is told about every transaction a peer requests.
func NewInventoryRelay(acks Acknowledger) *InventoryRelay {
	return &InventoryRelay{
		peers: make(map[ID]*announcedInventory),
		acks:  acks,
	}
}

// state returns the announcement state for the passed peer or nil when the
// peer is not connected.
func (r *InventoryRelay) state(id ID) *announcedInventory {
	r.mtx.RLock()
	state := r.peers[id]
	r.mtx.RUnlock()

	return state
}

// PeerConnected allocates empty announcement state for the passed peer.  Any
// state left from a previous connection with the same ID is discarded.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) PeerConnected(id ID) {
	r.mtx.Lock()
	old := r.peers[id]
	r.peers[id] = newAnnouncedInventory()
	r.mtx.Unlock()

	if old != nil {
		old.close()
	}
	log.Debugf("Tracking announcements for peer %d", id)
}

// PeerDisconnected discards the announcement state of the passed peer.
// Filters racing with the disconnect observe a closed set and announce
// nothing.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) PeerDisconnected(id ID) {
	r.mtx.Lock()
	state := r.peers[id]
	delete(r.peers, id)
	r.mtx.Unlock()

	if state == nil {
		log.Tracef("Ignoring disconnect of unknown peer %d", id)
		return
	}
	state.close()
	log.Debugf("Discarded announcement state for peer %d", id)
}

// FilterUnseen returns the subset of candidates that has not been announced to
// the passed peer and marks that subset announced.  The order of candidates is
// preserved.  An unknown or just-disconnected peer yields nil.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) FilterUnseen(id ID, candidates []chainhash.Hash) []chainhash.Hash {
	state := r.state(id)
	if state == nil {
		log.Tracef("Not filtering inventory for unknown peer %d", id)
		return nil
	}
	return state.markUnseen(candidates)
}

// Unseen behaves like FilterUnseen but leaves the announcement state
// untouched.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) Unseen(id ID, candidates []chainhash.Hash) []chainhash.Hash {
	state := r.state(id)
	if state == nil {
		return nil
	}
	return state.unseen(candidates)
}

// Acknowledged is invoked when the passed peer requests the full data for a
// transaction.  The acknowledger is told to forget the transaction.  The
// peer's announcement state is left alone so the transaction is never
// announced to it again.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) Acknowledged(id ID, hash *chainhash.Hash) {
	if r.state(id) == nil {
		log.Tracef("Acknowledgment of %v from unknown peer %d", hash, id)
	}
	if r.acks != nil && r.acks.Remove(hash) {
		log.Debugf("Peer %d acknowledged unbroadcast transaction %v",
			id, hash)
	}
}

// ForgetTransaction drops the passed transaction from the announcement state
// of every peer.  It is called when the transaction leaves the mempool so no
// per-peer state refers to a transaction that no longer exists.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) ForgetTransaction(hash *chainhash.Hash) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	for _, state := range r.peers {
		state.Delete(hash)
	}
}

// WasAnnounced returns whether the passed transaction has been announced to
// the passed peer on its current connection.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) WasAnnounced(id ID, hash *chainhash.Hash) bool {
	state := r.state(id)
	return state != nil && state.Exists(hash)
}

// AnnouncedTo returns the transactions announced to the passed peer on its
// current connection.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) AnnouncedTo(id ID) []chainhash.Hash {
	state := r.state(id)
	if state == nil {
		return nil
	}
	log.Tracef("Announced to peer %d: %v", id, newLogClosure(state.String))
	return state.Hashes()
}

// IsConnected returns whether the relay tracks the passed peer.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) IsConnected(id ID) bool {
	return r.state(id) != nil
}

// Peers returns the IDs of all connected peers in ascending order.
//
// This function is safe for concurrent access.
func (r *InventoryRelay) Peers() []ID {
	r.mtx.RLock()
	ids := make([]ID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mtx.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
