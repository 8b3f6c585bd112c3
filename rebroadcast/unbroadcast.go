// Copyright (c) 2016-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// UnbroadcastSet tracks locally originated transactions that no peer has
// requested yet.  Entries are rebroadcast on every tick regardless of their
// fee rate until they are either requested by a peer or leave the mempool.
//
// Every entry must refer to a transaction in the mempool.  The owner of the
// set is expected to call Remove synchronously whenever a transaction leaves
// the pool.
type UnbroadcastSet struct {
	mtx     sync.RWMutex
	entries map[chainhash.Hash]time.Time
}

// NewUnbroadcastSet returns an empty unbroadcast set.
func NewUnbroadcastSet() *UnbroadcastSet {
	return &UnbroadcastSet{
		entries: make(map[chainhash.Hash]time.Time),
	}
}

// InsertLocalOrigin adds the passed transaction with the passed insertion
// time.  It returns false, leaving the original insertion time untouched,
// when the transaction is already tracked.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) InsertLocalOrigin(hash chainhash.Hash, now time.Time) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.insertLocked(hash, now)
}

// insertIf adds the transaction only when have reports it as present.  The
// check runs while the set is locked so a concurrent Remove issued for the same
// transaction can't be ordered between the check and the insertion.  It
// returns whether the transaction was present and whether it was newly added.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) insertIf(hash chainhash.Hash, now time.Time,
	have func(*chainhash.Hash) bool) (bool, bool) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !have(&hash) {
		return false, false
	}
	return true, s.insertLocked(hash, now)
}

// insertLocked adds the entry if it does not exist yet.
//
// This function MUST be called with the set lock held (for writes).
func (s *UnbroadcastSet) insertLocked(hash chainhash.Hash, now time.Time) bool {
	if _, ok := s.entries[hash]; ok {
		return false
	}
	s.entries[hash] = now
	log.Debugf("Tracking unbroadcast transaction %v", hash)
	return true
}

// Remove removes the passed transaction from the set.  It returns whether the
// transaction was tracked.  Removing an unknown transaction is a no-op.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) Remove(hash *chainhash.Hash) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.entries[*hash]; !ok {
		return false
	}
	delete(s.entries, *hash)
	log.Debugf("Removed unbroadcast transaction %v", hash)
	return true
}

// Snapshot returns the tracked transaction hashes in ascending order.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) Snapshot() []chainhash.Hash {
	s.mtx.RLock()
	hashes := make([]chainhash.Hash, 0, len(s.entries))
	for hash := range s.entries {
		hashes = append(hashes, hash)
	}
	s.mtx.RUnlock()

	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return hashes
}

// Contains returns whether the passed transaction is tracked.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) Contains(hash *chainhash.Hash) bool {
	s.mtx.RLock()
	_, ok := s.entries[*hash]
	s.mtx.RUnlock()
	return ok
}

// ContainsAny returns whether any transaction is tracked.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) ContainsAny() bool {
	return s.Count() > 0
}

// Count returns the number of tracked transactions.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) Count() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return len(s.entries)
}

// InsertedAt returns the time the passed transaction was added to the set.
//
// This function is safe for concurrent access.
func (s *UnbroadcastSet) InsertedAt(hash *chainhash.Hash) (time.Time, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	added, ok := s.entries[*hash]
	return added, ok
}
