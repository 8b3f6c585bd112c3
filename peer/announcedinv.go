// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// announcedInventory provides a concurrency safe set of the transaction
// hashes that have been announced to a single peer connection.  Unlike the
// known inventory caches it never evicts, since an entry must survive for as
// long as the connection does.
type announcedInventory struct {
	invMtx sync.Mutex
	invMap map[chainhash.Hash]struct{}

	// closed is set once the owning peer disconnects.  A closed set
	// accepts no further announcements.
	closed bool
}

// String returns the set as a human-readable string.
//
// This function is safe for concurrent access.
func (m *announcedInventory) String() string {
	m.invMtx.Lock()
	defer m.invMtx.Unlock()

	lastEntryNum := len(m.invMap) - 1
	curEntry := 0
	buf := bytes.NewBufferString("[")
	for hash := range m.invMap {
		buf.WriteString(hash.String())
		if curEntry < lastEntryNum {
			buf.WriteString(", ")
		}
		curEntry++
	}
	buf.WriteString("]")

	return fmt.Sprintf("<%d>%s", len(m.invMap), buf.String())
}

// Exists returns whether or not the passed hash has been announced.
//
// This function is safe for concurrent access.
func (m *announcedInventory) Exists(hash *chainhash.Hash) bool {
	m.invMtx.Lock()
	_, exists := m.invMap[*hash]
	m.invMtx.Unlock()

	return exists
}

// markUnseen returns the hashes from candidates that have not been announced
// yet and marks them announced in the same critical section.  Duplicates in
// candidates are returned once.  Nothing is returned once the set is closed.
//
// This function is safe for concurrent access.
func (m *announcedInventory) markUnseen(candidates []chainhash.Hash) []chainhash.Hash {
	m.invMtx.Lock()
	defer m.invMtx.Unlock()

	if m.closed {
		return nil
	}

	var unseen []chainhash.Hash
	for _, hash := range candidates {
		if _, exists := m.invMap[hash]; exists {
			continue
		}
		m.invMap[hash] = struct{}{}
		unseen = append(unseen, hash)
	}
	return unseen
}

// unseen returns the hashes from candidates that have not been announced yet
// without marking them.
//
// This function is safe for concurrent access.
func (m *announcedInventory) unseen(candidates []chainhash.Hash) []chainhash.Hash {
	m.invMtx.Lock()
	defer m.invMtx.Unlock()

	if m.closed {
		return nil
	}

	var unseen []chainhash.Hash
	seen := make(map[chainhash.Hash]struct{}, len(candidates))
	for _, hash := range candidates {
		if _, exists := m.invMap[hash]; exists {
			continue
		}
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		unseen = append(unseen, hash)
	}
	return unseen
}

// Delete deletes the passed hash from the set (if it exists).
//
// This function is safe for concurrent access.
func (m *announcedInventory) Delete(hash *chainhash.Hash) {
	m.invMtx.Lock()
	delete(m.invMap, *hash)
	m.invMtx.Unlock()
}

// Len returns the number of announced hashes.
//
// This function is safe for concurrent access.
func (m *announcedInventory) Len() int {
	m.invMtx.Lock()
	n := len(m.invMap)
	m.invMtx.Unlock()

	return n
}

// Hashes returns a copy of the announced hashes.
//
// This function is safe for concurrent access.
func (m *announcedInventory) Hashes() []chainhash.Hash {
	m.invMtx.Lock()
	defer m.invMtx.Unlock()

	hashes := make([]chainhash.Hash, 0, len(m.invMap))
	for hash := range m.invMap {
		hashes = append(hashes, hash)
	}
	return hashes
}

// close marks the set closed and releases its entries.
//
// This function is safe for concurrent access.
func (m *announcedInventory) close() {
	m.invMtx.Lock()
	m.closed = true
	m.invMap = make(map[chainhash.Hash]struct{})
	m.invMtx.Unlock()
}

// newAnnouncedInventory returns a new, empty announced inventory set.
func newAnnouncedInventory() *announcedInventory {
	return &announcedInventory{
		invMap: make(map[chainhash.Hash]struct{}),
	}
}
