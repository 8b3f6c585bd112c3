// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxDesc is a descriptor for a transaction that is submitted to the pool.
// Validation and fee accounting happen upstream, so the descriptor only
// carries what the relay layer needs.
type TxDesc struct {
	// Hash is the transaction id.
	Hash chainhash.Hash

	// Fee is the total fee the transaction pays.
	Fee btcutil.Amount

	// Size is the virtual size of the transaction.
	Size int64

	// Parents lists the transactions whose outputs are spent by this one.
	// Parents which are not in the pool when the transaction is added are
	// treated as confirmed.
	Parents []chainhash.Hash
}

// TxRecord is a read-only snapshot of a pool entry including the fee and size
// of its ancestor package (the transaction plus all of its unconfirmed
// ancestors).
type TxRecord struct {
	Hash         chainhash.Hash
	Fee          btcutil.Amount
	Size         int64
	AncestorFee  btcutil.Amount
	AncestorSize int64

	// Added is the time when the entry was added to the pool.
	Added time.Time
}

// String returns a short human-readable description of the record.
func (r *TxRecord) String() string {
	return fmt.Sprintf("%v (fee %v, vsize %d, ancestors %v/%d)", r.Hash,
		r.Fee, r.Size, r.AncestorFee, r.AncestorSize)
}

// poolEntry is a transaction in the pool along with its in-pool relatives.
type poolEntry struct {
	desc     TxDesc
	added    time.Time
	parents  map[chainhash.Hash]struct{}
	children map[chainhash.Hash]struct{}
}

// TxPool is an in-memory store of unconfirmed transactions.  It tracks the
// parent/child links needed for ancestor package accounting and notifies
// subscribers whenever an entry is added or removed.  It is safe for
// concurrent access from multiple peers.
type TxPool struct {
	// The following variables must only be used atomically.
	lastUpdated int64 // last time pool was updated

	mtx       sync.RWMutex
	policy    Policy
	pool      map[chainhash.Hash]*poolEntry
	totalSize int64

	notificationsLock sync.RWMutex
	notifications     []NotificationCallback
}

// Ensure the TxPool type implements the TxSource interface.
var _ TxSource = (*TxPool)(nil)

// New returns a new memory pool for unconfirmed transactions governed by the
// passed policy.
func New(policy Policy) *TxPool {
	return &TxPool{
		policy: policy,
		pool:   make(map[chainhash.Hash]*poolEntry),
	}
}

// AddTransaction inserts the passed transaction into the pool with the given
// entry time and returns its record.
//
// This function is safe for concurrent access.
func (mp *TxPool) AddTransaction(desc *TxDesc, now time.Time) (*TxRecord, error) {
	if desc.Size <= 0 {
		str := fmt.Sprintf("transaction %v has invalid virtual size %d",
			desc.Hash, desc.Size)
		return nil, txRuleError(ErrInvalidTx, str)
	}
	if desc.Fee < 0 {
		str := fmt.Sprintf("transaction %v has negative fee %v",
			desc.Hash, desc.Fee)
		return nil, txRuleError(ErrInvalidTx, str)
	}

	mp.mtx.Lock()
	if _, exists := mp.pool[desc.Hash]; exists {
		mp.mtx.Unlock()
		str := fmt.Sprintf("already have transaction %v", desc.Hash)
		return nil, txRuleError(ErrDuplicateTx, str)
	}

	entry := &poolEntry{
		desc: TxDesc{
			Hash: desc.Hash,
			Fee:  desc.Fee,
			Size: desc.Size,
		},
		added:    now,
		parents:  make(map[chainhash.Hash]struct{}),
		children: make(map[chainhash.Hash]struct{}),
	}
	for _, parentHash := range desc.Parents {
		parent, ok := mp.pool[parentHash]
		if !ok {
			continue
		}
		entry.parents[parentHash] = struct{}{}
		parent.children[desc.Hash] = struct{}{}
		entry.desc.Parents = append(entry.desc.Parents, parentHash)
	}
	mp.pool[desc.Hash] = entry
	mp.totalSize += desc.Size
	record := mp.recordLocked(entry)
	atomic.StoreInt64(&mp.lastUpdated, now.Unix())
	poolSize := len(mp.pool)
	mp.mtx.Unlock()

	log.Debugf("Accepted transaction %v (pool size: %d)", desc.Hash,
		poolSize)

	mp.sendNotification(NTTxAccepted, record)
	return record, nil
}

// removeLocked removes the entry for the passed hash and, when
// removeRedeemers is set, all of its in-pool descendants.  Every removed
// transaction is appended to removed, descendants first.
//
// This function MUST be called with the mempool lock held (for writes).
func (mp *TxPool) removeLocked(hash chainhash.Hash, reason RemovalReason,
	removeRedeemers bool, removed []RemovedTx) []RemovedTx {

	entry, ok := mp.pool[hash]
	if !ok {
		return removed
	}

	if removeRedeemers {
		for child := range entry.children {
			removed = mp.removeLocked(child, reason, true, removed)
		}
	}

	// Unlink the entry.  Children which remain in the pool now have one
	// less unconfirmed ancestor.
	for parentHash := range entry.parents {
		if parent, ok := mp.pool[parentHash]; ok {
			delete(parent.children, hash)
		}
	}
	for childHash := range entry.children {
		if child, ok := mp.pool[childHash]; ok {
			delete(child.parents, hash)
		}
	}

	delete(mp.pool, hash)
	mp.totalSize -= entry.desc.Size

	return append(removed, RemovedTx{Hash: hash, Reason: reason})
}

// notifyRemoved logs and dispatches removal notifications.
//
// This function MUST NOT be called with the mempool lock held.
func (mp *TxPool) notifyRemoved(removed []RemovedTx) {
	for i := range removed {
		log.Debugf("Removed transaction %v (reason: %v)",
			removed[i].Hash, removed[i].Reason)
		mp.sendNotification(NTTxRemoved, &removed[i])
	}
}

// RemoveTransaction removes the passed transaction from the pool for the
// given reason at the passed time.  Transactions removed because they were
// mined leave their descendants in place, while any other reason also removes
// all descendants since they can no longer be valid.  The removed transactions
// are returned.
//
// Subscribers are notified synchronously, after the pool lock is released and
// before this function returns.
//
// This function is safe for concurrent access.
func (mp *TxPool) RemoveTransaction(hash *chainhash.Hash,
	reason RemovalReason, now time.Time) []RemovedTx {

	mp.mtx.Lock()
	removed := mp.removeLocked(*hash, reason, reason != RemovalReasonBlock,
		nil)
	if len(removed) > 0 {
		atomic.StoreInt64(&mp.lastUpdated, now.Unix())
	}
	mp.mtx.Unlock()

	mp.notifyRemoved(removed)
	return removed
}

// Expire removes every transaction, along with its descendants, that entered
// the pool more than the policy expiry before now.
//
// This function is safe for concurrent access.
func (mp *TxPool) Expire(now time.Time) []RemovedTx {
	if mp.policy.Expiry <= 0 {
		return nil
	}

	mp.mtx.Lock()
	var expired []chainhash.Hash
	for hash, entry := range mp.pool {
		if now.Sub(entry.added) > mp.policy.Expiry {
			expired = append(expired, hash)
		}
	}
	var removed []RemovedTx
	for _, hash := range expired {
		removed = mp.removeLocked(hash, RemovalReasonExpiry, true, removed)
	}
	if len(removed) > 0 {
		atomic.StoreInt64(&mp.lastUpdated, now.Unix())
	}
	mp.mtx.Unlock()

	mp.notifyRemoved(removed)
	return removed
}

// TrimToSize evicts the lowest fee-rate transactions, along with their
// descendants, until the pool is within the policy size limit.
//
// This function is safe for concurrent access.
func (mp *TxPool) TrimToSize(now time.Time) []RemovedTx {
	if mp.policy.MaxPoolSize <= 0 {
		return nil
	}

	mp.mtx.Lock()
	var removed []RemovedTx
	for mp.totalSize > mp.policy.MaxPoolSize {
		var worst *poolEntry
		for _, entry := range mp.pool {
			if worst == nil || lowerFeeRate(entry, worst) {
				worst = entry
			}
		}
		if worst == nil {
			break
		}
		removed = mp.removeLocked(worst.desc.Hash,
			RemovalReasonSizeLimit, true, removed)
	}
	if len(removed) > 0 {
		atomic.StoreInt64(&mp.lastUpdated, now.Unix())
	}
	mp.mtx.Unlock()

	mp.notifyRemoved(removed)
	return removed
}

// lowerFeeRate returns whether entry a should be evicted before entry b.  Ties
// are broken by hash so eviction is deterministic.
func lowerFeeRate(a, b *poolEntry) bool {
	cmp := CompareFeeRates(a.desc.Fee, a.desc.Size, b.desc.Fee, b.desc.Size)
	if cmp != 0 {
		return cmp < 0
	}
	return bytes.Compare(a.desc.Hash[:], b.desc.Hash[:]) < 0
}

// recordLocked builds the snapshot record for the passed entry by walking its
// in-pool ancestors.
//
// This function MUST be called with the mempool lock held (for reads).
func (mp *TxPool) recordLocked(entry *poolEntry) *TxRecord {
	record := &TxRecord{
		Hash:         entry.desc.Hash,
		Fee:          entry.desc.Fee,
		Size:         entry.desc.Size,
		AncestorFee:  entry.desc.Fee,
		AncestorSize: entry.desc.Size,
		Added:        entry.added,
	}

	visited := make(map[chainhash.Hash]struct{})
	queue := make([]chainhash.Hash, 0, len(entry.parents))
	for parentHash := range entry.parents {
		queue = append(queue, parentHash)
	}
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if _, ok := visited[hash]; ok {
			continue
		}
		visited[hash] = struct{}{}

		ancestor, ok := mp.pool[hash]
		if !ok {
			continue
		}
		record.AncestorFee += ancestor.desc.Fee
		record.AncestorSize += ancestor.desc.Size
		for parentHash := range ancestor.parents {
			queue = append(queue, parentHash)
		}
	}

	return record
}

// TxRecords returns a snapshot of the records for all transactions in the
// pool.  The records are copies and remain valid after the pool changes.
//
// This function is safe for concurrent access.
func (mp *TxPool) TxRecords() []*TxRecord {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	records := make([]*TxRecord, 0, len(mp.pool))
	for _, entry := range mp.pool {
		records = append(records, mp.recordLocked(entry))
	}
	return records
}

// HaveTransaction returns whether or not the passed transaction exists in the
// pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) HaveTransaction(hash *chainhash.Hash) bool {
	mp.mtx.RLock()
	_, exists := mp.pool[*hash]
	mp.mtx.RUnlock()

	return exists
}

// FetchTxDesc returns a copy of the descriptor for the requested transaction.
//
// This function is safe for concurrent access.
func (mp *TxPool) FetchTxDesc(hash *chainhash.Hash) (*TxDesc, error) {
	mp.mtx.RLock()
	defer mp.mtx.RUnlock()

	entry, exists := mp.pool[*hash]
	if !exists {
		str := fmt.Sprintf("transaction %v is not in the pool", hash)
		return nil, txRuleError(ErrTxNotFound, str)
	}

	desc := entry.desc
	desc.Parents = append([]chainhash.Hash(nil), entry.desc.Parents...)
	return &desc, nil
}

// Count returns the number of transactions in the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) Count() int {
	mp.mtx.RLock()
	count := len(mp.pool)
	mp.mtx.RUnlock()

	return count
}

// TotalSize returns the cumulative virtual size of all pool entries.
//
// This function is safe for concurrent access.
func (mp *TxPool) TotalSize() int64 {
	mp.mtx.RLock()
	size := mp.totalSize
	mp.mtx.RUnlock()

	return size
}

// LastUpdated returns the last time a transaction was added to or removed from
// the pool.
//
// This function is safe for concurrent access.
func (mp *TxPool) LastUpdated() time.Time {
	return time.Unix(atomic.LoadInt64(&mp.lastUpdated), 0)
}
