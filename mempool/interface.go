// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// TxSource defines the read-only view of the transaction memory pool that the
// relay layer consumes.  It is the single source of truth for transaction
// existence and metadata.
//
// The interface contract requires that all of these methods are safe for
// concurrent access with respect to the source.
type TxSource interface {
	// TxRecords returns a point-in-time copy of the records for every
	// transaction in the pool.  The returned slice is owned by the caller
	// and may be processed without holding any pool lock.
	TxRecords() []*TxRecord

	// HaveTransaction returns whether or not the passed transaction
	// currently exists in the pool.
	HaveTransaction(hash *chainhash.Hash) bool

	// Subscribe registers a callback that is invoked synchronously for
	// every pool notification.  Removal notifications are delivered
	// after the pool lock has been released, but before the call that
	// caused the removal returns.
	Subscribe(callback NotificationCallback)
}
