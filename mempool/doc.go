// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package mempool provides the unconfirmed transaction store consumed by the
transaction relay layer.

The pool does not validate transactions.  Callers hand it descriptors that have
already passed validation and fee accounting, and the pool keeps enough
structure around them to answer the questions relay needs: which transactions
exist, when they arrived, and what the fee and virtual size of each
transaction's ancestor package are.

# Removal Notifications

Every removal is announced to subscribers through an NTTxRemoved notification
carrying the removal reason: inclusion in a block, a conflict with a block,
expiry, or eviction to honor the size limit.  Notifications are delivered
synchronously, after the pool lock has been released, so subscribers may call
back into the pool and can rely on the transaction already being gone.

Transactions removed for a block keep their descendants in the pool since those
are still valid.  Every other reason also removes all descendants.
*/
package mempool
