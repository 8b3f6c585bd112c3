// Copyright (c) 2016-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package rebroadcast periodically re-announces unconfirmed transactions to
connected peers so that transactions survive transient disconnects, lost
messages, and peers that never asked for them.

Two sources of transactions are considered on every tick:

  - the highest ancestor package fee rate transactions from a mempool snapshot
    that are older than the recency threshold and fit the weight budget
    (see SelectTopFee)
  - every locally originated transaction no peer has requested yet (see
    UnbroadcastSet), regardless of its fee rate or age

The union is filtered per peer so a transaction is announced at most once to a
given peer for the lifetime of its connection, and the unseen remainder is
handed to a Dispatcher which debounces and sends it.

# Mempool Coupling

Entries in the UnbroadcastSet must always refer to transactions in the mempool.
The owner wires the mempool removal notifications to UnbroadcastSet.Remove so a
transaction that is mined, conflicted, expired, or evicted stops being
rebroadcast at once, even if no peer ever requested it.

# Time

All time used by the scheduler comes from the clock in its Config and the
times passed to Tick, which allows tests to fast-forward a mock clock.
*/
package rebroadcast
