// Copyright (c) 2015-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package peer provides the per-peer side of transaction relay: the record of
which transactions have been announced to each connection and the debounced
queue that hands announcements to the network.

InventoryRelay tracks one announced set per connected peer.  A transaction is
marked the instant it is selected for a peer and is never selected for that
connection again, whether or not the peer ever asks for it.  The set lives
exactly as long as the connection.

AnnounceQueue collects the selected hashes per peer and releases them as
inventory messages once the peer's trickle deadline has passed.  Deadlines are
derived from caller supplied times, so a mock clock makes delivery fully
deterministic.
*/
package peer
