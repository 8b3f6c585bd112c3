// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/filecoin-project/go-clock"
)

const (
	// DefaultTrickleInterval is the default debounce applied to
	// announcements before they are sent to a peer.
	DefaultTrickleInterval = 5 * time.Second

	// minPollInterval bounds how often the queue handler wakes up when
	// the trickle interval is very short.
	minPollInterval = 100 * time.Millisecond
)

// Announcer is the network send path for inventory announcements.  It must not
// block on the remote peer; implementations hand the message to the
// connection's own send queue.
type Announcer interface {
	// Announce sends the inventory message to the passed peer.  An error
	// indicates the peer could not be reached, for instance because the
	// connection closed.
	Announce(id ID, msg *wire.MsgInv) error
}

// QueueConfig houses the configuration of an AnnounceQueue.
type QueueConfig struct {
	// TrickleInterval is the delay between the first hash queued for a
	// peer and the announcement leaving for that peer.  Later hashes
	// join the pending batch without extending the deadline.
	TrickleInterval time.Duration

	// MaxInvPerMsg caps the number of inventory vectors per message.
	// Zero selects wire.MaxInvPerMsg.
	MaxInvPerMsg int
}

// pendingInv is the announcement batch waiting for a single peer.
type pendingInv struct {
	hashes []chainhash.Hash
	due    time.Time
}

// AnnounceQueue batches announcements per peer and hands them to the
// Announcer once the peer's trickle deadline passes.  All deadlines are
// computed from the times passed in by the caller, so behavior is fully
// determined by the clock that drives it.
type AnnounceQueue struct {
	mtx       sync.Mutex
	cfg       QueueConfig
	announcer Announcer
	peers     map[ID]*pendingInv
}

// NewAnnounceQueue returns a queue sending through the passed announcer.
func NewAnnounceQueue(cfg QueueConfig, announcer Announcer) *AnnounceQueue {
	if cfg.MaxInvPerMsg <= 0 || cfg.MaxInvPerMsg > wire.MaxInvPerMsg {
		cfg.MaxInvPerMsg = wire.MaxInvPerMsg
	}
	return &AnnounceQueue{
		cfg:       cfg,
		announcer: announcer,
		peers:     make(map[ID]*pendingInv),
	}
}

// AddPeer registers the passed peer so hashes can be queued for it.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) AddPeer(id ID) {
	q.mtx.Lock()
	q.peers[id] = &pendingInv{}
	q.mtx.Unlock()
}

// RemovePeer forgets the passed peer and drops anything still queued for it.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) RemovePeer(id ID) {
	q.mtx.Lock()
	pending := q.peers[id]
	delete(q.peers, id)
	q.mtx.Unlock()

	if pending != nil && len(pending.hashes) > 0 {
		log.Debugf("Dropped %d queued announcements for disconnected "+
			"peer %d", len(pending.hashes), id)
	}
}

// Queue adds hashes to the pending announcement for the passed peer.  The
// deadline is set when the batch is started and not moved by later calls.  It
// returns false, queuing nothing, when the peer is unknown.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) Queue(id ID, hashes []chainhash.Hash, now time.Time) bool {
	if len(hashes) == 0 {
		return true
	}

	q.mtx.Lock()
	defer q.mtx.Unlock()

	pending, ok := q.peers[id]
	if !ok {
		log.Tracef("Not queueing %d announcements for unknown peer %d",
			len(hashes), id)
		return false
	}
	if len(pending.hashes) == 0 {
		pending.due = now.Add(q.cfg.TrickleInterval)
	}
	pending.hashes = append(pending.hashes, hashes...)
	return true
}

// ForgetTransaction drops the passed transaction from every pending batch.
// It is used when the transaction leaves the mempool before its announcement
// went out.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) ForgetTransaction(hash *chainhash.Hash) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for _, pending := range q.peers {
		for i := 0; i < len(pending.hashes); i++ {
			if pending.hashes[i] != *hash {
				continue
			}
			pending.hashes = append(pending.hashes[:i],
				pending.hashes[i+1:]...)
			i--
		}
	}
}

// Pending returns the number of hashes queued for the passed peer.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) Pending(id ID) int {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if pending, ok := q.peers[id]; ok {
		return len(pending.hashes)
	}
	return 0
}

// NextDue returns the earliest pending deadline, if any.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) NextDue() (time.Time, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var next time.Time
	found := false
	for _, pending := range q.peers {
		if len(pending.hashes) == 0 {
			continue
		}
		if !found || pending.due.Before(next) {
			next = pending.due
			found = true
		}
	}
	return next, found
}

// FlushDue sends every batch whose deadline is at or before now and returns
// the number of inventory vectors handed to the announcer.  Send failures are
// logged and swallowed: the hashes stay marked as announced to that peer and
// are not retried.
//
// This function is safe for concurrent access.
func (q *AnnounceQueue) FlushDue(now time.Time) int {
	type batch struct {
		id     ID
		hashes []chainhash.Hash
	}

	q.mtx.Lock()
	var due []batch
	for id, pending := range q.peers {
		if len(pending.hashes) == 0 || pending.due.After(now) {
			continue
		}
		due = append(due, batch{id: id, hashes: pending.hashes})
		pending.hashes = nil
	}
	q.mtx.Unlock()

	// Send outside of the lock since the announcer may call back into the
	// relay layer.
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	sent := 0
	for _, b := range due {
		for _, msg := range q.buildInvMsgs(b.hashes) {
			if err := q.announcer.Announce(b.id, msg); err != nil {
				log.Debugf("Failed to announce %d transactions "+
					"to peer %d: %v", len(msg.InvList), b.id,
					err)
				break
			}
			sent += len(msg.InvList)
		}
	}
	return sent
}

// buildInvMsgs splits the hashes into inventory messages that respect the
// configured per-message limit.
func (q *AnnounceQueue) buildInvMsgs(hashes []chainhash.Hash) []*wire.MsgInv {
	var msgs []*wire.MsgInv
	for start := 0; start < len(hashes); start += q.cfg.MaxInvPerMsg {
		end := start + q.cfg.MaxInvPerMsg
		if end > len(hashes) {
			end = len(hashes)
		}
		invMsg := wire.NewMsgInvSizeHint(uint(end - start))
		for i := start; i < end; i++ {
			iv := wire.NewInvVect(wire.InvTypeTx, &hashes[i])
			if err := invMsg.AddInvVect(iv); err != nil {
				// Unreachable given the per-message cap.
				log.Errorf("Unable to add inventory vector: %v", err)
				break
			}
		}
		msgs = append(msgs, invMsg)
	}
	return msgs
}

// Run flushes due announcements on a ticker from the passed clock until the
// context is canceled.
func (q *AnnounceQueue) Run(ctx context.Context, clk clock.Clock) {
	interval := q.cfg.TrickleInterval
	if interval < minPollInterval {
		interval = minPollInterval
	}
	trickleTicker := clk.Ticker(interval)
	defer trickleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trickleTicker.C:
			q.FlushDue(clk.Now())
		}
	}
}
