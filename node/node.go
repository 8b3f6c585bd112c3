// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/peer"
	"github.com/btcsuite/txrelay/rebroadcast"
	"github.com/decred/dcrd/lru"
	"github.com/filecoin-project/go-clock"
)

const (
	// defaultRejectedCacheSize is the default number of rejected
	// transactions remembered so they aren't requested again.
	defaultRejectedCacheSize = 1000

	// defaultConfirmedCacheSize is the default number of recently mined
	// transactions remembered so they aren't requested or accepted again.
	defaultConfirmedCacheSize = 5000

	// expireScanInterval is the time between scans of the mempool for
	// expired transactions.
	expireScanInterval = 5 * time.Minute
)

// Config houses the configuration of a Node.
type Config struct {
	// Rebroadcast configures the rebroadcast scheduler and the
	// announcement trickle.
	Rebroadcast rebroadcast.Config

	// Policy houses the mempool limits.
	Policy mempool.Policy

	// MaxInvPerMsg caps the number of inventory vectors per announcement.
	// Zero selects the protocol maximum.
	MaxInvPerMsg int

	// RejectedCacheSize is the number of rejected transactions remembered.
	// Zero selects a default.
	RejectedCacheSize uint

	// ConfirmedCacheSize is the number of recently mined transactions
	// remembered.  Zero selects a default.
	ConfirmedCacheSize uint
}

// ErrTxConfirmed is returned when a transaction that was recently included in
// a connected block is delivered or submitted again.
var ErrTxConfirmed = errors.New("transaction recently confirmed")

// DefaultConfig returns a configuration populated with the default values.
func DefaultConfig() Config {
	return Config{
		Rebroadcast:        rebroadcast.DefaultConfig(),
		Policy:             mempool.DefaultPolicy(),
		RejectedCacheSize:  defaultRejectedCacheSize,
		ConfirmedCacheSize: defaultConfirmedCacheSize,
	}
}

// Node glues a mempool to the transaction relay layer.  It keeps the
// unbroadcast set and the per-peer announcement state in step with the
// mempool and exposes the callbacks the network layer invokes when peers
// connect, disconnect, announce, request or deliver transactions.
type Node struct {
	started  int32
	shutdown int32

	name         string
	clock        clock.Clock
	pool         *mempool.TxPool
	unbroadcast  *rebroadcast.UnbroadcastSet
	relay        *peer.InventoryRelay
	queue        *peer.AnnounceQueue
	scheduler    *rebroadcast.Scheduler
	rejectedTxns lru.Cache
	minedTxns    lru.Cache

	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// New returns a node sending its announcements through the passed announcer.
// An invalid rebroadcast configuration is returned as an error.
func New(name string, cfg Config, announcer peer.Announcer) (*Node, error) {
	if cfg.Rebroadcast.Clock == nil {
		cfg.Rebroadcast.Clock = clock.New()
	}
	if cfg.RejectedCacheSize == 0 {
		cfg.RejectedCacheSize = defaultRejectedCacheSize
	}
	if cfg.ConfirmedCacheSize == 0 {
		cfg.ConfirmedCacheSize = defaultConfirmedCacheSize
	}

	pool := mempool.New(cfg.Policy)
	unbroadcast := rebroadcast.NewUnbroadcastSet()
	relay := peer.NewInventoryRelay(unbroadcast)
	queue := peer.NewAnnounceQueue(peer.QueueConfig{
		TrickleInterval: cfg.Rebroadcast.TrickleInterval,
		MaxInvPerMsg:    cfg.MaxInvPerMsg,
	}, announcer)
	scheduler, err := rebroadcast.New(cfg.Rebroadcast, pool, unbroadcast,
		relay, queue)
	if err != nil {
		return nil, err
	}

	n := &Node{
		name:         name,
		clock:        cfg.Rebroadcast.Clock,
		pool:         pool,
		unbroadcast:  unbroadcast,
		relay:        relay,
		queue:        queue,
		scheduler:    scheduler,
		rejectedTxns: lru.NewCache(cfg.RejectedCacheSize),
		minedTxns:    lru.NewCache(cfg.ConfirmedCacheSize),
		quit:         make(chan struct{}),
	}
	pool.Subscribe(n.handleMempoolNotification)
	return n, nil
}

// handleMempoolNotification keeps the relay state in step with the mempool.
// It runs synchronously on the goroutine that removed the transaction, so the
// transaction is gone from the unbroadcast set, every peer's announcement
// state and every pending announcement before the removal returns.
func (n *Node) handleMempoolNotification(notification *mempool.Notification) {
	switch notification.Type {
	case mempool.NTTxRemoved:
		removed, ok := notification.Data.(*mempool.RemovedTx)
		if !ok {
			log.Warnf("Removal notification is not a transaction.")
			break
		}
		if n.unbroadcast.Remove(&removed.Hash) {
			log.Debugf("%s: dropped unbroadcast transaction %v "+
				"(%v)", n.name, removed.Hash, removed.Reason)
		}
		n.relay.ForgetTransaction(&removed.Hash)
		n.queue.ForgetTransaction(&removed.Hash)
	}
}

// Name returns the name of the node.
func (n *Node) Name() string {
	return n.name
}

// Clock returns the clock the node runs on.
func (n *Node) Clock() clock.Clock {
	return n.clock
}

// Pool returns the mempool of the node.
func (n *Node) Pool() *mempool.TxPool {
	return n.pool
}

// Unbroadcast returns the set of local transactions not requested by any peer
// yet.
func (n *Node) Unbroadcast() *rebroadcast.UnbroadcastSet {
	return n.unbroadcast
}

// Relay returns the per-peer announcement state.
func (n *Node) Relay() *peer.InventoryRelay {
	return n.relay
}

// Scheduler returns the rebroadcast scheduler.
func (n *Node) Scheduler() *rebroadcast.Scheduler {
	return n.scheduler
}

// SubmitTransaction adds a locally originated transaction to the mempool,
// tracks it until a peer requests it and queues it for every connected peer.
func (n *Node) SubmitTransaction(desc *mempool.TxDesc) error {
	if err := n.checkConfirmed(&desc.Hash); err != nil {
		return err
	}
	now := n.clock.Now()
	if _, err := n.pool.AddTransaction(desc, now); err != nil {
		return err
	}
	if err := n.scheduler.SubmitLocalTransaction(desc.Hash, now); err != nil {
		// The transaction was removed again before it could be
		// tracked, so there is nothing left to relay.
		return err
	}
	n.scheduler.Announce([]chainhash.Hash{desc.Hash}, now)
	log.Infof("%s: submitted transaction %v", n.name, desc.Hash)
	return nil
}

// PeerConnected sets up the announcement state for a new connection.
func (n *Node) PeerConnected(id peer.ID) {
	n.relay.PeerConnected(id)
	n.queue.AddPeer(id)
	log.Debugf("%s: peer %d connected", n.name, id)
}

// PeerDisconnected tears down all state kept for the passed peer.
func (n *Node) PeerDisconnected(id peer.ID) {
	n.queue.RemovePeer(id)
	n.relay.PeerDisconnected(id)
	log.Debugf("%s: peer %d disconnected", n.name, id)
}

// HandleInv processes an inventory announcement from the passed peer.  The
// announced transactions are known to that peer and are never announced back
// to it.  The returned message requests the ones this node doesn't have and
// hasn't recently rejected or seen mined.
func (n *Node) HandleInv(id peer.ID, msg *wire.MsgInv) *wire.MsgGetData {
	hashes := make([]chainhash.Hash, 0, len(msg.InvList))
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeTx {
			continue
		}
		hashes = append(hashes, iv.Hash)
	}
	n.relay.FilterUnseen(id, hashes)

	gdmsg := wire.NewMsgGetDataSizeHint(uint(len(hashes)))
	for i := range hashes {
		hash := &hashes[i]
		if n.pool.HaveTransaction(hash) || n.rejectedTxns.Contains(*hash) ||
			n.minedTxns.Contains(*hash) {

			continue
		}
		iv := wire.NewInvVect(wire.InvTypeTx, hash)
		if err := gdmsg.AddInvVect(iv); err != nil {
			log.Debugf("%s: unable to request %v from peer %d: %v",
				n.name, hash, id, err)
			break
		}
	}
	return gdmsg
}

// DataRequested serves a request for a full transaction from the passed
// peer.  The request is the acknowledgment that the peer learned about the
// transaction.
func (n *Node) DataRequested(id peer.ID, hash *chainhash.Hash) (*mempool.TxDesc, error) {
	n.relay.Acknowledged(id, hash)
	return n.pool.FetchTxDesc(hash)
}

// HandleGetData serves every transaction in the passed request that is still
// in the mempool.
func (n *Node) HandleGetData(id peer.ID, msg *wire.MsgGetData) []*mempool.TxDesc {
	descs := make([]*mempool.TxDesc, 0, len(msg.InvList))
	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeTx {
			continue
		}
		desc, err := n.DataRequested(id, &iv.Hash)
		if err != nil {
			log.Debugf("%s: unable to serve %v to peer %d: %v",
				n.name, iv.Hash, id, err)
			continue
		}
		descs = append(descs, desc)
	}
	return descs
}

// ProcessTransaction accepts a transaction delivered by the passed peer and
// relays it to every other peer that has not seen it.  It is not tracked in
// the unbroadcast set since it did not originate locally.  ErrTxConfirmed is
// returned for a transaction that was recently mined.
func (n *Node) ProcessTransaction(id peer.ID, desc *mempool.TxDesc) error {
	if err := n.checkConfirmed(&desc.Hash); err != nil {
		return err
	}

	now := n.clock.Now()
	if _, err := n.pool.AddTransaction(desc, now); err != nil {
		var rerr mempool.TxRuleError
		if errors.As(err, &rerr) && rerr.ErrorCode == mempool.ErrInvalidTx {
			n.rejectedTxns.Add(desc.Hash)
		}
		return err
	}

	hashes := []chainhash.Hash{desc.Hash}
	n.relay.FilterUnseen(id, hashes)
	n.scheduler.Announce(hashes, now)
	return nil
}

// checkConfirmed returns ErrTxConfirmed when the passed transaction was
// included in a recently connected block.
func (n *Node) checkConfirmed(hash *chainhash.Hash) error {
	if n.minedTxns.Contains(*hash) {
		return fmt.Errorf("%w: %v", ErrTxConfirmed, hash)
	}
	return nil
}

// BlockConnected removes the transactions included in a new block from the
// mempool and remembers them so a peer announcing or delivering one again
// does not bring it back.
func (n *Node) BlockConnected(txHashes []chainhash.Hash) {
	now := n.clock.Now()
	for i := range txHashes {
		n.minedTxns.Add(txHashes[i])
		n.pool.RemoveTransaction(&txHashes[i], mempool.RemovalReasonBlock,
			now)
	}
}

// EligibleAnnouncements returns what the next rebroadcast tick would announce
// to the passed peer, without marking anything.
func (n *Node) EligibleAnnouncements(id peer.ID) []chainhash.Hash {
	return n.scheduler.PeerEligibleAnnouncements(id, n.clock.Now())
}

// Tick runs a rebroadcast tick at the current time of the node's clock.
func (n *Node) Tick(ctx context.Context) error {
	return n.scheduler.Tick(ctx, n.clock.Now())
}

// FlushAnnouncements sends every queued announcement whose trickle delay has
// passed and returns the number of announced transactions.
func (n *Node) FlushAnnouncements() int {
	return n.queue.FlushDue(n.clock.Now())
}

// Start begins the rebroadcast ticks, the announcement trickle and mempool
// maintenance.
func (n *Node) Start() {
	// Already started?
	if atomic.AddInt32(&n.started, 1) != 1 {
		return
	}

	log.Tracef("%s: starting node", n.name)
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.scheduler.Start()
	n.wg.Add(2)
	go func() {
		n.queue.Run(ctx, n.clock)
		n.wg.Done()
	}()
	go n.maintenanceHandler()
}

// Stop shuts the node down and waits for its goroutines to exit.
func (n *Node) Stop() {
	if atomic.AddInt32(&n.shutdown, 1) != 1 {
		log.Warnf("%s: node is already in the process of shutting down",
			n.name)
		return
	}
	if atomic.LoadInt32(&n.started) == 0 {
		return
	}

	log.Infof("%s: node shutting down", n.name)
	n.scheduler.Stop()
	n.cancel()
	close(n.quit)
	n.wg.Wait()
}

// maintenanceHandler periodically evicts expired transactions and trims the
// mempool to its size limit.  Evictions flow through the removal notification
// like any other removal.
//
// It MUST be run as a goroutine.
func (n *Node) maintenanceHandler() {
	ticker := n.clock.Ticker(expireScanInterval)
	defer ticker.Stop()

out:
	for {
		select {
		case <-ticker.C:
			expired := n.pool.Expire(n.clock.Now())
			trimmed := n.pool.TrimToSize(n.clock.Now())
			if len(expired) > 0 || len(trimmed) > 0 {
				log.Debugf("%s: evicted %d expired and %d "+
					"excess transactions", n.name,
					len(expired), len(trimmed))
			}

		case <-n.quit:
			break out
		}
	}

	n.wg.Done()
}
