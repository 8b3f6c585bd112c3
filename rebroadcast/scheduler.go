// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/peer"
	"github.com/filecoin-project/go-clock"
	"github.com/looplab/fsm"
)

// Scheduler states.
const (
	StateIdle        = "idle"
	StateComputing   = "computing"
	StateDispatching = "dispatching"
)

// Scheduler events.
const (
	eventCompute  = "compute"
	eventDispatch = "dispatch"
	eventFinish   = "finish"
)

// Tick kinds used for logging and metrics.
const (
	tickFull        = "full"
	tickUnbroadcast = "unbroadcast"
)

// PeerRelay is the per-peer announcement state consulted by the scheduler.
// It is implemented by peer.InventoryRelay.
type PeerRelay interface {
	// Peers returns the currently connected peers.
	Peers() []peer.ID

	// FilterUnseen returns the candidates not yet announced to the peer
	// and marks them as announced.
	FilterUnseen(id peer.ID, candidates []chainhash.Hash) []chainhash.Hash

	// Unseen returns the candidates not yet announced to the peer without
	// marking them.
	Unseen(id peer.ID, candidates []chainhash.Hash) []chainhash.Hash

	// ForgetTransaction drops the transaction from every peer's state.
	ForgetTransaction(hash *chainhash.Hash)
}

// Dispatcher is the network send path announcements are handed to.  It is
// implemented by peer.AnnounceQueue and must not block.
type Dispatcher interface {
	Queue(id peer.ID, hashes []chainhash.Hash, now time.Time) bool

	// ForgetTransaction drops any pending announcement of the transaction.
	ForgetTransaction(hash *chainhash.Hash)
}

// Scheduler periodically announces high fee rate mempool transactions and
// locally originated transactions that have not been requested by any peer
// yet.  Each transaction is announced at most once to a given peer for the
// lifetime of that peer's connection.
//
// A tick moves the scheduler from idle to computing, where the eligible set is
// built from a mempool snapshot, then to dispatching, where the eligible set is
// filtered and queued for every connected peer, and finally back to idle.
type Scheduler struct {
	started  int32
	shutdown int32

	cfg         Config
	clock       clock.Clock
	source      mempool.TxSource
	unbroadcast *UnbroadcastSet
	relay       PeerRelay
	dispatcher  Dispatcher

	fsm  *fsm.FSM
	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a scheduler using the passed collaborators.  It returns a
// RuleError when the configuration is invalid.
func New(cfg Config, source mempool.TxSource, unbroadcast *UnbroadcastSet,
	relay PeerRelay, dispatcher Dispatcher) (*Scheduler, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	initPrometheusMetrics()

	return &Scheduler{
		cfg:         cfg,
		clock:       clk,
		source:      source,
		unbroadcast: unbroadcast,
		relay:       relay,
		dispatcher:  dispatcher,
		fsm:         newTickFSM(),
		quit:        make(chan struct{}),
	}, nil
}

// newTickFSM returns the state machine tracking a single tick cycle.
func newTickFSM() *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{
				Name: eventCompute,
				Src:  []string{StateIdle},
				Dst:  StateComputing,
			},
			{
				Name: eventDispatch,
				Src:  []string{StateComputing},
				Dst:  StateDispatching,
			},
			{
				Name: eventFinish,
				Src:  []string{StateDispatching},
				Dst:  StateIdle,
			},
		},
		fsm.Callbacks{},
	)
}

// State returns the current state of the tick cycle.
func (s *Scheduler) State() string {
	return s.fsm.Current()
}

// Config returns the configuration the scheduler was created with.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// eligible returns the union of the fee rate selection and the unbroadcast
// set at now, without duplicates.  Selected transactions come first, in
// selection order, followed by the remaining unbroadcast transactions in hash
// order.  It also returns the number of fee rate selected transactions.
//
// Unbroadcast transactions missing from the mempool snapshot are left out.
// They were removed and the removal notification that drops them from the
// set has not run yet.
func (s *Scheduler) eligible(now time.Time) ([]chainhash.Hash, int) {
	records := s.source.TxRecords()
	selected := SelectTopFee(records, now, s.cfg.RecencyThreshold,
		s.cfg.MaxWeight)

	inPool := make(map[chainhash.Hash]struct{}, len(records))
	for _, rec := range records {
		inPool[rec.Hash] = struct{}{}
	}

	seen := make(map[chainhash.Hash]struct{}, len(selected))
	union := make([]chainhash.Hash, 0, len(selected))
	for _, hash := range selected {
		seen[hash] = struct{}{}
		union = append(union, hash)
	}
	for _, hash := range s.unbroadcast.Snapshot() {
		if _, ok := seen[hash]; ok {
			continue
		}
		if _, ok := inPool[hash]; !ok {
			continue
		}
		seen[hash] = struct{}{}
		union = append(union, hash)
	}
	return union, len(selected)
}

// Tick runs a full rebroadcast cycle at now.  Transactions selected by fee rate
// and all unbroadcast transactions are announced to every connected peer that
// has not seen them yet.  A tick never waits on peers: announcements are
// handed to the dispatcher and send failures are dealt with there.
//
// ErrTickInProgress is returned when another tick has not finished.
//
// This function is safe for concurrent access.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	return s.runTick(ctx, now, tickFull, func() ([]chainhash.Hash, int) {
		return s.eligible(now)
	})
}

// TickUnbroadcast runs a cycle that only considers the unbroadcast set.  It is
// run more often than a full tick so locally originated transactions reach
// newly connected peers quickly.
//
// This function is safe for concurrent access.
func (s *Scheduler) TickUnbroadcast(ctx context.Context, now time.Time) error {
	return s.runTick(ctx, now, tickUnbroadcast, func() ([]chainhash.Hash, int) {
		snapshot := s.unbroadcast.Snapshot()
		candidates := snapshot[:0]
		for i := range snapshot {
			if s.source.HaveTransaction(&snapshot[i]) {
				candidates = append(candidates, snapshot[i])
			}
		}
		return candidates, 0
	})
}

// runTick drives the state machine through one cycle, building the eligible
// set with the passed function.
func (s *Scheduler) runTick(ctx context.Context, now time.Time, kind string,
	compute func() ([]chainhash.Hash, int)) error {

	// Transitions use their own context: a canceled transition would leave
	// the machine stuck mid-transition.
	if err := s.fsm.Event(context.Background(), eventCompute); err != nil {
		prometheusRebroadcastTicksSkipped.Inc()
		str := fmt.Sprintf("%s tick at %v rejected in state %s: %v",
			kind, now, s.fsm.Current(), err)
		return ruleError(ErrTickInProgress, str)
	}
	defer func() {
		if !s.fsm.Is(StateIdle) {
			s.fsm.SetState(StateIdle)
		}
	}()

	start := time.Now()
	candidates, selected := compute()
	if kind == tickFull {
		prometheusRebroadcastSelected.Set(float64(selected))
	}
	prometheusRebroadcastUnbroadcast.Set(float64(s.unbroadcast.Count()))

	if err := s.fsm.Event(context.Background(), eventDispatch); err != nil {
		return err
	}
	peers, announced, err := s.dispatch(ctx, candidates, now)
	if err != nil {
		return err
	}
	if err := s.fsm.Event(context.Background(), eventFinish); err != nil {
		return err
	}

	prometheusRebroadcastTicks.WithLabelValues(kind).Inc()
	prometheusRebroadcastTickDuration.Observe(time.Since(start).Seconds())
	log.Debugf("Rebroadcast %s tick: %d eligible (%d by fee rate), %d "+
		"announcements queued for %d peers", kind, len(candidates),
		selected, announced, peers)
	return nil
}

// dispatch filters the candidates for every connected peer and queues the
// unseen ones.  It returns the number of peers that were handed announcements
// and the total number of queued announcements.
func (s *Scheduler) dispatch(ctx context.Context, candidates []chainhash.Hash,
	now time.Time) (int, int, error) {

	if len(candidates) == 0 {
		return 0, 0, nil
	}

	var peers, announced int
	defer func() {
		if announced > 0 {
			s.forgetRemoved(candidates)
		}
	}()
	for _, id := range s.relay.Peers() {
		if err := ctx.Err(); err != nil {
			return peers, announced, err
		}

		// A peer that disconnected since the peer list was taken
		// yields nothing here and is skipped.
		unseen := s.relay.FilterUnseen(id, candidates)
		if len(unseen) == 0 {
			continue
		}
		if !s.dispatcher.Queue(id, unseen, now) {
			log.Tracef("Peer %d went away before %d announcements "+
				"could be queued", id, len(unseen))
			continue
		}
		peers++
		announced += len(unseen)
	}
	prometheusRebroadcastAnnounced.Add(float64(announced))
	return peers, announced, nil
}

// forgetRemoved drops the announcement state of every passed transaction that
// is no longer in the mempool.  A transaction removed while it was being
// queued would otherwise stay marked and queued after its removal
// notification already cleaned up.  The mempool deletes a transaction before
// notifying, so any removal this check misses is handled by the notification.
func (s *Scheduler) forgetRemoved(hashes []chainhash.Hash) {
	for i := range hashes {
		hash := &hashes[i]
		if s.source.HaveTransaction(hash) {
			continue
		}
		log.Tracef("Transaction %v left the mempool during dispatch", hash)
		s.relay.ForgetTransaction(hash)
		s.dispatcher.ForgetTransaction(hash)
	}
}

// Announce queues the passed transactions for every connected peer that has
// not seen them yet, outside of the regular ticks.  It is used to relay newly
// accepted transactions.  It returns the number of queued announcements.
//
// This function is safe for concurrent access.
func (s *Scheduler) Announce(hashes []chainhash.Hash, now time.Time) int {
	var announced int
	for _, id := range s.relay.Peers() {
		unseen := s.relay.FilterUnseen(id, hashes)
		if len(unseen) == 0 {
			continue
		}
		if s.dispatcher.Queue(id, unseen, now) {
			announced += len(unseen)
		}
	}
	if announced > 0 {
		s.forgetRemoved(hashes)
	}
	prometheusRebroadcastAnnounced.Add(float64(announced))
	return announced
}

// SubmitLocalTransaction records a locally originated transaction in the
// unbroadcast set so it is announced on every tick until a peer requests it or
// it leaves the mempool.  The transaction must already be in the mempool;
// ErrTxNotInPool is returned otherwise.  Submitting a tracked transaction again
// keeps its original insertion time.
//
// This function is safe for concurrent access.
func (s *Scheduler) SubmitLocalTransaction(hash chainhash.Hash, now time.Time) error {
	present, added := s.unbroadcast.insertIf(hash, now,
		s.source.HaveTransaction)
	if !present {
		str := fmt.Sprintf("transaction %v is not in the mempool", hash)
		return ruleError(ErrTxNotInPool, str)
	}
	if added {
		prometheusRebroadcastUnbroadcast.Set(float64(s.unbroadcast.Count()))
	}
	return nil
}

// PeerEligibleAnnouncements returns the transactions a full tick at now would
// announce to the passed peer.  Unlike a tick it does not mark anything as
// announced.  Nothing is returned for an unknown peer.
//
// This function is safe for concurrent access.
func (s *Scheduler) PeerEligibleAnnouncements(id peer.ID, now time.Time) []chainhash.Hash {
	candidates, _ := s.eligible(now)
	return s.relay.Unseen(id, candidates)
}

// Start begins the periodic ticks driven by the configured clock.
func (s *Scheduler) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Trace("Starting rebroadcast scheduler")
	s.wg.Add(1)
	go s.tickHandler()
}

// Stop halts the periodic ticks and waits for the handler to exit.
func (s *Scheduler) Stop() {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Warnf("Rebroadcast scheduler is already in the process of " +
			"shutting down")
		return
	}

	log.Infof("Rebroadcast scheduler shutting down")
	close(s.quit)
	s.wg.Wait()
}

// tickHandler runs full and unbroadcast ticks on their respective intervals
// until the scheduler is stopped.
//
// It MUST be run as a goroutine.
func (s *Scheduler) tickHandler() {
	ctx, cancel := context.WithCancel(context.Background())
	fullTicker := s.clock.Ticker(s.cfg.Interval)
	unbroadcastTicker := s.clock.Ticker(s.cfg.UnbroadcastInterval)

out:
	for {
		select {
		case <-fullTicker.C:
			if err := s.Tick(ctx, s.clock.Now()); err != nil {
				log.Debugf("Rebroadcast tick failed: %v", err)
			}

		case <-unbroadcastTicker.C:
			if !s.unbroadcast.ContainsAny() {
				continue
			}
			err := s.TickUnbroadcast(ctx, s.clock.Now())
			if err != nil {
				log.Debugf("Unbroadcast tick failed: %v", err)
			}

		case <-s.quit:
			break out
		}
	}

	cancel()
	fullTicker.Stop()
	unbroadcastTicker.Stop()
	s.wg.Done()
	log.Trace("Rebroadcast scheduler done")
}
