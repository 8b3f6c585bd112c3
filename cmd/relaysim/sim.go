// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/txrelay/internal/log"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/node"
	"github.com/btcsuite/txrelay/rebroadcast"
	"github.com/btcsuite/txrelay/simnet"
	"github.com/filecoin-project/go-clock"
	"golang.org/x/time/rate"
)

const (
	// minTxSize and maxTxSize bound the virtual size of generated
	// transactions.
	minTxSize = 150
	maxTxSize = 1500

	// maxFeePerByte is the highest fee rate of generated transactions in
	// satoshi per byte.
	maxFeePerByte = 100

	// childProbability is the chance that a generated transaction spends
	// an output of one already in the submitting node's pool.
	childProbability = 0.2
)

// simulation drives a network of relay nodes: it submits transactions at the
// configured rate, mines blocks, partitions and heals the first link and logs
// periodic summaries.
type simulation struct {
	cfg     *config
	clock   clock.Clock
	mock    *clock.Mock
	net     *simnet.Network
	names   []string
	rng     *rand.Rand
	limiter *rate.Limiter

	start       time.Time
	nextSummary time.Time
	nextBlock   time.Time
	partitioned bool
	healed      bool

	submitted uint64
	blocks    uint64
	mined     uint64
}

// nodeName returns the name of the i-th simulated node.
func nodeName(i int) string {
	return fmt.Sprintf("node%02d", i)
}

// newSimulation builds the network described by the passed configuration.
// Unless real time is requested, the nodes run on a mock clock that is
// advanced one step at a time.
func newSimulation(cfg *config) (*simulation, error) {
	var clk clock.Clock
	var mock *clock.Mock
	if cfg.RealTime {
		clk = clock.New()
	} else {
		mock = clock.NewMock()
		mock.Set(time.Now())
		clk = mock
	}

	ncfg := cfg.nodeConfig()
	ncfg.Rebroadcast.Clock = clk
	net := simnet.New()
	names := make([]string, 0, cfg.Nodes)
	for i := 0; i < cfg.Nodes; i++ {
		name := nodeName(i)
		if _, err := net.AddNode(name, ncfg); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	// Connect the nodes in a line, closing the ring when requested.  A
	// ring of two nodes is the same as a line.
	for i := 1; i < len(names); i++ {
		if err := net.Connect(names[i-1], names[i]); err != nil {
			return nil, err
		}
	}
	if cfg.Ring && len(names) > 2 {
		if err := net.Connect(names[len(names)-1], names[0]); err != nil {
			return nil, err
		}
	}

	// Allow a burst of a full step worth of transactions so fast
	// forwarded steps keep up with the configured rate.
	burst := int(math.Ceil(cfg.TxRate * cfg.Step.Seconds()))
	if burst < 1 {
		burst = 1
	}

	now := clk.Now()
	return &simulation{
		cfg:         cfg,
		clock:       clk,
		mock:        mock,
		net:         net,
		names:       names,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		limiter:     rate.NewLimiter(rate.Limit(cfg.TxRate), burst),
		start:       now,
		nextSummary: now.Add(cfg.SummaryInterval),
		nextBlock:   now.Add(cfg.BlockInterval),
	}, nil
}

// newTxDesc returns a random transaction descriptor.  Some of them spend an
// output of a transaction already in the passed node's pool.
func (s *simulation) newTxDesc(n *node.Node) *mempool.TxDesc {
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(s.cfg.Seed))
	binary.LittleEndian.PutUint64(seed[8:], s.submitted)

	size := int64(minTxSize + s.rng.Intn(maxTxSize-minTxSize+1))
	feePerByte := 1 + s.rng.Intn(maxFeePerByte)
	desc := &mempool.TxDesc{
		Hash: chainhash.DoubleHashH(seed[:]),
		Fee:  btcutil.Amount(size * int64(feePerByte)),
		Size: size,
	}

	if s.rng.Float64() < childProbability {
		records := n.Pool().TxRecords()
		if len(records) > 0 {
			parent := records[s.rng.Intn(len(records))]
			desc.Parents = []chainhash.Hash{parent.Hash}
		}
	}
	return desc
}

// submitTransactions submits as many transactions as the rate limiter allows
// at the current time, each to a random node.
func (s *simulation) submitTransactions(now time.Time) {
	if s.cfg.TxRate == 0 {
		return
	}
	for s.limiter.AllowN(now, 1) {
		n := s.net.Node(s.names[s.rng.Intn(len(s.names))])
		desc := s.newTxDesc(n)
		s.submitted++
		if err := n.SubmitTransaction(desc); err != nil {
			log.RsimLog.Debugf("%s rejected transaction %v: %v",
				n.Name(), desc.Hash, err)
		}
	}
}

// mineBlock picks the highest fee-rate transactions of a random node and
// removes them from every node as if a block including them was connected.
func (s *simulation) mineBlock(now time.Time) {
	miner := s.net.Node(s.names[s.rng.Intn(len(s.names))])
	mined := rebroadcast.SelectTopFee(miner.Pool().TxRecords(), now, 0,
		s.cfg.BlockSize)
	for _, n := range s.net.Nodes() {
		n.BlockConnected(mined)
	}
	s.blocks++
	s.mined += uint64(len(mined))
	log.RsimLog.Infof("%s mined block %d with %d %s", miner.Name(),
		s.blocks, len(mined), log.PickNoun(uint64(len(mined)),
			"transaction", "transactions"))
}

// updateTopology partitions and heals the link between the first two nodes
// at the configured times.
func (s *simulation) updateTopology(elapsed time.Duration) error {
	if s.cfg.PartitionAt <= 0 {
		return nil
	}
	a, b := s.names[0], s.names[1]
	if !s.partitioned && elapsed >= s.cfg.PartitionAt {
		s.partitioned = true
		log.RsimLog.Infof("Partitioning %s from %s", a, b)
		if err := s.net.Disconnect(a, b); err != nil {
			return err
		}
	}
	if s.partitioned && !s.healed && s.cfg.HealAt > 0 &&
		elapsed >= s.cfg.HealAt {

		s.healed = true
		log.RsimLog.Infof("Healing the partition of %s and %s", a, b)
		if err := s.net.Connect(a, b); err != nil {
			return err
		}
	}
	return nil
}

// logSummary logs the state of every node and the network counters.
func (s *simulation) logSummary(elapsed time.Duration) {
	stats := s.net.Stats()
	log.RsimLog.Infof("Simulated %v: submitted %d, mined %d in %d %s, "+
		"%d invs, %d requests, %d transactions relayed, %d dropped",
		elapsed, s.submitted, s.mined, s.blocks,
		log.PickNoun(s.blocks, "block", "blocks"), stats.Invs,
		stats.Requests, stats.Transactions, stats.Dropped)
	for _, n := range s.net.Nodes() {
		log.RsimLog.Infof("%s: %d pool transactions (%d bytes), %d "+
			"unbroadcast, %d peers, scheduler %s", n.Name(),
			n.Pool().Count(), n.Pool().TotalSize(),
			n.Unbroadcast().Count(), len(n.Relay().Peers()),
			n.Scheduler().State())
	}
}

// step runs one simulation step at the current time.
func (s *simulation) step() error {
	now := s.clock.Now()
	elapsed := now.Sub(s.start)

	if err := s.updateTopology(elapsed); err != nil {
		return err
	}
	s.submitTransactions(now)
	if s.cfg.BlockInterval > 0 && !now.Before(s.nextBlock) {
		s.mineBlock(now)
		s.nextBlock = s.nextBlock.Add(s.cfg.BlockInterval)
	}
	if s.cfg.SummaryInterval > 0 && !now.Before(s.nextSummary) {
		s.logSummary(elapsed)
		s.nextSummary = s.nextSummary.Add(s.cfg.SummaryInterval)
	}
	return nil
}

// run starts every node and steps the simulation until the configured
// duration elapsed or the context is canceled.
func (s *simulation) run(ctx context.Context) error {
	nodes := s.net.Nodes()
	for _, n := range nodes {
		n.Start()
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	var ticker *clock.Ticker
	if s.mock == nil {
		ticker = s.clock.Ticker(s.cfg.Step)
		defer ticker.Stop()
	}

	log.RsimLog.Infof("Simulating %d nodes for %v", len(nodes),
		s.cfg.Duration)
	for s.clock.Since(s.start) < s.cfg.Duration {
		if s.mock != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.mock.Add(s.cfg.Step)
		} else {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.step(); err != nil {
			return err
		}
	}

	s.logSummary(s.clock.Since(s.start))
	return nil
}
