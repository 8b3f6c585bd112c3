// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/txrelay/mempool"
	"github.com/btcsuite/txrelay/rebroadcast"
	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration with the defaults loadConfig applies.
func testConfig() *config {
	return &config{
		Nodes:               3,
		Duration:            time.Hour,
		Step:                time.Second,
		TxRate:              1,
		Seed:                1,
		RebroadcastInterval: rebroadcast.DefaultInterval,
		UnbroadcastInterval: rebroadcast.DefaultUnbroadcastInterval,
		RecencyThreshold:    rebroadcast.DefaultRecencyThreshold,
		MaxWeight:           rebroadcast.DefaultMaxWeight,
		TrickleInterval:     rebroadcast.DefaultTrickleInterval,
		MempoolExpiry:       mempool.DefaultExpiry,
		MaxPoolSize:         mempool.DefaultMaxPoolSize,
		BlockInterval:       defaultBlockInterval,
		BlockSize:           defaultBlockSize,
	}
}

// TestSimulationTopology ensures the nodes are connected in a line or a ring.
func TestSimulationTopology(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	sim, err := newSimulation(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"node00", "node01", "node02"}, sim.names)
	require.True(t, sim.net.Connected("node00", "node01"))
	require.True(t, sim.net.Connected("node01", "node02"))
	require.False(t, sim.net.Connected("node02", "node00"))

	cfg = testConfig()
	cfg.Ring = true
	sim, err = newSimulation(cfg)
	require.NoError(t, err)
	require.True(t, sim.net.Connected("node02", "node00"))
}

// TestSimulationPartition ensures the first link is cut and restored at the
// configured times.
func TestSimulationPartition(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PartitionAt = 10 * time.Minute
	cfg.HealAt = 20 * time.Minute
	sim, err := newSimulation(cfg)
	require.NoError(t, err)

	require.NoError(t, sim.updateTopology(5*time.Minute))
	require.True(t, sim.net.Connected("node00", "node01"))
	require.NoError(t, sim.updateTopology(10*time.Minute))
	require.False(t, sim.net.Connected("node00", "node01"))
	require.NoError(t, sim.updateTopology(15*time.Minute))
	require.False(t, sim.net.Connected("node00", "node01"))
	require.NoError(t, sim.updateTopology(20*time.Minute))
	require.True(t, sim.net.Connected("node00", "node01"))

	// Healing happens once.
	require.NoError(t, sim.updateTopology(30*time.Minute))
	require.True(t, sim.net.Connected("node00", "node01"))
}

// TestSimulationSubmitAndMine ensures transactions are submitted at the
// configured rate and mined transactions leave every pool.
func TestSimulationSubmitAndMine(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.TxRate = 5
	sim, err := newSimulation(cfg)
	require.NoError(t, err)

	// The burst covers a single step.
	sim.submitTransactions(sim.clock.Now())
	require.Equal(t, uint64(5), sim.submitted)
	sim.submitTransactions(sim.clock.Now())
	require.Equal(t, uint64(5), sim.submitted)

	var pooled int
	for _, n := range sim.net.Nodes() {
		pooled += n.Pool().Count()
	}
	require.Equal(t, 5, pooled)

	// Blocks large enough for everything empty the pool of each miner.
	// Nothing was relayed, so every transaction is mined exactly once.
	sim.cfg.BlockSize = 1 << 30
	for sim.mined < 5 && sim.blocks < 100 {
		sim.mineBlock(sim.clock.Now())
	}
	require.Equal(t, uint64(5), sim.mined)
	for _, n := range sim.net.Nodes() {
		require.Zero(t, n.Pool().Count())
		require.False(t, n.Unbroadcast().ContainsAny())
	}
}

// TestSimulationRun ensures a fast forwarded simulation finishes and a
// canceled one stops early.
func TestSimulationRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Duration = time.Minute
	sim, err := newSimulation(cfg)
	require.NoError(t, err)
	require.NoError(t, sim.run(context.Background()))
	require.Equal(t, uint64(60), sim.submitted)

	sim, err = newSimulation(testConfig())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sim.run(ctx), context.Canceled)
}
