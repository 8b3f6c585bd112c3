// Copyright (c) 2016-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"bytes"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/txrelay/mempool"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testHash returns a deterministic transaction hash for the passed index.
func testHash(i int) chainhash.Hash {
	return chainhash.DoubleHashH([]byte(fmt.Sprintf("tx%d", i)))
}

// sortedHashes returns a copy of the hashes in ascending order.
func sortedHashes(hashes []chainhash.Hash) []chainhash.Hash {
	sorted := append([]chainhash.Hash(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	return sorted
}

// testRecord returns a record with an ancestor package equal to itself.
func testRecord(i int, fee btcutil.Amount, size int64, added time.Time) *mempool.TxRecord {
	return &mempool.TxRecord{
		Hash:         testHash(i),
		Fee:          fee,
		Size:         size,
		AncestorFee:  fee,
		AncestorSize: size,
		Added:        added,
	}
}

// TestSelectTopFee ensures the selection honors fee rate order, the recency
// threshold and the weight budget.
func TestSelectTopFee(t *testing.T) {
	t.Parallel()

	now := time.Unix(1600000000, 0)
	old := now.Add(-time.Hour)

	tests := []struct {
		name      string
		records   []*mempool.TxRecord
		recency   time.Duration
		maxWeight int64
		want      []chainhash.Hash
	}{{
		name:      "empty snapshot",
		recency:   time.Minute,
		maxWeight: 1000,
		want:      nil,
	}, {
		name: "highest fee rate first",
		records: []*mempool.TxRecord{
			testRecord(0, 100, 100, old),
			testRecord(1, 300, 100, old),
			testRecord(2, 200, 100, old),
		},
		maxWeight: 1000,
		want:      []chainhash.Hash{testHash(1), testHash(2), testHash(0)},
	}, {
		name: "fee rate rather than fee",
		records: []*mempool.TxRecord{
			testRecord(0, 1000, 1000, old),
			testRecord(1, 200, 100, old),
		},
		maxWeight: 10000,
		want:      []chainhash.Hash{testHash(1), testHash(0)},
	}, {
		name: "size equal to remaining budget is rejected",
		records: []*mempool.TxRecord{
			testRecord(0, 500, 100, old),
			testRecord(1, 400, 100, old),
		},
		maxWeight: 200,
		want:      []chainhash.Hash{testHash(0)},
	}, {
		name: "smaller lower fee rate transaction fills remainder",
		records: []*mempool.TxRecord{
			testRecord(0, 900, 600, old),
			testRecord(1, 700, 500, old),
			testRecord(2, 10, 100, old),
		},
		maxWeight: 1000,
		want:      []chainhash.Hash{testHash(0), testHash(2)},
	}, {
		name: "too recent transactions are excluded",
		records: []*mempool.TxRecord{
			testRecord(0, 100000, 100, now.Add(-time.Second)),
			testRecord(1, 100, 100, now.Add(-30*time.Minute)),
			testRecord(2, 100, 100, now.Add(-30*time.Minute+time.Second)),
		},
		recency:   30 * time.Minute,
		maxWeight: 1000,
		want:      []chainhash.Hash{testHash(1)},
	}, {
		name: "ancestor package drives the fee rate",
		records: []*mempool.TxRecord{
			{
				Hash: testHash(0), Fee: 10000, Size: 100,
				AncestorFee: 10100, AncestorSize: 1100,
				Added: old,
			},
			testRecord(1, 2000, 100, old),
		},
		maxWeight: 10000,
		want:      []chainhash.Hash{testHash(1), testHash(0)},
	}, {
		name: "invalid records are ignored",
		records: []*mempool.TxRecord{
			nil,
			testRecord(0, 100, 0, old),
			testRecord(1, 100, 100, old),
		},
		maxWeight: 1000,
		want:      []chainhash.Hash{testHash(1)},
	}}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			got := SelectTopFee(test.records, now, test.recency,
				test.maxWeight)
			require.Equal(t, test.want, got, spew.Sdump(test.records))
		})
	}
}

// TestSelectTopFeeTieBreak ensures equal fee rates are ordered by hash.
func TestSelectTopFeeTieBreak(t *testing.T) {
	t.Parallel()

	now := time.Unix(1600000000, 0)
	var records []*mempool.TxRecord
	var hashes []chainhash.Hash
	for i := 0; i < 10; i++ {
		// 100 sat/100 vB and 200 sat/200 vB are the same rate.
		size := int64(100 * (1 + i%2))
		records = append(records, testRecord(i, btcutil.Amount(size),
			size, now))
		hashes = append(hashes, testHash(i))
	}

	got := SelectTopFee(records, now, 0, 1<<40)
	require.Equal(t, sortedHashes(hashes), got)
}

// TestSelectTopFeeTiers selects from 90 transactions in three fee tiers whose
// total size exceeds the budget and ensures only the greedy prefix of the top
// tier is selected.
func TestSelectTopFeeTiers(t *testing.T) {
	t.Parallel()

	now := time.Unix(1600000000, 0)
	var records []*mempool.TxRecord
	var topTier []chainhash.Hash
	for i := 0; i < 90; i++ {
		var fee btcutil.Amount
		switch {
		case i < 30:
			fee = 5000000
			topTier = append(topTier, testHash(i))
		case i < 60:
			fee = 500000
		default:
			fee = 50000
		}
		records = append(records, testRecord(i, fee, 100000,
			now.Add(-time.Hour)))
	}

	// 29 transactions of 100000 leave exactly 100000, which the next one
	// does not fit strictly below.
	got := SelectTopFee(records, now, DefaultRecencyThreshold,
		DefaultMaxWeight)
	require.Len(t, got, 29)
	require.Equal(t, sortedHashes(topTier)[:29], got)
}

// genRecords draws a snapshot of records with unique hashes.
func genRecords(t *rapid.T, now time.Time) []*mempool.TxRecord {
	n := rapid.IntRange(0, 60).Draw(t, "n")
	records := make([]*mempool.TxRecord, 0, n)
	for i := 0; i < n; i++ {
		fee := rapid.Int64Range(0, 1e8).Draw(t, "fee")
		size := rapid.Int64Range(1, 400000).Draw(t, "size")
		age := rapid.Int64Range(0, int64(2*time.Hour)).Draw(t, "age")
		records = append(records, testRecord(i, btcutil.Amount(fee),
			size, now.Add(-time.Duration(age))))
	}
	return records
}

// TestSelectTopFeeProperties checks the budget, recency and determinism
// properties of the selection against random snapshots.
func TestSelectTopFeeProperties(t *testing.T) {
	now := time.Unix(1600000000, 0)

	rapid.Check(t, func(t *rapid.T) {
		records := genRecords(t, now)
		recency := time.Duration(rapid.Int64Range(0,
			int64(time.Hour)).Draw(t, "recency"))
		maxWeight := rapid.Int64Range(1, 4000000).Draw(t, "maxWeight")

		got := SelectTopFee(records, now, recency, maxWeight)

		byHash := make(map[chainhash.Hash]*mempool.TxRecord)
		for _, r := range records {
			byHash[r.Hash] = r
		}
		var total int64
		seen := make(map[chainhash.Hash]struct{})
		for _, hash := range got {
			r := byHash[hash]
			if r == nil {
				t.Fatalf("selected unknown transaction %v", hash)
			}
			if _, ok := seen[hash]; ok {
				t.Fatalf("selected %v twice", hash)
			}
			seen[hash] = struct{}{}
			if now.Sub(r.Added) < recency {
				t.Fatalf("selected recent transaction %s",
					spew.Sdump(r))
			}
			total += r.AncestorSize
		}
		if total >= maxWeight && len(got) > 0 {
			t.Fatalf("selected weight %d exceeds budget %d", total,
				maxWeight)
		}

		// Selection is independent of the snapshot order.
		shuffled := rapid.Permutation(records).Draw(t, "shuffled")
		again := SelectTopFee(shuffled, now, recency, maxWeight)
		if len(got) != len(again) {
			t.Fatalf("selection depends on order:\n%s\n%s",
				spew.Sdump(got), spew.Sdump(again))
		}
		for i := range got {
			if got[i] != again[i] {
				t.Fatalf("selection depends on order:\n%s\n%s",
					spew.Sdump(got), spew.Sdump(again))
			}
		}
	})
}
