// Copyright (c) 2016-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/txrelay/mempool"
)

// txPriority is a selection candidate.
type txPriority struct {
	hash chainhash.Hash
	fee  btcutil.Amount
	size int64
}

// byFeeRate sorts candidates by ancestor package fee rate, highest first, and
// then by hash so the order is fully determined by the input set.
type byFeeRate []txPriority

func (s byFeeRate) Len() int      { return len(s) }
func (s byFeeRate) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byFeeRate) Less(i, j int) bool {
	cmp := mempool.CompareFeeRates(s[i].fee, s[i].size, s[j].fee,
		s[j].size)
	if cmp != 0 {
		return cmp > 0
	}
	return bytes.Compare(s[i].hash[:], s[j].hash[:]) < 0
}

// SelectTopFee returns the hashes of the highest fee rate transactions in the
// passed snapshot that are old enough for unsolicited rebroadcast and fit the
// weight budget.
//
// Records younger than recency at now are excluded.  The rest are ordered by
// ancestor package fee rate, descending, with ties broken by hash ascending.
// The order is then scanned in full: a record is accepted when its ancestor
// package size is strictly less than the remaining budget, which is then
// reduced by that size.  Records that do not fit are skipped, so smaller
// records further down can still use up the remainder.  This is a greedy
// heuristic and makes no attempt at finding the optimal subset.
//
// The function has no side effects and does not retain the records.
func SelectTopFee(records []*mempool.TxRecord, now time.Time,
	recency time.Duration, maxWeight int64) []chainhash.Hash {

	candidates := make([]txPriority, 0, len(records))
	for _, r := range records {
		if r == nil || r.AncestorSize <= 0 || r.AncestorFee < 0 {
			continue
		}
		if now.Sub(r.Added) < recency {
			continue
		}
		candidates = append(candidates, txPriority{
			hash: r.Hash,
			fee:  r.AncestorFee,
			size: r.AncestorSize,
		})
	}
	sort.Sort(byFeeRate(candidates))

	var selected []chainhash.Hash
	remaining := maxWeight
	for _, c := range candidates {
		if c.size >= remaining {
			continue
		}
		selected = append(selected, c.hash)
		remaining -= c.size
	}

	log.Tracef("Selected %d of %d rebroadcast candidates (%d of %d "+
		"weight unused)", len(selected), len(candidates), remaining,
		maxWeight)
	return selected
}
