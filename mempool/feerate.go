// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"math/bits"

	"github.com/btcsuite/btcd/btcutil"
)

// CompareFeeRates compares the fee rate feeA/sizeA against feeB/sizeB without
// losing precision.  It returns -1 when the first rate is lower, 1 when it is
// higher and 0 when both are exactly equal.
//
// Fees must be non-negative and sizes positive.  The cross products are
// computed in 128 bits since a fee in satoshi multiplied by a virtual size can
// overflow 64 bits.
func CompareFeeRates(feeA btcutil.Amount, sizeA int64, feeB btcutil.Amount,
	sizeB int64) int {

	aHi, aLo := bits.Mul64(uint64(feeA), uint64(sizeB))
	bHi, bLo := bits.Mul64(uint64(feeB), uint64(sizeA))
	switch {
	case aHi < bHi:
		return -1
	case aHi > bHi:
		return 1
	case aLo < bLo:
		return -1
	case aLo > bLo:
		return 1
	}
	return 0
}
