// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"time"
)

const (
	// DefaultMaxPoolSize is the default cumulative virtual size, in
	// bytes, the pool may hold before it starts evicting the lowest
	// fee-rate transactions.
	DefaultMaxPoolSize = 300 * 1000 * 1000

	// DefaultExpiry is the default amount of time a transaction may stay
	// in the pool before it is expired.
	DefaultExpiry = 14 * 24 * time.Hour
)

// Policy houses the policy (configuration parameters) which is used to
// control the mempool.
type Policy struct {
	// MaxPoolSize is the maximum cumulative virtual size of all pool
	// entries.  Zero disables size-based eviction.
	MaxPoolSize int64

	// Expiry is the maximum age of a pool entry.  Zero disables expiry.
	Expiry time.Duration
}

// DefaultPolicy returns the default pool policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxPoolSize: DefaultMaxPoolSize,
		Expiry:      DefaultExpiry,
	}
}
