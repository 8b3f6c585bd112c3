// Copyright (c) 2016-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"fmt"
	"time"

	"github.com/filecoin-project/go-clock"
)

const (
	// DefaultInterval is the default time between full rebroadcast ticks.
	DefaultInterval = time.Hour

	// DefaultUnbroadcastInterval is the default time between reattempts
	// to announce locally originated transactions no peer has requested
	// yet.
	DefaultUnbroadcastInterval = 10 * time.Minute

	// DefaultRecencyThreshold is the default minimum age a transaction
	// must reach before it is considered for unsolicited rebroadcast.
	DefaultRecencyThreshold = 30 * time.Minute

	// DefaultMaxWeight is the default ancestor-package size budget of a
	// single rebroadcast tick.  It is three quarters of a block worth of
	// weight.
	DefaultMaxWeight = 3000000

	// DefaultTrickleInterval is the default debounce applied to
	// announcements before they leave for a peer.
	DefaultTrickleInterval = 5 * time.Second
)

// Config is a descriptor containing the rebroadcast scheduler configuration.
type Config struct {
	// Interval is the time between full rebroadcast ticks.
	Interval time.Duration

	// UnbroadcastInterval is the time between reattempts that only
	// consider the unbroadcast set.
	UnbroadcastInterval time.Duration

	// RecencyThreshold is the minimum age of a transaction before it is
	// eligible for unsolicited rebroadcast.  A transaction whose age equals
	// the threshold is eligible.
	RecencyThreshold time.Duration

	// MaxWeight is the ancestor-package size budget of a single tick.
	MaxWeight int64

	// TrickleInterval is the per-peer debounce applied before an
	// announcement is sent.
	TrickleInterval time.Duration

	// Clock provides the current time and the tickers driving the
	// scheduler.  A nil clock selects the wall clock.
	Clock clock.Clock
}

// DefaultConfig returns a configuration populated with the default values.
func DefaultConfig() Config {
	return Config{
		Interval:            DefaultInterval,
		UnbroadcastInterval: DefaultUnbroadcastInterval,
		RecencyThreshold:    DefaultRecencyThreshold,
		MaxWeight:           DefaultMaxWeight,
		TrickleInterval:     DefaultTrickleInterval,
	}
}

// Validate returns a RuleError describing the first invalid setting, if any.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		str := fmt.Sprintf("rebroadcast interval %v must be positive",
			c.Interval)
		return ruleError(ErrInvalidInterval, str)
	}
	if c.UnbroadcastInterval <= 0 {
		str := fmt.Sprintf("unbroadcast interval %v must be positive",
			c.UnbroadcastInterval)
		return ruleError(ErrInvalidInterval, str)
	}
	if c.MaxWeight <= 0 {
		str := fmt.Sprintf("rebroadcast weight budget %d must be "+
			"positive", c.MaxWeight)
		return ruleError(ErrInvalidWeight, str)
	}
	if c.RecencyThreshold < 0 {
		str := fmt.Sprintf("recency threshold %v must not be negative",
			c.RecencyThreshold)
		return ruleError(ErrInvalidRecency, str)
	}
	if c.TrickleInterval < 0 {
		str := fmt.Sprintf("trickle interval %v must not be negative",
			c.TrickleInterval)
		return ruleError(ErrInvalidTrickle, str)
	}
	return nil
}
