// Copyright (c) 2014-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package rebroadcast

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrInvalidInterval indicates a rebroadcast interval that is zero or
	// negative.
	ErrInvalidInterval ErrorCode = iota

	// ErrInvalidWeight indicates a rebroadcast weight budget that is zero
	// or negative.
	ErrInvalidWeight

	// ErrInvalidRecency indicates a negative recency threshold.
	ErrInvalidRecency

	// ErrInvalidTrickle indicates a negative announcement trickle
	// interval.
	ErrInvalidTrickle

	// ErrTickInProgress indicates a tick was requested while another one
	// was still computing or dispatching.
	ErrTickInProgress

	// ErrTxNotInPool indicates a locally submitted transaction is not in
	// the mempool and therefore can't be tracked for rebroadcast.
	ErrTxNotInPool
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidInterval: "ErrInvalidInterval",
	ErrInvalidWeight:   "ErrInvalidWeight",
	ErrInvalidRecency:  "ErrInvalidRecency",
	ErrInvalidTrickle:  "ErrInvalidTrickle",
	ErrTickInProgress:  "ErrTickInProgress",
	ErrTxNotInPool:     "ErrTxNotInPool",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation.  The caller can use type assertions
// to determine if a failure was specifically due to a rule violation and
// access the ErrorCode field to ascertain the specific reason.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates an RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}

// IsErrorCode returns whether or not the provided error is a rule error with
// the provided error code.
func IsErrorCode(err error, c ErrorCode) bool {
	var rerr RuleError
	if !errors.As(err, &rerr) {
		return false
	}
	return rerr.ErrorCode == c
}
