// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific TxRuleError.
const (
	// ErrInvalidTx indicates a transaction descriptor is malformed, such as
	// a non-positive virtual size or a negative fee.
	ErrInvalidTx ErrorCode = iota

	// ErrDuplicateTx indicates a transaction with the same hash already
	// exists in the pool.
	ErrDuplicateTx

	// ErrTxNotFound indicates the requested transaction does not exist in
	// the pool.
	ErrTxNotFound
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrInvalidTx:   "ErrInvalidTx",
	ErrDuplicateTx: "ErrDuplicateTx",
	ErrTxNotFound:  "ErrTxNotFound",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TxRuleError identifies a rule violation.  It is used to indicate that
// processing of a transaction failed due to one of the many validation
// rules.  The caller can use type assertions to determine if a failure was
// specifically due to a rule violation and access the ErrorCode field to
// ascertain the specific reason for the rule violation.
type TxRuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxRuleError) Error() string {
	return e.Description
}

// txRuleError creates an underlying TxRuleError given a set of arguments and
// returns a TxRuleError that encapsulates it.
func txRuleError(c ErrorCode, desc string) TxRuleError {
	return TxRuleError{ErrorCode: c, Description: desc}
}
