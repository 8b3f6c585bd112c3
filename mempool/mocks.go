// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/mock"
)

// MockTxSource is a mock implementation of the TxSource interface.
type MockTxSource struct {
	mock.Mock
}

// Ensure the MockTxSource implements the TxSource interface.
var _ TxSource = (*MockTxSource)(nil)

// TxRecords returns a snapshot of the records for all transactions in the
// pool.
func (m *MockTxSource) TxRecords() []*TxRecord {
	args := m.Called()

	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).([]*TxRecord)
}

// HaveTransaction returns whether or not the passed transaction exists in the
// pool.
func (m *MockTxSource) HaveTransaction(hash *chainhash.Hash) bool {
	args := m.Called(hash)
	return args.Bool(0)
}

// Subscribe registers a callback for pool notifications.
func (m *MockTxSource) Subscribe(callback NotificationCallback) {
	m.Called(callback)
}
