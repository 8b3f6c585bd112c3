// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mempool

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// NotificationType represents the type of a notification message.
type NotificationType int

// NotificationCallback is used for a caller to provide a callback for
// notifications about various mempool events.
type NotificationCallback func(*Notification)

// Constants for the type of a notification message.
const (
	// NTTxAccepted indicates a transaction was added to the pool.
	NTTxAccepted NotificationType = iota

	// NTTxRemoved indicates a transaction left the pool.
	NTTxRemoved
)

// notificationTypeStrings is a map of notification types back to their constant
// names for pretty printing.
var notificationTypeStrings = map[NotificationType]string{
	NTTxAccepted: "NTTxAccepted",
	NTTxRemoved:  "NTTxRemoved",
}

// String returns the NotificationType in human-readable form.
func (n NotificationType) String() string {
	if s, ok := notificationTypeStrings[n]; ok {
		return s
	}
	return fmt.Sprintf("Unknown Notification Type (%d)", int(n))
}

// RemovalReason describes why a transaction left the pool.
type RemovalReason int

const (
	// RemovalReasonBlock indicates the transaction was included in a
	// connected block.
	RemovalReasonBlock RemovalReason = iota

	// RemovalReasonConflict indicates the transaction, or one of its
	// ancestors, conflicts with a transaction in a connected block.
	RemovalReasonConflict

	// RemovalReasonExpiry indicates the transaction stayed in the pool
	// longer than the configured expiry.
	RemovalReasonExpiry

	// RemovalReasonSizeLimit indicates the transaction was evicted to keep
	// the pool within its size limit.
	RemovalReasonSizeLimit
)

var removalReasonStrings = map[RemovalReason]string{
	RemovalReasonBlock:     "block",
	RemovalReasonConflict:  "conflict",
	RemovalReasonExpiry:    "expiry",
	RemovalReasonSizeLimit: "sizelimit",
}

// String returns the RemovalReason in human-readable form.
func (r RemovalReason) String() string {
	if s, ok := removalReasonStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// RemovedTx is the payload of an NTTxRemoved notification.
type RemovedTx struct {
	Hash   chainhash.Hash
	Reason RemovalReason
}

// Notification defines notification that is sent to the caller via the callback
// function provided during the call to Subscribe and consists of a notification
// type as well as associated data that depends on the type as follows:
//   - NTTxAccepted:   *TxRecord
//   - NTTxRemoved:    *RemovedTx
type Notification struct {
	Type NotificationType
	Data interface{}
}

// Subscribe registers a callback for pool notifications.
//
// This function is safe for concurrent access.
func (mp *TxPool) Subscribe(callback NotificationCallback) {
	mp.notificationsLock.Lock()
	mp.notifications = append(mp.notifications, callback)
	mp.notificationsLock.Unlock()
}

// sendNotification invokes every subscribed callback with the notification.
//
// This function MUST NOT be called with the mempool lock held.
func (mp *TxPool) sendNotification(typ NotificationType, data interface{}) {
	// Generate and send the notification.
	n := Notification{Type: typ, Data: data}
	mp.notificationsLock.RLock()
	for _, callback := range mp.notifications {
		callback(&n)
	}
	mp.notificationsLock.RUnlock()
}
