/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport contains the bus transports used by pkg/bus.
package transport

import (
	"errors"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/godbus/dbus/v5"
)

// default hint is 64, which is enough for bursts between two listener polls.
const defaultInboxHint = 64

// ErrInboxClosed is returned by Put after Dispose.
var ErrInboxClosed = errors.New("inbox closed")

// Inbox buffers inbound messages between the transport's reader goroutine and the
// listener's poll loop. Put may be called from any goroutine; Pop is meant for a single
// consumer at a time.
type Inbox struct {
	q *queuepkg.Queue
}

// NewInbox returns an empty inbox. hint sizes the initial backing storage; the inbox grows
// beyond it.
func NewInbox(hint int64) *Inbox {
	if hint <= 0 {
		hint = defaultInboxHint
	}
	return &Inbox{q: queuepkg.New(hint)}
}

// Put appends msg.
func (b *Inbox) Put(msg *dbus.Message) error {
	if err := b.q.Put(msg); err != nil {
		if errors.Is(err, queuepkg.ErrDisposed) {
			return ErrInboxClosed
		}
		return err
	}
	return nil
}

// Pop removes and returns the oldest message without blocking. It returns nil when the
// inbox is empty or disposed.
func (b *Inbox) Pop() *dbus.Message {
	if b.q.Disposed() || b.q.Empty() {
		return nil
	}
	items, err := b.q.Get(1)
	if err != nil || len(items) == 0 {
		return nil
	}
	msg, ok := items[0].(*dbus.Message)
	if !ok {
		internalLogger.Warnf("inbox dropped element of type %T", items[0])
		return nil
	}
	return msg
}

// Len returns the number of waiting messages.
func (b *Inbox) Len() int64 {
	return b.q.Len()
}

// Dispose discards waiting messages and rejects further puts.
func (b *Inbox) Dispose() {
	if !b.q.Disposed() {
		dropped := b.q.Dispose()
		if len(dropped) > 0 {
			internalLogger.Debugf("inbox disposed with %d pending messages", len(dropped))
		}
	}
}
