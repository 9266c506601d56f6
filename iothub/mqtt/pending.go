// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"sync"

	"github.com/absmach/iotdevice/message"
)

// pendingStore is the table of sent messages awaiting confirmation, keyed by
// delivery id. Every id is removed exactly once.
type pendingStore struct {
	mu      sync.Mutex
	pending map[uint64]message.Message
	nextID  uint64
	maxSize int
	// freed is closed and replaced whenever an entry leaves the table, waking
	// publishers blocked on a full window.
	freed chan struct{}
}

func newPendingStore(maxSize int) *pendingStore {
	return &pendingStore{
		pending: make(map[uint64]message.Message),
		nextID:  1,
		maxSize: maxSize,
		freed:   make(chan struct{}),
	}
}

// nextDeliveryID returns an id that is never handed out again.
func (ps *pendingStore) nextDeliveryID() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	id := ps.nextID
	ps.nextID++
	return id
}

// reserve inserts msg under a fresh id once the window has room. ready is
// consulted after every wakeup; a false result or a done ctx aborts the wait.
func (ps *pendingStore) reserve(ctx context.Context, msg message.Message, ready func() error) (uint64, error) {
	for {
		ps.mu.Lock()
		if ps.maxSize <= 0 || len(ps.pending) < ps.maxSize {
			id := ps.nextID
			ps.nextID++
			ps.pending[id] = msg
			ps.mu.Unlock()
			return id, nil
		}
		freed := ps.freed
		ps.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if err := ready(); err != nil {
			return 0, err
		}
	}
}

// put records msg under an id obtained from nextDeliveryID.
func (ps *pendingStore) put(id uint64, msg message.Message) {
	ps.mu.Lock()
	ps.pending[id] = msg
	ps.mu.Unlock()
}

// complete removes and returns the entry for id.
func (ps *pendingStore) complete(id uint64) (message.Message, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	msg, ok := ps.pending[id]
	if ok {
		delete(ps.pending, id)
		ps.signal()
	}
	return msg, ok
}

// wake releases blocked publishers without touching the table, so they can
// notice a dropped link.
func (ps *pendingStore) wake() {
	ps.mu.Lock()
	ps.signal()
	ps.mu.Unlock()
}

// signal must be called with mu held.
func (ps *pendingStore) signal() {
	close(ps.freed)
	ps.freed = make(chan struct{})
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}
