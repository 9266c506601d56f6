// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"sync"

	"github.com/absmach/iotdevice/message"
)

// EventKind identifies what happened on the link.
type EventKind uint8

const (
	// MessageReceived reports that Receive has a message to return.
	MessageReceived EventKind = iota + 1
	// MessageSent reports the outcome of a publish. Err is set when the hub
	// never confirmed the delivery.
	MessageSent
	// ConnectionLost reports a dropped link. Retry carries the policy decision.
	ConnectionLost
	ConnectionEstablished
)

func (k EventKind) String() string {
	switch k {
	case MessageReceived:
		return "message_received"
	case MessageSent:
		return "message_sent"
	case ConnectionLost:
		return "connection_lost"
	case ConnectionEstablished:
		return "connection_established"
	default:
		return "unknown"
	}
}

// Event is a single notification from the binding.
type Event struct {
	Kind    EventKind
	Topic   string
	Message message.Message
	Err     error
	Retry   RetryDecision
}

const defaultEventBuffer = 64

// dispatcher moves events from an unbounded queue into a bounded channel so
// that producers running on network goroutines never wait on the reader.
type dispatcher struct {
	queue *fifo[Event]
	out   chan Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newDispatcher(buffer int) *dispatcher {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	d := &dispatcher{
		queue: newFIFO[Event](),
		out:   make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) emit(ev Event) {
	select {
	case <-d.done:
		return
	default:
	}
	d.queue.push(ev)
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	defer close(d.out)
	for {
		ev, ok := d.queue.pop()
		if !ok {
			select {
			case <-d.queue.ready:
				continue
			case <-d.done:
				return
			}
		}
		select {
		case d.out <- ev:
		case <-d.done:
			return
		}
	}
}

// stop ends the dispatcher and closes the output channel. Undelivered events
// are dropped.
func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}
