// Mouse packet coalescing and deferred dispatch
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mousecommon coalesces bursty mouse input under an interrupts-off
// guard and dispatches the accumulated packet through a deferred-work item
// (spec.md §4.10 "Mouse Common / Task Messaging"): deltas sum across
// coalesced reports, button state uses latest-wins, and no button edge is
// dropped because the packet is only cleared once actually dispatched.
package mousecommon

import (
	"sync"

	"github.com/usbarmory/xhci/pkg/deferredwork"
)

// Packet is one coalesced mouse update.
type Packet struct {
	Buttons uint8
	DX, DY  int32
}

// Consumer receives dispatched packets; the input-event dispatcher is the
// real implementation (an external collaborator per spec.md §1).
type Consumer interface {
	MousePacket(p Packet)
}

// Queue coalesces reports arriving faster than the consumer drains them.
type Queue struct {
	mu      sync.Mutex
	pending bool
	packet  Packet

	dispatcher *deferredwork.Dispatcher
	handle     deferredwork.Handle
	consumer   Consumer
}

// New registers a work-only deferred-work item that drains coalesced
// packets to consumer.
func New(d *deferredwork.Dispatcher, consumer Consumer, name string) (*Queue, error) {
	q := &Queue{dispatcher: d, consumer: consumer}

	h, err := d.Register(q.dispatch, nil, name)
	if err != nil {
		return nil, err
	}

	q.handle = h

	return q, nil
}

// Close unregisters the queue's deferred-work item.
func (q *Queue) Close() error {
	return q.dispatcher.Unregister(q.handle)
}

// Report accumulates one raw report into the pending packet (deltas sum,
// buttons take the latest value) and signals the dispatcher. Safe to call
// from the class driver's interrupt-completion path with interrupts masked
// (spec.md §4.10 "mutated under interrupts-off").
func (q *Queue) Report(buttons uint8, dx, dy int8) {
	q.mu.Lock()
	q.pending = true
	q.packet.Buttons = buttons
	q.packet.DX += int32(dx)
	q.packet.DY += int32(dy)
	q.mu.Unlock()

	q.dispatcher.Signal(q.handle)
}

// dispatch snapshots the pending packet, clears it under the same guard,
// and hands it to the consumer.
func (q *Queue) dispatch() {
	q.mu.Lock()
	if !q.pending {
		q.mu.Unlock()
		return
	}

	p := q.packet
	q.packet = Packet{}
	q.pending = false
	q.mu.Unlock()

	q.consumer.MousePacket(p)
}
