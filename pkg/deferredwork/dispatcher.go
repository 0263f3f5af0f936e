// Deferred work dispatcher: top-half/bottom-half separation with polling fallback
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package deferredwork implements the registry of (work, poll, context)
// items and the dispatcher task that drains signalled items or, in polling
// mode, periodically invokes every registered poll callback (spec.md §4.1).
package deferredwork

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbarmory/xhci/kernelapi"
	"github.com/usbarmory/xhci/kernelapi/kevent"
	"github.com/usbarmory/xhci/kernelapi/sched"
)

// Handle identifies a registered item. Invalid is returned by Register on
// failure.
type Handle int

// Invalid is the out-of-range handle -1, never returned by a successful
// Register; Handle(0) is a valid slot.
const Invalid Handle = -1

// MaxItems bounds the registry, matching the teacher's fixed-size
// allocation idiom (no dynamic growth of kernel tables).
const MaxItems = 64

type item struct {
	inUse   bool
	work    func()
	poll    func()
	pending atomic.Int64
	name    string
}

// Dispatcher is the registry plus the task draining it. The zero value is
// not ready for use; call Initialize.
type Dispatcher struct {
	mu      sync.Mutex
	items   [MaxItems]item
	event   kernelapi.KernelEvent
	sched   kernelapi.Scheduler
	polling bool

	waitTimeout time.Duration
	pollDelay   time.Duration

	stop chan struct{}
	done chan struct{}
}

// New returns an uninitialized Dispatcher; call Initialize before Register.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Initialize configures the dispatcher and starts its background task. If
// polling is true (General.Polling=1) the dispatcher never waits on the
// event and instead runs every poll callback on a fixed delay.
func (d *Dispatcher) Initialize(s kernelapi.Scheduler, e kernelapi.KernelEvent, polling bool, waitTimeout, pollDelay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s == nil {
		s = sched.Goroutines{}
	}

	if e == nil {
		e = kevent.New()
	}

	d.sched = s
	d.event = e
	d.polling = polling
	d.waitTimeout = waitTimeout
	d.pollDelay = pollDelay
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	d.sched.Spawn("deferred-work", d.run)
}

// Shutdown stops the dispatcher task. Registered items are left in place;
// callers should Unregister their own items first.
func (d *Dispatcher) Shutdown() {
	close(d.stop)
	<-d.done
}

// IsPollingMode reports whether the dispatcher is configured to poll
// unconditionally rather than waiting on signals.
func (d *Dispatcher) IsPollingMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.polling
}

var errNoCallback = errors.New("deferredwork: at least one of work or poll callback required")
var errFull = errors.New("deferredwork: no free slot")

// Register allocates a slot for the given callbacks. At least one of work
// or poll must be non-nil. work is invoked once per accumulated signal when
// interrupts are armed for this item's owner; poll is invoked on every
// dispatcher tick regardless of mode.
func (d *Dispatcher) Register(work func(), poll func(), name string) (Handle, error) {
	if work == nil && poll == nil {
		return Invalid, errNoCallback
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.items {
		if !d.items[i].inUse {
			d.items[i] = item{inUse: true, work: work, poll: poll, name: name}
			return Handle(i), nil
		}
	}

	return Invalid, errFull
}

// RegisterPollOnly is a convenience wrapper for class drivers running in
// pure polling mode (spec.md §4.9: "pure polling (callback registered via
// register_poll_only)").
func (d *Dispatcher) RegisterPollOnly(poll func(), name string) (Handle, error) {
	return d.Register(nil, poll, name)
}

// Unregister frees h's slot. Safe to call even if h is already unregistered.
func (d *Dispatcher) Unregister(h Handle) error {
	if h < 0 || int(h) >= MaxItems {
		return errors.New("deferredwork: invalid handle")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.items[h] = item{}

	return nil
}

// Signal increments h's pending count and wakes the dispatcher. Safe to
// call from interrupt-top-half context: it never blocks and never takes a
// lock that the dispatcher task can hold across a yield point.
func (d *Dispatcher) Signal(h Handle) {
	if h < 0 || int(h) >= MaxItems {
		return
	}

	d.mu.Lock()
	if d.items[h].inUse {
		d.items[h].pending.Add(1)
	}
	d.mu.Unlock()

	d.event.Signal()
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		if d.IsPollingMode() {
			d.runPolls()
			time.Sleep(d.pollDelay)
			continue
		}

		if d.event.Wait(d.waitTimeout) {
			d.drain()
		} else {
			d.runPolls()
		}
	}
}

// runPolls invokes every registered poll callback once. A driver's poll
// callback must be idempotent over "no new data" (spec.md §9).
func (d *Dispatcher) runPolls() {
	d.mu.Lock()
	var polls []func()
	for i := range d.items {
		if d.items[i].inUse && d.items[i].poll != nil {
			polls = append(polls, d.items[i].poll)
		}
	}
	d.mu.Unlock()

	for _, p := range polls {
		p()
	}
}

// drain loops invoking every item's work callback once per pending signal,
// sweeping repeatedly until a full pass finds no remaining work, then
// resets the event. This ensures callbacks re-signalled during draining
// (e.g. a work callback that re-arms itself) are observed before the event
// goes quiet again (spec.md §4.1).
func (d *Dispatcher) drain() {
	for {
		progressed := false

		d.mu.Lock()
		var work []func()
		var counts []int64
		for i := range d.items {
			if !d.items[i].inUse || d.items[i].work == nil {
				continue
			}

			n := d.items[i].pending.Swap(0)
			if n > 0 {
				work = append(work, d.items[i].work)
				counts = append(counts, n)
			}
		}
		d.mu.Unlock()

		for i, fn := range work {
			for j := int64(0); j < counts[i]; j++ {
				fn()
			}
			progressed = true
		}

		if !progressed {
			d.event.Reset()
			return
		}
	}
}
