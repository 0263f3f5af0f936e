// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kevent provides a reference kernelapi.KernelEvent implementation
// backed by a buffered channel, for use where a host kernel has not
// injected its own kernel-event primitive (tests, standalone tools).
package kevent

import "time"

// Event is a reusable signal/wait primitive: Signal is non-blocking and
// coalesces (multiple Signal calls before a Wait are observed as one),
// matching the "drain everything pending, then reset" semantics the
// deferred-work dispatcher requires (spec.md §4.1).
type Event struct {
	ch chan struct{}
}

// New returns a ready-to-use Event.
func New() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal wakes a pending Wait, or leaves the event set if none is pending.
// Safe to call from an interrupt-context equivalent (a top half): it never
// blocks.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Signal was called or timeout elapses.
func (e *Event) Wait(timeout time.Duration) bool {
	select {
	case <-e.ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Reset clears a pending signal without waiting for it.
func (e *Event) Reset() {
	select {
	case <-e.ch:
	default:
	}
}
