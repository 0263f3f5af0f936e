// Threshold latch for bounded busy waits
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package latch implements a one-shot "elapsed time exceeded threshold"
// predicate, used throughout this module to turn a slow-but-progressing
// MMIO busy wait into a single diagnostic log line rather than a silent
// stall (spec.md §4.3, §9 "Busy waits").
package latch

import "time"

// Latch fires exactly once per arm/reset cycle, the first time Expired is
// polled after its threshold has elapsed since Arm.
type Latch struct {
	threshold time.Duration
	armed     time.Time
	fired     bool
}

// New returns a Latch that trips after threshold has elapsed since Arm.
func New(threshold time.Duration) *Latch {
	return &Latch{threshold: threshold}
}

// Arm (re)starts the latch's clock and clears any prior trip.
func (l *Latch) Arm() {
	l.armed = time.Now()
	l.fired = false
}

// Expired reports whether the threshold has elapsed since Arm, but only
// returns true the first time it is called after tripping — callers use
// this to log a single warning per slow wait rather than one per poll
// iteration.
func (l *Latch) Expired() bool {
	if l.fired {
		return false
	}

	if time.Since(l.armed) < l.threshold {
		return false
	}

	l.fired = true

	return true
}

// Elapsed returns the duration since Arm, for inclusion in diagnostic log
// lines.
func (l *Latch) Elapsed() time.Duration {
	return time.Since(l.armed)
}
