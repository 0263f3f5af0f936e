// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched provides a reference kernelapi.Scheduler backed by Go's own
// goroutine scheduler, for use where a host kernel has not injected its own
// preemptive task scheduler (tests, standalone tools).
package sched

import "runtime"

// Goroutines spawns tasks as plain goroutines and yields via
// runtime.Gosched, mirroring the teacher's own single-threaded
// runtime.Gosched() idiom in internal/reg.Wait.
type Goroutines struct{}

// Spawn starts fn in a new goroutine.
func (Goroutines) Spawn(name string, fn func()) {
	go fn()
}

// Yield gives other goroutines a chance to run.
func (Goroutines) Yield() {
	runtime.Gosched()
}
