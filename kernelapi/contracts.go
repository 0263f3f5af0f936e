// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kernelapi defines the narrow interfaces this subsystem needs from
// kernel collaborators that are out of scope here (spec.md §1, §6): the
// physical-page allocator and VM mapper, the task scheduler, and the
// rate-limiter used to throttle enumeration-failure logging. Only the
// surface actually called from this subsystem is declared; a host kernel
// implements these against its own allocator/scheduler/limiter.
package kernelapi

import "time"

// PhysicalAllocator allocates and frees physically contiguous, aligned
// memory for DMA use (TRB rings, device/input contexts, scratchpad pages,
// class driver I/O buffers). dma.Region is the reference implementation
// used throughout this module and in tests.
type PhysicalAllocator interface {
	Alloc(buf []byte, align int) (addr uint64)
	Reserve(size int, align int) (addr uint64, buf []byte)
	Read(addr uint64, off int, buf []byte)
	Write(addr uint64, off int, buf []byte)
	Free(addr uint64)
	Release(addr uint64)
}

// Scheduler is the slice of the task scheduler the deferred-work dispatcher
// and class-driver poll loops depend on: spawning their own low-priority
// task and cooperatively yielding while busy-waiting on hardware.
type Scheduler interface {
	// Spawn starts fn as an independent low-priority task and returns
	// immediately.
	Spawn(name string, fn func())
	// Yield gives other tasks a chance to run, mirroring the teacher's
	// runtime.Gosched() use inside MMIO busy waits.
	Yield()
}

// KernelEvent is a one-shot-or-reusable wait object: Signal always succeeds
// and is safe to call with interrupts masked; Wait blocks until Signal was
// called or timeout elapses, returning false on timeout.
type KernelEvent interface {
	Signal()
	Wait(timeout time.Duration) (signalled bool)
	Reset()
}

// RateLimiter throttles repeated diagnostic logging (spec.md: "one
// rate-limited diagnostic per root port", "enumeration-failure log
// rate-limiter"). The ratelimit package wraps golang.org/x/time/rate
// behind this interface.
type RateLimiter interface {
	Allow() bool
}

// MessageBus is the process-message bus that enumeration events are
// broadcast to (spec.md §6 "enumeration events broadcast to the
// process-message bus (USB_MASS_STORAGE_MOUNTED, USB_MASS_STORAGE_UNMOUNTED)").
// A host kernel implements this against its own IPC/message-queue primitive;
// no reference implementation ships here beyond what tests need.
type MessageBus interface {
	Broadcast(event string, data any)
}
