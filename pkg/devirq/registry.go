// Device interrupt registry: vector-slot allocation, top-half veto, spurious-signal suppression
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package devirq implements the device-interrupt registry described in
// spec.md §4.2: vector-slot allocation, a top-half that votes whether to
// schedule a bottom half, and auto-demotion to polling after a run of
// consecutive vetos.
package devirq

import (
	"errors"
	"sync"

	"github.com/usbarmory/xhci/pkg/deferredwork"
)

// SpuriousThreshold is DEVICE_INTERRUPT_SPURIOUS_THRESHOLD: the number of
// consecutive top-half vetos, with the IRQ still armed, after which a slot
// is demoted to polling.
const SpuriousThreshold = 64

// MaxSlots bounds the registry; General.DeviceInterruptSlots (spec.md §6)
// clamps a configured value to this capacity.
const MaxSlots = 32

// InterruptController is the narrow surface this registry needs from the
// platform interrupt controller: program a vector for a legacy IRQ line
// routed to a CPU, and mask/unmask it. A real kernel's PCI/APIC code
// implements this; it is an external collaborator (spec.md §1).
type InterruptController interface {
	Program(vector int, legacyIRQ int, targetCPU int)
	Mask(legacyIRQ int)
	Unmask(legacyIRQ int)
}

// Registration describes one device's interrupt hookup.
type Registration struct {
	// Device and DeviceTypeTag identify the owning object; the type tag
	// is compared on every dispatch so a driver may free Device between
	// interrupt delivery and bottom-half execution without the registry
	// calling into freed memory (spec.md §4.2).
	Device        any
	DeviceTypeTag uint32

	// LegacyIRQ is the platform IRQ line. A device with LegacyIRQ == 0
	// never receives a hardware vector and is always polling-only,
	// regardless of General.Polling (original_source/DeviceInterrupt.c).
	LegacyIRQ int
	TargetCPU int

	// TopHalf runs in interrupt context: acknowledge the interrupter,
	// inspect status, and return true to schedule the bottom half or
	// false to veto (treat as spurious).
	TopHalf func(device any) (scheduleBottomHalf bool)
	// BottomHalf, if set, is the deferred-work "work" callback.
	BottomHalf func(device any)
	// Poll, if set, is invoked on every dispatcher tick regardless of
	// interrupt mode, and takes over entirely once a slot is demoted.
	Poll func(device any)

	Name string
}

type slot struct {
	inUse     bool
	reg       Registration
	deferred  deferredwork.Handle
	enabled   bool
	suppress  int
	typeCheck func() bool
}

// TypeTagProvider lets a device object assert its own current type tag, so
// the registry can detect "this object was freed and the memory reused for
// something else" without an unsafe cast.
type TypeTagProvider interface {
	InterruptTypeTag() uint32
}

// Registry allocates vector slots and dispatches interrupts/polls to the
// registered device callbacks.
type Registry struct {
	mu       sync.Mutex
	slots    [MaxSlots]slot
	ic       InterruptController
	work     *deferredwork.Dispatcher
	forcePoll bool
	base     int
}

// New returns a Registry. ic may be nil when forcePoll is true (no IRQs
// will ever be programmed). vectorBase is added to the slot index to form
// the programmed interrupt vector (spec.md §4.2: "vector = BASE +
// slot_index").
func New(ic InterruptController, work *deferredwork.Dispatcher, forcePoll bool, vectorBase int) *Registry {
	return &Registry{ic: ic, work: work, forcePoll: forcePoll, base: vectorBase}
}

var (
	errFull        = errors.New("devirq: no free slot")
	errInvalidSlot = errors.New("devirq: invalid slot")
)

// Register allocates the next free slot, wires a paired deferred-work item,
// and — unless polling is forced or the device has no legacy IRQ — programs
// and unmasks the interrupt.
func (r *Registry) Register(reg Registration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i := range r.slots {
		if !r.slots[i].inUse {
			idx = i
			break
		}
	}

	if idx < 0 {
		return -1, errFull
	}

	var work func()
	if reg.BottomHalf != nil {
		work = func() { r.safeCall(idx, reg.BottomHalf) }
	}

	var poll func()
	if reg.Poll != nil {
		poll = func() { r.safeCall(idx, reg.Poll) }
	}

	h, err := r.work.Register(work, poll, reg.Name)
	if err != nil {
		return -1, err
	}

	s := slot{inUse: true, reg: reg, deferred: h}

	usePolling := r.forcePoll || reg.LegacyIRQ == 0

	if !usePolling && r.ic != nil {
		r.ic.Program(r.base+idx, reg.LegacyIRQ, reg.TargetCPU)
		r.ic.Unmask(reg.LegacyIRQ)
		s.enabled = true
	}

	r.slots[idx] = s

	return idx, nil
}

// Unregister frees slot idx, masking its IRQ if one was programmed.
func (r *Registry) Unregister(idx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx < 0 || idx >= MaxSlots || !r.slots[idx].inUse {
		return errInvalidSlot
	}

	s := r.slots[idx]

	if s.enabled && r.ic != nil {
		r.ic.Mask(s.reg.LegacyIRQ)
	}

	r.work.Unregister(s.deferred)
	r.slots[idx] = slot{}

	return nil
}

// SlotIsEnabled reports whether slot idx currently has its hardware
// interrupt armed (false once auto-demoted, or if it was never armed).
func (r *Registry) SlotIsEnabled(idx int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx < 0 || idx >= MaxSlots || !r.slots[idx].inUse {
		return false
	}

	return r.slots[idx].enabled
}

// Handler is the interrupt-context entry point: call this from the
// platform's ISR dispatch for the vector assigned to idx. It must not
// block.
func (r *Registry) Handler(idx int) {
	r.mu.Lock()

	if idx < 0 || idx >= MaxSlots || !r.slots[idx].inUse {
		r.mu.Unlock()
		return
	}

	s := &r.slots[idx]
	top := s.reg.TopHalf
	device := s.reg.Device
	deferredHandle := s.deferred

	r.mu.Unlock()

	if top == nil {
		return
	}

	schedule := top(device)

	r.mu.Lock()
	s = &r.slots[idx]

	if !s.inUse {
		r.mu.Unlock()
		return
	}

	if schedule {
		s.suppress = 0
		r.mu.Unlock()
		r.work.Signal(deferredHandle)
		return
	}

	if !s.enabled {
		r.mu.Unlock()
		return
	}

	s.suppress++

	if s.suppress >= SpuriousThreshold {
		s.enabled = false

		if r.ic != nil {
			r.ic.Mask(s.reg.LegacyIRQ)
		}
	}

	r.mu.Unlock()
}

// safeCall validates the device's type tag (a defense against the device
// object having been freed and its memory reused between interrupt
// delivery and bottom-half/poll execution) before invoking fn.
func (r *Registry) safeCall(idx int, fn func(device any)) {
	r.mu.Lock()

	if idx < 0 || idx >= MaxSlots || !r.slots[idx].inUse {
		r.mu.Unlock()
		return
	}

	s := r.slots[idx]
	r.mu.Unlock()

	if tagged, ok := s.reg.Device.(TypeTagProvider); ok {
		if tagged.InterruptTypeTag() != s.reg.DeviceTypeTag {
			return
		}
	}

	fn(s.reg.Device)
}
