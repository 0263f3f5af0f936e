// xHCI TRB ring enqueue/dequeue with centralised cycle-bit discipline
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"github.com/usbarmory/xhci/kernelapi"
)

// TRBSize is the size in bytes of one ring slot.
const TRBSize = 16

// Ring is a page-sized array of TRBs with a terminal link TRB (spec.md §3,
// §4.4, §9 "Cycle-bit discipline"). The same type backs the command ring,
// every transfer ring, and (via Dequeue) the event ring — cycle-bit logic
// is centralised here exactly once, per spec.md §9: "never hand-roll
// cycle-bit logic in a caller".
type Ring struct {
	mem   kernelapi.PhysicalAllocator
	base  uint64
	slots int // total slots, including the terminal link TRB

	enqueueIdx uint32
	dequeueIdx uint32
	cycle      bool // producer cycle state for Enqueue, consumer cycle state for Dequeue
}

// NewRing allocates a zeroed ring of the given slot count (last slot
// reserved for the link TRB) and initializes its cycle state to 1, per
// spec.md §3 ("producer cycle state (initially 1)").
func NewRing(mem kernelapi.PhysicalAllocator, slots int) *Ring {
	buf := make([]byte, slots*TRBSize)
	base := mem.Alloc(buf, 64)

	return &Ring{mem: mem, base: base, slots: slots, cycle: true}
}

// Base returns the ring's physical base address.
func (r *Ring) Base() uint64 {
	return r.base
}

// Reset reinitializes the ring's enqueue/dequeue bookkeeping to its
// just-allocated state, used when an endpoint is torn down so its ring can
// be safely reused or reclaimed without stale in-flight TRBs being replayed
// (spec.md §8 scenario 2, "the transfer ring is reset").
func (r *Ring) Reset() {
	r.enqueueIdx = 0
	r.dequeueIdx = 0
	r.cycle = true
}

// Cycle returns the ring's current producer/consumer cycle state.
func (r *Ring) Cycle() bool {
	return r.cycle
}

func (r *Ring) writeSlot(idx uint32, t TRB) {
	r.mem.Write(r.base, int(idx)*TRBSize, t.Bytes())
}

func (r *Ring) readSlot(idx uint32) TRB {
	buf := make([]byte, TRBSize)
	r.mem.Read(r.base, int(idx)*TRBSize, buf)
	return TRBFromBytes(buf)
}

// Enqueue writes trb (with its type and flags pre-filled by the caller,
// cycle bit ORed in here) at the current producer index, returning the
// physical address of the slot written so the caller can later match the
// completion event by trb_physical. On wrapping past the last usable slot
// it writes the link TRB with the current cycle and toggle bit set, flips
// the producer cycle, and resets the index to 0 (spec.md §4.4).
func (r *Ring) Enqueue(trb TRB) (phys uint64) {
	if r.cycle {
		trb.Dword3 |= trbCycle
	} else {
		trb.Dword3 &^= trbCycle
	}

	idx := r.enqueueIdx
	phys = r.base + uint64(idx)*TRBSize

	r.writeSlot(idx, trb)

	idx++

	if int(idx) == r.slots-1 {
		r.writeSlot(idx, linkTRB(r.base, r.cycle))
		r.cycle = !r.cycle
		idx = 0
	}

	r.enqueueIdx = idx

	return phys
}

// Dequeue reads the TRB at the consumer's current index and compares its
// cycle bit to the consumer's cycle state. If they match, the entry is
// valid: the function advances the dequeue index (wrapping with a cycle
// flip at the link slot) and returns the TRB, its physical address, and
// true. Otherwise there is nothing new to consume and ok is false
// (spec.md §4.4 "Event-ring dequeue").
func (r *Ring) Dequeue() (trb TRB, phys uint64, ok bool) {
	idx := r.dequeueIdx
	t := r.readSlot(idx)

	if t.Cycle() != r.cycle {
		return TRB{}, 0, false
	}

	phys = r.base + uint64(idx)*TRBSize
	idx++

	if int(idx) == r.slots-1 {
		idx = 0
		r.cycle = !r.cycle
	}

	r.dequeueIdx = idx

	return t, phys, true
}
