// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides primitives for retrieving and modifying hardware
// registers within a mapped MMIO window.
//
// The teacher package this is adapted from (tamago's internal/reg) pokes
// raw physical addresses via unsafe.Pointer, valid only under the bare
// metal GOOS=tamago runtime. A general-purpose kernel subsystem instead
// receives an already-mapped MMIO window from the PCI enumerator and VM
// mapper (both external collaborators, see kernelapi.PhysicalAllocator); Space
// models that mapped window as a byte-addressable buffer so the same
// Get/Set/Wait primitives work whether the window is a real BAR mapping or,
// in tests, a plain Go slice standing in for one.
package reg

import (
	"sync"
	"time"
)

// Space is a byte-addressable MMIO register window, guarded by a single
// mutex for the whole window (real hardware serializes bus-register access
// anyway; this also keeps concurrent controller access safe).
type Space struct {
	mu   sync.Mutex
	mem  []byte
	base uint64
}

// NewSpace wraps an already-mapped MMIO window of the given size. base is
// the window's starting physical/bus address, used only so callers can work
// in absolute addresses when it is convenient (e.g. logging PORTSC offsets).
func NewSpace(base uint64, size int) *Space {
	return &Space{mem: make([]byte, size), base: base}
}

// Base returns the window's starting address.
func (s *Space) Base() uint64 {
	return s.base
}

func (s *Space) read32(off uint32) uint32 {
	b := s.mem[off : off+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *Space) write32(off uint32, v uint32) {
	b := s.mem[off : off+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Get reads a bitfield at bit position pos, masked by mask, from the 32-bit
// register at offset off.
func (s *Space) Get(off uint32, pos int, mask int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return (s.read32(off) >> uint(pos)) & uint32(mask)
}

// Set sets a single bit at position pos in the 32-bit register at off.
func (s *Space) Set(off uint32, pos int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write32(off, s.read32(off)|(1<<uint(pos)))
}

// Clear clears a single bit at position pos in the 32-bit register at off.
func (s *Space) Clear(off uint32, pos int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write32(off, s.read32(off)&^(1<<uint(pos)))
}

// SetN writes val, masked to mask bits, at position pos in the 32-bit
// register at off, leaving the surrounding bits untouched.
func (s *Space) SetN(off uint32, pos int, mask int, val uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.read32(off)
	r = (r &^ (uint32(mask) << uint(pos))) | ((val & uint32(mask)) << uint(pos))
	s.write32(off, r)
}

// Read32 reads the 32-bit register at off.
func (s *Space) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read32(off)
}

// Write32 writes the 32-bit register at off.
func (s *Space) Write32(off uint32, val uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write32(off, val)
}

// Read64 reads a 64-bit register stored as two consecutive 32-bit words
// (xHCI's CRCR, DCBAAP, ERSTBA, ERDP layout).
func (s *Space) Read64(off uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	lo := s.read32(off)
	hi := s.read32(off + 4)

	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes a 64-bit register as two consecutive 32-bit words.
func (s *Space) Write64(off uint32, val uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.write32(off, uint32(val))
	s.write32(off+4, uint32(val>>32))
}

// Wait polls until the bitfield at (off, pos, mask) equals val, yielding
// between samples. Callers that need a bound should use WaitFor, pairing it
// with a threshold latch per spec (every MMIO wait is bounded by both an
// iteration count and a wall-clock latch — see latch.Latch).
func (s *Space) Wait(off uint32, pos int, mask int, val uint32) {
	for s.Get(off, pos, mask) != val {
		time.Sleep(time.Microsecond)
	}
}

// WaitFor waits up to timeout for the bitfield at (off, pos, mask) to equal
// val, returning false on timeout.
func (s *Space) WaitFor(timeout time.Duration, off uint32, pos int, mask int, val uint32) bool {
	deadline := time.Now().Add(timeout)

	for s.Get(off, pos, mask) != val {
		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(time.Microsecond)
	}

	return true
}
