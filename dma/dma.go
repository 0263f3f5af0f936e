// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma provides a first-fit physical memory allocator for DMA
// buffers: TRB rings, device/input contexts, scratchpad pages and class
// driver I/O buffers all come from a Region.
//
// The controller and physical-page allocator are external collaborators by
// contract (see kernelapi.PhysicalAllocator): a real kernel backs a Region
// with pages carved out of its own physical memory map. This package backs
// a Region with a plain Go byte arena instead, so the allocator's
// first-fit/alignment/defrag logic can be exercised by tests without real
// hardware or a privileged memory mapping.
package dma

import (
	"container/list"
	"sync"
)

// block tracks one allocation (or free run) inside a Region's arena.
type block struct {
	addr uint64
	size uint64
	// res distinguishes regular (Alloc/Free) from reserved
	// (Reserve/Release) blocks, mirroring the teacher allocator.
	res bool
}

// Region represents a memory region allocated for DMA purposes. The zero
// value is not usable; construct with NewRegion.
type Region struct {
	sync.Mutex

	start uint64
	arena []byte

	freeBlocks *list.List
	usedBlocks map[uint64]*block
}

// NewRegion initializes a memory region of the given size for DMA buffer
// allocation. start is the physical base address the region represents;
// callers address buffers by (start + offset) throughout this package.
func NewRegion(start uint64, size int) *Region {
	r := &Region{
		start: start,
		arena: make([]byte, size),
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{addr: start, size: uint64(size)})
	r.usedBlocks = make(map[uint64]*block)

	return r
}

// Start returns the region's base physical address.
func (r *Region) Start() uint64 {
	return r.start
}

// End returns the region's one-past-the-end physical address.
func (r *Region) End() uint64 {
	return r.start + uint64(len(r.arena))
}

// Size returns the region's total size in bytes.
func (r *Region) Size() int {
	return len(r.arena)
}

func (r *Region) slice(addr uint64, size int) []byte {
	off := addr - r.start
	return r.arena[off : off+uint64(size)]
}
