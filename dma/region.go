// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

// Alloc reserves a region of the arena, copies buf into it and returns the
// allocation's physical address. The region can be freed with Free. An
// alignment of 0 forces word alignment, matching xHCI's minimum TRB/context
// alignment requirements.
func (r *Region) Alloc(buf []byte, align int) (addr uint64) {
	if len(buf) == 0 {
		return 0
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint64(len(buf)), uint64(align))
	copy(r.slice(b.addr, len(buf)), buf)
	r.usedBlocks[b.addr] = b

	return b.addr
}

// Reserve allocates size bytes of uninitialized, aligned arena space without
// copying a caller buffer in, returning both the physical address and a
// byte slice view directly over the arena (writes through the slice are
// visible to Read without a Write call). Used for DMA buffers the
// controller writes into directly, such as I/O buffers and report buffers.
func (r *Region) Reserve(size int, align int) (addr uint64, buf []byte) {
	if size == 0 {
		return 0, nil
	}

	r.Lock()
	defer r.Unlock()

	b := r.alloc(uint64(size), uint64(align))
	b.res = true
	r.usedBlocks[b.addr] = b

	return b.addr, r.slice(b.addr, size)
}

// Read copies size bytes starting at (addr+off) into buf.
func (r *Region) Read(addr uint64, off int, buf []byte) {
	if addr == 0 || len(buf) == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		panic("dma: read of unallocated address")
	}

	if uint64(off+len(buf)) > b.size {
		panic("dma: invalid read parameters")
	}

	copy(buf, r.slice(addr, off+len(buf))[off:])
}

// Write copies buf into the arena starting at (addr+off).
func (r *Region) Write(addr uint64, off int, buf []byte) {
	if addr == 0 || len(buf) == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok {
		return
	}

	if uint64(off+len(buf)) > b.size {
		panic("dma: invalid write parameters")
	}

	copy(r.slice(addr, off+len(buf))[off:], buf)
}

// Free releases a region allocated with Alloc.
func (r *Region) Free(addr uint64) {
	r.freeBlock(addr, false)
}

// Release releases a region allocated with Reserve.
func (r *Region) Release(addr uint64) {
	r.freeBlock(addr, true)
}
