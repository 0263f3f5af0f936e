// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import "container/list"

func (r *Region) defrag() {
	var prev *block

	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if prev != nil && prev.addr+prev.size == b.addr {
			prev.size += b.size
			defer r.freeBlocks.Remove(e)
			continue
		}

		prev = b
	}
}

func (r *Region) alloc(size uint64, align uint64) *block {
	var e *list.Element
	var free *block
	var pad uint64

	if align == 0 {
		align = 4
	}

	for e = r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		pad = -b.addr & (align - 1)

		if b.size >= size+pad {
			free = b
			break
		}

		pad = 0
	}

	if free == nil {
		panic("dma: out of memory")
	}

	defer r.freeBlocks.Remove(e)

	if rem := free.size - (size + pad); rem != 0 {
		r.freeBlocks.InsertAfter(&block{addr: free.addr + pad + size, size: rem}, e)
	}

	if pad != 0 {
		r.freeBlocks.InsertBefore(&block{addr: free.addr, size: pad}, e)
		free.addr += pad
	}

	free.size = size

	return free
}

func (r *Region) free(used *block) {
	for e := r.freeBlocks.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		if b.addr > used.addr {
			r.freeBlocks.InsertBefore(used, e)
			r.defrag()
			return
		}
	}

	r.freeBlocks.PushBack(used)
	r.defrag()
}

func (r *Region) freeBlock(addr uint64, res bool) {
	if addr == 0 {
		return
	}

	r.Lock()
	defer r.Unlock()

	b, ok := r.usedBlocks[addr]

	if !ok || b.res != res {
		return
	}

	r.free(b)
	delete(r.usedBlocks, addr)
}
