// Mass-storage presence loop
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package massstorage

import (
	"sync"

	"github.com/usbarmory/xhci/kernelapi"
)

// Broadcast event names (spec.md §6).
const (
	EventMounted   = "USB_MASS_STORAGE_MOUNTED"
	EventUnmounted = "USB_MASS_STORAGE_UNMOUNTED"
)

// Registry tracks every detected Disk and drives the presence loop (spec.md
// §4.8 "on every poll cycle, for each tracked storage entry, revalidate the
// underlying USB device is still present; on absence unmount any
// filesystems mounted from that disk, broadcast an unmount message, and
// release references").
type Registry struct {
	mu    sync.Mutex
	disks []*entry
	bus   kernelapi.MessageBus
}

type entry struct {
	disk    *Disk
	mounted bool
}

// NewRegistry returns a Registry that broadcasts mount/unmount events on bus.
func NewRegistry(bus kernelapi.MessageBus) *Registry {
	return &Registry{bus: bus}
}

// Add registers a freshly detected disk and broadcasts a mount event.
func (r *Registry) Add(d *Disk) {
	r.mu.Lock()
	r.disks = append(r.disks, &entry{disk: d, mounted: true})
	r.mu.Unlock()

	r.bus.Broadcast(EventMounted, d)
}

// Poll revalidates every tracked disk, unmounting and releasing any that
// have disappeared. Intended to be called once per deferred-work poll
// cycle.
func (r *Registry) Poll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.disks[:0]

	for _, e := range r.disks {
		if e.disk.Revalidate() {
			live = append(live, e)
			continue
		}

		if e.mounted {
			e.mounted = false
			r.bus.Broadcast(EventUnmounted, e.disk)
		}

		e.disk.device.ReleaseReference()
	}

	r.disks = live
}

// Count returns the number of currently tracked disks, for diagnostics and
// tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.disks)
}
