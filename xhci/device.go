// USB device object tree
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"sync"

	"github.com/usbarmory/xhci/kernelapi"
	"github.com/usbarmory/xhci/usbproto"
)

// Device is a USB device object: it exists for every root port and every
// downstream hub port, whether populated or not (spec.md §3 "USB Device").
// A device is reference-counted across its interface/endpoint subtree so
// that hot-unplug teardown can be deferred until class drivers release
// their holds.
type Device struct {
	mu sync.Mutex

	Controller *Controller

	Present        bool
	DestroyPending bool

	SlotID      uint8
	Address     uint8
	RouteString uint32
	Depth       uint8
	RootPort    uint8
	Parent      *Device
	ParentPort  uint8
	Speed       uint8

	EP0MaxPacketSize uint16
	Descriptor       usbproto.DeviceDescriptor
	ConfigValue      uint8
	Configurations   []usbproto.ConfigurationDescriptor

	inputContext  uint64
	deviceContext uint64
	ep0Ring       *Ring
	endpoints     []*EndpointRing

	IsHub          bool
	HubPortCount   uint8
	HubChildren    []*Device
	HubPortStatus  []uint16
	HubInterruptEP *usbproto.EndpointDescriptor
	hub            *hubState

	// TTHubSlotID/TTPortNumber identify the high-speed hub slot and port
	// providing the Transaction Translator for a full/low speed device
	// (xHCI 1.2 §4.6, table 6-93); zero for everything else.
	TTHubSlotID  uint8
	TTPortNumber uint8

	LastEnumError      int
	LastEnumCompletion uint32

	enumRateLimiter kernelapi.RateLimiter

	refs int // interfaces/endpoints/class-drivers currently holding this device
}

// newDevice constructs an empty device object for a root port, matching
// spec.md §3's "created empty at hub initialisation (or statically for
// root ports at attach)" lifecycle note.
func newDevice(ctrl *Controller, rootPort uint8, limiter kernelapi.RateLimiter) *Device {
	return &Device{
		Controller:      ctrl,
		RootPort:        rootPort,
		enumRateLimiter: limiter,
	}
}

// HoldReference increments the device's reference count; class drivers call
// this on attach (spec.md §5 "Reference counts on device/interface/endpoint
// objects are incremented by class drivers on attach").
func (d *Device) HoldReference() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs++
}

// ReleaseReference decrements the reference count; once the device is
// DestroyPending and no references remain, it drives the deferred half of
// hot-unplug teardown (spec.md §8 scenario 2: "a DisableSlot command is only
// issued once every interface/endpoint reference has drained").
func (d *Device) ReleaseReference() (freeable bool) {
	d.mu.Lock()
	if d.refs > 0 {
		d.refs--
	}
	freeable = d.DestroyPending && d.refs == 0
	d.mu.Unlock()

	if freeable {
		d.Controller.releaseSlot(d)
	}

	return freeable
}

// HasOutstandingReferences reports whether any class driver still holds
// this device, used by enumeration to defer re-use of a slot (spec.md §4.6
// "verifies the subtree has no outstanding references (else defers)").
func (d *Device) HasOutstandingReferences() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs > 0
}

// MarkAbsent clears Present and sets DestroyPending, the first step of
// hot-unplug teardown (spec.md §3 invariant: "a device whose destroy_pending
// is set and whose interface/endpoint subtree still has outstanding
// references is not freed").
func (d *Device) MarkAbsent() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Present = false
	d.DestroyPending = true
}

// recordEnumError stashes the failure step and completion code for
// diagnostics (spec.md §4.6, §7 "Enumeration error").
func (d *Device) recordEnumError(step int, completion uint32) {
	d.mu.Lock()
	d.LastEnumError = step
	d.LastEnumCompletion = completion
	d.mu.Unlock()
}

// contextSize returns the controller's configured context size (32 or 64).
func (d *Device) contextSize() int {
	return d.Controller.contextSize
}
