// xHCI host-controller driver-command dispatch
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package driver

import (
	"fmt"

	"github.com/usbarmory/xhci/hid/keyboard"
	"github.com/usbarmory/xhci/hid/mouse"
	"github.com/usbarmory/xhci/massstorage"
	"github.com/usbarmory/xhci/mousecommon"
	"github.com/usbarmory/xhci/pkg/deferredwork"
	"github.com/usbarmory/xhci/xhci"
)

// EnumCursor walks attached USB devices across one controller's root ports,
// the Go equivalent of XHCI_Commands' DF_ENUM_NEXT/DF_ENUM_PRETTY pair.
type EnumCursor struct {
	Port uint8
}

// DeviceSummary is what ENUM_PRETTY renders for one enumerated device.
type DeviceSummary struct {
	Port       uint8
	VendorID   uint16
	ProductID  uint16
	SlotID     uint8
	Speed      uint8
	IsHub      bool
	Configured bool
}

// XHCIDriver answers the common driver-command dispatch for one attached
// xHCI host controller (spec.md §6; grounded on XHCI_Commands/XHCI_OnLoad/
// XHCI_OnUnload/XHCI_EnumNext/XHCI_EnumPretty).
type XHCIDriver struct {
	Base

	ctrl    *xhci.Controller
	storage *massstorage.Registry

	keyboardConsumer keyboard.Consumer
	mouseQueue       *mousecommon.Queue
	dispatcher       *deferredwork.Dispatcher
	pollOnly         bool

	detected map[*xhci.Device]bool

	loaded bool
}

// NewXHCIDriver wraps an already-constructed controller. storage,
// keyboardConsumer and mouseQueue may each be nil to omit that class driver
// from the detection sweep run by onProbe; dispatcher/pollOnly are only used
// when keyboardConsumer or mouseQueue is non-nil (spec.md §2 "Class drivers
// register poll callbacks... Hot-plug discovery runs inside the same poll
// callbacks").
func NewXHCIDriver(ctrl *xhci.Controller, storage *massstorage.Registry, keyboardConsumer keyboard.Consumer, mouseQueue *mousecommon.Queue, dispatcher *deferredwork.Dispatcher, pollOnly bool) *XHCIDriver {
	return &XHCIDriver{
		Base:             Base{Major: 1, Minor: 0},
		ctrl:             ctrl,
		storage:          storage,
		keyboardConsumer: keyboardConsumer,
		mouseQueue:       mouseQueue,
		dispatcher:       dispatcher,
		pollOnly:         pollOnly,
		detected:         make(map[*xhci.Device]bool),
	}
}

// Command dispatches the function codes this driver answers, falling back
// to Base for GET_VERSION/GET_CAPS.
func (x *XHCIDriver) Command(fn Function, param any) (any, Result, error) {
	switch fn {
	case FuncLoad:
		return x.onLoad()
	case FuncUnload:
		return x.onUnload()
	case FuncProbe:
		return x.onProbe()
	case FuncEnumNext:
		cursor, ok := param.(*EnumCursor)
		if !ok {
			return nil, ReturnInvalidParameter, fmt.Errorf("driver: enum next: %w", ErrNotImplemented)
		}
		return x.enumNext(cursor)
	case FuncEnumPretty:
		cursor, ok := param.(*EnumCursor)
		if !ok {
			return nil, ReturnInvalidParameter, fmt.Errorf("driver: enum pretty: %w", ErrNotImplemented)
		}
		return x.enumPretty(cursor)
	default:
		return x.Base.Command(fn, param)
	}
}

func (x *XHCIDriver) onLoad() (any, Result, error) {
	if x.loaded {
		return nil, ReturnSuccess, nil
	}

	if err := x.ctrl.Attach(); err != nil {
		return nil, ReturnUnexpected, fmt.Errorf("driver: xhci load: %w", err)
	}

	x.ctrl.EnsureUsbDevices()
	x.loaded = true

	return nil, ReturnSuccess, nil
}

func (x *XHCIDriver) onUnload() (any, Result, error) {
	x.loaded = false
	return nil, ReturnSuccess, nil
}

// onProbe re-runs root-port discovery, the closest equivalent to
// XHCI_OnProbe's PCI BAR re-validation in a domain with no PCI collaborator
// wired in (spec.md §1 excludes the PCI enumerator as a collaborator), then
// sweeps newly-present devices for a matching class driver.
func (x *XHCIDriver) onProbe() (any, Result, error) {
	if !x.loaded {
		return nil, ReturnUnexpected, fmt.Errorf("driver: probe before load")
	}

	x.ctrl.EnsureUsbDevices()
	x.detectClassDrivers()

	if x.storage != nil {
		x.storage.Poll()
	}

	return nil, ReturnSuccess, nil
}

// detectClassDrivers walks every present, non-hub device reachable from a
// root port (including hub descendants) and probes it against each enabled
// class driver once (spec.md §4.8 "for every present non-hub USB device
// under every xHCI controller, locate an interface..."). A device is
// probed at most once per connection: detected tracks which devices already
// matched (or were found to match nothing), and is cleared when a device
// disappears so a later reconnect is probed again.
func (x *XHCIDriver) detectClassDrivers() {
	for p := 1; p <= x.ctrl.MaxPorts(); p++ {
		x.detectDeviceTree(x.ctrl.Device(uint8(p)))
	}
}

func (x *XHCIDriver) detectDeviceTree(d *xhci.Device) {
	if d == nil {
		return
	}

	if !d.Present {
		delete(x.detected, d)
	} else if !d.IsHub && !x.detected[d] {
		x.detected[d] = true
		x.detectDevice(d)
	}

	for _, child := range d.HubChildren {
		x.detectDeviceTree(child)
	}
}

// detectDevice probes d's first configuration against every enabled class
// driver in turn, stopping at the first match (a device exposes one
// functional interface set in this subsystem's scope).
func (x *XHCIDriver) detectDevice(d *xhci.Device) {
	if len(d.Configurations) == 0 {
		return
	}
	cfg := d.Configurations[0]

	if x.storage != nil {
		if disk, err := massstorage.Detect(x.ctrl, d, cfg); err == nil && disk != nil {
			x.storage.Add(disk)
			return
		}
	}

	if x.keyboardConsumer != nil {
		if kb, err := keyboard.Detect(x.ctrl, d, cfg, x.keyboardConsumer, x.dispatcher, x.pollOnly); err == nil && kb != nil {
			return
		}
	}

	if x.mouseQueue != nil {
		if m, err := mouse.Detect(x.ctrl, d, cfg, x.mouseQueue, x.dispatcher, x.pollOnly); err == nil && m != nil {
			return
		}
	}
}

// enumNext returns the next present device at or after cursor.Port,
// advancing the cursor past it.
func (x *XHCIDriver) enumNext(cursor *EnumCursor) (any, Result, error) {
	for p := cursor.Port; int(p) <= x.ctrl.MaxPorts(); p++ {
		d := x.ctrl.Device(p)
		if d == nil || !d.Present {
			continue
		}

		cursor.Port = p + 1

		return summarize(p, d), ReturnSuccess, nil
	}

	cursor.Port = uint8(x.ctrl.MaxPorts()) + 1

	return nil, ReturnNotImplemented, fmt.Errorf("driver: enum next: %w", ErrNotImplemented)
}

// enumPretty is ENUM_NEXT plus a formatted description string.
func (x *XHCIDriver) enumPretty(cursor *EnumCursor) (any, Result, error) {
	result, status, err := x.enumNext(cursor)
	if err != nil {
		return nil, status, err
	}

	summary := result.(DeviceSummary)

	kind := "device"
	if summary.IsHub {
		kind = "hub"
	}

	text := fmt.Sprintf("port %d: %s %04x:%04x (slot %d, speed %d)",
		summary.Port, kind, summary.VendorID, summary.ProductID, summary.SlotID, summary.Speed)

	return text, ReturnSuccess, nil
}

func summarize(port uint8, d *xhci.Device) DeviceSummary {
	return DeviceSummary{
		Port:       port,
		VendorID:   d.Descriptor.VendorID,
		ProductID:  d.Descriptor.ProductID,
		SlotID:     d.SlotID,
		Speed:      d.Speed,
		IsHub:      d.IsHub,
		Configured: d.ConfigValue != 0,
	}
}
