// USB HID boot keyboard
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package keyboard implements the HID boot keyboard class driver: protocol
// setup, 8-byte boot report diffing, and the privileged-hotkey table
// (spec.md §4.9).
package keyboard

import (
	"fmt"

	"github.com/usbarmory/xhci/pkg/deferredwork"
	"github.com/usbarmory/xhci/usbproto"
	"github.com/usbarmory/xhci/xhci"
)

const (
	bootReportKeys = 6
	bootReportSize = 8
)

// Modifier bit → usage code map (USB HID usage tables §10, boot report
// byte 0), in the order the original driver walks them so diffing order is
// deterministic.
var modifierUsages = [8]uint8{
	0xe0, // Left Ctrl
	0xe1, // Left Shift
	0xe2, // Left Alt
	0xe3, // Left GUI
	0xe4, // Right Ctrl
	0xe5, // Right Shift
	0xe6, // Right Alt
	0xe7, // Right GUI
}

// Event is one synthetic key transition produced from report diffing
// (spec.md §4.9 "any usage that disappeared generates a key-up; any usage
// that appeared generates a key-down").
type Event struct {
	Usage uint8
	Down  bool
}

// Consumer receives decoded key events. The kernel input-event dispatcher
// is the real implementation (external collaborator, spec.md §1).
type Consumer interface {
	KeyEvent(e Event)
}

// Hotkey is a privileged action bound to a usage code, optionally requiring
// a Ctrl modifier to be held (spec.md §4.9 "Certain usages (e.g. 0x42 with
// Ctrl) trigger privileged actions").
type Hotkey struct {
	Usage       uint8
	RequireCtrl bool
	Action      func()
}

// Keyboard drives one detected HID boot keyboard device.
type Keyboard struct {
	ctrl     *xhci.Controller
	device   *xhci.Device
	ep       *xhci.EndpointRing
	bufSize  int
	consumer Consumer

	prevModifiers uint8
	prevKeys      [bootReportKeys]uint8
	ctrlHeld      bool

	hotkeys []Hotkey

	pendingTRB uint64
	pendingBuf uint64

	dispatcher *deferredwork.Dispatcher
	handle     deferredwork.Handle
}

// RegisterHotkey adds a privileged-action binding, checked on every
// key-down event.
func (k *Keyboard) RegisterHotkey(h Hotkey) {
	k.hotkeys = append(k.hotkeys, h)
}

// Detect scans cfg's interfaces for a HID boot keyboard (class 0x03,
// subclass 0x01, protocol 0x01) with an interrupt-IN endpoint, issues
// SET_PROTOCOL(BOOT) and SET_IDLE(0), configures the endpoint, and
// registers either a pure poll callback or relies on the caller driving
// Poll from the controller's interrupt bottom half (spec.md §4.9).
func Detect(ctrl *xhci.Controller, d *xhci.Device, cfg usbproto.ConfigurationDescriptor, consumer Consumer, dispatcher *deferredwork.Dispatcher, pollOnly bool) (*Keyboard, error) {
	for _, iface := range cfg.Interfaces {
		if iface.InterfaceClass != usbproto.ClassHID ||
			iface.InterfaceSubClass != usbproto.HIDSubclassBoot ||
			iface.InterfaceProtocol != usbproto.HIDProtocolKeyboard {
			continue
		}

		var ep *usbproto.EndpointDescriptor
		for i := range iface.Endpoints {
			if iface.Endpoints[i].DirectionIn() && iface.Endpoints[i].TransferType() == 3 {
				ep = &iface.Endpoints[i]
				break
			}
		}

		if ep == nil {
			continue
		}

		setProto := usbproto.ClassRequest(false, usbproto.RecipientInterface, usbproto.HIDSetProtocol, usbproto.HIDProtocolBoot, uint16(iface.InterfaceNumber), 0)
		if err := ctrl.ControlTransfer(d, setProto, nil, false); err != nil {
			return nil, fmt.Errorf("keyboard: set protocol: %w", err)
		}

		setIdle := usbproto.ClassRequest(false, usbproto.RecipientInterface, usbproto.HIDSetIdle, 0, uint16(iface.InterfaceNumber), 0)
		if err := ctrl.ControlTransfer(d, setIdle, nil, false); err != nil {
			return nil, fmt.Errorf("keyboard: set idle: %w", err)
		}

		ring, err := ctrl.ConfigureEndpoint(d, *ep)
		if err != nil {
			return nil, fmt.Errorf("keyboard: configure endpoint: %w", err)
		}

		bufSize := int(ep.MaxPacketSize)
		if bufSize < bootReportSize {
			bufSize = bootReportSize
		}

		k := &Keyboard{
			ctrl:       ctrl,
			device:     d,
			ep:         ring,
			bufSize:    bufSize,
			consumer:   consumer,
			dispatcher: dispatcher,
			handle:     deferredwork.Invalid,
		}

		d.HoldReference()

		if pollOnly {
			h, err := dispatcher.RegisterPollOnly(k.Poll, "usb-keyboard")
			if err != nil {
				return nil, fmt.Errorf("keyboard: register poll: %w", err)
			}
			k.handle = h
		}

		return k, nil
	}

	return nil, nil
}

// Poll is idempotent over "no new data" (spec.md §9): it submits the next
// interrupt-IN transfer if none is pending, otherwise checks for
// completion. A controller's interrupt bottom half calls the same method
// when running in interrupt-driven mode (spec.md §4.9 "an xHCI-interrupt
// hook invoked from the controller's bottom half processes any completed
// reports").
func (k *Keyboard) Poll() {
	if k.pendingTRB == 0 {
		phys, addr, err := k.ctrl.InterruptTransfer(k.device, k.ep, k.bufSize)
		if err != nil {
			return
		}

		k.pendingTRB = phys
		k.pendingBuf = addr

		return
	}

	buf := make([]byte, k.bufSize)
	ok, err := k.ctrl.PollInterruptCompletion(k.pendingTRB, k.pendingBuf, buf)
	if !ok {
		return
	}

	k.pendingTRB = 0
	k.pendingBuf = 0

	if err != nil {
		return
	}

	k.handleReport(buf)
}

func (k *Keyboard) handleReport(buf []byte) {
	if len(buf) < bootReportSize {
		return
	}

	modifiers := buf[0]
	var keys [bootReportKeys]uint8
	copy(keys[:], buf[2:2+bootReportKeys])

	for _, usage := range k.prevKeys {
		if usage == 0 || hasUsage(keys[:], usage) {
			continue
		}
		k.emit(usage, false)
	}

	for _, usage := range keys {
		if usage == 0 || hasUsage(k.prevKeys[:], usage) {
			continue
		}
		k.emit(usage, true)
	}

	if modifiers != k.prevModifiers {
		for i, mask := range [8]uint8{1, 2, 4, 8, 16, 32, 64, 128} {
			was := k.prevModifiers&mask != 0
			is := modifiers&mask != 0
			if was == is {
				continue
			}

			usage := modifierUsages[i]
			if usage == 0xe0 || usage == 0xe4 {
				k.ctrlHeld = is
			}

			k.consumer.KeyEvent(Event{Usage: usage, Down: is})
		}
	}

	k.prevModifiers = modifiers
	k.prevKeys = keys
}

func hasUsage(keys []uint8, usage uint8) bool {
	for _, k := range keys {
		if k == usage {
			return true
		}
	}
	return false
}

func (k *Keyboard) emit(usage uint8, down bool) {
	k.consumer.KeyEvent(Event{Usage: usage, Down: down})

	if !down {
		return
	}

	for _, h := range k.hotkeys {
		if h.Usage != usage {
			continue
		}

		if h.RequireCtrl && !k.ctrlHeld {
			continue
		}

		h.Action()
	}
}

// Close releases the keyboard's held reference and unregisters its poll
// callback if one was registered.
func (k *Keyboard) Close() {
	if k.handle != deferredwork.Invalid {
		_ = k.dispatcher.Unregister(k.handle)
	}

	k.device.ReleaseReference()
}
