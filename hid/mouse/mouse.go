// USB HID boot mouse
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mouse implements the HID boot mouse class driver: protocol setup
// and boot report parsing, feeding decoded packets into mousecommon for
// coalescing (spec.md §4.10).
package mouse

import (
	"fmt"

	"github.com/usbarmory/xhci/mousecommon"
	"github.com/usbarmory/xhci/pkg/deferredwork"
	"github.com/usbarmory/xhci/usbproto"
	"github.com/usbarmory/xhci/xhci"
)

const bootReportMinSize = 3

// Mouse drives one detected HID boot mouse device.
type Mouse struct {
	ctrl    *xhci.Controller
	device  *xhci.Device
	ep      *xhci.EndpointRing
	bufSize int
	queue   *mousecommon.Queue

	pendingTRB uint64
	pendingBuf uint64

	dispatcher *deferredwork.Dispatcher
	handle     deferredwork.Handle
}

// Detect scans cfg's interfaces for a HID boot mouse (class 0x03, subclass
// 0x01, protocol 0x02) with an interrupt-IN endpoint, issues
// SET_PROTOCOL(BOOT) and SET_IDLE(0), configures the endpoint, and registers
// a poll callback when pollOnly is set (spec.md §4.10).
func Detect(ctrl *xhci.Controller, d *xhci.Device, cfg usbproto.ConfigurationDescriptor, queue *mousecommon.Queue, dispatcher *deferredwork.Dispatcher, pollOnly bool) (*Mouse, error) {
	for _, iface := range cfg.Interfaces {
		if iface.InterfaceClass != usbproto.ClassHID ||
			iface.InterfaceSubClass != usbproto.HIDSubclassBoot ||
			iface.InterfaceProtocol != usbproto.HIDProtocolMouse {
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
			return nil, fmt.Errorf("mouse: set protocol: %w", err)
		}

		setIdle := usbproto.ClassRequest(false, usbproto.RecipientInterface, usbproto.HIDSetIdle, 0, uint16(iface.InterfaceNumber), 0)
		if err := ctrl.ControlTransfer(d, setIdle, nil, false); err != nil {
			return nil, fmt.Errorf("mouse: set idle: %w", err)
		}

		ring, err := ctrl.ConfigureEndpoint(d, *ep)
		if err != nil {
			return nil, fmt.Errorf("mouse: configure endpoint: %w", err)
		}

		bufSize := int(ep.MaxPacketSize)
		if bufSize < bootReportMinSize {
			bufSize = bootReportMinSize
		}

		m := &Mouse{
			ctrl:       ctrl,
			device:     d,
			ep:         ring,
			bufSize:    bufSize,
			queue:      queue,
			dispatcher: dispatcher,
			handle:     deferredwork.Invalid,
		}

		d.HoldReference()

		if pollOnly {
			h, err := dispatcher.RegisterPollOnly(m.Poll, "usb-mouse")
			if err != nil {
				return nil, fmt.Errorf("mouse: register poll: %w", err)
			}
			m.handle = h
		}

		return m, nil
	}

	return nil, nil
}

// Poll submits the next interrupt-IN transfer if none is pending, otherwise
// checks for completion and feeds the decoded report to the coalescing
// queue (spec.md §4.10).
func (m *Mouse) Poll() {
	if m.pendingTRB == 0 {
		phys, addr, err := m.ctrl.InterruptTransfer(m.device, m.ep, m.bufSize)
		if err != nil {
			return
		}

		m.pendingTRB = phys
		m.pendingBuf = addr

		return
	}

	buf := make([]byte, m.bufSize)
	ok, err := m.ctrl.PollInterruptCompletion(m.pendingTRB, m.pendingBuf, buf)
	if !ok {
		return
	}

	m.pendingTRB = 0
	m.pendingBuf = 0

	if err != nil {
		return
	}

	if len(buf) < bootReportMinSize {
		return
	}

	buttons := buf[0] & 0x07
	dx := int8(buf[1])
	dy := int8(buf[2])

	m.queue.Report(buttons, dx, dy)
}

// Close releases the mouse's held reference and unregisters its poll
// callback if one was registered.
func (m *Mouse) Close() {
	if m.handle != deferredwork.Invalid {
		_ = m.dispatcher.Unregister(m.handle)
	}

	m.device.ReleaseReference()
}
