// Hub class driver
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/usbarmory/xhci/pkg/ratelimit"
	"github.com/usbarmory/xhci/usbproto"
)

// hubState is the per-device bookkeeping the hub driver needs beyond the
// fields already on Device (interrupt endpoint ring, pending status TRB).
// Kept out of Device itself to avoid every non-hub device carrying hub
// plumbing (spec.md §3 groups these as "hub-only fields").
type hubState struct {
	statusRing *EndpointRing
	pendingTRB uint64
	pendingBuf uint64
}

// initHub fetches the hub descriptor, installs the interrupt-IN status
// endpoint, sizes the per-port status cache, marks the slot context
// Hub=1/NumPorts, powers every port, and probes already-connected ports
// (spec.md §4.7).
func (c *Controller) initHub(d *Device) error {
	buf := make([]byte, 9)
	req := usbproto.ClassRequest(true, 0, usbproto.GetDescriptor, uint16(usbproto.HubDescType)<<8, 0, uint16(len(buf)))
	req.RequestType = 0xa0 // device-to-host, class, device recipient

	if err := c.ControlTransfer(d, req, buf, true); err != nil {
		return fmt.Errorf("xhci: hub descriptor: %w", err)
	}

	hd, err := usbproto.ParseHubDescriptor(buf)
	if err != nil {
		return fmt.Errorf("xhci: hub descriptor: %w", err)
	}

	d.IsHub = true
	d.HubPortCount = hd.NumPorts
	d.HubChildren = make([]*Device, hd.NumPorts+1)
	d.HubPortStatus = make([]uint16, hd.NumPorts+1)

	for i := range d.HubChildren {
		if i == 0 {
			continue
		}
		d.HubChildren[i] = newChildDevice(c, d, uint8(i))
	}

	if err := c.EvaluateHubSlotContext(d); err != nil {
		return fmt.Errorf("xhci: hub: evaluate slot context: %w", err)
	}

	cfg := d.Configurations[0]
	var statusEP *usbproto.EndpointDescriptor
	for _, iface := range cfg.Interfaces {
		if iface.InterfaceClass != usbproto.ClassHub {
			continue
		}
		for i := range iface.Endpoints {
			if iface.Endpoints[i].DirectionIn() && iface.Endpoints[i].TransferType() == 3 {
				statusEP = &iface.Endpoints[i]
				break
			}
		}
	}

	if statusEP == nil {
		return fmt.Errorf("xhci: hub: no interrupt status endpoint found")
	}

	d.HubInterruptEP = statusEP

	er, err := c.ConfigureEndpoint(d, *statusEP)
	if err != nil {
		return fmt.Errorf("xhci: hub: configure status endpoint: %w", err)
	}

	d.hub = &hubState{statusRing: er}

	for p := uint8(1); p <= hd.NumPorts; p++ {
		req := usbproto.ClassRequest(false, usbproto.RecipientOther, usbproto.SetFeature, usbproto.PortFeaturePower, uint16(p), 0)
		if err := c.ControlTransfer(d, req, nil, false); err != nil {
			return fmt.Errorf("xhci: hub: power port %d: %w", p, err)
		}
	}

	for p := uint8(1); p <= hd.NumPorts; p++ {
		status, err := c.hubPortStatus(d, p)
		if err != nil {
			continue
		}

		if status&usbproto.PortStatusConnection != 0 {
			c.hubPortProbe(d, p)
		}
	}

	return nil
}

func newChildDevice(c *Controller, parent *Device, port uint8) *Device {
	return &Device{
		Controller:      c,
		Parent:          parent,
		ParentPort:      port,
		RootPort:        parent.RootPort,
		Depth:           parent.Depth + 1,
		enumRateLimiter: ratelimit.Once(5),
	}
}

// hubPortRequest builds a GET_PORT_STATUS / SET_FEATURE / CLEAR_FEATURE
// request targeting port (USB2.0 §11.24.2).
func hubPortRequest(get bool, request uint8, value, port uint16) usbproto.SetupData {
	s := usbproto.ClassRequest(get, usbproto.RecipientOther, request, value, port, 0)
	if get {
		s.Length = 4
	}
	return s
}

func (c *Controller) hubPortStatus(d *Device, port uint8) (uint16, error) {
	buf := make([]byte, 4)
	req := hubPortRequest(true, usbproto.GetStatus, 0, uint16(port))

	if err := c.ControlTransfer(d, req, buf, true); err != nil {
		return 0, err
	}

	status := uint16(buf[0]) | uint16(buf[1])<<8
	change := uint16(buf[2]) | uint16(buf[3])<<8

	d.mu.Lock()
	if int(port) < len(d.HubPortStatus) {
		d.HubPortStatus[port] = status
	}
	d.mu.Unlock()

	_ = change

	return status, nil
}

func (c *Controller) hubClearPortFeature(d *Device, feature, port uint16) error {
	req := hubPortRequest(false, usbproto.ClearFeature, feature, port)
	return c.ControlTransfer(d, req, nil, false)
}

func (c *Controller) hubSetPortFeature(d *Device, feature, port uint16) error {
	req := hubPortRequest(false, usbproto.SetFeature, feature, port)
	return c.ControlTransfer(d, req, nil, false)
}

// hubPortProbe resets a newly-connected port, determines its speed, builds
// the child device's route string, and runs enumeration; recurses into hub
// init if the child is itself a hub (spec.md §4.7 "Hub-port probe").
func (c *Controller) hubPortProbe(d *Device, port uint8) {
	if err := c.hubSetPortFeature(d, usbproto.PortFeatureReset, uint16(port)); err != nil {
		return
	}

	for i := 0; i < 1000; i++ {
		buf := make([]byte, 4)
		req := hubPortRequest(true, usbproto.GetStatus, 0, uint16(port))
		if err := c.ControlTransfer(d, req, buf, true); err != nil {
			return
		}

		// C_PORT_RESET lives in the wPortChange half of the reply.
		if change := uint16(buf[2]) | uint16(buf[3])<<8; change&usbproto.PortChangeReset != 0 {
			c.hubClearPortFeature(d, usbproto.PortFeatureCReset, uint16(port))
			break
		}
	}

	status, err := c.hubPortStatus(d, port)
	if err != nil {
		return
	}

	child := d.HubChildren[port]
	if child == nil {
		child = newChildDevice(c, d, port)
		d.HubChildren[port] = child
	}

	switch {
	case status&usbproto.PortStatusLowSpeed != 0:
		child.Speed = SpeedLow
	case status&usbproto.PortStatusHighSpeed != 0:
		child.Speed = SpeedHigh
	default:
		child.Speed = d.Speed
	}

	child.Depth = d.Depth + 1
	child.RouteString = d.RouteString | (uint32(port) << (d.Depth * 4))

	if d.Speed == SpeedHigh && child.Speed != SpeedHigh {
		child.TTHubSlotID = d.SlotID
		child.TTPortNumber = port
	} else {
		child.TTHubSlotID = 0
		child.TTPortNumber = 0
	}

	_ = c.EnumerateDevice(child)
}

// PollHubs is the controller-level poll callback (spec.md §4.7 "Hub
// polling"): for every present hub it submits an interrupt-IN status
// transfer if none is pending, otherwise checks for completion and walks
// the decoded change bitmap.
func (c *Controller) PollHubs() {
	for p := 1; p <= c.maxPorts; p++ {
		c.pollHubSubtree(c.Device(uint8(p)))
	}
}

func (c *Controller) pollHubSubtree(d *Device) {
	if d == nil || !d.Present || !d.IsHub {
		return
	}

	hs := d.hub
	if hs == nil {
		return
	}

	if hs.pendingTRB == 0 {
		bufSize := int(d.HubInterruptEP.MaxPacketSize)
		if bufSize == 0 {
			bufSize = 1
		}

		phys, addr, err := c.InterruptTransfer(d, hs.statusRing, bufSize)
		if err == nil {
			hs.pendingTRB = phys
			hs.pendingBuf = addr
		}
	} else {
		buf := make([]byte, int(d.HubInterruptEP.MaxPacketSize))
		ok, err := c.PollInterruptCompletion(hs.pendingTRB, hs.pendingBuf, buf)
		if ok {
			hs.pendingTRB = 0
			hs.pendingBuf = 0

			if err == nil {
				c.handleHubChangeBitmap(d, buf)
			}
		}
	}

	for _, child := range d.HubChildren {
		c.pollHubSubtree(child)
	}
}

func (c *Controller) handleHubChangeBitmap(d *Device, buf []byte) {
	for port := 1; port <= int(d.HubPortCount); port++ {
		byteIdx := port / 8
		bitIdx := uint(port % 8)

		if byteIdx >= len(buf) {
			continue
		}

		if buf[byteIdx]&(1<<bitIdx) == 0 {
			continue
		}

		status, err := c.hubPortStatus(d, uint8(port))
		if err != nil {
			continue
		}

		changeBuf := make([]byte, 4)
		csReq := hubPortRequest(true, usbproto.GetStatus, 0, uint16(port))
		if c.ControlTransfer(d, csReq, changeBuf, true) != nil {
			continue
		}
		change := uint16(changeBuf[2]) | uint16(changeBuf[3])<<8

		if change&usbproto.PortChangeConnection != 0 {
			c.hubClearPortFeature(d, usbproto.PortFeatureCConnection, uint16(port))

			if status&usbproto.PortStatusConnection != 0 {
				c.hubPortProbe(d, uint8(port))
			} else if child := d.HubChildren[port]; child != nil {
				c.teardownDevice(child)
			}
		}

		if change&usbproto.PortChangeEnable != 0 {
			c.hubClearPortFeature(d, usbproto.PortFeatureCEnable, uint16(port))
		}
	}
}
