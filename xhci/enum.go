// Port enumeration
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
	"log"
	"time"

	"github.com/usbarmory/xhci/usbproto"
)

// EnsureUsbDevices walks every root port, probing newly-connected devices
// and tearing down ones that dropped CCS (spec.md §4.6, §8 scenario 1,
// "Hot-plug discovery runs inside the same poll callbacks" per §2).
func (c *Controller) EnsureUsbDevices() {
	for p := 1; p <= c.maxPorts; p++ {
		c.probeRootPort(uint8(p))
	}
}

func (c *Controller) probeRootPort(port uint8) {
	d := c.Device(port)
	status := c.PORTSC(port)

	connected := status&portscCCS != 0

	if !connected {
		if d.Present {
			c.teardownDevice(d)
		}
		return
	}

	if d.Present {
		return
	}

	if status&portscPED == 0 {
		if !c.resetPort(port) {
			d.recordEnumError(EnumErrorResetTimeout, CompletionTimeout)
			return
		}

		status = c.PORTSC(port)
	}

	speed := uint8((status & portscSpeedMask) >> portscSpeedShift)
	if speed == 0 {
		d.recordEnumError(EnumErrorInvalidSpeed, 0)
		return
	}

	d.Speed = speed

	if err := c.EnumerateDevice(d); err != nil {
		if d.enumRateLimiter.Allow() {
			log.Printf("xhci: enumeration failed on port %d: %v (PORTSC=%#x USBCMD=%#x USBSTS=%#x)",
				port, err, status, c.opRead32(opUSBCMD), c.opRead32(opUSBSTS))
		}
	}
}

// resetPort sets PR and waits up to ~50ms for it to self-clear (spec.md
// §4.6).
func (c *Controller) resetPort(port uint8) bool {
	c.portSet(port, portscPR)
	return c.cap.WaitFor(50*time.Millisecond, c.portOffset(port), 4, 1, 0)
}

// EnumerateDevice runs the full sequence from spec.md §4.6: verifies no
// outstanding references, rebuilds contexts, Enable Slot, Address Device,
// device descriptor fetch, Evaluate Context, configuration descriptor
// fetch/parse, SET_CONFIGURATION, and — if the device (or any interface) is
// a hub — hub initialisation.
func (c *Controller) EnumerateDevice(d *Device) error {
	if d.HasOutstandingReferences() {
		d.recordEnumError(EnumErrorBusy, 0)
		return fmt.Errorf("xhci: %w: device subtree still referenced", ErrEnumeration)
	}

	d.mu.Lock()
	d.Present = false
	d.DestroyPending = false
	d.mu.Unlock()

	slotID, err := c.EnableSlot()
	if err != nil {
		d.recordEnumError(EnumErrorEnableSlot, 0)
		return fmt.Errorf("xhci: enumerate: %w", err)
	}
	d.SlotID = slotID

	if err := c.AddressDevice(d); err != nil {
		d.recordEnumError(EnumErrorAddressDevice, 0)
		return fmt.Errorf("xhci: enumerate: %w", err)
	}

	devDescBuf := make([]byte, 8)
	req := usbproto.StandardDeviceRequest(true, usbproto.GetDescriptor, uint16(usbproto.DescDevice)<<8, 0, 8)
	if err := c.ControlTransfer(d, req, devDescBuf, true); err != nil {
		d.recordEnumError(EnumErrorDeviceDesc, 0)
		return fmt.Errorf("xhci: enumerate: fetch device descriptor (partial): %w", err)
	}

	if err := c.EvaluateContext(d, uint16(devDescBuf[7])); err != nil {
		d.recordEnumError(EnumErrorDeviceDesc, 0)
		return fmt.Errorf("xhci: enumerate: evaluate context: %w", err)
	}

	full := make([]byte, usbproto.DeviceLength)
	req = usbproto.StandardDeviceRequest(true, usbproto.GetDescriptor, uint16(usbproto.DescDevice)<<8, 0, usbproto.DeviceLength)
	if err := c.ControlTransfer(d, req, full, true); err != nil {
		d.recordEnumError(EnumErrorDeviceDesc, 0)
		return fmt.Errorf("xhci: enumerate: fetch device descriptor: %w", err)
	}

	desc, err := usbproto.ParseDeviceDescriptor(full)
	if err != nil {
		d.recordEnumError(EnumErrorDeviceDesc, 0)
		return fmt.Errorf("xhci: enumerate: parse device descriptor: %w", err)
	}
	d.Descriptor = desc

	cfgHeader := make([]byte, usbproto.ConfigurationLength)
	req = usbproto.StandardDeviceRequest(true, usbproto.GetDescriptor, uint16(usbproto.DescConfiguration)<<8, 0, usbproto.ConfigurationLength)
	if err := c.ControlTransfer(d, req, cfgHeader, true); err != nil {
		d.recordEnumError(EnumErrorConfigDesc, 0)
		return fmt.Errorf("xhci: enumerate: fetch config header: %w", err)
	}

	totalLen := int(cfgHeader[2]) | int(cfgHeader[3])<<8

	full = make([]byte, totalLen)
	req = usbproto.StandardDeviceRequest(true, usbproto.GetDescriptor, uint16(usbproto.DescConfiguration)<<8, 0, uint16(totalLen))
	if err := c.ControlTransfer(d, req, full, true); err != nil {
		d.recordEnumError(EnumErrorConfigDesc, 0)
		return fmt.Errorf("xhci: enumerate: fetch full config: %w", err)
	}

	cfg, err := usbproto.ParseConfigurationDescriptor(full)
	if err != nil {
		d.recordEnumError(EnumErrorConfigParse, 0)
		return fmt.Errorf("xhci: enumerate: parse config: %w", err)
	}
	d.Configurations = []usbproto.ConfigurationDescriptor{cfg}

	req = usbproto.StandardDeviceRequest(false, usbproto.SetConfiguration, uint16(cfg.ConfigurationValue), 0, 0)
	if err := c.ControlTransfer(d, req, nil, false); err != nil {
		d.recordEnumError(EnumErrorSetConfig, 0)
		return fmt.Errorf("xhci: enumerate: set configuration: %w", err)
	}
	d.ConfigValue = cfg.ConfigurationValue

	d.mu.Lock()
	d.Present = true
	d.mu.Unlock()

	if desc.DeviceClass == usbproto.ClassHub || hasHubInterface(cfg) {
		if err := c.initHub(d); err != nil {
			d.recordEnumError(EnumErrorHubInit, 0)
			return fmt.Errorf("xhci: enumerate: hub init: %w", err)
		}
	}

	return nil
}

func hasHubInterface(cfg usbproto.ConfigurationDescriptor) bool {
	for _, iface := range cfg.Interfaces {
		if iface.InterfaceClass == usbproto.ClassHub {
			return true
		}
	}
	return false
}

// teardownDevice marks d absent, recurses into any hub children, and starts
// slot release; if a class driver still holds a reference the slot release
// is deferred to ReleaseReference (spec.md §3, §8 scenario 2).
func (c *Controller) teardownDevice(d *Device) {
	d.MarkAbsent()

	for _, child := range d.HubChildren {
		if child != nil {
			c.teardownDevice(child)
		}
	}

	c.releaseSlot(d)
}

// releaseSlot stops every endpoint configured on d, resets each transfer
// ring, and issues DisableSlot once d has no outstanding interface/endpoint
// references (spec.md §8 scenario 2: "endpoints are stopped (STOP_ENDPOINT)
// before the transfer ring is reset, interfaces are released before the
// device's slot is disabled, and a DisableSlot command is only issued once
// every interface/endpoint reference has drained"). A device with
// outstanding references is left alone here; ReleaseReference re-enters this
// once the last reference drops.
func (c *Controller) releaseSlot(d *Device) {
	if d.SlotID == 0 || d.HasOutstandingReferences() {
		return
	}

	for _, ep := range d.endpoints {
		if err := c.StopEndpoint(d, ep.dci); err != nil {
			log.Printf("xhci: teardown: stop endpoint (dci %d) on slot %d: %v", ep.dci, d.SlotID, err)
		}
		ep.ring.Reset()
	}

	if err := c.DisableSlot(d); err != nil {
		log.Printf("xhci: teardown: disable slot %d: %v", d.SlotID, err)
	}
}
