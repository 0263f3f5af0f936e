// xHCI commands: Enable Slot, Address Device, Evaluate Context, Configure Endpoint
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

	"github.com/usbarmory/xhci/usbproto"
)

// submitCommand enqueues trb on the command ring, rings the controller
// doorbell (index 0, target 0), and waits for the matching completion
// (spec.md §4.5 "Each of these is a single command TRB enqueued on the
// command ring, doorbell rung, and waited on").
func (c *Controller) submitCommand(trb TRB) (Completion, error) {
	phys := c.cmdRing.Enqueue(trb)
	c.RingDoorbell(0, 0)
	return c.WaitForCommandCompletion(phys)
}

// EnableSlot issues the Enable Slot command and returns the assigned slot
// id from the completion event (spec.md §4.5).
func (c *Controller) EnableSlot() (uint8, error) {
	trb := withType(TRB{}, TRBTypeEnableSlot)

	comp, err := c.submitCommand(trb)
	if err != nil {
		return 0, fmt.Errorf("xhci: enable slot: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		return 0, fmt.Errorf("xhci: enable slot: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	return comp.SlotID, nil
}

// AddressDevice builds the slot + EP0 input context for d and issues the
// Address Device command. d.Speed, d.RouteString, d.RootPort and d.SlotID
// must already be set (spec.md §4.5).
func (c *Controller) AddressDevice(d *Device) error {
	size := d.contextSize()

	ep0Ring := NewRing(c.mem, 16)
	d.ep0Ring = ep0Ring

	input := buildAddressInputContext(size, d, ep0Ring)

	inputAddr := c.mem.Alloc(input, 64)
	if inputAddr == 0 {
		return fmt.Errorf("xhci: address device: %w: input context", ErrAllocation)
	}
	d.inputContext = inputAddr

	devCtxBuf := make([]byte, contextEntries*size)
	devCtxAddr := c.mem.Alloc(devCtxBuf, 64)
	if devCtxAddr == 0 {
		return fmt.Errorf("xhci: address device: %w: device context", ErrAllocation)
	}
	d.deviceContext = devCtxAddr

	c.mem.Write(c.dcbaa, int(d.SlotID)*8, dwords64(devCtxAddr))

	trb := TRB{Dword0: uint32(inputAddr), Dword1: uint32(inputAddr >> 32)}
	trb.Dword3 = uint32(d.SlotID) << 24
	trb = withType(trb, TRBTypeAddressDevice)

	comp, err := c.submitCommand(trb)
	if err != nil {
		d.recordEnumError(EnumErrorAddressDevice, CompletionTimeout)
		return fmt.Errorf("xhci: address device: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		d.recordEnumError(EnumErrorAddressDevice, comp.CompletionCode)
		return fmt.Errorf("xhci: address device: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	// The controller assigns the USB device address internally as part of
	// Address Device; it is not separately readable from the device
	// context, so the slot id doubles as this driver's address handle.
	d.Address = d.SlotID

	readSlot := newContext(size)
	c.mem.Read(d.deviceContext, 0, readSlot.bytes())

	if st := slotState(readSlot); st != SlotStateAddressed && st != SlotStateDefault {
		return fmt.Errorf("xhci: address device: %w: slot state %d after Address Device", ErrCompletion, st)
	}

	return nil
}

// buildAddressInputContext lays out the Input Context for Address Device:
// control context (Add flags A0/A1 set), slot context populated with
// speed/route/root-port/context-entries=1, EP0 endpoint context pointing at
// a fresh transfer ring (spec.md §4.5).
func buildAddressInputContext(size int, d *Device, ep0Ring *Ring) []byte {
	ctrl := newInputControlContext(size)
	ctrl.setAddFlag(0) // slot context
	ctrl.setAddFlag(1) // EP0 context

	slot := buildSlotContext(size, d.RouteString, d.Speed, d.RootPort, 1, slotContextParams{
		ttHubSlotID:  d.TTHubSlotID,
		ttPortNumber: d.TTPortNumber,
	})
	ep0 := buildEndpointContext(size, EPTypeControl, defaultEP0MaxPacketSize(d.Speed), 0, ep0Ring.Base(), ep0Ring.Cycle(), 0)

	buf := make([]byte, size*3)
	copy(buf[0:size], ctrl.bytes())
	copy(buf[size:size*2], slot.bytes())
	copy(buf[size*2:size*3], ep0.bytes())

	return buf
}

// defaultEP0MaxPacketSize returns the default control-endpoint max packet
// size to use before the device descriptor has been read (xHCI 1.2 table
// 6-93 guidance, USB2.0 §5.5.3): 8 for low speed, 64 for full/high, 512 for
// super speed.
func defaultEP0MaxPacketSize(speed uint8) uint16 {
	switch speed {
	case SpeedLow:
		return 8
	case SpeedSuper, SpeedSuperPlus:
		return 512
	default:
		return 64
	}
}

// EvaluateContext publishes a refined EP0 max-packet-size (read from the
// first 8 bytes of the device descriptor) via the Evaluate Context command
// (spec.md §4.5 "used to publish the real EP0 max-packet-size once the
// first 8 bytes of the device descriptor have been read").
func (c *Controller) EvaluateContext(d *Device, maxPacketSize uint16) error {
	size := d.contextSize()

	ctrl := newInputControlContext(size)
	ctrl.setAddFlag(1) // EP0 context only

	ep0 := buildEndpointContext(size, EPTypeControl, maxPacketSize, 0, d.ep0Ring.Base(), d.ep0Ring.Cycle(), 0)

	buf := make([]byte, size*3) // control + slot(unused, zeroed) + EP0
	copy(buf[0:size], ctrl.bytes())
	copy(buf[size*2:size*3], ep0.bytes())

	inputAddr := c.mem.Alloc(buf, 64)
	if inputAddr == 0 {
		return fmt.Errorf("xhci: evaluate context: %w", ErrAllocation)
	}
	defer c.mem.Free(inputAddr)

	trb := TRB{Dword0: uint32(inputAddr), Dword1: uint32(inputAddr >> 32)}
	trb.Dword3 = uint32(d.SlotID) << 24
	trb = withType(trb, TRBTypeEvaluateContext)

	comp, err := c.submitCommand(trb)
	if err != nil {
		return fmt.Errorf("xhci: evaluate context: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		return fmt.Errorf("xhci: evaluate context: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	d.EP0MaxPacketSize = maxPacketSize

	return nil
}

// EvaluateHubSlotContext publishes d's Hub bit and NumPorts into its slot
// context via the Evaluate Context command, once the hub descriptor has been
// read (spec.md §4.5 "hub flags, root-port number, and... the TT hub slot
// and port fields"; spec.md §4.7 hub initialisation).
func (c *Controller) EvaluateHubSlotContext(d *Device) error {
	size := d.contextSize()

	ctrl := newInputControlContext(size)
	ctrl.setAddFlag(0) // slot context only

	slotReadback := newContext(size)
	c.mem.Read(d.deviceContext, 0, slotReadback.bytes())
	entries := uint8((slotReadback.dw[0] >> slotContextEntriesShift) & slotContextEntriesMask)
	if entries == 0 {
		entries = 1
	}

	slot := buildSlotContext(size, d.RouteString, d.Speed, d.RootPort, entries, slotContextParams{
		hub:          true,
		numPorts:     d.HubPortCount,
		ttHubSlotID:  d.TTHubSlotID,
		ttPortNumber: d.TTPortNumber,
	})

	buf := make([]byte, size*2) // control + slot
	copy(buf[0:size], ctrl.bytes())
	copy(buf[size:size*2], slot.bytes())

	inputAddr := c.mem.Alloc(buf, 64)
	if inputAddr == 0 {
		return fmt.Errorf("xhci: evaluate hub slot context: %w", ErrAllocation)
	}
	defer c.mem.Free(inputAddr)

	trb := TRB{Dword0: uint32(inputAddr), Dword1: uint32(inputAddr >> 32)}
	trb.Dword3 = uint32(d.SlotID) << 24
	trb = withType(trb, TRBTypeEvaluateContext)

	comp, err := c.submitCommand(trb)
	if err != nil {
		return fmt.Errorf("xhci: evaluate hub slot context: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		return fmt.Errorf("xhci: evaluate hub slot context: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	return nil
}

// EndpointRing is the per-endpoint transfer ring, retained alongside its
// descriptor so transfer submission (see transfer.go) can find it by DCI.
type EndpointRing struct {
	dci  int
	desc usbproto.EndpointDescriptor
	ring *Ring
}

// StopEndpoint issues the Stop Endpoint command for dci on d's slot, the
// first step of endpoint teardown (xHCI 1.2 §4.6.9, spec.md §8 scenario 2
// "endpoints are stopped (STOP_ENDPOINT) before the transfer ring is
// reset").
func (c *Controller) StopEndpoint(d *Device, dci int) error {
	trb := TRB{}
	trb.Dword3 = (uint32(d.SlotID) << 24) | (uint32(dci&0x1f) << 16)
	trb = withType(trb, TRBTypeStopEndpoint)

	comp, err := c.submitCommand(trb)
	if err != nil {
		return fmt.Errorf("xhci: stop endpoint: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		return fmt.Errorf("xhci: stop endpoint: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	return nil
}

// DisableSlot issues the Disable Slot command, releasing d's device slot and
// clearing its DCBAA entry (xHCI 1.2 §4.6.10, spec.md §8 scenario 2
// "a DisableSlot command is only issued once every interface/endpoint
// reference has drained"). Callers must have already stopped every
// configured endpoint and confirmed no outstanding references remain.
func (c *Controller) DisableSlot(d *Device) error {
	trb := TRB{}
	trb.Dword3 = uint32(d.SlotID) << 24
	trb = withType(trb, TRBTypeDisableSlot)

	comp, err := c.submitCommand(trb)
	if err != nil {
		return fmt.Errorf("xhci: disable slot: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		return fmt.Errorf("xhci: disable slot: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	c.mem.Write(c.dcbaa, int(d.SlotID)*8, dwords64(0))

	d.SlotID = 0
	d.endpoints = nil
	d.hub = nil

	return nil
}

// ConfigureEndpoint adds a non-EP0 endpoint to d's slot: it copies the
// current slot context forward (bumping ContextEntries to the new
// endpoint's DCI if that is larger), builds the new endpoint context from
// ep's attributes/direction, and reruns the Configure Endpoint command
// (spec.md §4.5).
func (c *Controller) ConfigureEndpoint(d *Device, ep usbproto.EndpointDescriptor) (*EndpointRing, error) {
	size := d.contextSize()
	dci := DCI(ep.Number(), ep.DirectionIn())

	epType := endpointType(ep)
	maxPacket := ep.MaxPacketSize & 0x7ff // 11-bit field, xHCI 1.2 table 6-94
	interval := adjustedInterval(ep.Interval, d.Speed, epType)

	ring := NewRing(c.mem, 16)

	ctrl := newInputControlContext(size)
	ctrl.setAddFlag(0) // slot context must always be present when adding an endpoint
	ctrl.setAddFlag(dci)

	slotReadback := newContext(size)
	c.mem.Read(d.deviceContext, 0, slotReadback.bytes())
	curEntries := uint8((slotReadback.dw[0] >> slotContextEntriesShift) & slotContextEntriesMask)

	entries := curEntries
	if uint8(dci) > entries {
		entries = uint8(dci)
	}

	slot := buildSlotContext(size, d.RouteString, d.Speed, d.RootPort, entries, slotContextParams{
		hub:          d.IsHub,
		numPorts:     d.HubPortCount,
		ttHubSlotID:  d.TTHubSlotID,
		ttPortNumber: d.TTPortNumber,
	})
	epCtx := buildEndpointContext(size, epType, maxPacket, 0, ring.Base(), ring.Cycle(), interval)

	buf := make([]byte, size*(dci+1))
	copy(buf[0:size], ctrl.bytes())
	copy(buf[size:size*2], slot.bytes())
	copy(buf[size*dci:size*(dci+1)], epCtx.bytes())

	inputAddr := c.mem.Alloc(buf, 64)
	if inputAddr == 0 {
		return nil, fmt.Errorf("xhci: configure endpoint: %w", ErrAllocation)
	}
	defer c.mem.Free(inputAddr)

	trb := TRB{Dword0: uint32(inputAddr), Dword1: uint32(inputAddr >> 32)}
	trb.Dword3 = uint32(d.SlotID) << 24
	trb = withType(trb, TRBTypeConfigureEndpoint)

	comp, err := c.submitCommand(trb)
	if err != nil {
		return nil, fmt.Errorf("xhci: configure endpoint: %w", err)
	}

	if comp.CompletionCode != CompletionSuccess {
		return nil, fmt.Errorf("xhci: configure endpoint: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	er := &EndpointRing{dci: dci, desc: ep, ring: ring}
	d.endpoints = append(d.endpoints, er)

	return er, nil
}

// endpointType derives the xHCI EP Type field from a descriptor's
// Attributes (transfer type) and address (direction), per xHCI 1.2 table
// 6-94's EPType encoding.
func endpointType(ep usbproto.EndpointDescriptor) int {
	in := ep.DirectionIn()

	switch ep.TransferType() {
	case 1: // isochronous
		if in {
			return EPTypeIsochIn
		}
		return EPTypeIsochOut
	case 2: // bulk
		if in {
			return EPTypeBulkIn
		}
		return EPTypeBulkOut
	case 3: // interrupt
		if in {
			return EPTypeInterruptIn
		}
		return EPTypeInterruptOut
	default:
		return EPTypeControl
	}
}

// adjustedInterval converts a descriptor's bInterval into the xHCI
// context's exponent-of-125us-units encoding, which differs by speed and
// transfer type (xHCI 1.2 §6.2.3.6).
func adjustedInterval(bInterval uint8, speed uint8, epType int) uint8 {
	switch speed {
	case SpeedLow, SpeedFull:
		if epType == EPTypeInterruptIn || epType == EPTypeInterruptOut {
			// full/low speed interrupt intervals are in 1ms units;
			// xHCI wants log2(interval_in_125us_units).
			return log2Ceil(uint32(bInterval) * 8)
		}
		return bInterval
	default:
		// high/super speed intervals are already expressed as an
		// exponent, 1-based: subtract one to match xHCI's zero-based
		// field.
		if bInterval == 0 {
			return 0
		}
		return bInterval - 1
	}
}

func log2Ceil(v uint32) uint8 {
	var n uint8
	p := uint32(1)
	for p < v {
		p <<= 1
		n++
	}
	return n
}
