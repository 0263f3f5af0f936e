// EP0 control transfers and non-control transfer submission
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

// ControlTransfer performs a Setup + optional Data + Status transfer on d's
// EP0 ring (spec.md §4.5, §8 "A control transfer with Length=0 emits Setup
// + Status with Status direction = IN, no Data stage" and "A control
// transfer with Length > 0 chooses Data direction from the IN flag and
// Status direction = opposite"). in selects the data stage's direction;
// data is the buffer to fill (IN) or send (OUT); it may be nil/empty when
// setup.Length is 0.
func (c *Controller) ControlTransfer(d *Device, setup usbproto.SetupData, data []byte, in bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	setupTRB := TRB{}
	sb := setup.Bytes()
	setupTRB.Dword0 = getU32(sb[0:4])
	setupTRB.Dword1 = getU32(sb[4:8])
	setupTRB.Dword2 = uint32(setup.Length) // TRB Transfer Length field mirrors wLength for Setup stage
	setupTRB.Dword3 = trbIDT

	trt := uint32(0)
	if setup.Length > 0 {
		if in {
			trt = 3
		} else {
			trt = 2
		}
	}
	setupTRB.Dword3 |= trt << 16

	setupTRB = withType(setupTRB, TRBTypeSetupStage)
	setupPhys := d.ep0Ring.Enqueue(setupTRB)

	var dataAddr uint64
	var dataBuf []byte

	if setup.Length > 0 {
		dataAddr, dataBuf = c.mem.Reserve(int(setup.Length), 1)
		if dataAddr == 0 {
			return fmt.Errorf("xhci: control transfer: %w: data buffer", ErrAllocation)
		}
		defer c.mem.Release(dataAddr)

		if !in {
			copy(dataBuf, data)
		}

		dataTRB := TRB{Dword0: uint32(dataAddr), Dword1: uint32(dataAddr >> 32), Dword2: uint32(setup.Length)}
		if in {
			dataTRB.Dword3 = trbDirIn
		}
		dataTRB = withType(dataTRB, TRBTypeDataStage)
		d.ep0Ring.Enqueue(dataTRB)
	}

	statusTRB := TRB{Dword3: trbIOC}
	statusIn := !in
	if setup.Length == 0 {
		statusIn = true
	}
	if statusIn {
		statusTRB.Dword3 |= trbDirIn
	}
	statusTRB = withType(statusTRB, TRBTypeStatusStage)
	statusPhys := d.ep0Ring.Enqueue(statusTRB)

	c.RingDoorbell(d.SlotID, 1) // EP0 DCI is always 1

	comp, err := c.WaitForTransferCompletion(statusPhys)
	if err != nil {
		return fmt.Errorf("xhci: control transfer: %w", err)
	}

	if comp.CompletionCode == CompletionStallError {
		c.clearEP0Halt(d)
		return fmt.Errorf("xhci: control transfer: %w", ErrStall)
	}

	if comp.CompletionCode != CompletionSuccess && comp.CompletionCode != CompletionShortPacket {
		return fmt.Errorf("xhci: control transfer: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	if setup.Length > 0 && in && data != nil {
		c.mem.Read(dataAddr, 0, data[:min(len(data), int(setup.Length))])
	}

	_ = setupPhys

	return nil
}

// clearEP0Halt issues a Reset Endpoint command on EP0 after a STALL,
// matching spec.md §7's "STALL on EP0 triggers an automatic
// CLEAR_FEATURE(ENDPOINT_HALT)" policy applied at the controller level.
func (c *Controller) clearEP0Halt(d *Device) {
	trb := TRB{Dword3: uint32(d.SlotID)<<24 | uint32(1)<<16} // EP0 DCI=1 in bits 23:16
	trb = withType(trb, TRBTypeResetEndpoint)

	if comp, err := c.submitCommand(trb); err != nil || comp.CompletionCode != CompletionSuccess {
		// best-effort: leave the endpoint halted, caller's retry will
		// observe the same stall and surface it upward.
		return
	}
}

// BulkTransfer submits a single Normal-type TRB on ep's transfer ring,
// rings the slot doorbell with the endpoint DCI, and waits for completion,
// retrying up to 3 times on STALL by clearing ENDPOINT_HALT (spec.md §4.8
// "Each bulk transfer submits one normal-type TRB ... on STALL issues
// CLEAR_FEATURE(ENDPOINT_HALT); up to 3 retries per transfer").
func (c *Controller) BulkTransfer(d *Device, er *EndpointRing, buf []byte, in bool) error {
	const maxRetries = 3

	addr, arena := c.mem.Reserve(len(buf), 1)
	if addr == 0 {
		return fmt.Errorf("xhci: bulk transfer: %w", ErrAllocation)
	}
	defer c.mem.Release(addr)

	if !in {
		copy(arena, buf)
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		trb := TRB{Dword0: uint32(addr), Dword1: uint32(addr >> 32), Dword2: uint32(len(buf)), Dword3: trbIOC}
		if in {
			trb.Dword3 |= trbDirIn
		}
		trb = withType(trb, TRBTypeNormal)

		phys := er.ring.Enqueue(trb)
		c.RingDoorbell(d.SlotID, uint8(er.dci))

		comp, err := c.WaitForTransferCompletion(phys)
		if err == nil && comp.CompletionCode == CompletionSuccess {
			if in {
				copy(buf, arena)
			}
			return nil
		}

		if err == nil && comp.CompletionCode == CompletionStallError {
			c.clearHalt(d, er)
			continue
		}

		if attempt == maxRetries {
			return fmt.Errorf("xhci: bulk transfer: %w", ErrTimeout)
		}
	}

	return fmt.Errorf("xhci: bulk transfer: %w: exhausted retries", ErrTimeout)
}

// clearHalt issues the standard CLEAR_FEATURE(ENDPOINT_HALT) request on the
// given endpoint via EP0, the bulk-transfer STALL recovery path.
func (c *Controller) clearHalt(d *Device, er *EndpointRing) {
	req := usbproto.SetupData{
		RequestType: usbproto.RecipientEndpoint,
		Request:     usbproto.ClearFeature,
		Value:       usbproto.FeatureEndpointHalt,
		Index:       uint16(er.desc.EndpointAddr),
	}
	_ = c.ControlTransfer(d, req, nil, false)
}

// InterruptTransfer submits a single Normal-type interrupt-IN TRB, used by
// HID boot keyboard/mouse and hub status polling (spec.md §4.9, §4.10,
// §4.7). It does not block: callers poll completion separately via
// PollInterruptCompletion so reports can be consumed from a dispatcher
// poll callback without stalling on hardware.
func (c *Controller) InterruptTransfer(d *Device, er *EndpointRing, bufSize int) (trbPhys uint64, addr uint64, err error) {
	addr, _ = c.mem.Reserve(bufSize, 1)
	if addr == 0 {
		return 0, 0, fmt.Errorf("xhci: interrupt transfer: %w", ErrAllocation)
	}

	trb := TRB{Dword0: uint32(addr), Dword1: uint32(addr >> 32), Dword2: uint32(bufSize), Dword3: trbIOC | trbDirIn}
	trb = withType(trb, TRBTypeNormal)

	phys := er.ring.Enqueue(trb)
	c.RingDoorbell(d.SlotID, uint8(er.dci))

	return phys, addr, nil
}

// PollInterruptCompletion checks (without blocking) whether trbPhys has a
// completion queued, copying the received bytes out of addr's buffer on
// success. ok is false if nothing has completed yet.
func (c *Controller) PollInterruptCompletion(trbPhys uint64, addr uint64, out []byte) (ok bool, err error) {
	c.PollCompletions()

	comp, found := c.completes.pop(TRBTypeTransferEvent, trbPhys)
	if !found {
		return false, nil
	}

	defer c.mem.Release(addr)

	if comp.CompletionCode == CompletionStallError {
		return true, ErrStall
	}

	if comp.CompletionCode != CompletionSuccess && comp.CompletionCode != CompletionShortPacket {
		return true, fmt.Errorf("xhci: interrupt transfer: %w (code %d)", ErrCompletion, comp.CompletionCode)
	}

	c.mem.Read(addr, 0, out)

	return true, nil
}
