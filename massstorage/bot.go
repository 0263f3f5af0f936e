// Mass storage (Bulk-Only Transport, read-only)
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package massstorage implements the USB Mass Storage Bulk-Only Transport
// class driver: CBW/CSW framing, the SCSI command subset this subsystem
// needs (INQUIRY, READ CAPACITY(10), READ(10)), and reset recovery
// (spec.md §4.8). Writable mass storage is explicitly out of scope.
package massstorage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/usbarmory/xhci/usbproto"
	"github.com/usbarmory/xhci/xhci"
)

// Bulk-Only Transport framing constants (spec.md §6).
const (
	cbwSignature = 0x43425355 // "USBC"
	cswSignature = 0x53425355 // "USBS"
	cbwLength    = 31
	cswLength    = 13

	scsiInquiry      = 0x12
	scsiReadCapacity = 0x25
	scsiRead10       = 0x28

	requestBOTReset = 0xff
)

var (
	// ErrNoPermission is returned by Write (always; the driver is
	// deliberately read-only, spec.md §1 Non-goals).
	ErrNoPermission = errors.New("massstorage: no permission")
	// ErrBadParameter is returned for an out-of-range read request
	// (spec.md §8 "rejected with bad-parameter before any bulk transfer
	// is issued").
	ErrBadParameter = errors.New("massstorage: bad parameter")
	// ErrNoDevice is returned once the underlying USB device has
	// disappeared (spec.md §7 "No device").
	ErrNoDevice = errors.New("massstorage: device not present")
)

// bulkTransporter is the slice of *xhci.Controller this package depends on,
// narrowed for testability.
type bulkTransporter interface {
	BulkTransfer(d *xhci.Device, er *xhci.EndpointRing, buf []byte, in bool) error
	ControlTransfer(d *xhci.Device, setup usbproto.SetupData, data []byte, in bool) error
}

// Disk is one detected mass-storage LUN (spec.md §3 "Mass-Storage Device").
// Multi-LUN devices are out of scope; one Disk models LUN 0 of one
// interface.
type Disk struct {
	mu sync.Mutex

	ctrl      bulkTransporter
	device    *xhci.Device
	bulkIn    *xhci.EndpointRing
	bulkOut   *xhci.EndpointRing
	ifaceNum  uint8
	tag       atomic.Uint32
	ioBuf     []byte

	BlockCount uint32
	BlockSize  uint32

	Ready          bool
	ReferencesHeld bool
}

// Detect scans cfg's interfaces for a Bulk-Only Transport mass-storage
// interface (class 0x08, subclass 0x06, protocol 0x50) with both a bulk IN
// and bulk OUT endpoint, configures both endpoints on the controller, and
// returns nil if none is found (spec.md §4.8 "Detection").
func Detect(ctrl *xhci.Controller, d *xhci.Device, cfg usbproto.ConfigurationDescriptor) (*Disk, error) {
	for _, iface := range cfg.Interfaces {
		if iface.InterfaceClass != usbproto.ClassMassStorage ||
			iface.InterfaceSubClass != usbproto.MassStorageSubclassSCSI ||
			iface.InterfaceProtocol != usbproto.MassStorageProtocolBOT {
			continue
		}

		var inEP, outEP *usbproto.EndpointDescriptor
		for i := range iface.Endpoints {
			ep := &iface.Endpoints[i]
			if ep.TransferType() != 2 { // bulk
				continue
			}
			if ep.DirectionIn() {
				inEP = ep
			} else {
				outEP = ep
			}
		}

		if inEP == nil || outEP == nil {
			continue
		}

		inRing, err := ctrl.ConfigureEndpoint(d, *inEP)
		if err != nil {
			return nil, fmt.Errorf("massstorage: configure bulk in: %w", err)
		}

		outRing, err := ctrl.ConfigureEndpoint(d, *outEP)
		if err != nil {
			return nil, fmt.Errorf("massstorage: configure bulk out: %w", err)
		}

		disk := &Disk{
			ctrl:     ctrl,
			device:   d,
			bulkIn:   inRing,
			bulkOut:  outRing,
			ifaceNum: iface.InterfaceNumber,
			ioBuf:    make([]byte, 4096),
		}

		if err := disk.inquiry(); err != nil {
			return nil, fmt.Errorf("massstorage: inquiry: %w", err)
		}

		if err := disk.readCapacity(); err != nil {
			return nil, fmt.Errorf("massstorage: read capacity: %w", err)
		}

		disk.Ready = true
		disk.ReferencesHeld = true
		d.HoldReference()

		return disk, nil
	}

	return nil, nil
}

func (d *Disk) nextTag() uint32 {
	return d.tag.Add(1)
}

// cbw builds the 31-byte Command Block Wrapper for cb (spec.md §6).
func cbw(tag, dataLen uint32, in bool, cb []byte) []byte {
	b := make([]byte, cbwLength)
	putU32(b[0:4], cbwSignature)
	putU32(b[4:8], tag)
	putU32(b[8:12], dataLen)

	if in {
		b[12] = 0x80
	}

	b[13] = 0 // LUN
	b[14] = byte(len(cb))
	copy(b[15:], cb)

	return b
}

func parseCSW(b []byte, wantTag uint32) (status uint8, err error) {
	if len(b) < cswLength {
		return 0, fmt.Errorf("massstorage: short CSW (%d bytes)", len(b))
	}

	sig := getU32(b[0:4])
	if sig != cswSignature {
		return 0, fmt.Errorf("massstorage: bad CSW signature %#x", sig)
	}

	tag := getU32(b[4:8])
	if tag != wantTag {
		return 0, fmt.Errorf("massstorage: CSW tag mismatch: got %d want %d", tag, wantTag)
	}

	return b[12], nil
}

// runCommand executes one BOT transaction: CBW out, optional data stage,
// CSW in (spec.md §4.8).
func (d *Disk) runCommand(cb []byte, data []byte, dataIn bool) error {
	tag := d.nextTag()

	out := cbw(tag, uint32(len(data)), dataIn, cb)
	if err := d.ctrl.BulkTransfer(d.device, d.bulkOut, out, false); err != nil {
		return fmt.Errorf("massstorage: cbw: %w", err)
	}

	if len(data) > 0 {
		ring := d.bulkOut
		if dataIn {
			ring = d.bulkIn
		}

		if err := d.ctrl.BulkTransfer(d.device, ring, data, dataIn); err != nil {
			return fmt.Errorf("massstorage: data stage: %w", err)
		}
	}

	cswBuf := make([]byte, cswLength)
	if err := d.ctrl.BulkTransfer(d.device, d.bulkIn, cswBuf, true); err != nil {
		return fmt.Errorf("massstorage: csw: %w", err)
	}

	status, err := parseCSW(cswBuf, tag)
	if err != nil {
		return err
	}

	if status != 0 {
		return fmt.Errorf("massstorage: command failed, CSW status %d", status)
	}

	return nil
}

// runCommandWithRecovery runs cb, escalating to BOT reset recovery and
// retrying once on failure (spec.md §4.8/§5 "escalates to BOT reset recovery
// after a bulk-transfer timeout and retries the command").
func (d *Disk) runCommandWithRecovery(cb []byte, data []byte, dataIn bool) error {
	if err := d.runCommand(cb, data, dataIn); err != nil {
		d.resetRecovery()
		return d.runCommand(cb, data, dataIn)
	}

	return nil
}

func (d *Disk) inquiry() error {
	cb := make([]byte, 6)
	cb[0] = scsiInquiry
	cb[4] = 36

	buf := make([]byte, 36)

	return d.runCommandWithRecovery(cb, buf, true)
}

func (d *Disk) readCapacity() error {
	cb := make([]byte, 10)
	cb[0] = scsiReadCapacity

	buf := make([]byte, 8)
	if err := d.runCommandWithRecovery(cb, buf, true); err != nil {
		return err
	}

	lastLBA := getU32BE(buf[0:4])
	blockSize := getU32BE(buf[4:8])

	if blockSize != 512 && blockSize != 4096 {
		return fmt.Errorf("massstorage: unsupported block size %d", blockSize)
	}

	if lastLBA == 0xffffffff {
		return fmt.Errorf("massstorage: read capacity(10) insufficient, >2TiB device unsupported")
	}

	d.BlockSize = blockSize
	d.BlockCount = lastLBA + 1

	return nil
}

// Read issues SCSI READ(10) for numSectors sectors starting at lba,
// clamped to at most one page per command and looped for larger requests
// (spec.md §4.8, §8 "clamped to ≤ one page of data per command; larger host
// reads are issued in a loop").
func (d *Disk) Read(lba uint32, numSectors uint32, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.Ready {
		return ErrNoDevice
	}

	if uint64(lba)+uint64(numSectors) > uint64(d.BlockCount) {
		return ErrBadParameter
	}

	maxSectorsPerCmd := uint32(len(d.ioBuf)) / d.BlockSize
	if maxSectorsPerCmd == 0 {
		maxSectorsPerCmd = 1
	}

	off := 0
	for remaining := numSectors; remaining > 0; {
		n := remaining
		if n > maxSectorsPerCmd {
			n = maxSectorsPerCmd
		}

		cb := make([]byte, 10)
		cb[0] = scsiRead10
		putU32BE(cb[2:6], lba)
		cb[7] = byte(n >> 8)
		cb[8] = byte(n)

		size := int(n * d.BlockSize)
		buf := d.ioBuf[:size]

		if err := d.runCommandWithRecovery(cb, buf, true); err != nil {
			return fmt.Errorf("massstorage: read(10): %w", err)
		}

		copy(out[off:off+size], buf)

		off += size
		lba += n
		remaining -= n
	}

	return nil
}

// Write always fails: the BOT driver is deliberately read-only (spec.md §1
// Non-goals "writable mass storage").
func (d *Disk) Write(lba uint32, numSectors uint32, data []byte) error {
	return ErrNoPermission
}

// resetRecovery issues the BOT class-specific reset (request 0xFF on the
// interface) (spec.md §4.8 "Hard failures trigger BOT reset recovery"). It
// does not clear halt on the bulk endpoints; only the reset request is sent.
func (d *Disk) resetRecovery() {
	req := usbproto.ClassRequest(false, usbproto.RecipientInterface, requestBOTReset, 0, uint16(d.ifaceNum), 0)
	_ = d.ctrl.ControlTransfer(d.device, req, nil, false)
}

// Revalidate checks the underlying device is still present; callers (the
// presence loop) use this to trigger unmount on disappearance (spec.md §3
// "ready && device still present is revalidated before every SCSI
// command").
func (d *Disk) Revalidate() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.device.Present {
		d.Ready = false
		return false
	}

	return true
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putU32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32BE(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
