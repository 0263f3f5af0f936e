// xHCI MMIO register layout
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

// Capability registers, offsets from BAR0 (spec.md §6).
const (
	capCAPLENGTH  = 0x00
	capHCSPARAMS1 = 0x04
	capHCSPARAMS2 = 0x08
	capHCSPARAMS3 = 0x0c
	capHCCPARAMS1 = 0x10
	capDBOFF      = 0x14
	capRTSOFF     = 0x18
	capHCCPARAMS2 = 0x1c
)

const (
	hcsparams1MaxSlotsMask  = 0x000000ff
	hcsparams1MaxIntrsMask  = 0x0007ff00
	hcsparams1MaxIntrsShift = 8
	hcsparams1MaxPortsMask  = 0xff000000
	hcsparams1MaxPortsShift = 24
	hcsparams1PPC           = 0x00000010

	hccparams1AC64 = 0x00000001
	hccparams1CSZ  = 0x00000004
)

// Operational registers, offsets from CAPLENGTH (spec.md §6).
const (
	opUSBCMD   = 0x00
	opUSBSTS   = 0x04
	opPAGESIZE = 0x08
	opDNCTRL   = 0x14
	opCRCR     = 0x18
	opDCBAAP   = 0x30
	opCONFIG   = 0x38

	opPORTSCBase   = 0x400
	opPORTSCStride = 0x10
)

const (
	usbcmdRS    = 0x00000001
	usbcmdHCRST = 0x00000002

	usbstsHCH = 0x00000001
	usbstsHSE = 0x00000004
	usbstsCNR = 0x00000800
)

const (
	portscCCS       = 0x00000001
	portscPED       = 0x00000002
	portscPR        = 0x00000010
	portscPP        = 0x00000200
	portscSpeedMask  = 0x00003c00
	portscSpeedShift = 10
	portscW1CMask    = 0x00fe0000
)

// Runtime registers, offsets from RTSOFF (spec.md §6).
const (
	rtMFINDEX           = 0x00
	rtInterrupterBase   = 0x20
	rtInterrupterStride = 0x20

	irIMAN   = 0x00
	irIMOD   = 0x04
	irERSTSZ = 0x08
	irERSTBA = 0x10
	irERDP   = 0x18
)

const (
	imanIP = 0x00000001
	imanIE = 0x00000002

	erdpEHB = 0x00000008
)

// speed IDs as reported in PORTSC and stored in the slot context
// (xHCI 1.2 table 6-7).
const (
	SpeedFull       = 1
	SpeedLow        = 2
	SpeedHigh       = 3
	SpeedSuper      = 4
	SpeedSuperPlus  = 5
)
