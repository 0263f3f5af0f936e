// xHCI Transfer Request Block encoding
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

// TRB types (spec.md §6, xHCI 1.2 table 6-91).
const (
	TRBTypeNormal                 = 1
	TRBTypeSetupStage             = 2
	TRBTypeDataStage              = 3
	TRBTypeStatusStage            = 4
	TRBTypeLink                   = 6
	TRBTypeEnableSlot             = 9
	TRBTypeDisableSlot            = 10
	TRBTypeAddressDevice          = 11
	TRBTypeConfigureEndpoint      = 12
	TRBTypeEvaluateContext        = 13
	TRBTypeResetEndpoint          = 14
	TRBTypeStopEndpoint           = 15
	TRBTypeTransferEvent          = 32
	TRBTypeCommandCompletionEvent = 33
)

// Completion codes (xHCI 1.2 table 6-95), the subset this driver acts on.
const (
	CompletionInvalid      = 0
	CompletionSuccess      = 1
	CompletionDataBufError = 2
	CompletionBabbleError  = 3
	CompletionStallError   = 6
	CompletionShortPacket  = 13
	CompletionCommandAbort = 24
	// CompletionTimeout is synthesized locally, not a real controller
	// code, returned by WaitFor*Completion when the budget expires
	// (spec.md §5 "a distinguished 'timeout' completion code").
	CompletionTimeout = 0xff
)

// TRB bit positions within Dword3 (the control dword), common to all types.
const (
	trbCycle        = 1 << 0
	trbToggleCycle  = 1 << 1
	trbIOC          = 1 << 5
	trbIDT          = 1 << 6
	trbTypeShift    = 10
	trbTypeMask     = 0x3f
	trbDirIn        = 1 << 16 // Setup stage TRT bit 16 / transfer TRB direction bit, context dependent
)

// TRB is the 16-byte, four-dword ring entry shared by command, event and
// transfer rings (spec.md §3 "TRB Ring").
type TRB struct {
	Dword0 uint32
	Dword1 uint32
	Dword2 uint32
	Dword3 uint32
}

// Type returns the TRB type field from Dword3.
func (t TRB) Type() int {
	return int((t.Dword3 >> trbTypeShift) & trbTypeMask)
}

// Cycle returns the TRB's cycle bit.
func (t TRB) Cycle() bool {
	return t.Dword3&trbCycle != 0
}

// withType returns a copy of t with the type field set, used when building
// TRBs before enqueueing (the cycle bit is filled in by the ring, per
// spec.md §4.4: "the caller supplies a TRB with its type and flags
// pre-filled except for the cycle bit").
func withType(trb TRB, typ int) TRB {
	trb.Dword3 = (trb.Dword3 &^ (trbTypeMask << trbTypeShift)) | (uint32(typ&trbTypeMask) << trbTypeShift)
	return trb
}

// Bytes encodes a TRB into its 16-byte little-endian wire form.
func (t TRB) Bytes() []byte {
	b := make([]byte, 16)
	putU32(b[0:4], t.Dword0)
	putU32(b[4:8], t.Dword1)
	putU32(b[8:12], t.Dword2)
	putU32(b[12:16], t.Dword3)
	return b
}

// TRBFromBytes decodes a 16-byte TRB.
func TRBFromBytes(b []byte) TRB {
	return TRB{
		Dword0: getU32(b[0:4]),
		Dword1: getU32(b[4:8]),
		Dword2: getU32(b[8:12]),
		Dword3: getU32(b[12:16]),
	}
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

// linkTRB builds the terminal link TRB for a ring: points back to ringBase
// with the current cycle bit and the toggle-cycle bit set (spec.md §3, §9
// "Cycle-bit discipline").
func linkTRB(ringBase uint64, cycle bool) TRB {
	t := TRB{
		Dword0: uint32(ringBase),
		Dword1: uint32(ringBase >> 32),
	}

	t.Dword3 = trbToggleCycle
	if cycle {
		t.Dword3 |= trbCycle
	}

	t = withType(t, TRBTypeLink)

	return t
}
