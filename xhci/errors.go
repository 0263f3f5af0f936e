// xHCI error kinds
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "errors"

// Sentinel errors matching the kinds from spec.md §7. Callers match with
// errors.Is; richer context is wrapped with fmt.Errorf("...: %w", ErrX).
var (
	ErrAllocation   = errors.New("xhci: allocation failure")
	ErrTimeout      = errors.New("xhci: hardware timeout")
	ErrStall        = errors.New("xhci: endpoint stalled")
	ErrCompletion   = errors.New("xhci: non-success completion code")
	ErrEnumeration  = errors.New("xhci: enumeration failed")
	ErrBadParameter = errors.New("xhci: bad parameter")
	ErrNoDevice     = errors.New("xhci: device not present")
)

// Enumeration failure steps (spec.md §4.6, §7), stored on the device for
// diagnostics.
const (
	EnumErrorNone           = 0
	EnumErrorBusy           = 1
	EnumErrorResetTimeout   = 2
	EnumErrorInvalidSpeed   = 3
	EnumErrorInitState      = 4
	EnumErrorEnableSlot     = 5
	EnumErrorAddressDevice  = 6
	EnumErrorDeviceDesc     = 7
	EnumErrorConfigDesc     = 8
	EnumErrorConfigParse    = 9
	EnumErrorSetConfig      = 10
	EnumErrorHubInit        = 11
)
