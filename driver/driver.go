// Host-side driver-command dispatch surface
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package driver generalizes the PCI-attach-and-function-dispatch contract
// this subsystem is loaded under (spec.md §6 "A PCI attach callback
// returning a device object; driver-command dispatch with operations LOAD,
// UNLOAD, GET_VERSION, GET_CAPS, PROBE, ENUM_NEXT, ENUM_PRETTY, and
// per-class read/write/info/reset operations"), in the style of
// XHCI-Core.c's XHCI_Commands function-code switch.
package driver

import "errors"

// Function identifies a driver-command dispatch operation.
type Function int

// Common functions every driver in this subsystem answers (spec.md §6),
// plus the per-class read/write/info/reset block starting at FuncClassBase.
const (
	FuncLoad Function = iota
	FuncUnload
	FuncGetVersion
	FuncGetCaps
	FuncProbe
	FuncEnumNext
	FuncEnumPretty

	// FuncClassBase is the first function code available to a class
	// driver's own read/write/info/reset operations (keyboard hotkey
	// query, mouse delta/button query, mass-storage read/write/reset).
	FuncClassBase Function = 100
)

// Result is the DF_RETURN_* style status every Command call answers with.
type Result int

const (
	ReturnSuccess Result = iota
	ReturnUnexpected
	ReturnNotImplemented
	ReturnInvalidParameter
)

// ErrNotImplemented is returned by a Handler's default case, matching the
// teacher's fallthrough "return DF_RETURN_NOT_IMPLEMENTED" (spec.md §6).
var ErrNotImplemented = errors.New("driver: function not implemented")

// Version encodes a driver's major.minor version the way MAKE_VERSION does
// in the original driver's GET_VERSION callback.
func Version(major, minor uint8) uint32 {
	return uint32(major)<<8 | uint32(minor)
}

// Handler answers one driver-command dispatch call. Param carries whatever
// input the function needs (a probe descriptor, an enumeration cursor, a
// read/write buffer); Result is nil for functions that return only a
// status.
type Handler interface {
	Command(fn Function, param any) (result any, status Result, err error)
}

// Base implements the handful of functions common to every driver in this
// subsystem (GET_VERSION, GET_CAPS) so individual drivers only need to
// embed it and implement LOAD/UNLOAD/PROBE/class-specific operations.
type Base struct {
	Major, Minor uint8
	Caps         uint32
}

// Command answers FuncGetVersion and FuncGetCaps; every other function
// returns ErrNotImplemented so embedding drivers can fall through to their
// own switch via a type assertion or explicit delegation.
func (b Base) Command(fn Function, param any) (any, Result, error) {
	switch fn {
	case FuncGetVersion:
		return Version(b.Major, b.Minor), ReturnSuccess, nil
	case FuncGetCaps:
		return b.Caps, ReturnSuccess, nil
	default:
		return nil, ReturnNotImplemented, ErrNotImplemented
	}
}
