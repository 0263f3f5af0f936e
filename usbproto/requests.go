// USB control request wire format (host side)
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbproto holds the USB 2.0 wire-protocol constants and descriptor
// layouts this subsystem needs as a host: standard/hub/HID requests and
// descriptor parsing (spec.md §6). It mirrors the gadget-side descriptor
// package the teacher ships in soc/nxp/usb, read in the opposite direction
// (decode bytes into structs instead of encode structs into bytes).
package usbproto

// Setup packet bmRequestType bit layout (USB2.0 table 9-2).
const (
	ReqDirIn     = 1 << 7
	ReqTypeClass = 1 << 5
	RecipientInterface = 1
	RecipientEndpoint  = 2
	RecipientOther     = 3
)

// Standard request codes (USB2.0 table 9-4).
const (
	GetStatus        = 0
	ClearFeature     = 1
	SetFeature       = 3
	SetAddress       = 5
	GetDescriptor    = 6
	SetDescriptor    = 7
	GetConfiguration = 8
	SetConfiguration = 9
	GetInterface     = 10
	SetInterface     = 11
)

// Standard descriptor types (USB2.0 table 9-5).
const (
	DescDevice        = 1
	DescConfiguration = 2
	DescString        = 3
	DescInterface     = 4
	DescEndpoint      = 5
)

// Standard feature selectors (USB2.0 table 9-6).
const (
	FeatureEndpointHalt = 0
)

// Hub class requests and feature selectors (USB2.0 table 11-16/17).
const (
	HubDescType = 0x29
	HubDescTypeSS = 0x2a

	PortFeatureConnection = 0
	PortFeatureEnable     = 1
	PortFeatureReset      = 4
	PortFeaturePower      = 8

	PortFeatureCConnection = 16
	PortFeatureCEnable     = 17
	PortFeatureCReset      = 20
)

// Hub port status/change bits (USB2.0 table 11-21).
const (
	PortStatusConnection = 0x0001
	PortStatusEnable     = 0x0002
	PortStatusReset      = 0x0010
	PortStatusPower      = 0x0100
	PortStatusLowSpeed   = 0x0200
	PortStatusHighSpeed  = 0x0400

	PortChangeConnection = 0x0001
	PortChangeEnable     = 0x0002
	PortChangeReset      = 0x0010
)

// HID class requests (spec.md §6).
const (
	HIDSetProtocol = 0x0b
	HIDSetIdle     = 0x0a

	HIDProtocolBoot = 0
)

// USB device/interface class codes used for detection.
const (
	ClassHub         = 0x09
	ClassHID         = 0x03
	ClassMassStorage = 0x08

	HIDSubclassBoot         = 0x01
	HIDProtocolKeyboard     = 0x01
	HIDProtocolMouse        = 0x02
	MassStorageSubclassSCSI = 0x06
	MassStorageProtocolBOT  = 0x50
)

// SetupData is the 8-byte USB control Setup packet (USB2.0 table 9-2).
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Bytes encodes the setup packet for a Setup-stage TRB's immediate data.
func (s SetupData) Bytes() []byte {
	b := make([]byte, 8)
	b[0] = s.RequestType
	b[1] = s.Request
	b[2] = byte(s.Value)
	b[3] = byte(s.Value >> 8)
	b[4] = byte(s.Index)
	b[5] = byte(s.Index >> 8)
	b[6] = byte(s.Length)
	b[7] = byte(s.Length >> 8)
	return b
}

// StandardDeviceRequest builds a standard device-recipient request.
func StandardDeviceRequest(dirIn bool, request uint8, value, index, length uint16) SetupData {
	rt := uint8(0)
	if dirIn {
		rt |= ReqDirIn
	}
	return SetupData{RequestType: rt, Request: request, Value: value, Index: index, Length: length}
}

// ClassRequest builds a class-recipient request (hub ports, HID boot
// protocol) with the given recipient bits ORed in.
func ClassRequest(dirIn bool, recipient uint8, request uint8, value, index, length uint16) SetupData {
	rt := ReqTypeClass | recipient
	if dirIn {
		rt |= ReqDirIn
	}
	return SetupData{RequestType: uint8(rt), Request: request, Value: value, Index: index, Length: length}
}
