// USB descriptor parsing (host side)
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbproto

import "fmt"

// Descriptor lengths in bytes (USB2.0 table 9-8 and friends). Named the
// same as the teacher's gadget-side soc/nxp/usb/descriptor.go constants,
// since they describe the identical wire layout read in reverse.
const (
	DeviceLength        = 18
	ConfigurationLength = 9
	InterfaceLength     = 9
	EndpointLength      = 7
	HubLength           = 9
)

// DeviceDescriptor is the decoded form of a GET_DESCRIPTOR(Device) reply
// (USB2.0 table 9-8).
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USB               uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes buf into a DeviceDescriptor. buf must be at
// least DeviceLength bytes.
func ParseDeviceDescriptor(buf []byte) (d DeviceDescriptor, err error) {
	if len(buf) < DeviceLength {
		return d, fmt.Errorf("usbproto: short device descriptor (%d bytes)", len(buf))
	}

	d.Length = buf[0]
	d.DescriptorType = buf[1]
	d.USB = le16(buf[2:4])
	d.DeviceClass = buf[4]
	d.DeviceSubClass = buf[5]
	d.DeviceProtocol = buf[6]
	d.MaxPacketSize0 = buf[7]
	d.VendorID = le16(buf[8:10])
	d.ProductID = le16(buf[10:12])
	d.Device = le16(buf[12:14])
	d.Manufacturer = buf[14]
	d.Product = buf[15]
	d.SerialNumber = buf[16]
	d.NumConfigurations = buf[17]

	if d.DescriptorType != DescDevice {
		return d, fmt.Errorf("usbproto: unexpected descriptor type %#x, want device", d.DescriptorType)
	}

	return d, nil
}

// ConfigurationDescriptor is the decoded configuration descriptor together
// with the interfaces and endpoints parsed out of the rest of the
// GET_DESCRIPTOR(Configuration) reply (spec.md §6 "configuration descriptor
// fetch/parse").
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []InterfaceDescriptor
}

// InterfaceDescriptor is one parsed interface descriptor together with the
// endpoint descriptors that follow it until the next interface or the end
// of the configuration.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	Endpoints []EndpointDescriptor
}

// EndpointDescriptor is one parsed endpoint descriptor (USB2.0 table 9-13).
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
}

// Number returns the endpoint number (bits 0-3 of EndpointAddr).
func (e EndpointDescriptor) Number() int {
	return int(e.EndpointAddr & 0x0f)
}

// DirectionIn reports whether the endpoint is device-to-host.
func (e EndpointDescriptor) DirectionIn() bool {
	return e.EndpointAddr&0x80 != 0
}

// TransferType returns bits 0-1 of Attributes (0=control 1=isochronous
// 2=bulk 3=interrupt, USB2.0 table 9-13).
func (e EndpointDescriptor) TransferType() int {
	return int(e.Attributes & 0x03)
}

// ParseConfigurationDescriptor decodes a full GET_DESCRIPTOR(Configuration)
// reply: the 9-byte configuration descriptor followed by a packed run of
// interface/endpoint/class-specific descriptors, walked by descriptor
// length/type exactly as the device emitted them (spec.md §6). Unknown or
// class-specific descriptors encountered between interface and endpoint
// descriptors are skipped; they are not surfaced to callers at this layer.
func ParseConfigurationDescriptor(buf []byte) (c ConfigurationDescriptor, err error) {
	if len(buf) < ConfigurationLength {
		return c, fmt.Errorf("usbproto: short configuration descriptor (%d bytes)", len(buf))
	}

	c.Length = buf[0]
	c.DescriptorType = buf[1]
	c.TotalLength = le16(buf[2:4])
	c.NumInterfaces = buf[4]
	c.ConfigurationValue = buf[5]
	c.Configuration = buf[6]
	c.Attributes = buf[7]
	c.MaxPower = buf[8]

	if c.DescriptorType != DescConfiguration {
		return c, fmt.Errorf("usbproto: unexpected descriptor type %#x, want configuration", c.DescriptorType)
	}

	total := int(c.TotalLength)
	if total > len(buf) {
		total = len(buf)
	}

	var cur *InterfaceDescriptor

	off := int(c.Length)
	for off+2 <= total {
		dlen := int(buf[off])
		dtyp := buf[off+1]

		if dlen < 2 || off+dlen > total {
			break
		}

		switch dtyp {
		case DescInterface:
			if dlen < InterfaceLength {
				return c, fmt.Errorf("usbproto: short interface descriptor at offset %d", off)
			}

			iface := InterfaceDescriptor{
				Length:            buf[off],
				DescriptorType:    buf[off+1],
				InterfaceNumber:   buf[off+2],
				AlternateSetting:  buf[off+3],
				NumEndpoints:      buf[off+4],
				InterfaceClass:    buf[off+5],
				InterfaceSubClass: buf[off+6],
				InterfaceProtocol: buf[off+7],
				Interface:         buf[off+8],
			}

			c.Interfaces = append(c.Interfaces, iface)
			cur = &c.Interfaces[len(c.Interfaces)-1]

		case DescEndpoint:
			if dlen < EndpointLength {
				return c, fmt.Errorf("usbproto: short endpoint descriptor at offset %d", off)
			}

			if cur == nil {
				return c, fmt.Errorf("usbproto: endpoint descriptor at offset %d precedes any interface", off)
			}

			ep := EndpointDescriptor{
				Length:         buf[off],
				DescriptorType: buf[off+1],
				EndpointAddr:   buf[off+2],
				Attributes:     buf[off+3],
				MaxPacketSize:  le16(buf[off+4 : off+6]),
				Interval:       buf[off+6],
			}

			cur.Endpoints = append(cur.Endpoints, ep)
		}

		off += dlen
	}

	return c, nil
}

// HubDescriptor is the decoded class-specific hub descriptor (USB2.0 table
// 11-13, trimmed to the fixed-size prefix this driver needs).
type HubDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	NumPorts         uint8
	Characteristics  uint16
	PowerOnToGood    uint8 // in 2ms units
	MaxPower         uint8
}

// ParseHubDescriptor decodes the fixed-size prefix of a hub descriptor; the
// variable-length DeviceRemovable/PortPwrCtrlMask bitmaps that follow are
// not needed by this driver (spec.md's hub module only power-cycles and
// resets ports, it does not track the removable bitmap).
func ParseHubDescriptor(buf []byte) (h HubDescriptor, err error) {
	if len(buf) < 7 {
		return h, fmt.Errorf("usbproto: short hub descriptor (%d bytes)", len(buf))
	}

	h.Length = buf[0]
	h.DescriptorType = buf[1]
	h.NumPorts = buf[2]
	h.Characteristics = le16(buf[3:5])
	h.PowerOnToGood = buf[5]
	h.MaxPower = buf[6]

	return h, nil
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
