package usbproto

import "testing"

func TestParseDeviceDescriptor(t *testing.T) {
	buf := []byte{
		18, DescDevice,
		0x00, 0x02, // bcdUSB 2.00
		0, 0, 0,
		64,
		0x83, 0x04, // VID 0x0483
		0x50, 0x57, // PID 0x5750
		0x00, 0x02,
		1, 2, 3,
		1,
	}

	d, err := ParseDeviceDescriptor(buf)
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}

	if d.VendorID != 0x0483 || d.ProductID != 0x5750 {
		t.Fatalf("got vendor=%#x product=%#x", d.VendorID, d.ProductID)
	}

	if d.MaxPacketSize0 != 64 || d.NumConfigurations != 1 {
		t.Fatalf("unexpected fields: %+v", d)
	}
}

func TestParseDeviceDescriptorShort(t *testing.T) {
	if _, err := ParseDeviceDescriptor(make([]byte, 10)); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestParseDeviceDescriptorWrongType(t *testing.T) {
	buf := make([]byte, DeviceLength)
	buf[0] = DeviceLength
	buf[1] = DescConfiguration

	if _, err := ParseDeviceDescriptor(buf); err == nil {
		t.Fatal("expected error on wrong descriptor type")
	}
}

func TestParseConfigurationDescriptorWithInterfaceAndEndpoints(t *testing.T) {
	iface := []byte{InterfaceLength, DescInterface, 0, 0, 1, ClassHID, HIDSubclassBoot, HIDProtocolKeyboard, 0}
	ep := []byte{EndpointLength, DescEndpoint, 0x81, 0x03, 0x08, 0x00, 0x0a}

	total := ConfigurationLength + len(iface) + len(ep)

	cfg := []byte{
		ConfigurationLength, DescConfiguration,
		byte(total), byte(total >> 8),
		1,    // NumInterfaces
		1,    // ConfigurationValue
		0,    // Configuration string
		0x80, // Attributes
		50,   // MaxPower
	}

	buf := append(cfg, iface...)
	buf = append(buf, ep...)

	c, err := ParseConfigurationDescriptor(buf)
	if err != nil {
		t.Fatalf("ParseConfigurationDescriptor: %v", err)
	}

	if len(c.Interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(c.Interfaces))
	}

	got := c.Interfaces[0]
	if got.InterfaceClass != ClassHID || got.InterfaceProtocol != HIDProtocolKeyboard {
		t.Fatalf("unexpected interface: %+v", got)
	}

	if len(got.Endpoints) != 1 {
		t.Fatalf("got %d endpoints, want 1", len(got.Endpoints))
	}

	epGot := got.Endpoints[0]
	if !epGot.DirectionIn() || epGot.Number() != 1 {
		t.Fatalf("unexpected endpoint address decode: %+v", epGot)
	}

	if epGot.TransferType() != 3 {
		t.Fatalf("got transfer type %d, want interrupt(3)", epGot.TransferType())
	}

	if epGot.MaxPacketSize != 8 {
		t.Fatalf("got max packet size %d, want 8", epGot.MaxPacketSize)
	}
}

func TestParseConfigurationDescriptorEndpointBeforeInterface(t *testing.T) {
	ep := []byte{EndpointLength, DescEndpoint, 0x81, 0x03, 0x08, 0x00, 0x0a}

	total := ConfigurationLength + len(ep)
	cfg := []byte{
		ConfigurationLength, DescConfiguration,
		byte(total), byte(total >> 8),
		0, 1, 0, 0x80, 50,
	}

	buf := append(cfg, ep...)

	if _, err := ParseConfigurationDescriptor(buf); err == nil {
		t.Fatal("expected error for endpoint descriptor preceding any interface")
	}
}

func TestParseHubDescriptor(t *testing.T) {
	buf := []byte{9, HubDescType, 4, 0x09, 0x00, 50, 0}

	h, err := ParseHubDescriptor(buf)
	if err != nil {
		t.Fatalf("ParseHubDescriptor: %v", err)
	}

	if h.NumPorts != 4 {
		t.Fatalf("got %d ports, want 4", h.NumPorts)
	}
}
