package driver

import (
	"testing"

	"github.com/usbarmory/xhci/usbproto"
	"github.com/usbarmory/xhci/xhci"
)

func TestSummarizeDevice(t *testing.T) {
	d := &xhci.Device{
		SlotID:      5,
		Speed:       3,
		ConfigValue: 1,
		IsHub:       true,
		Descriptor: usbproto.DeviceDescriptor{
			VendorID:  0x1d6b,
			ProductID: 0x0002,
		},
	}

	got := summarize(2, d)

	want := DeviceSummary{
		Port:       2,
		VendorID:   0x1d6b,
		ProductID:  0x0002,
		SlotID:     5,
		Speed:      3,
		IsHub:      true,
		Configured: true,
	}

	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSummarizeUnconfiguredDevice(t *testing.T) {
	d := &xhci.Device{ConfigValue: 0}

	if summarize(0, d).Configured {
		t.Fatal("expected Configured=false when ConfigValue is 0")
	}
}
