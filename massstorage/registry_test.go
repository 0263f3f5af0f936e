package massstorage

import (
	"testing"

	"github.com/usbarmory/xhci/xhci"
)

type fakeBus struct {
	events []string
}

func (f *fakeBus) Broadcast(event string, data any) {
	f.events = append(f.events, event)
}

func TestRegistryAddBroadcastsMount(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(bus)

	d := &Disk{device: &xhci.Device{Present: true}, Ready: true}
	r.Add(d)

	if r.Count() != 1 {
		t.Fatalf("got count %d, want 1", r.Count())
	}

	if len(bus.events) != 1 || bus.events[0] != EventMounted {
		t.Fatalf("got events %v, want [%s]", bus.events, EventMounted)
	}
}

func TestRegistryPollUnmountsOnDeviceAbsence(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(bus)

	dev := &xhci.Device{Present: true}
	dev.HoldReference()

	r.Add(&Disk{device: dev, Ready: true})

	dev.Present = false
	r.Poll()

	if r.Count() != 0 {
		t.Fatalf("got count %d, want 0 after disappearance", r.Count())
	}

	if len(bus.events) != 2 || bus.events[1] != EventUnmounted {
		t.Fatalf("got events %v, want [%s %s]", bus.events, EventMounted, EventUnmounted)
	}
}

func TestRegistryPollKeepsPresentDisk(t *testing.T) {
	bus := &fakeBus{}
	r := NewRegistry(bus)

	r.Add(&Disk{device: &xhci.Device{Present: true}, Ready: true})
	r.Poll()

	if r.Count() != 1 {
		t.Fatalf("got count %d, want 1", r.Count())
	}

	if len(bus.events) != 1 {
		t.Fatalf("got events %v, want only the mount event", bus.events)
	}
}
