package xhci

import (
	"testing"

	"github.com/usbarmory/xhci/dma"
)

func TestRingEnqueueDequeueRoundTrip(t *testing.T) {
	mem := dma.NewRegion(0x1000, 0x10000)
	ring := NewRing(mem, 4) // 3 usable slots + link

	trb := withType(TRB{Dword0: 0xaabb}, TRBTypeNormal)
	phys := ring.Enqueue(trb)

	if phys != ring.Base() {
		t.Fatalf("got phys %#x, want ring base %#x", phys, ring.Base())
	}

	got, gotPhys, ok := ring.Dequeue()
	if !ok {
		t.Fatal("expected a dequeueable TRB")
	}

	if gotPhys != phys {
		t.Fatalf("dequeue phys %#x != enqueue phys %#x", gotPhys, phys)
	}

	if got.Dword0 != 0xaabb || got.Type() != TRBTypeNormal {
		t.Fatalf("got %+v", got)
	}
}

func TestRingDequeueEmptyReturnsFalse(t *testing.T) {
	mem := dma.NewRegion(0x1000, 0x10000)
	ring := NewRing(mem, 4)

	if _, _, ok := ring.Dequeue(); ok {
		t.Fatal("expected no TRB to be dequeueable on an empty ring")
	}
}

func TestRingWrapsAndTogglesCycle(t *testing.T) {
	mem := dma.NewRegion(0x1000, 0x10000)
	ring := NewRing(mem, 4) // slots 0,1,2 usable, slot 3 (slots-1) is the link TRB

	initialCycle := ring.Cycle()

	// 3 usable slots (0,1,2); the 4th (index 3) is reserved for the link.
	for i := 0; i < 3; i++ {
		ring.Enqueue(withType(TRB{Dword0: uint32(i)}, TRBTypeNormal))
	}

	if ring.Cycle() == initialCycle {
		t.Fatal("expected producer cycle to toggle after wrapping past the link TRB")
	}

	for i := 0; i < 3; i++ {
		trb, _, ok := ring.Dequeue()
		if !ok {
			t.Fatalf("expected TRB %d to be dequeueable", i)
		}
		if trb.Dword0 != uint32(i) {
			t.Fatalf("got Dword0=%d, want %d", trb.Dword0, i)
		}
	}
}
