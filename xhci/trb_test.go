package xhci

import "testing"

func TestTRBTypeRoundTrip(t *testing.T) {
	trb := withType(TRB{Dword0: 0x1234}, TRBTypeEnableSlot)

	if trb.Type() != TRBTypeEnableSlot {
		t.Fatalf("got type %d", trb.Type())
	}

	if trb.Dword0 != 0x1234 {
		t.Fatalf("withType clobbered Dword0: %#x", trb.Dword0)
	}
}

func TestTRBBytesRoundTrip(t *testing.T) {
	trb := TRB{Dword0: 1, Dword1: 2, Dword2: 3, Dword3: 4}

	got := TRBFromBytes(trb.Bytes())
	if got != trb {
		t.Fatalf("got %+v, want %+v", got, trb)
	}
}

func TestLinkTRBSetsToggleAndCycle(t *testing.T) {
	trb := linkTRB(0x1000, true)

	if trb.Type() != TRBTypeLink {
		t.Fatalf("got type %d", trb.Type())
	}

	if !trb.Cycle() {
		t.Fatal("expected cycle bit set")
	}

	if trb.Dword3&trbToggleCycle == 0 {
		t.Fatal("expected toggle-cycle bit set")
	}

	if trb.Dword0 != 0x1000 {
		t.Fatalf("got link target %#x", trb.Dword0)
	}
}
