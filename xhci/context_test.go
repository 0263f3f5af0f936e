package xhci

import "testing"

func TestDCIControlEndpointIsAlwaysOne(t *testing.T) {
	if got := DCI(0, false); got != 1 {
		t.Fatalf("got DCI(0, false)=%d, want 1", got)
	}

	if got := DCI(0, true); got != 1 {
		t.Fatalf("got DCI(0, true)=%d, want 1", got)
	}
}

func TestDCIDirectionBit(t *testing.T) {
	cases := []struct {
		epNum int
		in    bool
		want  int
	}{
		{1, false, 2},
		{1, true, 3},
		{2, false, 4},
		{2, true, 5},
		{15, true, 31},
	}

	for _, c := range cases {
		if got := DCI(c.epNum, c.in); got != c.want {
			t.Errorf("DCI(%d, %v)=%d, want %d", c.epNum, c.in, got, c.want)
		}
	}
}

func TestContextBytesRoundTrip(t *testing.T) {
	c := newContext(contextSize32)
	c.dw[0] = 0xdeadbeef
	c.dw[7] = 0x01020304

	b := c.bytes()
	if len(b) != contextSize32 {
		t.Fatalf("got len %d, want %d", len(b), contextSize32)
	}

	if got := getU32(b[0:4]); got != 0xdeadbeef {
		t.Fatalf("got dw[0]=%#x", got)
	}

	if got := getU32(b[28:32]); got != 0x01020304 {
		t.Fatalf("got dw[7]=%#x", got)
	}
}

func TestContextBytesIgnoresTailOn32ByteContext(t *testing.T) {
	c := newContext(contextSize32)
	c.dw[8] = 0xffffffff // beyond the 32-byte (8 dword) window

	b := c.bytes()
	if len(b) != contextSize32 {
		t.Fatalf("got len %d, want %d", len(b), contextSize32)
	}
}

func TestInputControlContextAddDropFlags(t *testing.T) {
	c := newInputControlContext(contextSize32)

	c.setAddFlag(1)
	c.setAddFlag(4)
	c.setDropFlag(2)

	wantAdd := uint32(1<<1 | 1<<4)
	if c.dw[1] != wantAdd {
		t.Fatalf("got add flags %#x, want %#x", c.dw[1], wantAdd)
	}

	wantDrop := uint32(1 << 2)
	if c.dw[0] != wantDrop {
		t.Fatalf("got drop flags %#x, want %#x", c.dw[0], wantDrop)
	}
}

func TestBuildSlotContextFields(t *testing.T) {
	c := buildSlotContext(contextSize32, 0, 3, 2, 1, slotContextParams{})

	gotSpeed := uint8((c.dw[0] >> slotSpeedShift) & slotSpeedMask)
	if gotSpeed != 3 {
		t.Fatalf("got speed=%d, want 3", gotSpeed)
	}

	gotEntries := uint8((c.dw[0] >> slotContextEntriesShift) & slotContextEntriesMask)
	if gotEntries != 1 {
		t.Fatalf("got context entries=%d, want 1", gotEntries)
	}

	gotPort := uint8((c.dw[1] >> slotRootHubPortShift) & slotRootHubPortMask)
	if gotPort != 2 {
		t.Fatalf("got root hub port=%d, want 2", gotPort)
	}

	if c.dw[0]&slotHubBit != 0 {
		t.Fatal("expected hub bit clear when params.hub is false")
	}
}

func TestBuildSlotContextHubAndTTFields(t *testing.T) {
	c := buildSlotContext(contextSize32, 0, 3, 2, 1, slotContextParams{
		hub:          true,
		numPorts:     4,
		ttHubSlotID:  7,
		ttPortNumber: 2,
	})

	if c.dw[0]&slotHubBit == 0 {
		t.Fatal("expected hub bit set when params.hub is true")
	}

	gotNumPorts := uint8((c.dw[1] >> slotNumPortsShift) & slotNumPortsMask)
	if gotNumPorts != 4 {
		t.Fatalf("got num ports=%d, want 4", gotNumPorts)
	}

	gotTTHubSlotID := uint8((c.dw[2] >> slotTTHubSlotIDShift) & slotTTHubSlotIDMask)
	if gotTTHubSlotID != 7 {
		t.Fatalf("got TT hub slot id=%d, want 7", gotTTHubSlotID)
	}

	gotTTPortNumber := uint8((c.dw[2] >> slotTTPortNumberShift) & slotTTPortNumberMask)
	if gotTTPortNumber != 2 {
		t.Fatalf("got TT port number=%d, want 2", gotTTPortNumber)
	}
}

func TestBuildEndpointContextFields(t *testing.T) {
	c := buildEndpointContext(contextSize32, EPTypeBulkIn, 512, 0, 0x1000, true, 0)

	gotType := int((c.dw[1] >> epTypeShift) & epTypeMask)
	if gotType != EPTypeBulkIn {
		t.Fatalf("got ep type=%d, want %d", gotType, EPTypeBulkIn)
	}

	gotMaxPacket := uint16(c.dw[1] >> epMaxPacketSizeShift)
	if gotMaxPacket != 512 {
		t.Fatalf("got max packet size=%d, want 512", gotMaxPacket)
	}

	if c.dw[2]&1 == 0 {
		t.Fatal("expected dequeue cycle state bit set")
	}

	if c.dw[2]&^0xf != 0x1000 {
		t.Fatalf("got TR dequeue pointer low dword=%#x", c.dw[2])
	}
}

func TestSlotStateDecode(t *testing.T) {
	c := newContext(contextSize32)
	c.dw[3] = SlotStateConfigured << slotSlotStateShift

	if got := slotState(c); got != SlotStateConfigured {
		t.Fatalf("got slot state=%d, want %d", got, SlotStateConfigured)
	}
}

func TestEndpointStateDecode(t *testing.T) {
	c := newContext(contextSize32)
	c.dw[0] = EPStateRunning

	if got := endpointState(c); got != EPStateRunning {
		t.Fatalf("got endpoint state=%d, want %d", got, EPStateRunning)
	}
}
