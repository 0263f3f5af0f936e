package massstorage

import "testing"

func TestCBWLayout(t *testing.T) {
	cb := []byte{scsiInquiry, 0, 0, 0, 36, 0}
	b := cbw(7, 36, true, cb)

	if len(b) != cbwLength {
		t.Fatalf("got len %d, want %d", len(b), cbwLength)
	}

	if got := getU32(b[0:4]); got != cbwSignature {
		t.Fatalf("got signature %#x, want %#x", got, cbwSignature)
	}

	if got := getU32(b[4:8]); got != 7 {
		t.Fatalf("got tag %d, want 7", got)
	}

	if got := getU32(b[8:12]); got != 36 {
		t.Fatalf("got data len %d, want 36", got)
	}

	if b[12] != 0x80 {
		t.Fatalf("got flags %#x, want 0x80 for an IN transfer", b[12])
	}

	if b[14] != byte(len(cb)) {
		t.Fatalf("got cb length %d, want %d", b[14], len(cb))
	}

	for i, v := range cb {
		if b[15+i] != v {
			t.Fatalf("cb byte %d: got %#x, want %#x", i, b[15+i], v)
		}
	}
}

func TestCBWOutDirectionFlagClear(t *testing.T) {
	b := cbw(1, 0, false, []byte{scsiInquiry})

	if b[12] != 0 {
		t.Fatalf("got flags %#x, want 0 for an OUT transfer", b[12])
	}
}

func TestParseCSWSuccess(t *testing.T) {
	b := make([]byte, cswLength)
	putU32(b[0:4], cswSignature)
	putU32(b[4:8], 42)
	b[12] = 0

	status, err := parseCSW(b, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status != 0 {
		t.Fatalf("got status %d, want 0", status)
	}
}

func TestParseCSWTagMismatch(t *testing.T) {
	b := make([]byte, cswLength)
	putU32(b[0:4], cswSignature)
	putU32(b[4:8], 1)

	if _, err := parseCSW(b, 2); err == nil {
		t.Fatal("expected tag mismatch error")
	}
}

func TestParseCSWBadSignature(t *testing.T) {
	b := make([]byte, cswLength)
	putU32(b[0:4], 0)

	if _, err := parseCSW(b, 0); err == nil {
		t.Fatal("expected bad signature error")
	}
}

func TestParseCSWShortBuffer(t *testing.T) {
	if _, err := parseCSW(make([]byte, 4), 0); err == nil {
		t.Fatal("expected short CSW error")
	}
}
