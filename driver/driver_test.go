package driver

import "testing"

func TestVersionEncoding(t *testing.T) {
	if got := Version(1, 2); got != 0x0102 {
		t.Fatalf("got %#x, want 0x0102", got)
	}
}

func TestBaseCommandGetVersion(t *testing.T) {
	b := Base{Major: 3, Minor: 4, Caps: 0xf}

	result, status, err := b.Command(FuncGetVersion, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status != ReturnSuccess {
		t.Fatalf("got status %d, want ReturnSuccess", status)
	}

	if result.(uint32) != Version(3, 4) {
		t.Fatalf("got version %#x", result)
	}
}

func TestBaseCommandGetCaps(t *testing.T) {
	b := Base{Caps: 0xcafe}

	result, status, err := b.Command(FuncGetCaps, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status != ReturnSuccess {
		t.Fatalf("got status %d, want ReturnSuccess", status)
	}

	if result.(uint32) != 0xcafe {
		t.Fatalf("got caps %#x", result)
	}
}

func TestBaseCommandUnknownFunction(t *testing.T) {
	b := Base{}

	_, status, err := b.Command(FuncLoad, nil)
	if err != ErrNotImplemented {
		t.Fatalf("got err %v, want ErrNotImplemented", err)
	}

	if status != ReturnNotImplemented {
		t.Fatalf("got status %d, want ReturnNotImplemented", status)
	}
}
