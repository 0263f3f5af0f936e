// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import "testing"

func TestSetClearGet(t *testing.T) {
	s := NewSpace(0, 16)

	s.Set(0, 3)

	if v := s.Get(0, 3, 1); v != 1 {
		t.Fatalf("expected bit 3 set, got %d", v)
	}

	s.Clear(0, 3)

	if v := s.Get(0, 3, 1); v != 0 {
		t.Fatalf("expected bit 3 clear, got %d", v)
	}
}

func TestSetN(t *testing.T) {
	s := NewSpace(0, 16)

	s.Set(0, 0)

	s.SetN(0, 4, 0xf, 0xa)

	if v := s.Get(0, 4, 0xf); v != 0xa {
		t.Fatalf("expected nibble 0xa, got %#x", v)
	}

	if v := s.Get(0, 0, 1); v != 1 {
		t.Fatal("SetN must not disturb unrelated bits")
	}
}

func TestRead64Write64RoundTrip(t *testing.T) {
	s := NewSpace(0, 16)

	want := uint64(0x1122334455667788)
	s.Write64(8, want)

	if got := s.Read64(8); got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestWaitForTimeout(t *testing.T) {
	s := NewSpace(0, 16)

	if s.WaitFor(0, 0, 0, 1, 1) {
		t.Fatal("expected WaitFor to time out when condition never holds")
	}
}

func TestWaitForSucceedsWhenAlreadyTrue(t *testing.T) {
	s := NewSpace(0, 16)
	s.Set(0, 0)

	if !s.WaitFor(0, 0, 0, 1, 1) {
		t.Fatal("expected WaitFor to succeed immediately")
	}
}
