// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package latch

import (
	"testing"
	"time"
)

func TestLatchFiresOnceAfterThreshold(t *testing.T) {
	l := New(5 * time.Millisecond)
	l.Arm()

	if l.Expired() {
		t.Fatal("latch must not expire before threshold")
	}

	time.Sleep(10 * time.Millisecond)

	if !l.Expired() {
		t.Fatal("latch must expire after threshold elapses")
	}

	if l.Expired() {
		t.Fatal("latch must only fire once per arm")
	}
}

func TestLatchRearm(t *testing.T) {
	l := New(5 * time.Millisecond)
	l.Arm()

	time.Sleep(10 * time.Millisecond)
	l.Expired()

	l.Arm()

	if l.Expired() {
		t.Fatal("re-arming must reset the fired flag")
	}
}
