// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package deferredwork

import (
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(polling bool) *Dispatcher {
	d := New()
	d.Initialize(nil, nil, polling, 10*time.Millisecond, 5*time.Millisecond)
	return d
}

func TestRegisterRejectsNoCallbacks(t *testing.T) {
	d := newTestDispatcher(false)
	defer d.Shutdown()

	if _, err := d.Register(nil, nil, "nothing"); err == nil {
		t.Fatal("expected error registering with no callbacks")
	}
}

func TestSignalInvokesWorkOnce(t *testing.T) {
	d := newTestDispatcher(false)
	defer d.Shutdown()

	var n atomic.Int32
	h, err := d.Register(func() { n.Add(1) }, nil, "counter")

	if err != nil {
		t.Fatal(err)
	}

	d.Signal(h)

	deadline := time.After(500 * time.Millisecond)
	for n.Load() != 1 {
		select {
		case <-deadline:
			t.Fatalf("work callback invoked %d times, want 1", n.Load())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSignalKTimesInvokesKTimes(t *testing.T) {
	d := newTestDispatcher(false)
	defer d.Shutdown()

	var n atomic.Int32
	h, _ := d.Register(func() { n.Add(1) }, nil, "counter")

	const K = 12

	for i := 0; i < K; i++ {
		d.Signal(h)
	}

	deadline := time.After(500 * time.Millisecond)
	for n.Load() != K {
		select {
		case <-deadline:
			t.Fatalf("work callback invoked %d times, want %d", n.Load(), K)
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPollingModeInvokesPollRepeatedly(t *testing.T) {
	d := newTestDispatcher(true)
	defer d.Shutdown()

	var n atomic.Int32
	_, err := d.RegisterPollOnly(func() { n.Add(1) }, "poller")

	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)

	if n.Load() < 2 {
		t.Fatalf("expected poll callback invoked multiple times in polling mode, got %d", n.Load())
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	d := newTestDispatcher(false)
	defer d.Shutdown()

	var n atomic.Int32
	h, _ := d.Register(func() { n.Add(1) }, nil, "counter")

	if err := d.Unregister(h); err != nil {
		t.Fatal(err)
	}

	d.Signal(h)
	time.Sleep(20 * time.Millisecond)

	if n.Load() != 0 {
		t.Fatalf("unregistered item must not be invoked, got %d calls", n.Load())
	}
}
