// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package devirq

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/usbarmory/xhci/pkg/deferredwork"
)

type fakeIC struct {
	masked map[int]bool
}

func newFakeIC() *fakeIC { return &fakeIC{masked: map[int]bool{}} }

func (f *fakeIC) Program(vector, legacyIRQ, targetCPU int) {}
func (f *fakeIC) Mask(legacyIRQ int)                        { f.masked[legacyIRQ] = true }
func (f *fakeIC) Unmask(legacyIRQ int)                      { f.masked[legacyIRQ] = false }

func newTestRegistry(forcePoll bool) (*Registry, *fakeIC, *deferredwork.Dispatcher) {
	d := deferredwork.New()
	d.Initialize(nil, nil, false, 10*time.Millisecond, 5*time.Millisecond)

	ic := newFakeIC()
	r := New(ic, d, forcePoll, 0x40)

	return r, ic, d
}

func TestAutoDemotionAfterSpuriousThreshold(t *testing.T) {
	r, ic, d := newTestRegistry(false)
	defer d.Shutdown()

	var polls atomic.Int32

	idx, err := r.Register(Registration{
		LegacyIRQ: 5,
		TopHalf:   func(any) bool { return false },
		Poll:      func(any) { polls.Add(1) },
		Name:      "misbehaving",
	})

	if err != nil {
		t.Fatal(err)
	}

	if !r.SlotIsEnabled(idx) {
		t.Fatal("slot should start enabled")
	}

	for i := 0; i < SpuriousThreshold; i++ {
		r.Handler(idx)
	}

	if r.SlotIsEnabled(idx) {
		t.Fatal("slot must be demoted after threshold consecutive vetos")
	}

	if !ic.masked[5] {
		t.Fatal("IRQ must be masked on demotion")
	}

	// a further interrupt after demotion must not increment the counter
	// again or crash.
	r.Handler(idx)

	if r.SlotIsEnabled(idx) {
		t.Fatal("slot must remain demoted")
	}
}

func TestNonVetoResetsSuppressCounter(t *testing.T) {
	r, _, d := newTestRegistry(false)
	defer d.Shutdown()

	var bottomHalfCalls atomic.Int32
	var topHalfCalls int

	// Veto the first SpuriousThreshold-1 interrupts, accept the next one,
	// then veto again.
	idx, err := r.Register(Registration{
		LegacyIRQ: 5,
		TopHalf: func(any) bool {
			topHalfCalls++
			return topHalfCalls == SpuriousThreshold
		},
		BottomHalf: func(any) { bottomHalfCalls.Add(1) },
		Name:       "well-behaved",
	})

	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < SpuriousThreshold-1; i++ {
		r.Handler(idx)
	}

	r.Handler(idx) // schedule bottom half, resets suppress counter

	for i := 0; i < SpuriousThreshold-1; i++ {
		r.Handler(idx)
	}

	if !r.SlotIsEnabled(idx) {
		t.Fatal("slot must stay enabled: non-veto reset the suppress counter")
	}
}

func TestNoLegacyIRQIsAlwaysPollOnly(t *testing.T) {
	r, _, d := newTestRegistry(false)
	defer d.Shutdown()

	idx, err := r.Register(Registration{
		LegacyIRQ: 0,
		TopHalf:   func(any) bool { return true },
		Poll:      func(any) {},
		Name:      "no-irq-device",
	})

	if err != nil {
		t.Fatal(err)
	}

	if r.SlotIsEnabled(idx) {
		t.Fatal("device with LegacyIRQ == 0 must never be armed")
	}
}

func TestTypeTagMismatchSkipsDispatch(t *testing.T) {
	r, _, d := newTestRegistry(false)
	defer d.Shutdown()

	dev := &taggedDevice{tag: 1}
	var called atomic.Bool

	idx, err := r.Register(Registration{
		Device:        dev,
		DeviceTypeTag: 1,
		LegacyIRQ:     7,
		TopHalf:       func(any) bool { return true },
		BottomHalf:    func(any) { called.Store(true) },
		Name:          "freed-between",
	})

	if err != nil {
		t.Fatal(err)
	}

	// simulate the device object being freed and its slot reused by a
	// different logical object before the bottom half runs.
	dev.tag = 2

	r.Handler(idx)
	time.Sleep(20 * time.Millisecond)

	if called.Load() {
		t.Fatal("bottom half must not run against a stale type tag")
	}
}

type taggedDevice struct {
	tag uint32
}

func (t *taggedDevice) InterruptTypeTag() uint32 { return t.tag }
