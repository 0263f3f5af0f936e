package config

import (
	"testing"
	"time"

	"github.com/usbarmory/xhci/pkg/deferredwork"
)

func TestDefaultsWhenAbsent(t *testing.T) {
	s := New()

	if s.Polling() != DefaultPolling {
		t.Fatalf("got polling=%v", s.Polling())
	}

	if s.DeferredWorkWaitTimeout() != DefaultDeferredWorkWaitTimeoutMs*time.Millisecond {
		t.Fatalf("got wait timeout=%v", s.DeferredWorkWaitTimeout())
	}

	if s.DeviceInterruptSlots() != DefaultDeviceInterruptSlots {
		t.Fatalf("got slots=%d", s.DeviceInterruptSlots())
	}
}

func TestSetOverridesDefault(t *testing.T) {
	s := New()
	s.Set(KeyPolling, "true")
	s.Set(KeyDeviceInterruptSlots, "4")

	if !s.Polling() {
		t.Fatal("expected polling=true after Set")
	}

	if got := s.DeviceInterruptSlots(); got != 4 {
		t.Fatalf("got slots=%d", got)
	}
}

func TestUnparseableFallsBackToDefault(t *testing.T) {
	s := New()
	s.Set(KeyDeviceInterruptSlots, "not-a-number")

	if got := s.DeviceInterruptSlots(); got != DefaultDeviceInterruptSlots {
		t.Fatalf("got slots=%d, want default", got)
	}
}

func TestInitializeDispatcherAppliesPollingMode(t *testing.T) {
	s := New()
	s.Set(KeyPolling, "true")
	s.Set(KeyDeferredWorkPollDelayMs, "1")

	d := deferredwork.New()
	s.InitializeDispatcher(d, nil, nil)
	defer d.Shutdown()

	if !d.IsPollingMode() {
		t.Fatal("expected dispatcher to start in polling mode")
	}
}
