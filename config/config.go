// Flat configuration store
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config provides a flat, dotted-key configuration store for the
// subsystem's tunables (spec.md §6 "General.Polling",
// "General.DeferredWorkWaitTimeoutMs", "General.DeferredWorkPollDelayMs",
// "General.DeviceInterruptSlots"), in the style of
// jangala-dev-devicecode-go/services/hal/config: typed accessors over a
// generic string-keyed map, with defaults applied when a key is absent.
package config

import (
	"strconv"
	"sync"
	"time"

	"github.com/usbarmory/xhci/kernelapi"
	"github.com/usbarmory/xhci/pkg/deferredwork"
	"github.com/usbarmory/xhci/pkg/devirq"
)

// Store holds configuration values as strings, keyed by dotted name
// (e.g. "General.Polling"). Typed accessors parse on read and fall back to
// the supplied default on a missing or unparseable value.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// String returns the raw string value for key, or def if absent.
func (s *Store) String(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[key]; ok {
		return v
	}

	return def
}

// Bool parses key as a boolean, returning def if absent or unparseable.
func (s *Store) Bool(key string, def bool) bool {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()

	if !ok {
		return def
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}

	return b
}

// Int parses key as an integer, returning def if absent or unparseable.
func (s *Store) Int(key string, def int) int {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()

	if !ok {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}

	return n
}

// DurationMillis parses key as milliseconds and returns a time.Duration, returning
// def if absent or unparseable (spec.md §6's *Ms-suffixed keys).
func (s *Store) DurationMillis(key string, def time.Duration) time.Duration {
	ms := s.Int(key, -1)
	if ms < 0 {
		return def
	}

	return time.Duration(ms) * time.Millisecond
}

// Defaults for the xHCI subsystem's own tunables (spec.md §6, §9 Open
// Questions), applied by callers that construct a Store without an
// external configuration source.
const (
	KeyPolling                   = "General.Polling"
	KeyDeferredWorkWaitTimeoutMs = "General.DeferredWorkWaitTimeoutMs"
	KeyDeferredWorkPollDelayMs   = "General.DeferredWorkPollDelayMs"
	KeyDeviceInterruptSlots      = "General.DeviceInterruptSlots"
)

const (
	DefaultPolling                   = false
	DefaultDeferredWorkWaitTimeoutMs = 50
	DefaultDeferredWorkPollDelayMs   = 5
	DefaultDeviceInterruptSlots      = 16
)

// Polling reports whether the dispatcher should run in pure poll mode
// rather than waiting on the kernel event (spec.md §4.1).
func (s *Store) Polling() bool {
	return s.Bool(KeyPolling, DefaultPolling)
}

// DeferredWorkWaitTimeout is the dispatcher's event-wait timeout before it
// falls back to a poll sweep.
func (s *Store) DeferredWorkWaitTimeout() time.Duration {
	return s.DurationMillis(KeyDeferredWorkWaitTimeoutMs, DefaultDeferredWorkWaitTimeoutMs*time.Millisecond)
}

// DeferredWorkPollDelay is the delay between poll sweeps in polling mode.
func (s *Store) DeferredWorkPollDelay() time.Duration {
	return s.DurationMillis(KeyDeferredWorkPollDelayMs, DefaultDeferredWorkPollDelayMs*time.Millisecond)
}

// DeviceInterruptSlots bounds how many devices may register a hardware
// interrupt vector (spec.md §6); a configured value above pkg/devirq.MaxSlots
// is clamped to MaxSlots.
func (s *Store) DeviceInterruptSlots() int {
	n := s.Int(KeyDeviceInterruptSlots, DefaultDeviceInterruptSlots)
	if n > devirq.MaxSlots {
		return devirq.MaxSlots
	}

	return n
}

// InitializeDispatcher starts d using this store's General.Polling,
// General.DeferredWorkWaitTimeoutMs and General.DeferredWorkPollDelayMs
// values, the single point where spec.md §6's Configuration surface
// actually takes effect on the deferred-work dispatcher.
func (s *Store) InitializeDispatcher(d *deferredwork.Dispatcher, sched kernelapi.Scheduler, event kernelapi.KernelEvent) {
	d.Initialize(sched, event, s.Polling(), s.DeferredWorkWaitTimeout(), s.DeferredWorkPollDelay())
}
