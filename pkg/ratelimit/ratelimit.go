// Diagnostic log rate limiting
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ratelimit wraps golang.org/x/time/rate behind the narrow
// kernelapi.RateLimiter surface this subsystem needs: per spec.md §4.6 and
// §6, enumeration failures and host-system-error snapshots must be logged
// at most once per port/controller over a bounded window, not once per
// retry.
package ratelimit

import "golang.org/x/time/rate"

// Limiter allows up to burst events immediately, then refills at a fixed
// number of events per second.
type Limiter struct {
	l *rate.Limiter
}

// New returns a Limiter permitting burst immediate events and then
// refilling at interval events per second (the value is passed to
// rate.Limit as is, so Once(window) passes 1/window).
func New(interval float64, burst int) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Limit(interval), burst)}
}

// Allow reports whether an event may be logged right now, consuming a token
// if so.
func (r *Limiter) Allow() bool {
	return r.l.Allow()
}

// Once returns a Limiter that fires exactly once per duration window — the
// shape spec.md calls for ("one rate-limited diagnostic per root port").
func Once(window float64) *Limiter {
	return New(1.0/window, 1)
}
