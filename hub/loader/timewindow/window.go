// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

// Package timewindow computes the half-open query window for the next run
// of a loader. All math happens in UTC; source timezone offsets are the
// query runner's concern.
package timewindow

import (
	"time"
)

// Window is the half-open interval [From, To) a single run queries.
type Window struct {
	From time.Time
	To   time.Time
}

// Duration returns the window length.
func (w Window) Duration() time.Duration { return w.To.Sub(w.From) }

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Compute derives the next window from the loader's watermark.
//
// The lower bound is the watermark when present and not in the future,
// otherwise now-defaultLookback. The upper bound is capped by both
// maxQueryPeriod and now. When the bounds collapse, a minimal one second
// window keeps the watermark monotone; Minimal reports that case so the
// caller can log a warning.
func Compute(watermark *time.Time, maxQueryPeriod, defaultLookback time.Duration, now time.Time) (w Window, minimal bool) {
	now = now.UTC()

	var from time.Time
	if watermark != nil && !watermark.After(now) {
		from = watermark.UTC()
	} else {
		// No watermark, or clock skew put it in the future: treat as first run.
		from = now.Add(-defaultLookback)
	}

	to := from.Add(maxQueryPeriod)
	if to.After(now) {
		to = now
	}

	if !from.Before(to) {
		return Window{From: from, To: from.Add(time.Second)}, true
	}
	return Window{From: from, To: to}, false
}
