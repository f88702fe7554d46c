// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package timewindow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalhub/signalhub/hub/loader/timewindow"
)

var now = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func TestComputeFirstRun(t *testing.T) {
	w, minimal := timewindow.Compute(nil, time.Hour, 24*time.Hour, now)
	require.False(t, minimal)
	require.Equal(t, now.Add(-24*time.Hour), w.From)
	require.Equal(t, now.Add(-23*time.Hour), w.To, "window capped by max query period")
}

func TestComputeFromWatermark(t *testing.T) {
	mark := now.Add(-time.Hour)
	w, minimal := timewindow.Compute(&mark, time.Hour, 24*time.Hour, now)
	require.False(t, minimal)
	require.Equal(t, mark, w.From)
	require.Equal(t, now, w.To)
}

func TestComputeCappedByNow(t *testing.T) {
	mark := now.Add(-10 * time.Minute)
	w, minimal := timewindow.Compute(&mark, time.Hour, 24*time.Hour, now)
	require.False(t, minimal)
	require.Equal(t, mark, w.From)
	require.Equal(t, now, w.To, "ideal upper bound is in the future, so now wins")
}

func TestComputeMinimalWindow(t *testing.T) {
	mark := now
	w, minimal := timewindow.Compute(&mark, time.Hour, 24*time.Hour, now)
	require.True(t, minimal)
	require.Equal(t, now, w.From)
	require.Equal(t, now.Add(time.Second), w.To)
}

func TestComputeClockSkew(t *testing.T) {
	mark := now.Add(30 * time.Minute)
	w, minimal := timewindow.Compute(&mark, time.Hour, 24*time.Hour, now)
	require.False(t, minimal)
	require.Equal(t, now.Add(-24*time.Hour), w.From, "future watermark is treated as first run")
	require.Equal(t, now.Add(-23*time.Hour), w.To)
}

func TestWindowsAbut(t *testing.T) {
	// Successive successful runs must produce abutting windows.
	var mark *time.Time
	cursor := now
	var prev timewindow.Window
	for i := 0; i < 5; i++ {
		w, _ := timewindow.Compute(mark, time.Hour, 24*time.Hour, cursor)
		if i > 0 {
			require.Equal(t, prev.To, w.From)
		}
		to := w.To
		mark, prev = &to, w
		cursor = cursor.Add(30 * time.Minute)
	}
}

func TestContains(t *testing.T) {
	w := timewindow.Window{From: now, To: now.Add(time.Hour)}
	require.True(t, w.Contains(now))
	require.True(t, w.Contains(now.Add(time.Hour-time.Second)))
	require.False(t, w.Contains(now.Add(time.Hour)), "upper bound is exclusive")
	require.False(t, w.Contains(now.Add(-time.Second)))
}
