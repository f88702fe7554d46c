// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package query_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signalhub/signalhub/hub/loader/timewindow"
	"github.com/signalhub/signalhub/hub/query"
)

func TestSubstitute(t *testing.T) {
	w := timewindow.Window{
		From: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}

	sql := `SELECT bucket, cnt FROM metrics WHERE ts >= :fromTime AND ts < :toTime`

	got := query.Substitute(sql, w, 0)
	require.Equal(t,
		`SELECT bucket, cnt FROM metrics WHERE ts >= '2025-01-01 09:00:00' AND ts < '2025-01-01 10:00:00'`,
		got)
}

func TestSubstituteTimezoneOffset(t *testing.T) {
	w := timewindow.Window{
		From: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}

	got := query.Substitute(`:fromTime/:toTime`, w, 3)
	require.Equal(t, `'2025-01-01 12:00:00'/'2025-01-01 13:00:00'`, got)

	got = query.Substitute(`:fromTime/:toTime`, w, -5)
	require.Equal(t, `'2025-01-01 04:00:00'/'2025-01-01 05:00:00'`, got)
}

func TestSubstituteRepeatedPlaceholders(t *testing.T) {
	w := timewindow.Window{
		From: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
	}

	got := query.Substitute(`a=:fromTime b=:fromTime c=:toTime`, w, 0)
	require.Equal(t, `a='2025-01-01 09:00:00' b='2025-01-01 09:00:00' c='2025-01-01 10:00:00'`, got)
}
