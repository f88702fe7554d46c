// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package signals_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalhub/signalhub/hub/signals"
)

func TestDictionaryStableCodes(t *testing.T) {
	ctx := context.Background()
	dict := signals.NewDictionary(newFakeSegments())

	tuple := signals.SegmentTuple{str("A"), str("B")}
	first, err := dict.Intern(ctx, "L1", tuple)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := dict.Intern(ctx, "L1", tuple)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestDictionaryPerLoaderNamespaces(t *testing.T) {
	ctx := context.Background()
	dict := signals.NewDictionary(newFakeSegments())

	tuple := signals.SegmentTuple{str("A")}
	a, err := dict.Intern(ctx, "L1", tuple)
	require.NoError(t, err)
	b, err := dict.Intern(ctx, "L2", tuple)
	require.NoError(t, err)
	require.Equal(t, a, b, "codes are dense per loader, both start at 1")

	other, err := dict.Intern(ctx, "L2", signals.SegmentTuple{str("B")})
	require.NoError(t, err)
	require.Equal(t, int64(2), other)
}

func TestDictionaryNullsDistinct(t *testing.T) {
	ctx := context.Background()
	dict := signals.NewDictionary(newFakeSegments())

	withNull, err := dict.Intern(ctx, "L1", signals.SegmentTuple{str("A"), nil})
	require.NoError(t, err)
	withEmpty, err := dict.Intern(ctx, "L1", signals.SegmentTuple{str("A"), str("")})
	require.NoError(t, err)
	require.NotEqual(t, withNull, withEmpty, "NULL and empty string are distinct tuples")
}

func TestDictionaryConcurrentConvergence(t *testing.T) {
	ctx := context.Background()
	dict := signals.NewDictionary(newFakeSegments())
	tuple := signals.SegmentTuple{str("X")}

	var wg sync.WaitGroup
	codes := make([]int64, 32)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := dict.Intern(ctx, "L1", tuple)
			require.NoError(t, err)
			codes[i] = code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		require.Equal(t, codes[0], code)
	}
}
