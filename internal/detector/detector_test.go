// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package detector_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurelab/decoy/internal/detector"
)

var t0 = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

// series returns n observations evenly spread over the duration ending at
// `end`.
func series(n int, spread time.Duration, end time.Time) []time.Time {
	s := make([]time.Time, n)
	for i := range s {
		s[i] = end.Add(-spread + spread*time.Duration(i)/time.Duration(n))
	}
	return s
}

func TestFloodDetector(t *testing.T) {
	d := detector.FloodDetector{Window: 5 * time.Second, Threshold: 20}

	t.Run("empty series", func(t *testing.T) {
		require.False(t, d.Flooding(nil, t0))
	})

	t.Run("at the threshold", func(t *testing.T) {
		require.False(t, d.Flooding(series(20, time.Second, t0), t0))
	})

	t.Run("above the threshold", func(t *testing.T) {
		require.True(t, d.Flooding(series(21, time.Second, t0), t0))
	})

	t.Run("volume outside the window is ignored", func(t *testing.T) {
		old := series(100, time.Second, t0.Add(-time.Minute))
		require.False(t, d.Flooding(old, t0))

		mixed := append(old, series(5, time.Second, t0)...)
		require.False(t, d.Flooding(mixed, t0))
	})

	t.Run("observations age out of the window", func(t *testing.T) {
		s := series(21, time.Second, t0)
		require.True(t, d.Flooding(s, t0))
		require.False(t, d.Flooding(s, t0.Add(10*time.Second)))
	})

	t.Run("repeated evaluation is stable", func(t *testing.T) {
		s := series(21, time.Second, t0)
		first := d.Flooding(s, t0)
		for i := 0; i < 10; i++ {
			require.Equal(t, first, d.Flooding(s, t0))
		}
	})
}

func TestSlowConnDetector(t *testing.T) {
	d := detector.SlowConnDetector{
		Window:      30 * time.Second,
		MaxCount:    10,
		MinDuration: 20 * time.Second,
	}

	t.Run("empty series", func(t *testing.T) {
		require.False(t, d.Slow(nil, t0))
	})

	t.Run("sparse and long-lived", func(t *testing.T) {
		require.True(t, d.Slow(series(4, 25*time.Second, t0), t0))
	})

	t.Run("sparse but recent", func(t *testing.T) {
		require.False(t, d.Slow(series(4, 5*time.Second, t0), t0))
	})

	t.Run("busy and long-lived is not slow", func(t *testing.T) {
		require.False(t, d.Slow(series(15, 25*time.Second, t0), t0))
	})

	t.Run("only the window counts", func(t *testing.T) {
		// Plenty of old observations, a single recent one: the in-window
		// activity does not span MinDuration.
		s := append(series(4, 25*time.Second, t0.Add(-time.Minute)), t0)
		require.False(t, d.Slow(s, t0))
	})
}
