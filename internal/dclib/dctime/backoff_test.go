// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

package dctime_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurelab/decoy/internal/dclib/dctime"
)

func TestBackoff(t *testing.T) {
	b := dctime.NewBackoff(time.Second, 10*time.Second, 2)

	d, max := b.Next()
	require.Equal(t, 2*time.Second, d)
	require.False(t, max)

	d, max = b.Next()
	require.Equal(t, 4*time.Second, d)
	require.False(t, max)

	d, max = b.Next()
	require.Equal(t, 8*time.Second, d)
	require.False(t, max)

	d, max = b.Next()
	require.Equal(t, 16*time.Second, d)
	require.False(t, max)

	// Capped from now on.
	d, max = b.Next()
	require.Equal(t, 10*time.Second, d)
	require.True(t, max)

	d, max = b.Next()
	require.Equal(t, 10*time.Second, d)
	require.True(t, max)
}
