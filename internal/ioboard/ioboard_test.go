package ioboard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitAndField(t *testing.T) {
	b := New()
	require.NoError(t, b.SetBit(RegChannelMask, 3, true))
	got, err := b.Bit(RegChannelMask, 3)
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, b.SetField(RegTrackMask, 4, 7, 0xA))
	v, err := b.Field(RegTrackMask, 4, 7)
	require.NoError(t, err)
	require.Equal(t, uint32(0xA), v)

	// Untouched bits outside the field stay zero.
	require.Equal(t, uint32(0xA0), b.Get(RegTrackMask))
}

func TestRunStateLifecycle(t *testing.T) {
	b := New()
	require.False(t, b.Running())
	b.StartRun()
	require.True(t, b.Running())
	b.PauseRun()
	require.False(t, b.Running())
	require.Equal(t, uint32(2), b.Get(RegRunState))
}
