package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStepCreatesOnFirstUse(t *testing.T) {
	r := NewRegistry()
	c := r.Step("disk_reader")
	require.Equal(t, "disk_reader", c.Name())
	c.AddBytes(1024)
	c.AddPackets(1)

	same := r.Step("disk_reader")
	require.Equal(t, uint64(1024), same.Bytes())
	require.Equal(t, uint64(1), same.Packets())
}

func TestStepNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Step("udps_sink")
	r.Step("disk_reader")
	r.Step("framer")
	require.Equal(t, []string{"disk_reader", "framer", "udps_sink"}, r.StepNames())
}

func TestRatesSinceLastCall(t *testing.T) {
	r := NewRegistry()
	c := r.Step("disk_reader")
	c.AddBytes(1_000_000)

	time.Sleep(10 * time.Millisecond)
	elapsed, rates := r.RatesSinceLastCall()
	require.Greater(t, elapsed, time.Duration(0))
	require.Len(t, rates, 1)
	require.Equal(t, "disk_reader", rates[0].Name)
	require.Greater(t, rates[0].BitsPerSecond, 0.0)

	// A second call sees no new bytes moved, so the rate drops toward zero.
	time.Sleep(5 * time.Millisecond)
	_, rates2 := r.RatesSinceLastCall()
	require.Equal(t, 0.0, rates2[0].BitsPerSecond)
}

func TestRawSnapshotDoesNotResetClock(t *testing.T) {
	r := NewRegistry()
	r.Step("disk_reader").AddBytes(512)
	r.PktIn.Add(10)
	r.PktLost.Add(1)

	snap := r.Raw()
	require.Equal(t, uint64(512), snap.Bytes["disk_reader"])
	require.Equal(t, uint64(10), snap.PktIn)
	require.Equal(t, uint64(1), snap.PktLost)
	require.Greater(t, snap.UnixTime, int64(0))

	_, rates := r.RatesSinceLastCall()
	require.Greater(t, rates[0].BitsPerSecond, 0.0)
}
