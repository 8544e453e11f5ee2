package bench

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterEWMAAndPeak(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewMeter(start)

	m.Add(start.Add(time.Second), 100*mib)
	snap := m.Tick(start.Add(time.Second))
	assert.InDelta(t, 100, snap.InstMBps, 1)
	assert.GreaterOrEqual(t, snap.PeakMBps, snap.InstMBps)

	prev := snap.EwmaMBps
	m.Add(start.Add(2*time.Second), 10*mib)
	snap = m.Tick(start.Add(2 * time.Second))
	assert.Greater(t, snap.EwmaMBps, 0.0)
	assert.Less(t, snap.EwmaMBps, prev)
	assert.InDelta(t, 100, snap.PeakMBps, 1)
	assert.InDelta(t, 55, snap.AvgMBps, 1)
}

func TestMeterFirstByteFreezes(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewMeter(start)

	m.Add(start.Add(500*time.Millisecond), 0)
	assert.False(t, m.Tick(start.Add(time.Second)).GotFirst)

	m.Add(start.Add(1500*time.Millisecond), 1)
	m.Add(start.Add(2500*time.Millisecond), 1)
	snap := m.Tick(start.Add(3 * time.Second))
	require.True(t, snap.GotFirst)
	assert.Equal(t, 1500*time.Millisecond, snap.FirstByte)
	assert.Equal(t, int64(2), m.Bytes())
}

func TestMeterFinalIsStable(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewMeter(start)
	m.Add(start.Add(time.Second), 2*mib)

	sum := m.Final(start.Add(2 * time.Second))
	assert.Equal(t, 2*time.Second, sum.Elapsed)
	assert.InDelta(t, 1, sum.AvgMBps, 0.001)

	again := m.Final(start.Add(10 * time.Second))
	assert.Equal(t, sum, again)
}
