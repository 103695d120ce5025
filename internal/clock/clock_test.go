package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestOpenRequiresBothSignals(t *testing.T) {
	d := Deadline{At: t0.Add(time.Hour), Seq: 10}

	require.True(t, d.Open(Instant{Time: t0, Seq: 1}))
	// wall clock still early but sequence crossed
	require.False(t, d.Open(Instant{Time: t0, Seq: 10}))
	require.True(t, d.Passed(Instant{Time: t0, Seq: 10}))
	// sequence early but wall clock crossed
	require.False(t, d.Open(Instant{Time: t0.Add(time.Hour), Seq: 1}))
	require.True(t, d.Passed(Instant{Time: t0.Add(time.Hour), Seq: 1}))
}

func TestPassedIsComplementOfOpen(t *testing.T) {
	d := Deadline{At: t0.Add(time.Minute), Seq: 5}
	for _, now := range []Instant{
		{Time: t0, Seq: 0},
		{Time: t0.Add(time.Minute), Seq: 0},
		{Time: t0, Seq: 5},
		{Time: t0.Add(2 * time.Minute), Seq: 9},
	} {
		require.NotEqual(t, d.Open(now), d.Passed(now), "now=%+v", now)
	}
}

func TestScheduleRoundsTicksUp(t *testing.T) {
	start := Instant{Time: t0, Seq: 100}
	sub := Schedule(start, 48*time.Hour, 12*time.Second)
	require.Equal(t, t0.Add(48*time.Hour), sub.At)
	require.Equal(t, uint64(100+14400), sub.Seq)

	rev := After(sub, 24*time.Hour, 12*time.Second)
	require.Equal(t, t0.Add(72*time.Hour), rev.At)
	require.Equal(t, uint64(100+14400+7200), rev.Seq)

	require.Equal(t, uint64(2), Ticks(13*time.Second, 12*time.Second))
	require.Equal(t, uint64(1), Ticks(time.Second, time.Minute))
	require.Equal(t, uint64(0), Ticks(0, time.Second))
}
