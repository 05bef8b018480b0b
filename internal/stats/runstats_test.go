package stats

import (
	"math"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestRunningStatsMoments(t *testing.T) {
	var s RunningStats
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	for _, v := range values {
		s.Push(v)
	}
	require.Equal(t, uint64(8), s.Count())
	require.InDelta(t, 5.0, s.Mean(), 1e-12)
	require.InDelta(t, 32.0/7.0, s.Variance(), 1e-12)
	require.Equal(t, 2.0, s.Min())
	require.Equal(t, 9.0, s.Max())
}

func TestRunningStatsMergeMatchesSequential(t *testing.T) {
	values := []float64{10.5, 11, 9.25, 30, 12, 10, 11.5, 8, 100, 9}

	var whole RunningStats
	for _, v := range values {
		whole.Push(v)
	}

	var a, b RunningStats
	for _, v := range values[:4] {
		a.Push(v)
	}
	for _, v := range values[4:] {
		b.Push(v)
	}
	a.Merge(b)

	require.Equal(t, whole.Count(), a.Count())
	require.InDelta(t, whole.Mean(), a.Mean(), 1e-9)
	require.InDelta(t, whole.Variance(), a.Variance(), 1e-9)
	require.Equal(t, whole.Min(), a.Min())
	require.Equal(t, whole.Max(), a.Max())
}

func TestRunningStatsMergeEmpty(t *testing.T) {
	var a, b RunningStats
	a.Push(3)
	before := a
	a.Merge(b)
	require.Equal(t, before, a)

	b.Merge(a)
	require.Equal(t, a, b)
}

func TestRunningStatsRoundTrip(t *testing.T) {
	var s RunningStats
	for _, v := range []float64{1, 2, 3, 4.5, math.Pi} {
		s.Push(v)
	}
	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var back RunningStats
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, s.Count(), back.Count())
	require.Equal(t, s.Mean(), back.Mean())
	require.Equal(t, s.Variance(), back.Variance())
	require.Equal(t, s.Min(), back.Min())
	require.Equal(t, s.Max(), back.Max())
}
