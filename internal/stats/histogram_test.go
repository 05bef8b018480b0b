package stats

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestHistogramCreateCountsAllValues(t *testing.T) {
	values := []float64{50, 51, 49, 50.5, 52, 48, 50, 49.5, 51.5, 50}
	h := NewHistogram(values, 10)

	require.Greater(t, h.NumBins(), 0)
	require.LessOrEqual(t, h.NumBins(), 10)
	require.Equal(t, uint64(len(values)), h.TotalCount())
	require.Equal(t, 48.0, h.Min())
	require.Equal(t, 52.0, h.Max())
}

func TestHistogramIdenticalValuesSingleBin(t *testing.T) {
	h := NewHistogram([]float64{7, 7, 7, 7}, 200)
	require.Equal(t, 1, h.NumBins())
	require.Equal(t, uint64(4), h.TotalCount())
	require.Equal(t, 0, h.Bin(7, 0))
}

func TestHistogramBinPlacement(t *testing.T) {
	h := NewHistogram([]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10)

	require.Equal(t, BinLeftOfHistogram, h.Bin(-100, 0.05))
	require.Equal(t, BinRightOfHistogram, h.Bin(100, 0.05))

	// Edge tolerance absorbs near-boundary values into the outer bins.
	w := h.BinWidth()
	require.Equal(t, 0, h.Bin(h.Edges()[0]-0.04*w, 0.05))
	require.Equal(t, h.NumBins()-1, h.Bin(9+0.04*w, 0.05))

	// The minimum lands in the first bin.
	require.Equal(t, 0, h.Bin(0, 0))
}

func TestHistogramMergePreservesTotalCount(t *testing.T) {
	a := NewHistogram([]float64{1, 2, 3, 4, 5}, 20)
	b := NewHistogram([]float64{50, 51, 52, 53}, 20)

	wantTotal := a.TotalCount() + b.TotalCount()
	a.Merge(b, 20)

	require.Equal(t, wantTotal, a.TotalCount())
	require.Equal(t, 1.0, a.Min())
	require.Equal(t, 53.0, a.Max())
	require.LessOrEqual(t, a.NumBins(), 20)

	// Union domain spans both inputs.
	require.LessOrEqual(t, a.Edges()[0], 1.0)
	require.GreaterOrEqual(t, a.Edges()[a.NumBins()], 53.0)
}

func TestHistogramMergeIntoEmpty(t *testing.T) {
	var a Histogram
	b := NewHistogram([]float64{5, 6, 7}, 10)
	a.Merge(b, 10)
	require.Equal(t, b.TotalCount(), a.TotalCount())
	require.Equal(t, b.NumBins(), a.NumBins())
}

func TestHistogramEmpiricalCDF(t *testing.T) {
	h := NewHistogram([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 10)

	require.Equal(t, 0.0, h.EmpiricalCDF(h.Edges()[0]-1))
	require.Equal(t, 1.0, h.EmpiricalCDF(11))

	mid := h.EmpiricalCDF(5.5)
	require.Greater(t, mid, 0.0)
	require.Less(t, mid, 1.0)
}

func TestHistogramNegated(t *testing.T) {
	h := NewHistogram([]float64{1, 2, 3, 4}, 4)
	n := h.Negated()

	require.Equal(t, h.NumBins(), n.NumBins())
	require.Equal(t, h.TotalCount(), n.TotalCount())
	require.Equal(t, -h.Max(), n.Min())
	require.Equal(t, -h.Min(), n.Max())

	// Bin containing the negated maximum is the first bin of the negation.
	require.Equal(t, 0, n.Bin(-4, 0))
}

func TestHistogramSkewnessSign(t *testing.T) {
	rightSkewed := NewHistogram([]float64{1, 1, 1, 1, 1, 2, 2, 3, 10, 20}, 20)
	require.Greater(t, rightSkewed.Skewness(), 0.0)

	leftSkewed := NewHistogram([]float64{-20, -10, -3, -2, -2, -1, -1, -1, -1, -1}, 20)
	require.Less(t, leftSkewed.Skewness(), 0.0)
}

func TestHistogramRoundTrip(t *testing.T) {
	h := NewHistogram([]float64{3, 1, 4, 1, 5, 9, 2, 6}, 5)
	raw, err := json.Marshal(h)
	require.NoError(t, err)

	var back Histogram
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, h.Edges(), back.Edges())
	require.Equal(t, h.Counts(), back.Counts())
	require.Equal(t, h.Min(), back.Min())
	require.Equal(t, h.Max(), back.Max())
}
