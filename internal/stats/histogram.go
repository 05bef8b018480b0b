package stats

import (
	"math"
	"sort"

	json "github.com/goccy/go-json"
)

// DefaultMaxBins caps the number of histogram bins when no explicit limit is
// configured.
const DefaultMaxBins = 200

// Bin placement sentinels returned by Bin.
const (
	// BinLeftOfHistogram marks a value below the first bin edge.
	BinLeftOfHistogram = -1
	// BinRightOfHistogram marks a value above the last bin edge.
	BinRightOfHistogram = -2
)

// lowerBoundShiftFrac places the first edge just below the minimum value so
// the minimum falls inside the first bin.
const lowerBoundShiftFrac = 1e-3

// Histogram is a fixed-width binned distribution over observed values. Bins
// are left-exclusive, right-inclusive: a value v lands in bin i when
// edges[i] < v <= edges[i+1]. The first edge sits just below the observed
// minimum.
type Histogram struct {
	edges  []float64
	counts []uint64
	min    float64
	max    float64
}

// histogramState is the serialised form of Histogram.
type histogramState struct {
	Edges  []float64 `json:"edges"`
	Counts []uint64  `json:"counts"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
}

// NewHistogram builds a histogram from the given values. Bin width follows
// the variance-driven rule 3.5·σ·n^(−1/3), with the bin count clamped to
// maxBins (DefaultMaxBins when maxBins <= 0). An empty value slice yields an
// empty histogram.
func NewHistogram(values []float64, maxBins int) Histogram {
	var h Histogram
	if len(values) == 0 {
		return h
	}
	if maxBins <= 0 {
		maxBins = DefaultMaxBins
	}

	var rs RunningStats
	for _, v := range values {
		rs.Push(v)
	}
	h.min = rs.Min()
	h.max = rs.Max()

	width := 3.5 * rs.StdDev() / math.Cbrt(float64(len(values)))
	span := h.max - h.min
	nbins := 1
	if width > 0 && span > 0 {
		nbins = int(math.Ceil(span / width))
		if nbins < 1 {
			nbins = 1
		}
		if nbins > maxBins {
			nbins = maxBins
		}
	}
	h.initBins(h.min, h.max, nbins)
	for _, v := range values {
		if i := h.Bin(v, 0); i >= 0 {
			h.counts[i]++
		} else {
			// Edge placement puts the minimum in the first bin and the
			// maximum in the last; anything else indicates a rounding slip.
			if i == BinLeftOfHistogram {
				h.counts[0]++
			} else {
				h.counts[len(h.counts)-1]++
			}
		}
	}
	return h
}

// initBins lays out nbins equal-width bins spanning (lo, hi], with the first
// edge shifted just below lo.
func (h *Histogram) initBins(lo, hi float64, nbins int) {
	span := hi - lo
	shift := span * lowerBoundShiftFrac
	if shift == 0 {
		shift = math.Max(math.Abs(lo)*lowerBoundShiftFrac, lowerBoundShiftFrac)
	}
	first := lo - shift
	width := (hi - first) / float64(nbins)
	h.edges = make([]float64, nbins+1)
	for i := 0; i <= nbins; i++ {
		h.edges[i] = first + float64(i)*width
	}
	h.edges[nbins] = hi
	h.counts = make([]uint64, nbins)
}

// NumBins returns the number of bins.
func (h Histogram) NumBins() int { return len(h.counts) }

// Counts returns the per-bin counts.
func (h Histogram) Counts() []uint64 { return h.counts }

// Edges returns the bin edges (len = NumBins()+1).
func (h Histogram) Edges() []float64 { return h.edges }

// TotalCount returns the sum over all bins.
func (h Histogram) TotalCount() uint64 {
	var t uint64
	for _, c := range h.counts {
		t += c
	}
	return t
}

// Min returns the smallest observed value.
func (h Histogram) Min() float64 { return h.min }

// Max returns the largest observed value.
func (h Histogram) Max() float64 { return h.max }

// BinWidth returns the width of the interior bins, or 0 when empty.
func (h Histogram) BinWidth() float64 {
	if len(h.counts) == 0 {
		return 0
	}
	return (h.edges[len(h.edges)-1] - h.edges[0]) / float64(len(h.counts))
}

// BinValue returns the midpoint of bin i.
func (h Histogram) BinValue(i int) float64 {
	return 0.5 * (h.edges[i] + h.edges[i+1])
}

// Bin locates the bin containing v. Values within edgeTol fractions of the
// bin width outside the first or last edge are absorbed into the boundary
// bin; beyond that, BinLeftOfHistogram or BinRightOfHistogram is returned.
func (h Histogram) Bin(v float64, edgeTol float64) int {
	n := len(h.counts)
	if n == 0 {
		return BinLeftOfHistogram
	}
	lo, hi := h.edges[0], h.edges[n]
	tol := edgeTol * h.BinWidth()
	if v <= lo {
		if v >= lo-tol {
			return 0
		}
		return BinLeftOfHistogram
	}
	if v > hi {
		if v <= hi+tol {
			return n - 1
		}
		return BinRightOfHistogram
	}
	i := sort.SearchFloat64s(h.edges, v)
	// SearchFloat64s returns the first edge >= v; with left-exclusive bins
	// that edge is the upper edge of the containing bin.
	if i == 0 {
		return 0
	}
	if i > n {
		i = n
	}
	return i - 1
}

// EmpiricalCDF estimates P(X <= v) from the binned counts, interpolating
// linearly within the bin containing v. Values below the first edge map to
// 0, values at or beyond the last edge map to 1.
func (h Histogram) EmpiricalCDF(v float64) float64 {
	total := h.TotalCount()
	if total == 0 {
		return 0
	}
	if v <= h.edges[0] {
		return 0
	}
	last := h.edges[len(h.edges)-1]
	if v >= last {
		return 1
	}
	var below float64
	for i, c := range h.counts {
		lo, hi := h.edges[i], h.edges[i+1]
		if hi <= v {
			below += float64(c)
			continue
		}
		if v > lo && hi > lo {
			below += float64(c) * (v - lo) / (hi - lo)
		}
		break
	}
	return below / float64(total)
}

// Mean returns the count-weighted mean of the bin midpoints.
func (h Histogram) Mean() float64 {
	total := h.TotalCount()
	if total == 0 {
		return 0
	}
	var sum float64
	for i, c := range h.counts {
		sum += float64(c) * h.BinValue(i)
	}
	return sum / float64(total)
}

// Skewness returns the standardised third moment estimated from bin
// midpoints and counts, or 0 for degenerate distributions.
func (h Histogram) Skewness() float64 {
	total := h.TotalCount()
	if total == 0 {
		return 0
	}
	mean := h.Mean()
	var m2, m3 float64
	for i, c := range h.counts {
		d := h.BinValue(i) - mean
		w := float64(c)
		m2 += w * d * d
		m3 += w * d * d * d
	}
	n := float64(total)
	m2 /= n
	m3 /= n
	if m2 == 0 {
		return 0
	}
	return m3 / math.Pow(m2, 1.5)
}

// Negated returns the histogram of the negated value stream: edges negated
// and reversed, counts reversed. Used for right-tailed ECDF queries.
func (h Histogram) Negated() Histogram {
	n := len(h.counts)
	if n == 0 {
		return Histogram{}
	}
	out := Histogram{
		edges:  make([]float64, n+1),
		counts: make([]uint64, n),
		min:    -h.max,
		max:    -h.min,
	}
	for i := 0; i <= n; i++ {
		out.edges[i] = -h.edges[n-i]
	}
	for i := 0; i < n; i++ {
		out.counts[i] = h.counts[n-1-i]
	}
	return out
}

// Merge combines another histogram into this one, rebinning both onto the
// union domain. The merged total count equals the sum of the two inputs.
func (h *Histogram) Merge(o Histogram, maxBins int) {
	if o.TotalCount() == 0 {
		return
	}
	if h.TotalCount() == 0 {
		*h = o.clone()
		return
	}
	if maxBins <= 0 {
		maxBins = DefaultMaxBins
	}

	lo := math.Min(h.edges[0], o.edges[0])
	hi := math.Max(h.edges[len(h.edges)-1], o.edges[len(o.edges)-1])
	width := math.Max(h.BinWidth(), o.BinWidth())
	nbins := 1
	if width > 0 && hi > lo {
		nbins = int(math.Ceil((hi - lo) / width))
		if nbins < 1 {
			nbins = 1
		}
		if nbins > maxBins {
			nbins = maxBins
		}
	}

	merged := Histogram{
		edges:  make([]float64, nbins+1),
		counts: make([]uint64, nbins),
		min:    math.Min(h.min, o.min),
		max:    math.Max(h.max, o.max),
	}
	binWidth := (hi - lo) / float64(nbins)
	for i := 0; i <= nbins; i++ {
		merged.edges[i] = lo + float64(i)*binWidth
	}
	merged.edges[nbins] = hi

	deposit := func(src Histogram) {
		for i, c := range src.counts {
			if c == 0 {
				continue
			}
			target := merged.Bin(src.BinValue(i), 0)
			if target == BinLeftOfHistogram {
				target = 0
			} else if target == BinRightOfHistogram {
				target = nbins - 1
			}
			merged.counts[target] += c
		}
	}
	deposit(*h)
	deposit(o)
	*h = merged
}

func (h Histogram) clone() Histogram {
	out := Histogram{
		edges:  make([]float64, len(h.edges)),
		counts: make([]uint64, len(h.counts)),
		min:    h.min,
		max:    h.max,
	}
	copy(out.edges, h.edges)
	copy(out.counts, h.counts)
	return out
}

// MarshalJSON encodes bin edges, counts and the observed extrema.
func (h Histogram) MarshalJSON() ([]byte, error) {
	return json.Marshal(histogramState{
		Edges:  h.edges,
		Counts: h.counts,
		Min:    h.min,
		Max:    h.max,
	})
}

// UnmarshalJSON restores the histogram state.
func (h *Histogram) UnmarshalJSON(data []byte) error {
	var st histogramState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	h.edges = st.Edges
	h.counts = st.Counts
	h.min = st.Min
	h.max = st.Max
	return nil
}
