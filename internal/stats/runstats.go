// Package stats provides the incremental statistics used by the outlier models:
// running moments and mergeable histograms.
package stats

import (
	"math"

	json "github.com/goccy/go-json"
)

// RunningStats accumulates count, mean, second moment, minimum and maximum of
// a value stream. Merging two instances is numerically stable under the
// parallel-merge formula, so partial accumulations can be combined in any
// order.
type RunningStats struct {
	count uint64
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// runningStatsState is the serialised form of RunningStats.
type runningStatsState struct {
	Count uint64  `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Push folds one value into the statistics.
func (s *RunningStats) Push(v float64) {
	if s.count == 0 {
		s.min = v
		s.max = v
	} else {
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
	}
	s.count++
	delta := v - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (v - s.mean)
}

// Merge folds another accumulation into this one using Chan et al.'s
// parallel-merge formula.
func (s *RunningStats) Merge(o RunningStats) {
	if o.count == 0 {
		return
	}
	if s.count == 0 {
		*s = o
		return
	}
	na, nb := float64(s.count), float64(o.count)
	n := na + nb
	delta := o.mean - s.mean
	s.mean += delta * nb / n
	s.m2 += o.m2 + delta*delta*na*nb/n
	s.count += o.count
	s.min = math.Min(s.min, o.min)
	s.max = math.Max(s.max, o.max)
}

// Count returns the number of values accumulated.
func (s RunningStats) Count() uint64 { return s.count }

// Mean returns the arithmetic mean, or 0 when empty.
func (s RunningStats) Mean() float64 { return s.mean }

// Variance returns the sample variance, or 0 with fewer than two values.
func (s RunningStats) Variance() float64 {
	if s.count < 2 {
		return 0
	}
	return s.m2 / float64(s.count-1)
}

// StdDev returns the sample standard deviation.
func (s RunningStats) StdDev() float64 { return math.Sqrt(s.Variance()) }

// Min returns the smallest value seen, or 0 when empty.
func (s RunningStats) Min() float64 {
	if s.count == 0 {
		return 0
	}
	return s.min
}

// Max returns the largest value seen, or 0 when empty.
func (s RunningStats) Max() float64 {
	if s.count == 0 {
		return 0
	}
	return s.max
}

// MarshalJSON encodes the statistics state.
func (s RunningStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(runningStatsState{
		Count: s.count,
		Mean:  s.mean,
		M2:    s.m2,
		Min:   s.Min(),
		Max:   s.Max(),
	})
}

// UnmarshalJSON restores the statistics state.
func (s *RunningStats) UnmarshalJSON(data []byte) error {
	var st runningStatsState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.count = st.Count
	s.mean = st.Mean
	s.m2 = st.M2
	s.min = st.Min
	s.max = st.Max
	return nil
}
