package detect

import (
	"fmt"
	"math"
	"sort"
)

// LOFDetector computes a local outlier factor per point over engineered
// features: the ratio of a point's local reachability density to that of its
// k nearest neighbors. Points in sparse neighborhoods relative to their
// neighbors score above 1; the contamination fraction picks the cut-off.
type LOFDetector struct {
	K             int     // neighborhood size, default 10
	Contamination float64 // expected outlier fraction, default 0.05
}

func NewLOFDetector(k int, contamination float64) *LOFDetector {
	if k <= 0 {
		k = 10
	}
	if contamination <= 0 || contamination >= 0.5 {
		contamination = 0.05
	}
	return &LOFDetector{K: k, Contamination: contamination}
}

func (d *LOFDetector) Name() string { return "lof" }

func (d *LOFDetector) Detect(values []float64) ([]Flag, error) {
	n := len(values)
	if n < d.K+2 {
		return nil, fmt.Errorf("need at least %d points for k=%d, got %d", d.K+2, d.K, n)
	}
	rows := normalizeColumns(featureRows(values))

	// Pairwise distances and k-nearest neighborhoods.
	neighbors := make([][]int, n)
	kDist := make([]float64, n)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dd := euclidean(rows[i], rows[j])
			dist[i][j], dist[j][i] = dd, dd
		}
	}
	for i := 0; i < n; i++ {
		order := make([]int, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				order = append(order, j)
			}
		}
		sort.Slice(order, func(a, b int) bool { return dist[i][order[a]] < dist[i][order[b]] })
		neighbors[i] = order[:d.K]
		kDist[i] = dist[i][order[d.K-1]]
	}

	// Local reachability density per point.
	lrd := make([]float64, n)
	for i := 0; i < n; i++ {
		var reach float64
		for _, j := range neighbors[i] {
			reach += math.Max(kDist[j], dist[i][j])
		}
		if reach == 0 {
			lrd[i] = math.Inf(1)
		} else {
			lrd[i] = float64(d.K) / reach
		}
	}

	// LOF: average neighbor density over own density.
	lof := make([]float64, n)
	for i := 0; i < n; i++ {
		if math.IsInf(lrd[i], 1) {
			lof[i] = 1
			continue
		}
		var sum float64
		for _, j := range neighbors[i] {
			if math.IsInf(lrd[j], 1) {
				sum += 1
			} else {
				sum += lrd[j] / lrd[i]
			}
		}
		lof[i] = sum / float64(d.K)
	}

	threshold := contaminationThreshold(lof, d.Contamination)
	if threshold < 1.2 {
		threshold = 1.2 // everything below is within normal density variation
	}
	mean := meanOf(values)

	var flags []Flag
	for i, f := range lof {
		if f >= threshold {
			flags = append(flags, Flag{Index: i, Score: lofToDeviation(f), Expected: mean})
		}
	}
	return flags, nil
}

// normalizeColumns scales each feature column to [0,1] so distance is not
// dominated by the raw-value column.
func normalizeColumns(rows [][]float64) [][]float64 {
	if len(rows) == 0 {
		return rows
	}
	cols := len(rows[0])
	lo := make([]float64, cols)
	hi := make([]float64, cols)
	for c := 0; c < cols; c++ {
		lo[c], hi[c] = rows[0][c], rows[0][c]
	}
	for _, row := range rows {
		for c, v := range row {
			if v < lo[c] {
				lo[c] = v
			}
			if v > hi[c] {
				hi[c] = v
			}
		}
	}
	out := make([][]float64, len(rows))
	for i, row := range rows {
		norm := make([]float64, cols)
		for c, v := range row {
			if hi[c] > lo[c] {
				norm[c] = (v - lo[c]) / (hi[c] - lo[c])
			}
		}
		out[i] = norm
	}
	return out
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// lofToDeviation maps an LOF value (>1) onto the shared deviation scale:
// densities a handful of times below the neighborhood read as strong
// outliers.
func lofToDeviation(lof float64) float64 {
	if lof <= 1 {
		return 0
	}
	return (lof - 1) * 2
}
