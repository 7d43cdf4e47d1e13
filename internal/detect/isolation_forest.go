package detect

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// IsolationForestDetector grows randomized isolation trees over engineered
// features of the series and flags points whose average isolation path is
// short. The cut-off is derived from the configured contamination fraction:
// the contamination-quantile of scores is the flagging threshold.
type IsolationForestDetector struct {
	NumTrees      int     // default 100
	SubSampleSize int     // default 256
	Contamination float64 // expected outlier fraction, default 0.05
	Seed          int64   // fixed seed makes detection reproducible
}

func NewIsolationForestDetector(contamination float64, seed int64) *IsolationForestDetector {
	if contamination <= 0 || contamination >= 0.5 {
		contamination = 0.05
	}
	return &IsolationForestDetector{
		NumTrees:      100,
		SubSampleSize: 256,
		Contamination: contamination,
		Seed:          seed,
	}
}

func (d *IsolationForestDetector) Name() string { return "isolation_forest" }

type isoTree struct {
	splitFeature int
	splitValue   float64
	left, right  *isoTree
	size         int
	leaf         bool
}

func (d *IsolationForestDetector) Detect(values []float64) ([]Flag, error) {
	if len(values) < 8 {
		return nil, fmt.Errorf("need at least 8 points, got %d", len(values))
	}
	rows := featureRows(values)

	numTrees := d.NumTrees
	if numTrees <= 0 {
		numTrees = 100
	}
	sample := d.SubSampleSize
	if sample <= 0 {
		sample = 256
	}
	if sample > len(rows) {
		sample = len(rows)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample)))) + 1

	rng := rand.New(rand.NewSource(d.Seed))
	trees := make([]*isoTree, 0, numTrees)
	for i := 0; i < numTrees; i++ {
		trees = append(trees, buildIsoTree(subSample(rows, sample, rng), 0, maxDepth, rng))
	}

	// Anomaly score per point: 2^(-avgPath / c(n)).
	c := avgBSTPathLength(sample)
	scores := make([]float64, len(rows))
	for i, row := range rows {
		var total float64
		for _, t := range trees {
			total += isoPathLength(t, row, 0)
		}
		scores[i] = math.Pow(2, -(total/float64(numTrees))/c)
	}

	threshold := contaminationThreshold(scores, d.Contamination)
	mean := meanOf(values)

	var flags []Flag
	for i, s := range scores {
		if s >= threshold && s > 0.5 {
			flags = append(flags, Flag{Index: i, Score: scoreToDeviation(s), Expected: mean})
		}
	}
	return flags, nil
}

func subSample(rows [][]float64, n int, rng *rand.Rand) [][]float64 {
	if n >= len(rows) {
		return rows
	}
	shuffled := make([][]float64, len(rows))
	copy(shuffled, rows)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled[:n]
}

func buildIsoTree(rows [][]float64, depth, maxDepth int, rng *rand.Rand) *isoTree {
	if len(rows) <= 1 || depth >= maxDepth || allRowsEqual(rows) {
		return &isoTree{size: len(rows), leaf: true}
	}

	feature := rng.Intn(len(rows[0]))
	lo, hi := featureRange(rows, feature)
	if lo == hi {
		return &isoTree{size: len(rows), leaf: true}
	}
	split := lo + rng.Float64()*(hi-lo)

	var left, right [][]float64
	for _, row := range rows {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &isoTree{size: len(rows), leaf: true}
	}
	return &isoTree{
		splitFeature: feature,
		splitValue:   split,
		left:         buildIsoTree(left, depth+1, maxDepth, rng),
		right:        buildIsoTree(right, depth+1, maxDepth, rng),
		size:         len(rows),
	}
}

func isoPathLength(t *isoTree, row []float64, depth int) float64 {
	if t.leaf {
		return float64(depth) + avgBSTPathLength(t.size)
	}
	if row[t.splitFeature] < t.splitValue {
		return isoPathLength(t.left, row, depth+1)
	}
	return isoPathLength(t.right, row, depth+1)
}

// avgBSTPathLength is c(n), the average path length of an unsuccessful BST
// search: 2H(n-1) - 2(n-1)/n.
func avgBSTPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	h := math.Log(float64(n-1)) + 0.5772156649
	return 2*h - 2*float64(n-1)/float64(n)
}

func allRowsEqual(rows [][]float64) bool {
	first := rows[0]
	for _, row := range rows[1:] {
		for j := range first {
			if math.Abs(row[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(rows [][]float64, feature int) (float64, float64) {
	lo, hi := rows[0][feature], rows[0][feature]
	for _, row := range rows {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	return lo, hi
}

// contaminationThreshold returns the score above which at most a
// contamination fraction of points lies.
func contaminationThreshold(scores []float64, contamination float64) float64 {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	idx := int(math.Ceil(float64(len(sorted)) * (1 - contamination)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// scoreToDeviation maps an isolation score in (0.5, 1] onto the deviation
// scale the statistical detectors report (0.6 ≈ 2σ, 0.75 ≈ 3σ, 0.85+ ≈ 4σ).
func scoreToDeviation(score float64) float64 {
	if score <= 0.5 {
		return 0
	}
	return (score - 0.5) * 10
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
