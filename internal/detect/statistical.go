package detect

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// minSamples is the fewest points a statistical detector accepts. Below it
// any estimate of spread is noise.
const minSamples = 3

// ZScoreDetector flags values more than Sensitivity standard deviations from
// the series mean.
type ZScoreDetector struct {
	Sensitivity float64 // default 3.0
}

func NewZScoreDetector(sensitivity float64) *ZScoreDetector {
	if sensitivity <= 0 {
		sensitivity = 3.0
	}
	return &ZScoreDetector{Sensitivity: sensitivity}
}

func (d *ZScoreDetector) Name() string { return "zscore" }

func (d *ZScoreDetector) Detect(values []float64) ([]Flag, error) {
	if len(values) < minSamples {
		return nil, fmt.Errorf("need at least %d points, got %d", minSamples, len(values))
	}
	mean := stat.Mean(values, nil)
	std := stat.StdDev(values, nil)
	if std == 0 {
		return nil, nil // zero variance, nothing can deviate
	}

	var flags []Flag
	for i, v := range values {
		z := math.Abs(v-mean) / std
		if z > d.Sensitivity {
			flags = append(flags, Flag{Index: i, Score: z, Expected: mean})
		}
	}
	return flags, nil
}

// IQRDetector flags values outside [Q1 - k*IQR, Q3 + k*IQR]. Robust to
// non-normal distributions; the reported score rescales the excursion beyond
// the fence onto a deviation-like scale.
type IQRDetector struct {
	Multiplier float64 // k, default 1.5
}

func NewIQRDetector(multiplier float64) *IQRDetector {
	if multiplier <= 0 {
		multiplier = 1.5
	}
	return &IQRDetector{Multiplier: multiplier}
}

func (d *IQRDetector) Name() string { return "iqr" }

func (d *IQRDetector) Detect(values []float64) ([]Flag, error) {
	if len(values) < minSamples {
		return nil, fmt.Errorf("need at least %d points, got %d", minSamples, len(values))
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := stat.Quantile(0.25, stat.Empirical, sorted, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, sorted, nil)
	iqr := q3 - q1
	if iqr == 0 {
		return nil, nil
	}
	lo := q1 - d.Multiplier*iqr
	hi := q3 + d.Multiplier*iqr
	median := stat.Quantile(0.50, stat.Empirical, sorted, nil)

	var flags []Flag
	for i, v := range values {
		if v < lo || v > hi {
			var excess float64
			if v > hi {
				excess = v - hi
			} else {
				excess = lo - v
			}
			// k*IQR past the fence reads roughly like one extra sigma band.
			score := 2.0 + excess/(d.Multiplier*iqr)
			flags = append(flags, Flag{Index: i, Score: score, Expected: median})
		}
	}
	return flags, nil
}

// ModifiedZScoreDetector flags values whose median/MAD based z-score exceeds
// Sensitivity. More robust than the plain z-score when the window already
// contains outliers.
type ModifiedZScoreDetector struct {
	Sensitivity float64 // default 3.5
}

func NewModifiedZScoreDetector(sensitivity float64) *ModifiedZScoreDetector {
	if sensitivity <= 0 {
		sensitivity = 3.5
	}
	return &ModifiedZScoreDetector{Sensitivity: sensitivity}
}

func (d *ModifiedZScoreDetector) Name() string { return "modified_zscore" }

func (d *ModifiedZScoreDetector) Detect(values []float64) ([]Flag, error) {
	if len(values) < minSamples {
		return nil, fmt.Errorf("need at least %d points, got %d", minSamples, len(values))
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	median := stat.Quantile(0.50, stat.Empirical, sorted, nil)

	// Median absolute deviation from the median.
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - median)
	}
	sort.Float64s(devs)
	mad := stat.Quantile(0.50, stat.Empirical, devs, nil)
	if mad == 0 {
		return nil, nil
	}

	// 0.6745 scales MAD to the standard deviation of a normal distribution.
	var flags []Flag
	for i, v := range values {
		mz := 0.6745 * math.Abs(v-median) / mad
		if mz > d.Sensitivity {
			flags = append(flags, Flag{Index: i, Score: mz, Expected: median})
		}
	}
	return flags, nil
}
