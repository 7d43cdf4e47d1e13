package detect

// featureRows turns a value series into per-point feature vectors for the
// model-based detectors: the value itself, the delta from the previous point,
// and the rolling rate of change over a short trailing window.
func featureRows(values []float64) [][]float64 {
	const rateWindow = 5
	rows := make([][]float64, len(values))
	for i, v := range values {
		delta := 0.0
		if i > 0 {
			delta = v - values[i-1]
		}
		rate := 0.0
		if i >= 1 {
			start := i - rateWindow
			if start < 0 {
				start = 0
			}
			span := float64(i - start)
			if span > 0 {
				rate = (v - values[start]) / span
			}
		}
		rows[i] = []float64{v, delta, rate}
	}
	return rows
}
