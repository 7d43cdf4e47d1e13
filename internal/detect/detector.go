package detect

// Package detect implements anomaly detection over metric series: statistical
// detectors (z-score, IQR, modified z-score), model-based detectors
// (isolation forest, local outlier factor), and an ensemble that confirms a
// point only when enough detectors independently agree.

// Flag marks one series index a detector considers anomalous. Score is on a
// deviation scale comparable across detectors (standard deviations for the
// statistical detectors; model detectors map their native score onto the
// same scale). Expected is the detector's baseline for the point.
type Flag struct {
	Index    int
	Score    float64
	Expected float64
}

// Detector is the uniform detection capability. Detect inspects a whole
// series and returns the indices it flags. Implementations must not mutate
// values. An error excludes the detector from the current ensemble vote and
// never aborts the caller.
type Detector interface {
	Name() string
	Detect(values []float64) ([]Flag, error)
}
