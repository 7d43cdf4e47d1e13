package detect

import (
	"fmt"

	"github.com/metricore/metricore/internal/metrics"
	"github.com/metricore/metricore/internal/models"
)

// EnsembleFlag is a point confirmed by the ensemble vote. Score is the
// maximum member score for the point, Confidence the fraction of
// successfully-invoked members that agreed, Detectors the names of the
// agreeing members.
type EnsembleFlag struct {
	Index      int
	Score      float64
	Expected   float64
	Confidence float64
	Detectors  []string
}

// Ensemble runs its members independently and confirms a point only when at
// least VotingThreshold members flag it. A failing member is excluded from
// the vote without aborting the run; the remaining members still decide.
type Ensemble struct {
	Members         []Detector
	VotingThreshold int
}

func NewEnsemble(threshold int, members ...Detector) *Ensemble {
	if threshold <= 0 {
		threshold = 2
	}
	return &Ensemble{Members: members, VotingThreshold: threshold}
}

// Detect returns confirmed flags plus one *models.DetectorError per failed
// member. It errors only when every member failed.
func (e *Ensemble) Detect(values []float64) ([]EnsembleFlag, []*models.DetectorError, error) {
	type vote struct {
		score    float64
		expected float64
		names    []string
	}
	votes := make(map[int]*vote)

	var failures []*models.DetectorError
	invoked := 0
	for _, m := range e.Members {
		flags, err := m.Detect(values)
		if err != nil {
			metrics.DetectorRuns.WithLabelValues(m.Name(), "error").Inc()
			failures = append(failures, &models.DetectorError{Detector: m.Name(), Err: err})
			continue
		}
		metrics.DetectorRuns.WithLabelValues(m.Name(), "ok").Inc()
		invoked++
		for _, f := range flags {
			v, ok := votes[f.Index]
			if !ok {
				v = &vote{expected: f.Expected}
				votes[f.Index] = v
			}
			if f.Score > v.score {
				v.score = f.Score
				v.expected = f.Expected
			}
			v.names = append(v.names, m.Name())
		}
	}
	if invoked == 0 {
		return nil, failures, fmt.Errorf("all %d ensemble members failed", len(e.Members))
	}

	threshold := e.VotingThreshold
	if threshold > invoked {
		threshold = invoked
	}
	var confirmed []EnsembleFlag
	for idx, v := range votes {
		if len(v.names) < threshold {
			continue
		}
		confirmed = append(confirmed, EnsembleFlag{
			Index:      idx,
			Score:      v.score,
			Expected:   v.expected,
			Confidence: float64(len(v.names)) / float64(invoked),
			Detectors:  v.names,
		})
	}
	return confirmed, failures, nil
}
