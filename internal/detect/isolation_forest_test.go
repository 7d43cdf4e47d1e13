package detect

import (
	"reflect"
	"testing"
)

func TestIsolationForestFlagsSpike(t *testing.T) {
	values := noisyBaseline(60, 100)
	values = append(values, 900)

	d := NewIsolationForestDetector(0.05, 1)
	flags, err := d.Detect(values)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(flags) == 0 {
		t.Fatal("expected the spike to be isolated")
	}
	found := false
	for _, f := range flags {
		if f.Index == 60 {
			found = true
			if f.Score <= 0 {
				t.Errorf("flagged point must carry a positive deviation score, got %v", f.Score)
			}
		}
	}
	if !found {
		t.Errorf("spike at index 60 not among flags: %+v", flags)
	}
}

func TestIsolationForestDeterministicWithSeed(t *testing.T) {
	values := noisyBaseline(50, 10)
	values = append(values, 200)

	a, err := NewIsolationForestDetector(0.05, 42).Detect(values)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	b, err := NewIsolationForestDetector(0.05, 42).Detect(values)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same seed must reproduce the same flags:\n%+v\n%+v", a, b)
	}
}

func TestIsolationForestTooFewSamples(t *testing.T) {
	if _, err := NewIsolationForestDetector(0.05, 1).Detect([]float64{1, 2, 3, 4, 5, 6, 7}); err == nil {
		t.Fatal("expected an error below 8 points")
	}
}

func TestIsolationForestContaminationDefault(t *testing.T) {
	d := NewIsolationForestDetector(0.9, 1)
	if d.Contamination != 0.05 {
		t.Errorf("out-of-range contamination must fall back to 0.05, got %v", d.Contamination)
	}
}

func TestScoreToDeviation(t *testing.T) {
	if scoreToDeviation(0.4) != 0 {
		t.Error("scores at or below 0.5 must map to 0")
	}
	if got := scoreToDeviation(0.75); got != 2.5 {
		t.Errorf("expected 2.5, got %v", got)
	}
}
