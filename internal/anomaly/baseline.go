package anomaly

import "math"

// Baseline summarizes the recent history of one (scope, metric) series.
type Baseline struct {
	Mean        float64
	Stddev      float64
	SampleCount int
}

// ComputeBaseline folds the history in a single pass over sum and
// sum-of-squares. Floating-point cancellation can push the raw variance
// slightly negative; it is floored at zero so Stddev is always defined.
func ComputeBaseline(values []float64) Baseline {
	n := len(values)
	if n == 0 {
		return Baseline{}
	}

	var sum, sumSq float64
	for _, v := range values {
		sum += v
		sumSq += v * v
	}

	mean := sum / float64(n)
	variance := math.Max(0, (sumSq-float64(n)*mean*mean)/float64(n))

	return Baseline{
		Mean:        mean,
		Stddev:      math.Sqrt(variance),
		SampleCount: n,
	}
}

// Detect compares an observation against its baseline. Evaluation is
// skipped entirely (zero factor, no flag) when the baseline holds fewer
// than minSamples points or has zero variance: thin or flat history must
// never produce a false anomaly.
func Detect(current float64, baseline Baseline, thresholdStddevs float64, minSamples int) (float64, bool) {
	if baseline.SampleCount < minSamples {
		return 0, false
	}
	if baseline.Stddev <= 0 {
		return 0, false
	}

	factor := (current - baseline.Mean) / baseline.Stddev
	return factor, factor > thresholdStddevs
}
