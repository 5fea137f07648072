package matching

import (
	"sort"

	"github.com/gradscan/gradscan/pkg/config"
	"github.com/gradscan/gradscan/pkg/vision"
)

// batchScore compares samples against the target and returns a robust
// weighted score plus the trimmed average. With five or more similarities
// the lowest and highest ~20% are dropped before aggregating, so a single
// lucky frame is not fully trusted and noisy outliers do not fully
// suppress a real match. The weighted score is 0.7*best + 0.3*avg.
func batchScore(samples []vision.Sample, target vision.Embedding) (weighted, avg float64) {
	if len(samples) == 0 {
		return 0, 0
	}

	similarities := make([]float64, 0, len(samples))
	for _, s := range samples {
		similarities = append(similarities, vision.Cosine(s.Embedding, target))
	}

	sort.Float64s(similarities)

	trimmed := similarities
	if len(similarities) >= 5 {
		trim := len(similarities) / 5
		if trim < 1 {
			trim = 1
		}
		trimmed = similarities[trim : len(similarities)-trim]
	}
	if len(trimmed) == 0 {
		trimmed = similarities
	}

	best := trimmed[len(trimmed)-1]
	var sum float64
	for _, s := range trimmed {
		sum += s
	}
	avg = sum / float64(len(trimmed))

	return best*0.7 + avg*0.3, avg
}

// dynamicThreshold computes the acceptance bar for one attempt. More
// corroborating samples lower the bar slightly; each additional attempt
// raises it, so indefinite retries cannot eventually match by chance.
// The result is clamped to [ThresholdMin, ThresholdMax].
func dynamicThreshold(cfg config.MatchingConfig, numSamples, attemptCount int) float64 {
	bonus := float64(numSamples) * cfg.SampleBonus
	if bonus > cfg.SampleBonusCap {
		bonus = cfg.SampleBonusCap
	}

	penalty := float64(attemptCount) * cfg.AttemptPenalty
	if penalty > cfg.AttemptPenaltyCap {
		penalty = cfg.AttemptPenaltyCap
	}

	threshold := cfg.ThresholdBase - bonus + penalty
	if threshold < cfg.ThresholdMin {
		threshold = cfg.ThresholdMin
	}
	if threshold > cfg.ThresholdMax {
		threshold = cfg.ThresholdMax
	}
	return threshold
}
