package heuristic

// Config holds the tunable constants of the rule engine.
type Config struct {
	// LowConfidence marks annotations below it as needing manual review.
	LowConfidence float64
	// Cap bounds every heuristic score so that only observed facts reach 1.0.
	Cap float64
	// SimilarityThreshold is the minimum structural similarity for a pattern boost.
	SimilarityThreshold float64
	// PatternBoost is the contribution of a stored pattern at similarity 1.0.
	PatternBoost float64
}

func DefaultConfig() Config {
	return Config{
		LowConfidence:       0.85,
		Cap:                 0.98,
		SimilarityThreshold: 0.8,
		PatternBoost:        0.25,
	}
}

// Combine treats contributions as independent evidence: 1 - prod(1 - c).
func Combine(contributions ...float64) float64 {
	miss := 1.0
	for _, c := range contributions {
		miss *= 1 - clamp(c, 0, 1)
	}
	return clamp(1-miss, 0, 1)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
