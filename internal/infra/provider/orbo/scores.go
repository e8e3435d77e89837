package orbo

import (
	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
)

// MapScores normalizes the provider's output_score list into the ten
// named metrics. Each metric reads the first matching concern from an
// ordered alias list; a concern absent from the payload scores 0.
// Scores pass through unchanged, there is no inversion.
func MapScores(scores []ConcernScore) domain.SkinMetrics {
	byConcern := make(map[string]float64, len(scores))
	for _, s := range scores {
		byConcern[s.Concern] = s.Score
	}
	pick := func(aliases ...string) float64 {
		for _, name := range aliases {
			if v, ok := byConcern[name]; ok {
				return v
			}
		}
		return 0
	}
	return domain.SkinMetrics{
		OverallSkinHealthScore: pick("skin_health"),
		Hydration:              pick("hydration"),
		Smoothness:             pick("smoothness"),
		Radiance:               pick("radiance", "skin_dullness"),
		DarkSpots:              pick("dark_spots"),
		Firmness:               pick("firmness"),
		FineLinesWrinkles:      pick("fine_lines_wrinkles", "face_wrinkles"),
		Acne:                   pick("acne"),
		DarkCircles:            pick("dark_circles", "dark_circle"),
		Redness:                pick("redness"),
	}
}
