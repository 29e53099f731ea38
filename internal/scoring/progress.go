package scoring

import "math"

// minProgressStep is the smallest visible advance per poll.
const minProgressStep = 2

// ProgressSmoother turns coarse backend progress into a steadily advancing
// display value. The shown value never decreases and never exceeds the
// latest reported value until Complete is called.
type ProgressSmoother struct {
	shown float64
}

// Advance moves the shown value a fifth of the way toward reported, at least
// minProgressStep, capped at reported.
func (s *ProgressSmoother) Advance(reported float64) float64 {
	reported = clampPercent(reported)
	if reported > s.shown {
		step := math.Max(minProgressStep, math.Ceil((reported-s.shown)/5))
		s.shown = math.Min(s.shown+step, reported)
	}
	return s.shown
}

// Complete forces the shown value to 100.
func (s *ProgressSmoother) Complete() float64 {
	s.shown = 100
	return s.shown
}

// Shown returns the current display value.
func (s *ProgressSmoother) Shown() float64 {
	return s.shown
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
