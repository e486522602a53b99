package reward

// Signals gathered over one call. Zero values are the neutral defaults
// except Rating (nil means "no rating given") and DurationSec (0 is treated
// as the optimal duration, not an instant hangup).
type Signals struct {
	Resolution   bool
	Rating       *int // 1..5
	BargeInCount int
	Repeats      int
	Handover     bool
	DurationSec  float64
}

// Weights of the reward terms. Defaults() matches the production tuning.
type Weights struct {
	Resolution  float64
	Rating      float64
	BargeIn     float64
	Repeat      float64
	Handover    float64
	OptimalDur  float64 // seconds; center of the duration bonus
	DurBonusCap float64
}

func Defaults() Weights {
	return Weights{
		Resolution:  0.6,
		Rating:      0.2,
		BargeIn:     0.1,
		Repeat:      0.1,
		Handover:    0.1,
		OptimalDur:  180,
		DurBonusCap: 0.2,
	}
}

// Breakdown itemizes each term for diagnostics.
type Breakdown struct {
	Resolution float64 `json:"resolution"`
	Rating     float64 `json:"rating"`
	BargeIn    float64 `json:"barge_in"`
	Repeats    float64 `json:"repeats"`
	Handover   float64 `json:"handover"`
	Duration   float64 `json:"duration"`
	Total      float64 `json:"total"`
}

// Compute maps call signals to a scalar reward in [-1, +1].
func Compute(s Signals, w Weights) float64 {
	return Explain(s, w).Total
}

// Explain computes the reward with its per-term breakdown. Pure: equal
// inputs always yield equal outputs.
func Explain(s Signals, w Weights) Breakdown {
	var b Breakdown
	if s.Resolution {
		b.Resolution = w.Resolution
	}
	if s.Rating != nil {
		r := clampInt(*s.Rating, 1, 5)
		b.Rating = w.Rating * (float64(r) - 3) / 2
	}
	b.BargeIn = -w.BargeIn * float64(clampInt(s.BargeInCount, 0, 3)) / 3
	b.Repeats = -w.Repeat * float64(clampInt(s.Repeats, 0, 3)) / 3
	if s.Handover {
		b.Handover = -w.Handover
	}
	dur := s.DurationSec
	if dur <= 0 {
		dur = w.OptimalDur
	}
	b.Duration = clip((w.OptimalDur-dur)/w.OptimalDur, -w.DurBonusCap, w.DurBonusCap)
	b.Total = clip(b.Resolution+b.Rating+b.BargeIn+b.Repeats+b.Handover+b.Duration, -1, 1)
	return b
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
