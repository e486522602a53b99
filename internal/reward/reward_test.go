package reward

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func intp(v int) *int { return &v }

func TestRewardArithmetic(t *testing.T) {
	// Resolved call, rating 4, one barge-in, two minutes.
	s := Signals{
		Resolution:   true,
		Rating:       intp(4),
		BargeInCount: 1,
		DurationSec:  120,
	}
	got := Compute(s, Defaults())
	require.InDelta(t, 0.6+0.1-1.0/30+0.2, got, 1e-9)
	require.InDelta(t, 0.867, got, 5e-4)
}

func TestRewardNeutralDefaults(t *testing.T) {
	got := Explain(Signals{}, Defaults())
	require.Zero(t, got.Resolution)
	require.Zero(t, got.Rating)
	require.Zero(t, got.BargeIn)
	require.Zero(t, got.Handover)
	require.Zero(t, got.Duration, "zero duration means unknown, not an instant hangup")
	require.Zero(t, got.Total)
}

func TestRewardWorstCase(t *testing.T) {
	s := Signals{
		Rating:       intp(1),
		BargeInCount: 10,
		Repeats:      10,
		Handover:     true,
		DurationSec:  3600,
	}
	got := Explain(s, Defaults())
	require.InDelta(t, -0.2, got.Rating, 1e-9)
	require.InDelta(t, -0.1, got.BargeIn, 1e-9, "barge-ins saturate at 3")
	require.InDelta(t, -0.1, got.Repeats, 1e-9)
	require.InDelta(t, -0.1, got.Handover, 1e-9)
	require.InDelta(t, -0.2, got.Duration, 1e-9, "duration malus is capped")
	require.InDelta(t, -0.7, got.Total, 1e-9)
}

func TestRewardDurationBonusCapped(t *testing.T) {
	s := Signals{DurationSec: 10}
	require.InDelta(t, 0.2, Explain(s, Defaults()).Duration, 1e-9)
}

func TestRewardBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := Signals{
			Resolution:   rapid.Bool().Draw(t, "resolution"),
			BargeInCount: rapid.IntRange(0, 100).Draw(t, "barge"),
			Repeats:      rapid.IntRange(0, 100).Draw(t, "repeats"),
			Handover:     rapid.Bool().Draw(t, "handover"),
			DurationSec:  rapid.Float64Range(0, 7200).Draw(t, "dur"),
		}
		if rapid.Bool().Draw(t, "rated") {
			s.Rating = intp(rapid.IntRange(1, 5).Draw(t, "rating"))
		}
		r := Compute(s, Defaults())
		if r < -1 || r > 1 {
			t.Fatalf("reward %v out of [-1,1]", r)
		}
	})
}

func TestRewardReferentialTransparency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := Signals{
			Resolution:   rapid.Bool().Draw(t, "resolution"),
			BargeInCount: rapid.IntRange(0, 10).Draw(t, "barge"),
			Repeats:      rapid.IntRange(0, 10).Draw(t, "repeats"),
			Handover:     rapid.Bool().Draw(t, "handover"),
			DurationSec:  rapid.Float64Range(0, 1000).Draw(t, "dur"),
		}
		if Compute(s, Defaults()) != Compute(s, Defaults()) {
			t.Fatal("equal inputs yielded unequal rewards")
		}
	})
}
