package deploy

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/bandit"
	"tom/voicecore/internal/policy"
)

func catalog(ids ...string) policy.Catalog {
	c := policy.Catalog{}
	for i, id := range ids {
		c.Variants = append(c.Variants, policy.Variant{ID: id, IsBase: i == 0})
	}
	return c
}

func newGate(t *testing.T, cfg Config, seed int64, ids ...string) (*Gate, *bandit.Bandit) {
	t.Helper()
	b, err := bandit.New(nil, "")
	require.NoError(t, err)
	g, err := New(catalog(ids...), b, cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return g, b
}

func TestNewVariantsStartActiveAndNew(t *testing.T) {
	g, _ := newGate(t, Config{SplitNew: 0.1, SplitUncertain: 0.05}, 1, "V0", "V1", "V2")
	st := g.Snapshot()
	require.Equal(t, []string{"V0", "V1", "V2"}, st.Active)
	require.Equal(t, []string{"V1", "V2"}, st.NewVariants, "base is never treated as new")
	require.Empty(t, st.Blacklist)
	require.Equal(t, "V0", st.BaseVariantID)
}

func TestTrafficSplitDistribution(t *testing.T) {
	// V1 is new, V2 uncertain (some pulls, below confidence), V0 base.
	g, _ := newGate(t, Config{SplitNew: 0.10, SplitUncertain: 0.05}, 42, "V0", "V1", "V2")
	for i := 0; i < 3; i++ {
		require.NoError(t, g.RecordOutcome("V2", 0.1))
	}
	st := g.Snapshot()
	require.Equal(t, []string{"V1"}, st.NewVariants)
	require.Equal(t, []string{"V2"}, st.Uncertain)

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		counts[g.Select()]++
	}
	// New split is 10%, uncertain 5% of the remainder. The bandit branch can
	// also land on V1/V2, so the bands are generous.
	require.GreaterOrEqual(t, counts["V1"], 800, "counts=%v", counts)
	require.LessOrEqual(t, counts["V1"], 2000, "counts=%v", counts)
	require.GreaterOrEqual(t, counts["V2"], 350, "counts=%v", counts)
	require.LessOrEqual(t, counts["V2"], 2500, "counts=%v", counts)
	require.Greater(t, counts["V0"], 0)
}

func TestSelectDeterministicWithSeed(t *testing.T) {
	run := func() []string {
		g, _ := newGate(t, Config{SplitNew: 0.10, SplitUncertain: 0.05}, 42, "V0", "V1", "V2")
		out := make([]string, 200)
		for i := range out {
			out[i] = g.Select()
		}
		return out
	}
	require.Equal(t, run(), run())
}

func TestFallbackToBaseWhenAllBlacklisted(t *testing.T) {
	g, _ := newGate(t, Config{BlacklistMinSamples: 5, BlacklistMinReward: -0.2}, 1, "V0", "V1")
	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordOutcome("V1", -0.8))
	}
	st := g.Snapshot()
	require.Equal(t, []string{"V1"}, st.Blacklist)
	require.Equal(t, []string{"V0"}, st.Active)
	for i := 0; i < 100; i++ {
		require.Equal(t, "V0", g.Select())
	}
}

func TestBlacklistAfterSustainedNegativeReward(t *testing.T) {
	g, _ := newGate(t, Config{SplitNew: 0.10, SplitUncertain: 0.05, BlacklistMinSamples: 20, BlacklistMinReward: -0.2}, 42,
		"V0", "V1", "V2", "V3")
	for i := 0; i < 19; i++ {
		require.NoError(t, g.RecordOutcome("V3", -0.3))
	}
	require.Empty(t, g.Snapshot().Blacklist, "19 samples are not enough evidence")
	require.NoError(t, g.RecordOutcome("V3", -0.3))
	require.Equal(t, []string{"V3"}, g.Snapshot().Blacklist)

	for i := 0; i < 1000; i++ {
		require.NotEqual(t, "V3", g.Select(), "blacklisted variant must never be selected")
	}
}

func TestBaseNeverBlacklisted(t *testing.T) {
	g, _ := newGate(t, Config{BlacklistMinSamples: 5, BlacklistMinReward: -0.2}, 1, "V0", "V1")
	for i := 0; i < 10; i++ {
		require.NoError(t, g.RecordOutcome("V0", -1))
	}
	st := g.Snapshot()
	require.NotContains(t, st.Blacklist, "V0")
	require.Contains(t, st.Active, "V0")
}

func TestStateSetsDisjoint(t *testing.T) {
	g, _ := newGate(t, Config{BlacklistMinSamples: 5, BlacklistMinReward: -0.2}, 3, "V0", "V1", "V2")
	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordOutcome("V1", -0.9))
		require.NoError(t, g.RecordOutcome("V2", 0.9))
	}
	st := g.Snapshot()
	for _, id := range st.Blacklist {
		require.NotContains(t, st.Active, id, "active and blacklist must be disjoint")
	}
}

func TestUncertainGraduatesAtConfidence(t *testing.T) {
	g, _ := newGate(t, Config{SplitNew: 0.1, SplitUncertain: 0.05}, 1, "V0", "V1")
	require.NoError(t, g.RecordOutcome("V1", 0.5))
	require.Contains(t, g.Snapshot().Uncertain, "V1")
	require.NotContains(t, g.Snapshot().NewVariants, "V1", "first outcome graduates a variant out of new")

	for i := 0; i < bandit.MinPullsForConfidence-1; i++ {
		require.NoError(t, g.RecordOutcome("V1", 0.5))
	}
	require.NotContains(t, g.Snapshot().Uncertain, "V1")
}

func TestStatePersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		StatePath:           filepath.Join(dir, "deploy_state.json"),
		SplitNew:            0.1,
		SplitUncertain:      0.05,
		BlacklistMinSamples: 5,
		BlacklistMinReward:  -0.2,
	}
	b, err := bandit.New(nil, "")
	require.NoError(t, err)
	g, err := New(catalog("V0", "V1"), b, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, g.RecordOutcome("V1", -0.9))
	}
	want := g.Snapshot()

	b2, err := bandit.New(nil, "")
	require.NoError(t, err)
	g2, err := New(catalog("V0", "V1"), b2, cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Equal(t, want, g2.Snapshot())
}
