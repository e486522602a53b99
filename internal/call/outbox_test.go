package call

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/bandit"
	"tom/voicecore/internal/deploy"
	"tom/voicecore/internal/feedback"
	"tom/voicecore/internal/policy"
)

func outboxFixtures(t *testing.T) (*feedback.Store, *deploy.Gate, *bandit.Bandit) {
	t.Helper()
	cat := policy.Catalog{Variants: []policy.Variant{{ID: "base_v1", IsBase: true}}}
	bdt, err := bandit.New(nil, "")
	require.NoError(t, err)
	gate, err := deploy.New(cat, bdt, deploy.Config{}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	store, err := feedback.OpenStore(filepath.Join(t.TempDir(), "feedback.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, gate, bdt
}

func TestOutboxFlushDelivers(t *testing.T) {
	store, gate, bdt := outboxFixtures(t)
	o := NewOutbox()

	ev := feedback.NewEvent("call-1", time.Now(), "default", "base_v1", feedback.Signals{Resolution: true}, 0.8)
	o.Hold(OutboxEntry{Event: &ev, VariantID: "base_v1", Reward: 0.8, NeedStore: true, NeedUpdate: true})
	require.Equal(t, 1, o.Len())

	require.Equal(t, 1, o.Flush(store, gate))
	require.Equal(t, 0, o.Len())

	stats, err := store.Stats(0)
	require.NoError(t, err)
	require.Equal(t, 1, stats["base_v1"].Count)
	bs, _ := bdt.Stats("base_v1")
	require.Equal(t, 1, bs.Pulls)
}

func TestOutboxKeepsFailingEntries(t *testing.T) {
	store, gate, _ := outboxFixtures(t)
	o := NewOutbox()

	// variant the bandit has never heard of: the update keeps failing
	o.Hold(OutboxEntry{VariantID: "ghost", Reward: 0.1, NeedUpdate: true})
	require.Equal(t, 0, o.Flush(store, gate))
	require.Equal(t, 1, o.Len())
	require.Equal(t, 0, o.Flush(store, gate))
	require.Equal(t, 1, o.Len())
}

func TestOutboxPartialFailure(t *testing.T) {
	store, gate, bdt := outboxFixtures(t)
	o := NewOutbox()

	ok := feedback.NewEvent("call-ok", time.Now(), "default", "base_v1", feedback.Signals{}, 0.2)
	o.Hold(OutboxEntry{Event: &ok, VariantID: "base_v1", Reward: 0.2, NeedStore: true, NeedUpdate: true})
	o.Hold(OutboxEntry{VariantID: "ghost", Reward: -0.5, NeedUpdate: true})

	require.Equal(t, 1, o.Flush(store, gate))
	require.Equal(t, 1, o.Len())

	bs, _ := bdt.Stats("base_v1")
	require.Equal(t, 1, bs.Pulls)
}
