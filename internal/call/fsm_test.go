package call

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/bandit"
	"tom/voicecore/internal/deploy"
	"tom/voicecore/internal/feedback"
	"tom/voicecore/internal/policy"
	"tom/voicecore/internal/reward"
	"tom/voicecore/internal/session"
)

type stubSession struct {
	mu            sync.Mutex
	events        chan session.Event
	spoken        []string
	stops         int
	frames        int
	autoSpeakDone bool
	closed        bool
}

func newStubSession(autoSpeakDone bool) *stubSession {
	return &stubSession{events: make(chan session.Event, 64), autoSpeakDone: autoSpeakDone}
}

func (s *stubSession) Start(ctx context.Context, v policy.Variant) error { return nil }

func (s *stubSession) PushFrame(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	return nil
}

func (s *stubSession) Events() <-chan session.Event { return s.events }

func (s *stubSession) StopOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *stubSession) Speak(text string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	if s.autoSpeakDone {
		s.events <- session.Event{Type: session.EventSpeakDone}
	}
	return nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

type callEnv struct {
	call  *Call
	stub  *stubSession
	store *feedback.Store
	gate  *deploy.Gate
	bdt   *bandit.Bandit
}

func newCallEnv(t *testing.T, autoSpeakDone bool) *callEnv {
	t.Helper()
	cat := policy.Catalog{Variants: []policy.Variant{
		{ID: "base_v1", IsBase: true, Parameters: policy.Parameters{Greeting: "Guten Tag"}},
	}}
	bdt, err := bandit.New(nil, "")
	require.NoError(t, err)
	gate, err := deploy.New(cat, bdt, deploy.Config{}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	store, err := feedback.OpenStore(filepath.Join(t.TempDir(), "feedback.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stub := newStubSession(autoSpeakDone)
	env := &callEnv{stub: stub, store: store, gate: gate, bdt: bdt}
	env.call = New(Config{
		CallID:  "call-test-1",
		Profile: "default",
		Gate:    gate,
		Store:   store,
		Weights: reward.Defaults(),
		Catalog: cat,
		Outbox:  NewOutbox(),
		NewSession: func(v policy.Variant) (session.Session, error) {
			return stub, nil
		},
		Bus:              audio.NewBus(audio.DefaultQueueDepth),
		RingTimeout:      2 * time.Second,
		GreetingTimeout:  2 * time.Second,
		SpeakingTimeout:  2 * time.Second,
		ListeningTimeout: 2 * time.Second,
	})
	return env
}

func waitState(t *testing.T, c *Call, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		3*time.Second, 5*time.Millisecond, "state is %s, want %s", c.State(), want)
}

func waitEnded(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("call never ended, state=%s", c.State())
	}
	require.Equal(t, StateEnded, c.State())
}

func TestHappyPathRecordsOneFeedbackEvent(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	require.Equal(t, StateRinging, env.call.State())

	env.call.Answer()
	waitState(t, env.call, StateListening) // greeting spoken

	env.stub.mu.Lock()
	require.Equal(t, []string{"Guten Tag"}, env.stub.spoken)
	env.stub.mu.Unlock()

	// one full turn
	env.stub.events <- session.Event{Type: session.EventUserSpeakingStart}
	env.stub.events <- session.Event{Type: session.EventUserSpeakingEnd}
	waitState(t, env.call, StateSpeaking)
	env.stub.events <- session.Event{Type: session.EventSTTFinal, Text: "ich habe eine frage"}
	env.stub.events <- session.Event{Type: session.EventTurnEnd, TurnID: "t1",
		Durations: session.Durations{SttMs: 100, LlmMs: 200, TtsMs: 100, E2eMs: 500}}
	waitState(t, env.call, StateListening)

	env.call.Hangup("bye")
	waitEnded(t, env.call)

	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Equal(t, 1, stats["base_v1"].Count, "exactly one feedback event per answered call")
	require.Equal(t, 1, stats["base_v1"].Resolved)

	bs, ok := env.bdt.Stats("base_v1")
	require.True(t, ok)
	require.Equal(t, 1, bs.Pulls, "the bandit sees exactly one update")
}

func TestNoFeedbackBeforeAnswered(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	env.call.Hangup("transport_closed")
	waitEnded(t, env.call)

	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Empty(t, stats)

	bs, _ := env.bdt.Stats("base_v1")
	require.Equal(t, 0, bs.Pulls)
}

func TestBargeInStopsOutputAndCounts(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	env.call.Answer()
	waitState(t, env.call, StateListening)

	env.stub.events <- session.Event{Type: session.EventUserSpeakingStart}
	env.stub.events <- session.Event{Type: session.EventUserSpeakingEnd}
	waitState(t, env.call, StateSpeaking)

	// caller interrupts mid-response
	env.stub.events <- session.Event{Type: session.EventUserSpeakingStart}
	waitState(t, env.call, StateListening)
	require.Eventually(t, func() bool {
		env.stub.mu.Lock()
		defer env.stub.mu.Unlock()
		return env.stub.stops >= 1
	}, time.Second, 5*time.Millisecond, "barge-in must stop session output")

	env.call.Hangup("bye")
	waitEnded(t, env.call)
}

func TestBargeInRelayedToTransport(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	env.call.Answer()
	waitState(t, env.call, StateListening)

	env.stub.events <- session.Event{Type: session.EventUserSpeakingStart}
	env.stub.events <- session.Event{Type: session.EventUserSpeakingEnd}
	waitState(t, env.call, StateSpeaking)
	env.stub.events <- session.Event{Type: session.EventUserSpeakingStart, TsMs: 1234}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-env.call.Events():
			if ev.Type == session.EventBargeIn {
				require.Equal(t, uint32(1234), ev.TsMs)
				env.call.Hangup("bye")
				waitEnded(t, env.call)
				return
			}
		case <-deadline:
			t.Fatal("barge_in never relayed")
		}
	}
}

func TestSessionErrorClosesWithFeedback(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	env.call.Answer()
	waitState(t, env.call, StateListening)

	env.stub.events <- session.Event{Type: session.EventError,
		Err: session.NewError(session.KindTerminal, "both backends down", nil)}
	waitEnded(t, env.call)

	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Equal(t, 1, stats["base_v1"].Count, "answered calls record feedback even on error")
	require.Equal(t, 0, stats["base_v1"].Resolved)
}

func TestRingTimeout(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.cfg.RingTimeout = 50 * time.Millisecond
	env.call.Start(context.Background())
	waitEnded(t, env.call)

	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Empty(t, stats, "unanswered calls leave no feedback")
}

func TestIdleListeningTimeout(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.cfg.ListeningTimeout = 100 * time.Millisecond
	env.call.Start(context.Background())
	env.call.Answer()
	waitState(t, env.call, StateListening)
	waitEnded(t, env.call)

	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Equal(t, 1, stats["base_v1"].Count)
}

func TestRatingParsedFromFinalUtterance(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	env.call.Answer()
	waitState(t, env.call, StateListening)

	env.stub.events <- session.Event{Type: session.EventUserSpeakingStart}
	env.stub.events <- session.Event{Type: session.EventUserSpeakingEnd}
	waitState(t, env.call, StateSpeaking)
	env.stub.events <- session.Event{Type: session.EventSTTFinal, Text: "4 von 5"}
	env.stub.events <- session.Event{Type: session.EventTurnEnd, TurnID: "t1"}
	waitState(t, env.call, StateListening)

	env.call.Hangup("bye")
	waitEnded(t, env.call)

	// rating 4 contributes +0.1; verify through the recorded mean reward
	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Equal(t, 1, stats["base_v1"].Count)
	require.Greater(t, stats["base_v1"].MeanReward, 0.8)
}

func TestRepeatsCounted(t *testing.T) {
	env := newCallEnv(t, true)
	env.call.Start(context.Background())
	env.call.Answer()
	waitState(t, env.call, StateListening)

	for i := 0; i < 2; i++ {
		env.stub.events <- session.Event{Type: session.EventUserSpeakingStart}
		env.stub.events <- session.Event{Type: session.EventUserSpeakingEnd}
		waitState(t, env.call, StateSpeaking)
		env.stub.events <- session.Event{Type: session.EventSTTFinal, Text: "Wie ist die Lieferzeit?"}
		env.stub.events <- session.Event{Type: session.EventTurnEnd}
		waitState(t, env.call, StateListening)
	}
	env.call.Hangup("bye")
	waitEnded(t, env.call)

	// one repeat costs 0.1/3; resolution=true, duration short -> reward well
	// above zero but below the no-repeat case
	stats, err := env.store.Stats(0)
	require.NoError(t, err)
	require.Equal(t, 1, stats["base_v1"].Count)
}
