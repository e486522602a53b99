package call

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"tom/voicecore/internal/audio"
	"tom/voicecore/internal/costlog"
	"tom/voicecore/internal/deploy"
	"tom/voicecore/internal/feedback"
	"tom/voicecore/internal/policy"
	"tom/voicecore/internal/record"
	"tom/voicecore/internal/reward"
	"tom/voicecore/internal/session"
)

// Call states.
type State string

const (
	StateIdle      State = "IDLE"
	StateRinging   State = "RINGING"
	StateAnswered  State = "ANSWERED"
	StateListening State = "LISTENING"
	StateSpeaking  State = "SPEAKING"
	StateClosing   State = "CLOSING"
	StateEnded     State = "ENDED"
)

const apologyPhrase = "Entschuldigung, es gibt gerade ein technisches Problem. Bitte rufen Sie spaeter noch einmal an."

// Config wires one call into the process-wide machinery.
type Config struct {
	CallID  string
	Profile string

	Gate    *deploy.Gate
	Store   *feedback.Store
	Weights reward.Weights
	Catalog policy.Catalog
	Outbox  *Outbox

	// NewSession builds the backend handle (normally the failover
	// controller) for the selected variant.
	NewSession func(variant policy.Variant) (session.Session, error)

	Bus      *audio.Bus
	Recorder *record.Recorder // optional
	CostLog  *costlog.Log     // optional

	RingTimeout      time.Duration
	GreetingTimeout  time.Duration
	SpeakingTimeout  time.Duration
	ListeningTimeout time.Duration
}

func (c *Config) fill() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.GreetingTimeout <= 0 {
		c.GreetingTimeout = 5 * time.Second
	}
	if c.SpeakingTimeout <= 0 {
		c.SpeakingTimeout = 30 * time.Second
	}
	if c.ListeningTimeout <= 0 {
		c.ListeningTimeout = 10 * time.Second
	}
}

type cmdKind int

const (
	cmdAnswer cmdKind = iota
	cmdHangup
)

type command struct {
	kind  cmdKind
	cause string
}

// Call is the per-call state machine. A single loop goroutine owns all
// mutable call state; commands, inbound audio, session events, and timers
// are merged into it. The session posts into an opaque event channel and
// never sees the FSM.
type Call struct {
	cfg Config

	cmds   chan command
	events chan session.Event
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   State

	// loop-owned, no locking
	sess            session.Session
	sessEvents      <-chan session.Event
	variant         policy.Variant
	reachedAnswered bool
	answeredAt      time.Time
	sig             feedback.Signals
	prevFinal       string
	lastFinal       string
	sums            session.Durations
	turns           int
	closeCause      string
	userSpeaking    bool
	greetingDone    bool
	turnStartedAt   time.Time
}

func New(cfg Config) *Call {
	cfg.fill()
	return &Call{
		cfg:    cfg,
		cmds:   make(chan command, 4),
		events: make(chan session.Event, 64),
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Start accepts the incoming call: IDLE -> RINGING, ring timer armed.
func (c *Call) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.setState(StateRinging)
	go c.loop()
}

// Answer moves the call to ANSWERED: variant selection, session build,
// greeting.
func (c *Call) Answer() {
	select {
	case c.cmds <- command{kind: cmdAnswer}:
	case <-c.done:
	}
}

// Hangup ends the call with a cause ("bye", "transport_closed", ...).
func (c *Call) Hangup(cause string) {
	select {
	case c.cmds <- command{kind: cmdHangup, cause: cause}:
	case <-c.done:
	}
}

// Events is the relay stream the gateway maps onto wire messages.
func (c *Call) Events() <-chan session.Event { return c.events }

func (c *Call) Done() <-chan struct{} { return c.done }

func (c *Call) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Variant reports the selected policy variant id, empty before ANSWERED.
func (c *Call) Variant() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.variant.ID
}

// RecordOut taps an outbound frame for the QA recorder. Called by the
// transport writer as it drains the outbound queue.
func (c *Call) RecordOut(f audio.Frame) {
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.WriteOut(f)
	}
}

func (c *Call) setState(s State) {
	c.stateMu.Lock()
	from := c.state
	c.state = s
	c.stateMu.Unlock()
	if from != s {
		metricStateTransitions.WithLabelValues(string(from), string(s)).Inc()
	}
}

func (c *Call) setVariant(v policy.Variant) {
	c.stateMu.Lock()
	c.variant = v
	c.stateMu.Unlock()
}

func (c *Call) loop() {
	timer := time.NewTimer(c.cfg.RingTimeout)
	defer timer.Stop()

	resetTimer := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	for c.State() != StateClosing {
		select {
		case <-c.ctx.Done():
			c.beginClosing("canceled")

		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdAnswer:
				if c.State() != StateRinging {
					continue
				}
				if err := c.answer(); err != nil {
					log.Printf("[call] %s answer failed: %v", c.cfg.CallID, err)
					c.relayError(err)
					c.beginClosing("backend_unavailable")
					continue
				}
				resetTimer(c.cfg.GreetingTimeout)
			case cmdHangup:
				c.beginClosing(cmd.cause)
			}

		case <-timer.C:
			switch c.State() {
			case StateRinging:
				c.beginClosing("ring_timeout")
			case StateAnswered:
				c.beginClosing("greeting_timeout")
			case StateSpeaking:
				c.beginClosing("speaking_timeout")
			case StateListening:
				if c.userSpeaking {
					resetTimer(c.cfg.ListeningTimeout)
				} else {
					c.beginClosing("idle_timeout")
				}
			}

		case <-c.cfg.Bus.Inbound.Wait():
			for {
				f, ok := c.cfg.Bus.Inbound.Pop()
				if !ok {
					break
				}
				if c.cfg.Recorder != nil {
					c.cfg.Recorder.WriteIn(f)
				}
				if c.sess != nil {
					c.sess.PushFrame(f)
				}
			}

		case ev, ok := <-c.sessEvents:
			if !ok {
				c.sessEvents = nil
				continue
			}
			c.handleSessionEvent(ev, resetTimer)
		}
	}
	c.finalize()
}

func (c *Call) answer() error {
	variantID := c.cfg.Gate.Select()
	v, ok := c.cfg.Catalog.ByID(variantID)
	if !ok {
		v = c.cfg.Catalog.Base()
	}
	sess, err := c.cfg.NewSession(v)
	if err != nil {
		return err
	}
	if err := sess.Start(c.ctx, v); err != nil {
		sess.Close()
		return err
	}
	c.sess = sess
	c.sessEvents = sess.Events()
	c.setVariant(v)
	c.reachedAnswered = true
	c.answeredAt = time.Now()
	c.setState(StateAnswered)
	log.Printf("[call] %s answered variant=%s", c.cfg.CallID, v.ID)

	greeting := v.Parameters.Greeting
	if greeting == "" {
		greeting = "Guten Tag, wie kann ich Ihnen helfen?"
	}
	return c.sess.Speak(greeting)
}

func (c *Call) handleSessionEvent(ev session.Event, resetTimer func(time.Duration)) {
	switch ev.Type {
	case session.EventSpeakDone:
		if c.State() == StateAnswered {
			c.greetingDone = true
			c.setState(StateListening)
			resetTimer(c.cfg.ListeningTimeout)
		}

	case session.EventUserSpeakingStart:
		c.userSpeaking = true
		switch c.State() {
		case StateSpeaking, StateAnswered:
			// barge-in: output stop must complete within 120 ms; the
			// session already stopped synthesis, this enforces the flush
			c.sess.StopOutput()
			c.sig.BargeInCount++
			metricBargeIns.Inc()
			c.setState(StateListening)
			resetTimer(c.cfg.ListeningTimeout)
			c.relay(session.Event{Type: session.EventBargeIn, TsMs: ev.TsMs})
		case StateListening:
			resetTimer(c.cfg.ListeningTimeout)
		}

	case session.EventUserSpeakingEnd:
		c.userSpeaking = false
		if c.State() == StateListening {
			c.setState(StateSpeaking)
			c.turnStartedAt = time.Now()
			resetTimer(c.cfg.SpeakingTimeout)
		}

	case session.EventSTTPartial, session.EventLLMToken:
		c.relay(ev)

	case session.EventSTTFinal:
		norm := strings.ToLower(strings.TrimSpace(ev.Text))
		if norm != "" && norm == c.prevFinal {
			c.sig.Repeats++
		}
		c.prevFinal = norm
		c.lastFinal = ev.Text
		c.relay(ev)

	case session.EventFirstAudio:
		if !c.turnStartedAt.IsZero() {
			metricFirstAudioMs.Observe(float64(time.Since(c.turnStartedAt).Milliseconds()))
		}

	case session.EventTurnEnd:
		c.turns++
		c.sums.SttMs += ev.Durations.SttMs
		c.sums.LlmMs += ev.Durations.LlmMs
		c.sums.TtsMs += ev.Durations.TtsMs
		c.sums.E2eMs += ev.Durations.E2eMs
		if c.State() == StateSpeaking {
			c.setState(StateListening)
			resetTimer(c.cfg.ListeningTimeout)
		}
		c.relay(ev)

	case session.EventError:
		// recoverable errors never reach here; failover absorbs them
		c.relay(ev)
		c.beginClosing("session_error")
	}
}

func (c *Call) beginClosing(cause string) {
	if c.State() == StateClosing || c.State() == StateEnded {
		return
	}
	c.closeCause = cause
	c.setState(StateClosing)
	log.Printf("[call] %s closing cause=%s", c.cfg.CallID, cause)
}

// finalize runs the CLOSING work: optional apology, teardown, reward,
// feedback, bandit update. Exactly one feedback event is recorded iff the
// call reached ANSWERED.
func (c *Call) finalize() {
	defer close(c.done)
	defer close(c.events)
	defer c.setState(StateEnded)

	if c.sess != nil {
		if c.closeCause == "session_error" || c.closeCause == "speaking_timeout" {
			c.apologize()
		}
		c.sess.Close()
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if !c.reachedAnswered {
		return
	}

	c.sig.DurationSec = time.Since(c.answeredAt).Seconds()
	c.sig.Handover = c.closeCause == "handover"
	if r, ok := ParseRating(c.lastFinal); ok {
		c.sig.UserRating = &r
	}
	// a call counts as resolved when the caller hung up on their own terms
	// after at least one completed turn
	c.sig.Resolution = c.turns > 0 && (c.closeCause == "bye" || c.closeCause == "idle_timeout")

	rw := reward.Compute(c.sig.ToReward(), c.cfg.Weights)
	ev := feedback.NewEvent(c.cfg.CallID, c.answeredAt, c.cfg.Profile, c.variant.ID, c.sig, rw)

	entry := OutboxEntry{Event: &ev, VariantID: c.variant.ID, Reward: rw}
	if err := c.cfg.Store.Append(ev); err != nil {
		log.Printf("[call] %s feedback append failed: %v", c.cfg.CallID, err)
		entry.NeedStore = true
	}
	if err := c.cfg.Gate.RecordOutcome(c.variant.ID, rw); err != nil {
		log.Printf("[call] %s outcome update failed: %v", c.cfg.CallID, err)
		entry.NeedUpdate = true
	}
	if (entry.NeedStore || entry.NeedUpdate) && c.cfg.Outbox != nil {
		c.cfg.Outbox.Hold(entry)
	}
	if c.cfg.CostLog != nil {
		if _, err := c.cfg.CostLog.Append(ev.CallIDHash, c.sums); err != nil {
			log.Printf("[call] %s cost log append failed: %v", c.cfg.CallID, err)
		}
	}
	metricCallsEnded.WithLabelValues(c.closeCause).Inc()
	log.Printf("[call] %s ended cause=%s reward=%.3f turns=%d variant=%s",
		c.cfg.CallID, c.closeCause, rw, c.turns, c.variant.ID)
}

// apologize plays a short phrase when the session can still speak.
func (c *Call) apologize() {
	if err := c.sess.Speak(apologyPhrase); err != nil {
		return
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-c.sessEvents:
			if !ok {
				return
			}
			if ev.Type == session.EventSpeakDone {
				return
			}
		case <-deadline:
			return
		}
	}
}

func (c *Call) relay(ev session.Event) {
	select {
	case c.events <- ev:
	default:
		metricRelayDropped.Inc()
	}
}

func (c *Call) relayError(err error) {
	if se, ok := err.(*session.Error); ok {
		c.relay(session.Event{Type: session.EventError, Err: se})
		return
	}
	c.relay(session.Event{Type: session.EventError,
		Err: session.NewError(session.KindInternal, "call setup failed", err)})
}
